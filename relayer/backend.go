package relayer

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"github.com/ybbus/jsonrpc/v3"
)

type TxKind string

const (
	TxKindRelay       TxKind = "relay"
	TxKindTermination TxKind = "termination"
)

type TxRecord struct {
	Hash        common.Hash
	Chain       Chain
	Wallet      common.Address
	Nonce       uint64
	Kind        TxKind
	FeeToken    *common.Address
	PackagedFee *big.Int
}

// TxRecorder keeps an audit log of submitted transactions.
type TxRecorder interface {
	RecordTransaction(ctx context.Context, rec *TxRecord) error
}

type FeeQuote struct {
	ChainType        ChainType                       `json:"chainType"`
	ChainID          uint64                          `json:"chainID"`
	Fees             map[common.Address]*hexutil.Big `json:"fees"`
	FeeCacheID       string                          `json:"feeCacheID"`
	AvailableWallets int                             `json:"availableWallets"`
	ExpiresAt        int64                           `json:"expiresAt"`
}

type FeePublisher interface {
	PublishFees(ctx context.Context, quote *FeeQuote) error
}

// PriceSource is an external token price oracle.
type PriceSource interface {
	Name() string
	GetPrice(ctx context.Context, chain Chain, token common.Address) (TokenPrice, error)
}

// FeeExtractor reads the fee a client packaged into its shielded transaction.
type FeeExtractor interface {
	ExtractPackagedFee(ctx context.Context, chain Chain, token common.Address, tx TxRequest) (*big.Int, error)
}

type RedisFeePublisher struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisFeePublisher(redisClient *redis.Client, pubChannel string) *RedisFeePublisher {
	return &RedisFeePublisher{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisFeePublisher) PublishFees(ctx context.Context, quote *FeeQuote) error {
	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}

type JSONRPCPriceSource struct {
	name   string
	client jsonrpc.RPCClient
}

func NewJSONRPCPriceSource(name, url string) *JSONRPCPriceSource {
	return &JSONRPCPriceSource{
		name:   name,
		client: jsonrpc.NewClient(url),
	}
}

func (s *JSONRPCPriceSource) Name() string {
	return s.name
}

type tokenPriceResponse struct {
	Price     float64 `json:"price"`
	UpdatedAt int64   `json:"updatedAt"`
}

func (s *JSONRPCPriceSource) GetPrice(ctx context.Context, chain Chain, token common.Address) (TokenPrice, error) {
	var res tokenPriceResponse
	if err := s.client.CallFor(ctx, &res, "oracle_getTokenPrice", chain.Type, chain.ID, token); err != nil {
		return TokenPrice{}, err
	}
	updatedAt := time.Unix(res.UpdatedAt, 0)
	if res.UpdatedAt == 0 {
		updatedAt = time.Now()
	}
	return TokenPrice{Price: res.Price, UpdatedAt: updatedAt}, nil
}

type JSONRPCFeeExtractor struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCFeeExtractor(url string) *JSONRPCFeeExtractor {
	return &JSONRPCFeeExtractor{
		client: jsonrpc.NewClient(url),
	}
}

type extractFeeArgs struct {
	ChainType ChainType      `json:"chainType"`
	ChainID   uint64         `json:"chainID"`
	Token     common.Address `json:"tokenAddress"`
	To        common.Address `json:"to"`
	Data      hexutil.Bytes  `json:"data"`
}

func (e *JSONRPCFeeExtractor) ExtractPackagedFee(ctx context.Context, chain Chain, token common.Address, tx TxRequest) (*big.Int, error) {
	var res hexutil.Big
	err := e.client.CallFor(ctx, &res, "engine_extractPackagedFee", extractFeeArgs{
		ChainType: chain.Type,
		ChainID:   chain.ID,
		Token:     token,
		To:        tx.To,
		Data:      tx.Data,
	})
	if err != nil {
		return nil, err
	}
	return res.ToInt(), nil
}
