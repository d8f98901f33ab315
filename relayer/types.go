package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrConfiguration          = errors.New("configuration error")
	ErrUnsupportedChain       = errors.New("unsupported chain")
	ErrUnsupportedToken       = errors.New("unsupported token")
	ErrPriceUnavailable       = errors.New("price unavailable")
	ErrPriceRatioTooImprecise = errors.New("price ratio too imprecise")
	ErrGasEstimate            = errors.New("gas estimate error")
	ErrRejectedPackagedFee    = errors.New("rejected packaged fee")
	ErrRelayerOutOfGas        = errors.New("relayer out of gas")
	ErrWalletUnavailable      = errors.New("wallet unavailable")
	ErrCallTimeout            = errors.New("call timed out")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

type ChainType uint8

const ChainTypeEVM ChainType = 0

// Chain identifies a network by its family and numeric id.
type Chain struct {
	Type ChainType `json:"type" yaml:"type"`
	ID   uint64    `json:"id" yaml:"id"`
}

func (c Chain) String() string {
	return fmt.Sprintf("%d:%d", c.Type, c.ID)
}

// ParseChain parses the "type:id" form produced by Chain.String.
func ParseChain(s string) (Chain, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return Chain{}, fmt.Errorf("invalid chain %q", s)
	}
	t, err := strconv.ParseUint(typ, 10, 8)
	if err != nil {
		return Chain{}, fmt.Errorf("invalid chain type %q: %w", typ, err)
	}
	i, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return Chain{}, fmt.Errorf("invalid chain id %q: %w", id, err)
	}
	return Chain{Type: ChainType(t), ID: i}, nil
}

// GasType is the EVM fee model used to price transactions on a network.
type GasType uint8

const (
	GasTypeLegacy  GasType = 0
	GasTypeEIP1559 GasType = 2
)

func (g GasType) String() string {
	switch g {
	case GasTypeLegacy:
		return "legacy"
	case GasTypeEIP1559:
		return "eip1559"
	default:
		return "unknown"
	}
}

type FeePolicy struct {
	SlippageBuffer            float64
	ProfitMargin              float64
	GasEstimateVarianceBuffer float64
}

type GasToken struct {
	Symbol                    string
	Decimals                  uint8
	WrappedAddress            common.Address
	MinBalanceForAvailability *big.Int
}

type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type Network struct {
	Chain         Chain
	Name          string
	GasType       GasType
	GasToken      GasToken
	Fees          FeePolicy
	PriceTTL      time.Duration
	ProxyContract common.Address
	Tokens        map[common.Address]Token
}

func (n *Network) Token(address common.Address) (Token, bool) {
	t, ok := n.Tokens[address]
	return t, ok
}

// Networks is the registry of configured networks.
type Networks map[Chain]*Network

func (n Networks) Get(chain Chain) (*Network, error) {
	network, ok := n[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	return network, nil
}

// TxRequest is an unsigned call to be relayed.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

func (r TxRequest) callMsg() ethereum.CallMsg {
	to := r.To
	return ethereum.CallMsg{
		From:  r.From,
		To:    &to,
		Data:  r.Data,
		Value: r.Value,
	}
}

// ChainProvider is the subset of the RPC client used by the node, *ethclient.Client satisfies it.
type ChainProvider interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Providers map[Chain]ChainProvider

func (p Providers) Get(chain Chain) (ChainProvider, error) {
	provider, ok := p[chain]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s", ErrUnsupportedChain, chain)
	}
	return provider, nil
}

type walletKey struct {
	chain   Chain
	address common.Address
}
