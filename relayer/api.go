package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shieldrelay/broadcaster-node/jsonrpcserver"
	"github.com/shieldrelay/broadcaster-node/metrics"
	"github.com/shieldrelay/broadcaster-node/spike"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	GetFeesEndpointName           = "relay_getFees"
	SubmitTransactionEndpointName = "relay_submitTransaction"
	GetStatusEndpointName         = "relay_getStatus"
)

// Error codes reported to relay clients.
const (
	CodeUnsupported      = -32010
	CodeRejectedFee      = -32011
	CodeGasEstimate      = -32012
	CodeRelayerOutOfGas  = -32013
	CodePriceUnavailable = -32014
	CodeLimitExceeded    = -32005
)

var (
	ErrInternalServiceError = errors.New("relayer service error")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrInvalidTransaction   = errors.New("invalid transaction")

	submitTimeout       = 30 * time.Second
	extractFeeTimeout   = 5 * time.Second
	feeQuoteCacheTime   = time.Second
	knownRelayCacheSize = 1000
)

// RelayError attaches a JSON-RPC error code to a relay failure.
type RelayError struct {
	Code int
	Err  error
}

func (e *RelayError) Error() string {
	return e.Err.Error()
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

func (e *RelayError) ErrorCode() int {
	return e.Code
}

var relayErrorCodes = []struct {
	err  error
	code int
}{
	{ErrInvalidTransaction, jsonrpcserver.CodeInvalidParams},
	{ErrUnsupportedChain, CodeUnsupported},
	{ErrUnsupportedToken, CodeUnsupported},
	{ErrRejectedPackagedFee, CodeRejectedFee},
	{ErrGasEstimate, CodeGasEstimate},
	{ErrRelayerOutOfGas, CodeRelayerOutOfGas},
	{ErrWalletUnavailable, CodeRelayerOutOfGas},
	{ErrPriceUnavailable, CodePriceUnavailable},
	{ErrPriceRatioTooImprecise, CodePriceUnavailable},
	{ErrRateLimited, CodeLimitExceeded},
}

// clientError maps err to a coded error for the client; anything unclassified is
// logged and hidden behind ErrInternalServiceError.
func clientError(logger *zap.Logger, err error) error {
	for _, c := range relayErrorCodes {
		if errors.Is(err, c.err) {
			return &RelayError{Code: c.code, Err: err}
		}
	}
	logger.Error("Relay request failed", zap.Error(err))
	return ErrInternalServiceError
}

type RelayRequest struct {
	ChainType             ChainType      `json:"chainType"`
	ChainID               uint64         `json:"chainID"`
	FeeCacheID            string         `json:"feeCacheID"`
	TokenAddress          common.Address `json:"tokenAddress"`
	SerializedTransaction hexutil.Bytes  `json:"serializedTransaction"`
	MinGasPrice           *hexutil.Big   `json:"minGasPrice,omitempty"`
}

type RelayResponse struct {
	TransactionHash common.Hash `json:"transactionHash"`
}

type StatusResponse struct {
	ChainType        ChainType `json:"chainType"`
	ChainID          uint64    `json:"chainID"`
	GasType          string    `json:"gasType"`
	TotalWallets     int       `json:"totalWallets"`
	AvailableWallets int       `json:"availableWallets"`
	PendingWallets   int       `json:"pendingWallets"`
}

type API struct {
	log *zap.Logger

	networks     Networks
	calc         *TokenFeeCalculator
	gas          GasEstimator
	validator    *FeeValidator
	engine       *ExecutionEngine
	wallets      *WalletPool
	availability *AvailabilityTracker
	monitor      *PendingTransactionMonitor
	extractor    FeeExtractor
	recorder     TxRecorder

	submitRateLimiter *rate.Limiter
	feeQuotes         *spike.Manager[string, *FeeQuote]
	knownRelays       *lru.Cache[common.Hash, common.Hash]
}

func NewAPI(
	log *zap.Logger,
	networks Networks, calc *TokenFeeCalculator, gas GasEstimator, validator *FeeValidator,
	engine *ExecutionEngine, wallets *WalletPool, availability *AvailabilityTracker,
	monitor *PendingTransactionMonitor, extractor FeeExtractor, recorder TxRecorder,
	submitRateLimit rate.Limit,
) *API {
	api := &API{
		log:               log.Named("api"),
		networks:          networks,
		calc:              calc,
		gas:               gas,
		validator:         validator,
		engine:            engine,
		wallets:           wallets,
		availability:      availability,
		monitor:           monitor,
		extractor:         extractor,
		recorder:          recorder,
		submitRateLimiter: rate.NewLimiter(submitRateLimit, 1),
		knownRelays:       lru.NewCache[common.Hash, common.Hash](knownRelayCacheSize),
	}
	api.feeQuotes = spike.NewManager(api.quoteFees, feeQuoteCacheTime)
	return api
}

func (m *API) quoteFees(ctx context.Context, key string) (*FeeQuote, error) {
	chain, err := ParseChain(key)
	if err != nil {
		return nil, err
	}
	network, err := m.networks.Get(chain)
	if err != nil {
		return nil, err
	}
	return QuoteFees(ctx, network, m.calc, m.wallets, m.availability)
}

// GetFees returns the current unit fee of every token on the chain together with the
// fee cache id a client quotes back when submitting.
func (m *API) GetFees(ctx context.Context, chainType ChainType, chainID uint64) (_ *FeeQuote, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetFeesEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetFeesEndpointName)
		}
	}()
	logger := m.log.With(zap.String("requestID", jsonrpcserver.GetRequestID(ctx)))

	chain := Chain{Type: chainType, ID: chainID}
	if _, err := m.networks.Get(chain); err != nil {
		return nil, clientError(logger, err)
	}
	quote, err := m.feeQuotes.GetResult(ctx, chain.String())
	if err != nil {
		return nil, clientError(logger, err)
	}
	return quote, nil
}

// relayKey identifies a submission by chain and calldata.
func relayKey(chain Chain, data []byte) common.Hash {
	return crypto.Keccak256Hash([]byte(chain.String()), data)
}

// SubmitTransaction validates the fee packaged into the request and broadcasts it.
func (m *API) SubmitTransaction(ctx context.Context, req RelayRequest) (_ RelayResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SubmitTransactionEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SubmitTransactionEndpointName)
		}
	}()

	chain := Chain{Type: req.ChainType, ID: req.ChainID}
	logger := m.log.With(
		zap.String("requestID", jsonrpcserver.GetRequestID(ctx)),
		zap.String("origin", jsonrpcserver.GetOrigin(ctx)),
		zap.String("chain", chain.String()),
		zap.String("token", req.TokenAddress.Hex()),
	)

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if err := m.submitRateLimiter.Wait(ctx); err != nil {
		return RelayResponse{}, clientError(logger, errors.Join(ErrRateLimited, err))
	}

	network, err := m.networks.Get(chain)
	if err != nil {
		return RelayResponse{}, clientError(logger, err)
	}
	if _, ok := network.Token(req.TokenAddress); !ok {
		return RelayResponse{}, clientError(logger, fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, req.TokenAddress.Hex(), chain))
	}
	if len(req.SerializedTransaction) == 0 {
		return RelayResponse{}, clientError(logger, ErrInvalidTransaction)
	}

	key := relayKey(chain, req.SerializedTransaction)
	if hash, ok := m.knownRelays.Get(key); ok {
		metrics.IncRelayDuplicate()
		logger.Debug("Transaction already relayed", zap.String("hash", hash.Hex()))
		return RelayResponse{TransactionHash: hash}, nil
	}

	tx := TxRequest{From: m.wallets.ShieldedReceiver().Address, To: network.ProxyContract, Data: req.SerializedTransaction}

	packagedFee, err := callWithTimeout(ctx, extractFeeTimeout, "extract packaged fee", func(ctx context.Context) (*big.Int, error) {
		return m.extractor.ExtractPackagedFee(ctx, chain, req.TokenAddress, tx)
	})
	if err != nil {
		logger.Warn("Failed to extract packaged fee", zap.Error(err))
		return RelayResponse{}, clientError(logger, errors.Join(ErrInvalidTransaction, err))
	}

	var minGasPrice *big.Int
	if req.MinGasPrice != nil {
		minGasPrice = req.MinGasPrice.ToInt()
	}
	gas, err := m.estimateGas(ctx, network, tx, req.TokenAddress, minGasPrice)
	if err != nil {
		return RelayResponse{}, clientError(logger, err)
	}

	if err := m.validator.ValidateFee(network, req.TokenAddress, gas.MaximumGas(), req.FeeCacheID, packagedFee); err != nil {
		return RelayResponse{}, clientError(logger, err)
	}

	signed, err := m.engine.ExecuteTransaction(ctx, network, tx, gas, nil)
	if err != nil {
		return RelayResponse{}, clientError(logger, err)
	}
	hash := signed.Hash()
	m.knownRelays.Add(key, hash)

	if m.recorder != nil {
		from, _ := txSender(network.Chain, signed)
		token := req.TokenAddress
		rec := &TxRecord{
			Hash:        hash,
			Chain:       chain,
			Wallet:      from,
			Nonce:       signed.Nonce(),
			Kind:        TxKindRelay,
			FeeToken:    &token,
			PackagedFee: packagedFee,
		}
		if err := m.recorder.RecordTransaction(ctx, rec); err != nil {
			logger.Warn("Failed to record relayed transaction", zap.String("hash", hash.Hex()), zap.Error(err))
		}
	}

	logger.Info("Relayed transaction", zap.String("hash", hash.Hex()), zap.String("packagedFee", packagedFee.String()))
	return RelayResponse{TransactionHash: hash}, nil
}

// estimateGas quotes the token fee of tx, which fills the per-transaction fee cache.
// Without a live price only gas is estimated, since a cached unit fee can still cover the fee.
func (m *API) estimateGas(ctx context.Context, network *Network, tx TxRequest, token common.Address, minGasPrice *big.Int) (*GasDetails, error) {
	fee, err := m.calc.TokenFeeForTransaction(ctx, network, tx, token, minGasPrice)
	if err == nil {
		return fee.Gas, nil
	}
	if !errors.Is(err, ErrPriceUnavailable) && !errors.Is(err, ErrPriceRatioTooImprecise) {
		return nil, err
	}
	return m.gas.EstimateGasDetails(ctx, network, tx, minGasPrice)
}

// GetStatus reports wallet counts for the chain.
func (m *API) GetStatus(ctx context.Context, chainType ChainType, chainID uint64) (_ StatusResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetStatusEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetStatusEndpointName)
		}
	}()
	logger := m.log.With(zap.String("requestID", jsonrpcserver.GetRequestID(ctx)))

	chain := Chain{Type: chainType, ID: chainID}
	network, err := m.networks.Get(chain)
	if err != nil {
		return StatusResponse{}, clientError(logger, err)
	}
	wallets := m.wallets.ActiveWalletsForChain(chain)
	status := StatusResponse{
		ChainType:        chain.Type,
		ChainID:          chain.ID,
		GasType:          network.GasType.String(),
		TotalWallets:     len(wallets),
		AvailableWallets: m.availability.AvailableWalletCount(ctx, network, wallets),
	}
	for _, w := range wallets {
		if m.monitor != nil && m.monitor.State(chain, w.Address) != NoPending {
			status.PendingWallets++
		}
	}
	return status, nil
}
