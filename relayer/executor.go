package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shieldrelay/broadcaster-node/metrics"
	"go.uber.org/zap"
)

type ExecutionConfig struct {
	CallTimeout       time.Duration
	SettlementTimeout time.Duration
	ReceiptPollDelay  time.Duration
}

var DefaultExecutionConfig = ExecutionConfig{
	CallTimeout:       10 * time.Second,
	SettlementTimeout: 3 * time.Minute,
	ReceiptPollDelay:  2 * time.Second,
}

// ExecutionEngine signs and broadcasts relayed transactions from the wallet pool.
// A wallet stays reserved from nonce assignment until its transaction settled.
type ExecutionEngine struct {
	log          *zap.Logger
	cfg          ExecutionConfig
	providers    Providers
	wallets      *WalletPool
	selector     *BestMatchSelector
	availability *AvailabilityTracker
	balances     *BalanceCache
	nonces       *NonceManager
	monitor      *PendingTransactionMonitor

	backgroundWg sync.WaitGroup
}

func NewExecutionEngine(
	log *zap.Logger, cfg ExecutionConfig, providers Providers, wallets *WalletPool,
	selector *BestMatchSelector, availability *AvailabilityTracker, balances *BalanceCache,
	nonces *NonceManager, monitor *PendingTransactionMonitor,
) *ExecutionEngine {
	return &ExecutionEngine{
		log:          log.Named("engine"),
		cfg:          cfg,
		providers:    providers,
		wallets:      wallets,
		selector:     selector,
		availability: availability,
		balances:     balances,
		nonces:       nonces,
		monitor:      monitor,
	}
}

// reserve picks and reserves a wallet. A wallet taken by a concurrent submission
// between selection and reservation is skipped and the selection repeated.
func (e *ExecutionEngine) reserve(ctx context.Context, network *Network, gas *GasDetails, wallet *ActiveWallet) (*ActiveWallet, error) {
	if wallet != nil {
		if !e.availability.TryReserve(wallet.Address, network.Chain) {
			return nil, fmt.Errorf("%w: %s on %s", ErrWalletUnavailable, wallet.Address.Hex(), network.Chain)
		}
		return wallet, nil
	}

	attempts := len(e.wallets.ActiveWalletsForChain(network.Chain)) + 1
	for i := 0; i < attempts; i++ {
		w, err := e.selector.BestMatchWallet(ctx, network, gas.MaximumGas())
		if err != nil {
			return nil, err
		}
		if e.availability.TryReserve(w.Address, network.Chain) {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: chain %s, every wallet taken concurrently", ErrRelayerOutOfGas, network.Chain)
}

func buildTransaction(network *Network, tx TxRequest, gas *GasDetails, nonce uint64) *types.Transaction {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	to := tx.To
	if gas.GasType == GasTypeLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gas.GasPrice,
			Gas:      gas.GasEstimate,
			To:       &to,
			Value:    value,
			Data:     tx.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(network.Chain.ID),
		Nonce:     nonce,
		GasTipCap: gas.MaxPriorityFeePerGas,
		GasFeeCap: gas.MaxFeePerGas,
		Gas:       gas.GasEstimate,
		To:        &to,
		Value:     value,
		Data:      tx.Data,
	})
}

func txSender(chain Chain, tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(new(big.Int).SetUint64(chain.ID)), tx)
}

// ExecuteTransaction submits tx from wallet, or from the best matching wallet when
// wallet is nil, and returns the broadcast transaction.
func (e *ExecutionEngine) ExecuteTransaction(ctx context.Context, network *Network, tx TxRequest, gas *GasDetails, wallet *ActiveWallet) (_ *types.Transaction, err error) {
	provider, err := e.providers.Get(network.Chain)
	if err != nil {
		return nil, err
	}

	w, err := e.reserve(ctx, network, gas, wallet)
	if err != nil {
		if errors.Is(err, ErrRelayerOutOfGas) {
			metrics.IncRelayerOutOfGas()
		}
		return nil, err
	}
	defer func() {
		if err != nil {
			e.availability.SetAvailability(w.Address, network.Chain, true)
		}
	}()
	logger := e.log.With(zap.String("chain", network.Chain.String()), zap.String("wallet", w.Address.Hex()))

	unlock := e.nonces.Lock(network.Chain, w.Address)
	defer unlock()

	nonce, err := e.nonces.assign(ctx, network.Chain, w.Address)
	if err != nil {
		return nil, err
	}

	chainID := new(big.Int).SetUint64(network.Chain.ID)
	signed, err := types.SignTx(buildTransaction(network, tx, gas, nonce), types.LatestSignerForChainID(chainID), w.PrivateKey)
	if err != nil {
		e.rollback(logger, network.Chain, w.Address, nonce)
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	err = execWithTimeout(ctx, e.cfg.CallTimeout, "send transaction", func(ctx context.Context) error {
		return provider.SendTransaction(ctx, signed)
	})
	if err != nil {
		e.rollback(logger, network.Chain, w.Address, nonce)
		metrics.IncRelaySubmitFailed()
		logger.Warn("Failed to send transaction", zap.Uint64("nonce", nonce), zap.Error(err))
		return nil, fmt.Errorf("chain %s: send transaction: %w", network.Chain, err)
	}

	e.balances.Invalidate(network.Chain, w.Address)
	metrics.IncRelayTxSubmitted()
	logger.Info("Transaction submitted",
		zap.String("hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("maximumGasEth", formatUnits(gas.MaximumGas(), "eth")),
	)

	e.backgroundWg.Add(1)
	go e.settle(network, w, signed)
	return signed, nil
}

func (e *ExecutionEngine) rollback(logger *zap.Logger, chain Chain, wallet common.Address, nonce uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()
	if err := e.nonces.RollbackNonce(ctx, chain, wallet, nonce); err != nil {
		logger.Warn("Failed to roll back nonce", zap.Uint64("nonce", nonce), zap.Error(err))
	}
}

// settle releases the wallet once its transaction no longer blocks it.
func (e *ExecutionEngine) settle(network *Network, wallet *ActiveWallet, tx *types.Transaction) {
	defer e.backgroundWg.Done()
	defer e.availability.SetAvailability(wallet.Address, network.Chain, true)

	logger := e.log.With(zap.String("chain", network.Chain.String()),
		zap.String("wallet", wallet.Address.Hex()), zap.String("hash", tx.Hash().Hex()))

	if e.monitor != nil && e.monitor.Enabled() {
		outcome, err := e.monitor.Watch(context.Background(), network, wallet)
		if err != nil {
			logger.Warn("Pending monitor failed", zap.Error(err))
			return
		}
		logger.Debug("Wallet settled", zap.Stringer("outcome", outcome))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SettlementTimeout)
	defer cancel()
	receipt, err := e.waitForReceipt(ctx, network.Chain, tx.Hash())
	if err != nil {
		logger.Warn("No receipt before settlement timeout, releasing wallet", zap.Error(err))
		return
	}
	logger.Debug("Transaction mined", zap.Uint64("status", receipt.Status))
}

func (e *ExecutionEngine) waitForReceipt(ctx context.Context, chain Chain, hash common.Hash) (*types.Receipt, error) {
	provider, err := e.providers.Get(chain)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(e.cfg.ReceiptPollDelay)
	defer ticker.Stop()
	for {
		receipt, err := callWithTimeout(ctx, e.cfg.CallTimeout, "receipt", func(ctx context.Context) (*types.Receipt, error) {
			return provider.TransactionReceipt(ctx, hash)
		})
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			e.log.Debug("Receipt lookup failed", zap.String("hash", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until every background settlement finished.
func (e *ExecutionEngine) Wait() {
	e.backgroundWg.Wait()
}
