package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shieldrelay/broadcaster-node/metrics"
	"go.uber.org/zap"
)

var errStillPending = errors.New("transactions still pending")

type PendingState uint8

const (
	NoPending PendingState = iota
	HasPending
	StuckAfterRetries
	Terminating
)

func (s PendingState) String() string {
	switch s {
	case NoPending:
		return "no_pending"
	case HasPending:
		return "has_pending"
	case StuckAfterRetries:
		return "stuck"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

type PendingOutcome uint8

const (
	OutcomeResolved PendingOutcome = iota
	OutcomeTerminated
)

func (o PendingOutcome) String() string {
	if o == OutcomeTerminated {
		return "terminated"
	}
	return "resolved"
}

type PendingMonitorConfig struct {
	Enabled       bool
	InitialDelay  time.Duration
	PollingDelay  time.Duration
	MaxRetryCount uint64
	CallTimeout   time.Duration
	// GasBumpPercent is applied to the live gas price of a termination transaction.
	GasBumpPercent int64
}

var DefaultPendingMonitorConfig = PendingMonitorConfig{
	Enabled:        false,
	InitialDelay:   15 * time.Second,
	PollingDelay:   10 * time.Second,
	MaxRetryCount:  12,
	CallTimeout:    10 * time.Second,
	GasBumpPercent: 150,
}

// PendingTransactionMonitor watches wallets after a submission until every pending
// transaction is mined, and replaces stuck ones with a self transfer.
type PendingTransactionMonitor struct {
	log       *zap.Logger
	cfg       PendingMonitorConfig
	providers Providers
	recorder  TxRecorder

	mu         sync.Mutex
	states     map[walletKey]PendingState
	rechecking map[walletKey]bool
	// generation changes on Reset so rechecks started before it are ignored
	generation uint64
}

func NewPendingTransactionMonitor(log *zap.Logger, cfg PendingMonitorConfig, providers Providers, recorder TxRecorder) *PendingTransactionMonitor {
	if cfg.GasBumpPercent < 100 {
		cfg.GasBumpPercent = DefaultPendingMonitorConfig.GasBumpPercent
	}
	return &PendingTransactionMonitor{
		log:        log.Named("pending"),
		cfg:        cfg,
		providers:  providers,
		recorder:   recorder,
		states:     make(map[walletKey]PendingState),
		rechecking: make(map[walletKey]bool),
	}
}

func (m *PendingTransactionMonitor) Enabled() bool {
	return m.cfg.Enabled
}

func (m *PendingTransactionMonitor) State(chain Chain, wallet common.Address) PendingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[walletKey{chain, wallet}]
}

func (m *PendingTransactionMonitor) setState(key walletKey, state PendingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == NoPending {
		delete(m.states, key)
		return
	}
	m.states[key] = state
}

// HasPendingTransactions returns the last known flag without waiting for the chain.
// When the flag is set a detached recheck is started so a later call sees fresh state.
func (m *PendingTransactionMonitor) HasPendingTransactions(chain Chain, wallet common.Address) bool {
	if !m.cfg.Enabled {
		return false
	}
	key := walletKey{chain, wallet}

	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.states[key] != NoPending
	if pending && !m.rechecking[key] {
		m.rechecking[key] = true
		go m.recheck(key, m.generation)
	}
	return pending
}

func (m *PendingTransactionMonitor) recheck(key walletKey, generation uint64) {
	defer func() {
		m.mu.Lock()
		if m.generation == generation {
			delete(m.rechecking, key)
		}
		m.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.CallTimeout)
	defer cancel()

	resolved, err := m.resolved(ctx, key)
	if err != nil {
		m.log.Debug("Pending recheck failed", zap.String("chain", key.chain.String()),
			zap.String("wallet", key.address.Hex()), zap.Error(err))
		return
	}
	if !resolved {
		return
	}
	m.mu.Lock()
	// a termination in flight owns the state until it completes
	if m.generation == generation && m.states[key] == HasPending {
		delete(m.states, key)
	}
	m.mu.Unlock()
}

// resolved reports whether the pending and the mined transaction counts agree.
func (m *PendingTransactionMonitor) resolved(ctx context.Context, key walletKey) (bool, error) {
	provider, err := m.providers.Get(key.chain)
	if err != nil {
		return false, err
	}
	pending, err := callWithTimeout(ctx, m.cfg.CallTimeout, "pending nonce", func(ctx context.Context) (uint64, error) {
		return provider.PendingNonceAt(ctx, key.address)
	})
	if err != nil {
		return false, err
	}
	latest, err := callWithTimeout(ctx, m.cfg.CallTimeout, "latest nonce", func(ctx context.Context) (uint64, error) {
		return provider.NonceAt(ctx, key.address, nil)
	})
	if err != nil {
		return false, err
	}
	return pending <= latest, nil
}

// Watch follows the wallet until its pending transactions are mined, or terminates
// them once the retry budget is spent. It is a no-op when the monitor is disabled.
func (m *PendingTransactionMonitor) Watch(ctx context.Context, network *Network, wallet *ActiveWallet) (PendingOutcome, error) {
	if !m.cfg.Enabled {
		return OutcomeResolved, nil
	}
	key := walletKey{network.Chain, wallet.Address}
	logger := m.log.With(zap.String("chain", network.Chain.String()), zap.String("wallet", wallet.Address.Hex()))

	m.setState(key, HasPending)

	select {
	case <-time.After(m.cfg.InitialDelay):
	case <-ctx.Done():
		m.setState(key, NoPending)
		return OutcomeResolved, ctx.Err()
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		resolved, err := m.resolved(ctx, key)
		if err != nil {
			logger.Debug("Pending check failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if !resolved {
			return errStillPending
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.PollingDelay), m.cfg.MaxRetryCount), ctx))
	if err == nil {
		m.setState(key, NoPending)
		metrics.IncPendingResolved()
		logger.Debug("Pending transactions resolved", zap.Int("attempts", attempt))
		return OutcomeResolved, nil
	}
	if ctx.Err() != nil {
		m.setState(key, NoPending)
		return OutcomeResolved, ctx.Err()
	}

	m.setState(key, StuckAfterRetries)
	logger.Warn("Pending transactions stuck, terminating", zap.Int("attempts", attempt), zap.Error(err))

	m.setState(key, Terminating)
	tx, err := m.terminate(ctx, network, wallet)
	m.setState(key, NoPending)
	if err != nil {
		logger.Error("Failed to send termination transaction", zap.Error(err))
		return OutcomeTerminated, err
	}
	metrics.IncPendingTerminated()
	logger.Info("Sent termination transaction", zap.String("hash", tx.Hash().Hex()), zap.Uint64("nonce", tx.Nonce()))
	return OutcomeTerminated, nil
}

func bumpPercent(v *big.Int, percent int64) *big.Int {
	res := new(big.Int).Mul(v, big.NewInt(percent))
	return res.Div(res, big.NewInt(100))
}

// terminate replaces the oldest pending transaction with an empty transfer to self
// priced above the current market.
func (m *PendingTransactionMonitor) terminate(ctx context.Context, network *Network, wallet *ActiveWallet) (*types.Transaction, error) {
	provider, err := m.providers.Get(network.Chain)
	if err != nil {
		return nil, err
	}
	nonce, err := callWithTimeout(ctx, m.cfg.CallTimeout, "latest nonce", func(ctx context.Context) (uint64, error) {
		return provider.NonceAt(ctx, wallet.Address, nil)
	})
	if err != nil {
		return nil, err
	}
	feeData, err := fetchFeeData(ctx, provider, network.GasType, m.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}

	chainID := new(big.Int).SetUint64(network.Chain.ID)
	var txData types.TxData
	if network.GasType == GasTypeLegacy {
		txData = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: bumpPercent(feeData.GasPrice, m.cfg.GasBumpPercent),
			Gas:      params.TxGas,
			To:       &wallet.Address,
			Value:    new(big.Int),
		}
	} else {
		txData = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: bumpPercent(feeData.MaxPriorityFeePerGas, m.cfg.GasBumpPercent),
			GasFeeCap: bumpPercent(feeData.MaxFeePerGas, m.cfg.GasBumpPercent),
			Gas:       params.TxGas,
			To:        &wallet.Address,
			Value:     new(big.Int),
		}
	}
	tx, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(chainID), wallet.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign termination: %w", err)
	}
	if err := execWithTimeout(ctx, m.cfg.CallTimeout, "send termination", func(ctx context.Context) error {
		return provider.SendTransaction(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("chain %s: send termination: %w", network.Chain, err)
	}
	if m.recorder != nil {
		if err := m.recorder.RecordTransaction(ctx, &TxRecord{
			Hash:   tx.Hash(),
			Chain:  network.Chain,
			Wallet: wallet.Address,
			Nonce:  tx.Nonce(),
			Kind:   TxKindTermination,
		}); err != nil {
			m.log.Warn("Failed to record termination transaction", zap.Error(err))
		}
	}
	return tx, nil
}

func (m *PendingTransactionMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[walletKey]PendingState)
	m.rechecking = make(map[walletKey]bool)
	m.generation++
}
