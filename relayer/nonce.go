package relayer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SettingsStore is a namespaced key value store. Reads of missing keys, or of a
// store that is not initialized, report absent instead of failing.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

type MemorySettingsStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{values: make(map[string]string)}
}

func (s *MemorySettingsStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemorySettingsStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func LastNonceKey(chain Chain, wallet common.Address) string {
	return fmt.Sprintf("last_nonce:%d:%d:%s", chain.Type, chain.ID, strings.ToLower(wallet.Hex()))
}

// NonceManager hands out nonces from the larger of the chain's pending transaction
// count and the last nonce this node persisted.
type NonceManager struct {
	log       *zap.Logger
	store     SettingsStore
	providers Providers
	timeout   time.Duration

	locks sync.Map // walletKey -> *sync.Mutex
}

func NewNonceManager(log *zap.Logger, store SettingsStore, providers Providers, timeout time.Duration) *NonceManager {
	return &NonceManager{
		log:       log.Named("nonce"),
		store:     store,
		providers: providers,
		timeout:   timeout,
	}
}

// Lock enters the critical section of the wallet on the chain and returns its release.
func (m *NonceManager) Lock(chain Chain, wallet common.Address) func() {
	l, _ := m.locks.LoadOrStore(walletKey{chain, wallet}, &sync.Mutex{})
	mu := l.(*sync.Mutex) //nolint:forcetypeassert
	mu.Lock()
	return mu.Unlock
}

func (m *NonceManager) storedNonce(ctx context.Context, chain Chain, wallet common.Address) (uint64, bool) {
	if m.store == nil {
		return 0, false
	}
	key := LastNonceKey(chain, wallet)
	value, err := callWithTimeout(ctx, m.timeout, "settings get", func(ctx context.Context) (storedValue, error) {
		v, ok, err := m.store.Get(ctx, key)
		return storedValue{v, ok}, err
	})
	if err != nil {
		m.log.Warn("Failed to read stored nonce", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	if !value.ok || value.v == "" {
		return 0, false
	}
	nonce, err := strconv.ParseUint(value.v, 10, 64)
	if err != nil {
		m.log.Warn("Ignoring malformed stored nonce", zap.String("key", key), zap.String("value", value.v))
		return 0, false
	}
	return nonce, true
}

type storedValue struct {
	v  string
	ok bool
}

// CurrentNonce reads the chain's pending count and the stored nonce concurrently and
// returns max(pending count, stored nonce + 1).
func (m *NonceManager) CurrentNonce(ctx context.Context, chain Chain, wallet common.Address) (uint64, error) {
	provider, err := m.providers.Get(chain)
	if err != nil {
		return 0, err
	}

	var (
		wg           sync.WaitGroup
		stored       uint64
		hasStored    bool
		pendingCount uint64
		pendingErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pendingCount, pendingErr = callWithTimeout(ctx, m.timeout, "pending nonce", func(ctx context.Context) (uint64, error) {
			return provider.PendingNonceAt(ctx, wallet)
		})
	}()
	go func() {
		defer wg.Done()
		stored, hasStored = m.storedNonce(ctx, chain, wallet)
	}()
	wg.Wait()

	if pendingErr != nil {
		return 0, fmt.Errorf("chain %s: pending nonce of %s: %w", chain, wallet.Hex(), pendingErr)
	}
	if hasStored && stored+1 > pendingCount {
		return stored + 1, nil
	}
	return pendingCount, nil
}

func (m *NonceManager) StoreNonce(ctx context.Context, chain Chain, wallet common.Address, nonce uint64) error {
	if m.store == nil {
		return nil
	}
	return execWithTimeout(ctx, m.timeout, "settings put", func(ctx context.Context) error {
		return m.store.Put(ctx, LastNonceKey(chain, wallet), strconv.FormatUint(nonce, 10))
	})
}

// clearNonce stores the empty value, read back as absent.
func (m *NonceManager) clearNonce(ctx context.Context, chain Chain, wallet common.Address) error {
	return execWithTimeout(ctx, m.timeout, "settings put", func(ctx context.Context) error {
		return m.store.Put(ctx, LastNonceKey(chain, wallet), "")
	})
}

// RollbackNonce undoes StoreNonce for a nonce that never reached the chain, as long
// as no later nonce was stored meanwhile. Callers hold the wallet lock.
func (m *NonceManager) RollbackNonce(ctx context.Context, chain Chain, wallet common.Address, nonce uint64) error {
	stored, ok := m.storedNonce(ctx, chain, wallet)
	if !ok || stored != nonce {
		return nil
	}
	if nonce == 0 {
		return m.clearNonce(ctx, chain, wallet)
	}
	return m.StoreNonce(ctx, chain, wallet, nonce-1)
}

// NextNonce assigns and persists the next nonce of the wallet.
func (m *NonceManager) NextNonce(ctx context.Context, chain Chain, wallet common.Address) (uint64, error) {
	unlock := m.Lock(chain, wallet)
	defer unlock()
	return m.assign(ctx, chain, wallet)
}

// assign must be called with the wallet lock held.
func (m *NonceManager) assign(ctx context.Context, chain Chain, wallet common.Address) (uint64, error) {
	nonce, err := m.CurrentNonce(ctx, chain, wallet)
	if err != nil {
		return 0, err
	}
	if err := m.StoreNonce(ctx, chain, wallet, nonce); err != nil {
		m.log.Warn("Failed to persist nonce", zap.String("chain", chain.String()),
			zap.String("wallet", wallet.Hex()), zap.Uint64("nonce", nonce), zap.Error(err))
	}
	return nonce, nil
}
