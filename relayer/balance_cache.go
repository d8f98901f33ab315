package relayer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shieldrelay/broadcaster-node/spike"
	"go.uber.org/zap"
)

type balanceEntry struct {
	balance   *big.Int
	updatedAt time.Time
}

// BalanceCache keeps the gas token balance of every wallet per chain.
// Concurrent refreshes of the same wallet share one RPC call.
type BalanceCache struct {
	log       *zap.Logger
	providers Providers
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	entries map[walletKey]balanceEntry

	refresh *spike.Manager[walletKey, *big.Int]
}

func NewBalanceCache(log *zap.Logger, providers Providers, ttl, timeout time.Duration) *BalanceCache {
	c := &BalanceCache{
		log:       log.Named("balances"),
		providers: providers,
		ttl:       ttl,
		timeout:   timeout,
		now:       time.Now,
		entries:   make(map[walletKey]balanceEntry),
	}
	c.refresh = spike.NewCustomManager(spike.Handler[walletKey, *big.Int]{
		Fetch: c.fetch,
		Set:   c.set,
		Get:   c.get,
	}, 2*timeout)
	return c
}

func (c *BalanceCache) fetch(ctx context.Context, key walletKey) (*big.Int, error) {
	provider, err := c.providers.Get(key.chain)
	if err != nil {
		return nil, err
	}
	balance, err := callWithTimeout(ctx, c.timeout, "balance", func(ctx context.Context) (*big.Int, error) {
		return provider.BalanceAt(ctx, key.address, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("chain %s: balance of %s: %w", key.chain, key.address.Hex(), err)
	}
	return balance, nil
}

func (c *BalanceCache) set(key walletKey, balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = balanceEntry{balance: balance, updatedAt: c.now()}
}

func (c *BalanceCache) get(key walletKey) (*big.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.updatedAt.Add(c.ttl)) {
		return nil, false
	}
	return entry.balance, true
}

func (c *BalanceCache) Balance(ctx context.Context, chain Chain, wallet common.Address) (*big.Int, error) {
	balance, err := c.refresh.GetResult(ctx, walletKey{chain, wallet})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(balance), nil
}

// Balances fetches the balance of every wallet in parallel.
// Wallets whose balance could not be read are left out of the result.
func (c *BalanceCache) Balances(ctx context.Context, chain Chain, wallets []common.Address) map[common.Address]*big.Int {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = make(map[common.Address]*big.Int, len(wallets))
	)
	for _, wallet := range wallets {
		wg.Add(1)
		go func(wallet common.Address) {
			defer wg.Done()
			balance, err := c.Balance(ctx, chain, wallet)
			if err != nil {
				c.log.Warn("Failed to get wallet balance", zap.String("chain", chain.String()),
					zap.String("wallet", wallet.Hex()), zap.Error(err))
				return
			}
			mu.Lock()
			res[wallet] = balance
			mu.Unlock()
		}(wallet)
	}
	wg.Wait()
	return res
}

// Invalidate drops the cached balance so the next read goes to the chain.
func (c *BalanceCache) Invalidate(chain Chain, wallet common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, walletKey{chain, wallet})
}

func (c *BalanceCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[walletKey]balanceEntry)
}
