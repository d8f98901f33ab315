package relayer

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const feeCacheIDBytes = 8

type feeCacheEntry struct {
	tokenFees map[common.Address]*big.Int
	createdAt time.Time
}

// FeeCache remembers the unit fees quoted to clients under an opaque id,
// so a client paying a quoted fee is not rejected when prices move.
type FeeCache struct {
	mu      sync.Mutex
	now     func() time.Time
	ttl     time.Duration
	entries map[Chain]map[string]feeCacheEntry
}

func NewFeeCache(ttl time.Duration) *FeeCache {
	return &FeeCache{
		now:     time.Now,
		ttl:     ttl,
		entries: make(map[Chain]map[string]feeCacheEntry),
	}
}

func (c *FeeCache) TTL() time.Duration {
	return c.ttl
}

func newFeeCacheID() (string, error) {
	var b [feeCacheIDBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *FeeCache) expired(entry feeCacheEntry, now time.Time) bool {
	return now.After(entry.createdAt.Add(c.ttl))
}

// CacheUnitFees stores fees and returns the id clients reference them by.
// Expired entries of the same chain are evicted on every write.
func (c *FeeCache) CacheUnitFees(chain Chain, fees map[common.Address]*big.Int) (string, error) {
	id, err := newFeeCacheID()
	if err != nil {
		return "", err
	}

	tokenFees := make(map[common.Address]*big.Int, len(fees))
	for token, fee := range fees {
		tokenFees[token] = new(big.Int).Set(fee)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	entries, ok := c.entries[chain]
	if !ok {
		entries = make(map[string]feeCacheEntry)
		c.entries[chain] = entries
	}
	for k, entry := range entries {
		if c.expired(entry, now) {
			delete(entries, k)
		}
	}
	entries[id] = feeCacheEntry{tokenFees: tokenFees, createdAt: now}
	return id, nil
}

func (c *FeeCache) LookupCachedUnitFee(chain Chain, id string, token common.Address) (*big.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chain][id]
	if !ok {
		return nil, false
	}
	if c.expired(entry, c.now()) {
		delete(c.entries[chain], id)
		return nil, false
	}
	fee, ok := entry.tokenFees[token]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(fee), true
}

func (c *FeeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Chain]map[string]feeCacheEntry)
}
