package relayer

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type TokenPrice struct {
	Price     float64
	UpdatedAt time.Time
}

type priceKey struct {
	chain Chain
	token common.Address
}

// TokenPriceCache holds the latest price of each token per price source.
// Reads average every source whose quote is not older than the chain TTL.
type TokenPriceCache struct {
	mu     sync.RWMutex
	now    func() time.Time
	prices map[priceKey]map[string]TokenPrice
}

func NewTokenPriceCache() *TokenPriceCache {
	return &TokenPriceCache{
		now:    time.Now,
		prices: make(map[priceKey]map[string]TokenPrice),
	}
}

func (c *TokenPriceCache) Store(source string, chain Chain, token common.Address, price TokenPrice) {
	key := priceKey{chain, token}

	c.mu.Lock()
	defer c.mu.Unlock()
	sources, ok := c.prices[key]
	if !ok {
		sources = make(map[string]TokenPrice)
		c.prices[key] = sources
	}
	sources[source] = price
}

// Price returns the average of the non-expired quotes for token, false if none is left.
func (c *TokenPriceCache) Price(chain Chain, token common.Address, ttl time.Duration) (float64, bool) {
	key := priceKey{chain, token}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	sources := c.prices[key]
	var (
		sum   float64
		count int
	)
	for source, p := range sources {
		if now.After(p.UpdatedAt.Add(ttl)) {
			delete(sources, source)
			continue
		}
		if p.Price <= 0 {
			continue
		}
		sum += p.Price
		count++
	}
	if len(sources) == 0 {
		delete(c.prices, key)
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func (c *TokenPriceCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = make(map[priceKey]map[string]TokenPrice)
}
