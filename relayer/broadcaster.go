package relayer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shieldrelay/broadcaster-node/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	DefaultFeeBroadcastInterval = 30 * time.Second
	DefaultPriceRefreshInterval = time.Minute

	priceSourceRateLimit = rate.Limit(10)
	priceFetchRetries    = uint64(2)
	priceFetchBackoff    = 200 * time.Millisecond
)

// sortedChains returns the chains of the registry in a stable order.
func sortedChains(networks Networks) []Chain {
	chains := make([]Chain, 0, len(networks))
	for c := range networks {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool {
		if chains[i].Type != chains[j].Type {
			return chains[i].Type < chains[j].Type
		}
		return chains[i].ID < chains[j].ID
	})
	return chains
}

// QuoteFees computes the unit fee of every token on the network and registers the quote in the fee cache.
func QuoteFees(ctx context.Context, network *Network, calc *TokenFeeCalculator, wallets *WalletPool, availability *AvailabilityTracker) (*FeeQuote, error) {
	fees, id, err := calc.AllUnitFeesForChain(network)
	if err != nil {
		return nil, err
	}
	quote := &FeeQuote{
		ChainType:        network.Chain.Type,
		ChainID:          network.Chain.ID,
		Fees:             make(map[common.Address]*hexutil.Big, len(fees)),
		FeeCacheID:       id,
		AvailableWallets: availability.AvailableWalletCount(ctx, network, wallets.ActiveWalletsForChain(network.Chain)),
		ExpiresAt:        time.Now().Add(calc.feeCache.TTL()).Unix(),
	}
	for token, fee := range fees {
		quote.Fees[token] = (*hexutil.Big)(fee)
	}
	return quote, nil
}

// FeeBroadcaster periodically publishes fee quotes for every network with a usable wallet.
type FeeBroadcaster struct {
	log          *zap.Logger
	networks     Networks
	calc         *TokenFeeCalculator
	wallets      *WalletPool
	availability *AvailabilityTracker
	publisher    FeePublisher
	interval     time.Duration
}

func NewFeeBroadcaster(
	log *zap.Logger, networks Networks, calc *TokenFeeCalculator, wallets *WalletPool,
	availability *AvailabilityTracker, publisher FeePublisher, interval time.Duration,
) *FeeBroadcaster {
	if interval <= 0 {
		interval = DefaultFeeBroadcastInterval
	}
	return &FeeBroadcaster{
		log:          log.Named("broadcaster"),
		networks:     networks,
		calc:         calc,
		wallets:      wallets,
		availability: availability,
		publisher:    publisher,
		interval:     interval,
	}
}

// BroadcastOnce publishes the current quote of every network and returns how many were published.
func (b *FeeBroadcaster) BroadcastOnce(ctx context.Context) int {
	published := 0
	for _, chain := range sortedChains(b.networks) {
		network := b.networks[chain]
		logger := b.log.With(zap.String("chain", chain.String()))

		quote, err := QuoteFees(ctx, network, b.calc, b.wallets, b.availability)
		if err != nil {
			logger.Warn("Failed to quote fees", zap.Error(err))
			continue
		}
		if quote.AvailableWallets == 0 {
			logger.Debug("No available wallet, skipping fee broadcast")
			continue
		}
		if len(quote.Fees) == 0 {
			logger.Debug("No token has a usable price, skipping fee broadcast")
			continue
		}
		if err := b.publisher.PublishFees(ctx, quote); err != nil {
			logger.Warn("Failed to publish fees", zap.Error(err))
			continue
		}
		metrics.IncFeesPublished(chain.String())
		published++
	}
	return published
}

func (b *FeeBroadcaster) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			b.BroadcastOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return wg
}

// PriceRefresher periodically loads token prices from every source into the price cache.
type PriceRefresher struct {
	log      *zap.Logger
	networks Networks
	sources  []PriceSource
	prices   *TokenPriceCache
	interval time.Duration
	timeout  time.Duration
	limiters []*rate.Limiter
}

func NewPriceRefresher(log *zap.Logger, networks Networks, sources []PriceSource, prices *TokenPriceCache, interval, timeout time.Duration) *PriceRefresher {
	if interval <= 0 {
		interval = DefaultPriceRefreshInterval
	}
	limiters := make([]*rate.Limiter, len(sources))
	for i := range limiters {
		limiters[i] = rate.NewLimiter(priceSourceRateLimit, 1)
	}
	return &PriceRefresher{
		log:      log.Named("prices"),
		networks: networks,
		sources:  sources,
		prices:   prices,
		interval: interval,
		timeout:  timeout,
		limiters: limiters,
	}
}

func refreshedTokens(network *Network) []common.Address {
	tokens := make([]common.Address, 0, len(network.Tokens)+1)
	tokens = append(tokens, network.GasToken.WrappedAddress)
	for address := range network.Tokens {
		if address != network.GasToken.WrappedAddress {
			tokens = append(tokens, address)
		}
	}
	return tokens
}

func (r *PriceRefresher) fetch(ctx context.Context, i int, chain Chain, token common.Address) (TokenPrice, error) {
	source := r.sources[i]
	back := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(priceFetchBackoff), priceFetchRetries), ctx)
	return backoff.RetryWithData(func() (TokenPrice, error) {
		if err := r.limiters[i].Wait(ctx); err != nil {
			return TokenPrice{}, backoff.Permanent(err)
		}
		return callWithTimeout(ctx, r.timeout, "price "+source.Name(), func(ctx context.Context) (TokenPrice, error) {
			return source.GetPrice(ctx, chain, token)
		})
	}, back)
}

// RefreshOnce fetches every (source, network, token) price in parallel and returns
// the number of prices stored. Failed fetches are logged and skipped.
func (r *PriceRefresher) RefreshOnce(ctx context.Context) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for _, chain := range sortedChains(r.networks) {
		for _, token := range refreshedTokens(r.networks[chain]) {
			for i := range r.sources {
				wg.Add(1)
				go func(i int, chain Chain, token common.Address) {
					defer wg.Done()
					price, err := r.fetch(ctx, i, chain, token)
					if err != nil {
						metrics.IncPriceRefreshFailure()
						r.log.Warn("Failed to fetch token price", zap.String("source", r.sources[i].Name()),
							zap.String("chain", chain.String()), zap.String("token", token.Hex()), zap.Error(err))
						return
					}
					if price.Price <= 0 {
						r.log.Debug("Ignoring non-positive price", zap.String("source", r.sources[i].Name()),
							zap.String("chain", chain.String()), zap.String("token", token.Hex()))
						return
					}
					r.prices.Store(r.sources[i].Name(), chain, token, price)
					mu.Lock()
					stored++
					mu.Unlock()
				}(i, chain, token)
			}
		}
	}
	wg.Wait()
	return stored
}

func (r *PriceRefresher) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			r.RefreshOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return wg
}
