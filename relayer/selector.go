package relayer

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type PendingChecker interface {
	HasPendingTransactions(chain Chain, wallet common.Address) bool
}

type walletCandidate struct {
	wallet  *ActiveWallet
	balance *big.Int
}

// BestMatchSelector picks the wallet that submits the next transaction of a chain.
type BestMatchSelector struct {
	log          *zap.Logger
	wallets      *WalletPool
	availability *AvailabilityTracker
	balances     *BalanceCache
	pending      PendingChecker
	randomize    bool

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewBestMatchSelector(log *zap.Logger, wallets *WalletPool, availability *AvailabilityTracker, balances *BalanceCache, pending PendingChecker, randomize bool) *BestMatchSelector {
	return &BestMatchSelector{
		log:          log.Named("selector"),
		wallets:      wallets,
		availability: availability,
		balances:     balances,
		pending:      pending,
		randomize:    randomize,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
}

func (s *BestMatchSelector) intn(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Intn(n)
}

// BestMatchWallet returns a free wallet holding at least minimumGasNeeded and the
// network's minimum balance. The returned wallet is not reserved.
func (s *BestMatchSelector) BestMatchWallet(ctx context.Context, network *Network, minimumGasNeeded *big.Int) (*ActiveWallet, error) {
	wallets := s.wallets.ActiveWalletsForChain(network.Chain)
	addresses := make([]common.Address, len(wallets))
	for i, w := range wallets {
		addresses[i] = w.Address
	}
	balances := s.balances.Balances(ctx, network.Chain, addresses)

	required := network.GasToken.MinBalanceForAvailability
	if required == nil || (minimumGasNeeded != nil && minimumGasNeeded.Cmp(required) > 0) {
		required = minimumGasNeeded
	}
	if required == nil {
		required = new(big.Int)
	}

	var (
		candidates                    []walletCandidate
		busy, underfunded, noBalances int
	)
	for _, w := range wallets {
		if !s.availability.IsAvailable(w.Address, network.Chain) ||
			(s.pending != nil && s.pending.HasPendingTransactions(network.Chain, w.Address)) {
			busy++
			continue
		}
		balance, ok := balances[w.Address]
		if !ok {
			noBalances++
			continue
		}
		if balance.Cmp(required) < 0 {
			underfunded++
			continue
		}
		candidates = append(candidates, walletCandidate{wallet: w, balance: balance})
	}

	if len(candidates) == 0 {
		s.log.Warn("No wallet available",
			zap.String("chain", network.Chain.String()),
			zap.Int("wallets", len(wallets)),
			zap.Int("busy", busy),
			zap.Int("underfunded", underfunded),
			zap.Int("balanceUnknown", noBalances),
			zap.String("requiredEth", formatUnits(required, "eth")),
		)
		return nil, fmt.Errorf("%w: chain %s, %d busy, %d underfunded", ErrRelayerOutOfGas, network.Chain, busy, underfunded)
	}

	if !s.randomize || len(candidates) == 1 {
		// wallets are kept in ascending priority order
		return candidates[0].wallet, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].balance.Cmp(candidates[j].balance) > 0
	})
	eligible := candidates
	if last, ok := s.availability.LastUsedWallet(network.Chain); ok {
		eligible = make([]walletCandidate, 0, len(candidates))
		for _, c := range candidates {
			if c.wallet.Address != last {
				eligible = append(eligible, c)
			}
		}
	}
	if len(eligible) == 0 {
		return candidates[0].wallet, nil
	}
	return eligible[s.intn(len(eligible))].wallet, nil
}
