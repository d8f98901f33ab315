package relayer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AvailabilityTracker records which wallets are busy with an in-flight submission.
// Only the execution engine flips availability.
type AvailabilityTracker struct {
	balances *BalanceCache

	mu       sync.Mutex
	busy     map[walletKey]bool
	lastUsed map[Chain]common.Address
}

func NewAvailabilityTracker(balances *BalanceCache) *AvailabilityTracker {
	return &AvailabilityTracker{
		balances: balances,
		busy:     make(map[walletKey]bool),
		lastUsed: make(map[Chain]common.Address),
	}
}

// SetAvailability marks the wallet free or busy. Marking busy also records it as the
// last used wallet of the chain.
func (t *AvailabilityTracker) SetAvailability(wallet common.Address, chain Chain, available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := walletKey{chain, wallet}
	if available {
		delete(t.busy, key)
		return
	}
	t.busy[key] = true
	t.lastUsed[chain] = wallet
}

// TryReserve atomically marks an available wallet busy, false if it already was.
func (t *AvailabilityTracker) TryReserve(wallet common.Address, chain Chain) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := walletKey{chain, wallet}
	if t.busy[key] {
		return false
	}
	t.busy[key] = true
	t.lastUsed[chain] = wallet
	return true
}

func (t *AvailabilityTracker) IsAvailable(wallet common.Address, chain Chain) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.busy[walletKey{chain, wallet}]
}

// IsAvailableWithFunds reports whether the wallet is free and holds at least the
// network's minimum balance.
func (t *AvailabilityTracker) IsAvailableWithFunds(ctx context.Context, wallet common.Address, network *Network) (bool, error) {
	if !t.IsAvailable(wallet, network.Chain) {
		return false, nil
	}
	balance, err := t.balances.Balance(ctx, network.Chain, wallet)
	if err != nil {
		return false, err
	}
	return balance.Cmp(network.GasToken.MinBalanceForAvailability) >= 0, nil
}

func (t *AvailabilityTracker) LastUsedWallet(chain Chain) (common.Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.lastUsed[chain]
	return w, ok
}

func (t *AvailabilityTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = make(map[walletKey]bool)
	t.lastUsed = make(map[Chain]common.Address)
}

// AvailableWalletCount counts the wallets that are free and hold the minimum balance.
// A wallet whose balance could not be read counts as unavailable.
func (t *AvailabilityTracker) AvailableWalletCount(ctx context.Context, network *Network, wallets []*ActiveWallet) int {
	addresses := make([]common.Address, 0, len(wallets))
	for _, w := range wallets {
		addresses = append(addresses, w.Address)
	}
	balances := t.balances.Balances(ctx, network.Chain, addresses)

	count := 0
	for _, w := range wallets {
		balance, ok := balances[w.Address]
		if !ok || !t.IsAvailable(w.Address, network.Chain) {
			continue
		}
		if balance.Cmp(network.GasToken.MinBalanceForAvailability) >= 0 {
			count++
		}
	}
	return count
}
