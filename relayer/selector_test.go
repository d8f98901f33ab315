package relayer

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPending struct {
	mu      sync.Mutex
	pending map[common.Address]bool
}

func (s *stubPending) HasPendingTransactions(chain Chain, wallet common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[wallet]
}

type selectorFixture struct {
	provider     *fakeProvider
	pool         *WalletPool
	availability *AvailabilityTracker
	balances     *BalanceCache
	pending      *stubPending
	network      *Network
}

func newSelectorFixture(t *testing.T, configs []WalletConfig) *selectorFixture {
	t.Helper()
	pool, err := NewWalletPool(testMnemonic, configs)
	require.NoError(t, err)
	provider := newFakeProvider()
	balances := NewBalanceCache(zap.NewNop(), Providers{testChain: provider}, time.Minute, time.Second)
	return &selectorFixture{
		provider:     provider,
		pool:         pool,
		availability: NewAvailabilityTracker(balances),
		balances:     balances,
		pending:      &stubPending{pending: make(map[common.Address]bool)},
		network:      newTestNetwork(),
	}
}

func (f *selectorFixture) selector(randomize bool) *BestMatchSelector {
	return NewBestMatchSelector(zap.NewNop(), f.pool, f.availability, f.balances, f.pending, randomize)
}

func (f *selectorFixture) wallet(t *testing.T, index uint32) *ActiveWallet {
	t.Helper()
	for _, w := range f.pool.All() {
		if w.HDIndex == index {
			return w
		}
	}
	t.Fatalf("wallet %d not found", index)
	return nil
}

func ethAmount(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1e15))
}

func TestBestMatchWallet_PrefersFundedOverPriority(t *testing.T) {
	f := newSelectorFixture(t, []WalletConfig{
		{Index: 0, Priority: 1, ShieldedReceiver: true},
		{Index: 1, Priority: 2},
	})
	f.provider.setBalance(f.wallet(t, 0).Address, ethAmount(50))
	f.provider.setBalance(f.wallet(t, 1).Address, ethAmount(1000))

	w, err := f.selector(false).BestMatchWallet(context.Background(), f.network, ethAmount(1))
	require.NoError(t, err)
	require.Equal(t, 2, w.Priority)
}

func TestBestMatchWallet_Deterministic(t *testing.T) {
	f := newSelectorFixture(t, []WalletConfig{
		{Index: 0, Priority: 3, ShieldedReceiver: true},
		{Index: 1, Priority: 1},
		{Index: 2, Priority: 2},
	})
	for _, w := range f.pool.All() {
		f.provider.setBalance(w.Address, ethAmount(1000))
	}
	s := f.selector(false)

	w, err := s.BestMatchWallet(context.Background(), f.network, ethAmount(1))
	require.NoError(t, err)
	require.Equal(t, uint32(1), w.HDIndex)

	f.availability.SetAvailability(w.Address, testChain, false)
	w, err = s.BestMatchWallet(context.Background(), f.network, ethAmount(1))
	require.NoError(t, err)
	require.Equal(t, uint32(2), w.HDIndex)

	f.pending.pending[w.Address] = true
	w, err = s.BestMatchWallet(context.Background(), f.network, ethAmount(1))
	require.NoError(t, err)
	require.Equal(t, uint32(0), w.HDIndex)

	// the minimum gas needed can exceed the availability minimum
	_, err = s.BestMatchWallet(context.Background(), f.network, ethAmount(2000))
	require.ErrorIs(t, err, ErrRelayerOutOfGas)
}

func TestBestMatchWallet_OutOfGas(t *testing.T) {
	f := newSelectorFixture(t, []WalletConfig{
		{Index: 0, Priority: 1, ShieldedReceiver: true},
		{Index: 1, Priority: 2},
	})
	f.provider.setBalance(f.wallet(t, 0).Address, ethAmount(1000))
	f.availability.SetAvailability(f.wallet(t, 0).Address, testChain, false)
	f.provider.setBalance(f.wallet(t, 1).Address, ethAmount(1))

	_, err := f.selector(false).BestMatchWallet(context.Background(), f.network, ethAmount(1))
	require.ErrorIs(t, err, ErrRelayerOutOfGas)
	require.Contains(t, err.Error(), "1 busy, 1 underfunded")
}

func TestBestMatchWallet_RandomizedSkipsLastUsed(t *testing.T) {
	f := newSelectorFixture(t, []WalletConfig{
		{Index: 0, Priority: 1, ShieldedReceiver: true},
		{Index: 1, Priority: 2},
		{Index: 2, Priority: 3},
	})
	for i, w := range f.pool.All() {
		f.provider.setBalance(w.Address, ethAmount(int64(1000*(i+1))))
	}
	s := f.selector(true)

	last := f.wallet(t, 1).Address
	f.availability.SetAvailability(last, testChain, false)
	f.availability.SetAvailability(last, testChain, true)

	seen := make(map[common.Address]bool)
	for i := 0; i < 100; i++ {
		w, err := s.BestMatchWallet(context.Background(), f.network, ethAmount(1))
		require.NoError(t, err)
		require.NotEqual(t, last, w.Address)
		seen[w.Address] = true
	}
	require.Len(t, seen, 2)
}

func TestBestMatchWallet_RandomizedFallsBackToTopBalance(t *testing.T) {
	f := newSelectorFixture(t, []WalletConfig{
		{Index: 0, Priority: 1, ShieldedReceiver: true},
		{Index: 1, Priority: 2},
	})
	w0, w1 := f.wallet(t, 0), f.wallet(t, 1)
	f.provider.setBalance(w0.Address, ethAmount(1000))
	f.provider.setBalance(w1.Address, ethAmount(5000))

	// w0 is busy and w1 was the last used wallet, w1 is the only candidate left
	f.availability.SetAvailability(w1.Address, testChain, false)
	f.availability.SetAvailability(w1.Address, testChain, true)
	f.availability.SetAvailability(w0.Address, testChain, false)
	f.availability.lastUsed[testChain] = w1.Address

	w, err := f.selector(true).BestMatchWallet(context.Background(), f.network, ethAmount(1))
	require.NoError(t, err)
	require.Equal(t, w1.Address, w.Address)
}
