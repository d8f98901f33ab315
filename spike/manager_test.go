package spike

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quoteKey string

func TestManager(t *testing.T) {
	keys := []quoteKey{"0:1", "0:137", "0:1", "0:137"}
	response := map[quoteKey]*big.Int{
		"0:1":   big.NewInt(9031161740652627),
		"0:137": big.NewInt(336199114644976),
	}
	fetches := new(int32)
	m := NewManager(func(ctx context.Context, k quoteKey) (*big.Int, error) {
		atomic.AddInt32(fetches, 1)
		time.Sleep(20 * time.Millisecond)
		return response[k], nil
	}, time.Second)

	run := func() {
		wg := sync.WaitGroup{}
		wg.Add(len(keys) * 5)
		for i := 0; i < 5; i++ {
			for _, key := range keys {
				go func(key quoteKey) {
					defer wg.Done()
					res, err := m.GetResult(context.Background(), key)
					assert.NoError(t, err)
					assert.Equal(t, response[key], res)
				}(key)
			}
			<-time.After(10 * time.Millisecond)
		}
		wg.Wait()
	}

	run()
	assert.Equal(t, int32(2), atomic.LoadInt32(fetches))

	<-time.After(1100 * time.Millisecond)
	atomic.StoreInt32(fetches, 0)
	run()
	assert.Equal(t, int32(2), atomic.LoadInt32(fetches))
}

type walletKey struct {
	chain   uint64
	address string
}

func TestCustomManager(t *testing.T) {
	var (
		mu    sync.Mutex
		cache = make(map[walletKey]*big.Int)
	)
	fetches := new(int32)
	fetchErr := errors.New("rpc down")
	failing := walletKey{chain: 1, address: "0xbad"}

	manager := NewCustomManager(Handler[walletKey, *big.Int]{
		Fetch: func(ctx context.Context, k walletKey) (*big.Int, error) {
			time.Sleep(20 * time.Millisecond)
			if k == failing {
				return nil, fetchErr
			}
			atomic.AddInt32(fetches, 1)
			return big.NewInt(int64(k.chain)), nil
		},
		Set: func(k walletKey, v *big.Int) {
			mu.Lock()
			defer mu.Unlock()
			cache[k] = v
		},
		Get: func(k walletKey) (*big.Int, bool) {
			mu.Lock()
			defer mu.Unlock()
			v, ok := cache[k]
			return v, ok
		},
	}, time.Second)

	ok := walletKey{chain: 5, address: "0xgood"}
	wg := sync.WaitGroup{}
	wg.Add(20)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			res, err := manager.GetResult(context.Background(), ok)
			assert.NoError(t, err)
			assert.Equal(t, int64(5), res.Int64())
		}()
		go func() {
			defer wg.Done()
			_, err := manager.GetResult(context.Background(), failing)
			assert.ErrorIs(t, err, fetchErr)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(fetches))
	// failures are handed to the waiters but never cached
	mu.Lock()
	_, cached := cache[failing]
	mu.Unlock()
	require.False(t, cached)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := manager.GetResult(ctx, walletKey{chain: 9})
	require.ErrorIs(t, err, context.Canceled)
}
