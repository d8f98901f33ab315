// Package spike provides a primitive to handle spike-like load on retrieving external resources
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	taskQueueLen           = 60
	currentlyExecutedSize  = 50
	defaultCleanupInterval = 5 * time.Millisecond
	defaultFetchTimeout    = 30 * time.Second
)

// Manager deduplicates concurrent fetches of the same key: while a fetch is in flight
// every other caller asking for that key waits for its result instead of fetching again.
type Manager[K comparable, T any] struct {
	mu                sync.Mutex
	handler           Handler[K, T]
	fetchTimeout      time.Duration
	taskQueue         chan task[K, T]
	currentlyExecuted map[K][]chan<- result[T]
}

// NewCustomManager creates a new Manager with a custom cache implementation controlled by client code
// it should be used for non-trivial flows or non-default cache implementations
func NewCustomManager[K comparable, T any](h Handler[K, T], fetchTimeout time.Duration) *Manager[K, T] {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	cm := &Manager[K, T]{
		handler:           h,
		fetchTimeout:      fetchTimeout,
		taskQueue:         make(chan task[K, T], taskQueueLen),
		currentlyExecuted: make(map[K][]chan<- result[T], currentlyExecutedSize),
	}
	go cm.start()
	return cm
}

// NewManager creates a new Manager with a default cache implementation
func NewManager[K ~string, T any](fetch func(ctx context.Context, k K) (T, error), cacheTime time.Duration) *Manager[K, T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomManager[K, T](Handler[K, T]{
		Fetch: fetch,
		Set: func(k K, v T) {
			g.Set(string(k), v, cacheTime)
		},
		Get: func(k K) (T, bool) {
			v, ok := g.Get(string(k))
			if !ok {
				var rt T
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	}, 0)
}

type Handler[K comparable, T any] struct {
	Fetch func(ctx context.Context, k K) (T, error)
	Set   func(k K, v T)
	Get   func(k K) (T, bool)
}

type task[K comparable, T any] struct {
	key K
	res chan<- result[T]
}

type result[T any] struct {
	v T
	e error
}

func (m *Manager[K, T]) start() {
	for t := range m.taskQueue {
		go m.execute(t)
	}
}

// join answers t from the cache or attaches it to an in-flight fetch.
// It reports false when t has to be fetched by the caller.
func (m *Manager[K, T]) join(t task[K, T]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.handler.Get(t.key); ok {
		t.res <- result[T]{v: v}
		close(t.res)
		return true
	}
	if chans, ok := m.currentlyExecuted[t.key]; ok {
		m.currentlyExecuted[t.key] = append(chans, t.res)
		return true
	}
	m.currentlyExecuted[t.key] = []chan<- result[T]{t.res}
	return false
}

func (m *Manager[K, T]) execute(t task[K, T]) {
	if m.join(t) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	res, err := m.handler.Fetch(ctx, t.key)
	cancel()
	if err == nil {
		m.handler.Set(t.key, res)
	}

	m.mu.Lock()
	for _, ch := range m.currentlyExecuted[t.key] {
		ch <- result[T]{v: res, e: err}
		close(ch)
	}
	delete(m.currentlyExecuted, t.key)
	m.mu.Unlock()
}

func (m *Manager[K, T]) GetResult(ctx context.Context, k K) (T, error) { //nolint:ireturn
	r, ok := m.handler.Get(k)
	if ok {
		return r, nil
	}

	resChan := make(chan result[T], 1)
	m.taskQueue <- task[K, T]{key: k, res: resChan}
	select {
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}
