package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Memory enforces fixed-window quotas in an in-process TTL cache. Counts are
// per instance: in a multi-replica deployment each replica admits up to the
// full quota, so use durable there. Intended for single-instance
// deployments that want real enforcement without running Redis.
type Memory struct {
	cache     *ristretto.Cache[string, *atomic.Int64]
	keyPrefix string
	now       func() time.Time

	// mu serializes counter creation. ristretto applies Sets
	// asynchronously, so without this two concurrent first requests could
	// each install their own counter and undercount.
	mu sync.Mutex
}

// NewMemory creates the in-process strategy.
func NewMemory(prefix string) (*Memory, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *atomic.Int64]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating window cache: %w", err)
	}
	return &Memory{
		cache:     cache,
		keyPrefix: prefix,
		now:       time.Now,
	}, nil
}

func (m *Memory) Name() string { return "memory" }

// Check applies the same state machine as the durable strategy: deny without
// counting when the window is full, otherwise count.
func (m *Memory) Check(_ context.Context, identity string, cfg WindowConfig) (*Decision, error) {
	now := m.now()
	windowStart := now.Truncate(cfg.Window)
	resetAt := windowStart.Add(cfg.Window)

	key := fmt.Sprintf("%s%s:%d", m.keyPrefix, identity, windowStart.UnixMilli()/cfg.Window.Milliseconds())

	counter := m.counterFor(key, resetAt.Add(ttlSlack).Sub(now))

	dec := &Decision{Limit: cfg.Max, ResetAt: resetAt}
	for {
		count := counter.Load()
		if count >= cfg.Max {
			dec.Allowed = false
			dec.Remaining = 0
			dec.RetryAfter = resetAt.Sub(now)
			return dec, nil
		}
		if counter.CompareAndSwap(count, count+1) {
			dec.Allowed = true
			dec.Remaining = cfg.Max - (count + 1)
			return dec, nil
		}
	}
}

// counterFor returns the counter for a window key, creating it on first use.
func (m *Memory) counterFor(key string, ttl time.Duration) *atomic.Int64 {
	if c, ok := m.cache.Get(key); ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache.Get(key); ok {
		return c
	}

	c := new(atomic.Int64)
	m.cache.SetWithTTL(key, c, 1, ttl)
	m.cache.Wait()
	return c
}

// Close releases the cache.
func (m *Memory) Close() error {
	m.cache.Close()
	return nil
}
