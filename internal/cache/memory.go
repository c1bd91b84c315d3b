package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ziqrishahab/pelaris-edge/pkg/logger"
	"github.com/ziqrishahab/pelaris-edge/pkg/metrics"
)

// TTL tiers shared by callers. Writes default to MediumTTL; staleness checks
// default to ShortTTL.
const (
	ShortTTL  = time.Minute
	MediumTTL = 5 * time.Minute
	LongTTL   = 30 * time.Minute
)

type entry struct {
	data      any
	writtenAt time.Time
	expiresAt time.Time
}

// Memory is an in-memory response cache with TTL expiry and a
// stale-while-revalidate read path. Construct one per process (or per test)
// and inject it; it holds no ambient global state.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
	log     *zap.Logger
}

// Option customises a Memory cache.
type Option func(*Memory)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Memory) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMemory constructs an empty response cache.
func NewMemory(opts ...Option) *Memory {
	c := &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
		log:     logger.WithComponent("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read returns the stored value if present and not expired. An expired entry
// is deleted as a side effect and treated as absent. A miss is a normal
// outcome, not an error.
func (c *Memory) Read(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}

	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Write may have
		// replaced the entry since the expiry check.
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		metrics.CacheRequests.WithLabelValues("expired").Inc()
		return nil, false
	}

	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return e.data, true
}

// Write unconditionally replaces any existing entry. A non-positive ttl
// falls back to MediumTTL.
func (c *Memory) Write(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = MediumTTL
	}

	now := c.now()
	c.mu.Lock()
	c.entries[key] = entry{
		data:      value,
		writtenAt: now,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()
}

// IsStale reports whether the entry is missing or older than the threshold.
// It never mutates state. A non-positive threshold falls back to ShortTTL.
func (c *Memory) IsStale(key string, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = ShortTTL
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return true
	}
	return c.now().Sub(e.writtenAt) > threshold
}

// FetchFn loads a value from the source of truth.
type FetchFn func(ctx context.Context) (any, error)

// FetchOptions tunes ReadOrFetch.
type FetchOptions struct {
	// TTL applied when the fetched value is written. Zero means MediumTTL.
	TTL time.Duration
	// StaleThreshold controls when a served value additionally triggers a
	// background refresh. Zero means ShortTTL.
	StaleThreshold time.Duration
	// DisableRevalidate turns off the background refresh of stale entries.
	DisableRevalidate bool
}

// ReadOrFetch returns the cached value when one is valid, refreshing it in
// the background when it has gone stale. The caller is never blocked by the
// background revalidation; its failure is intentionally unobservable here,
// the foreground read already succeeded with the previous value.
//
// Two concurrent calls on the same stale key may both trigger background
// fetchers. Writes are idempotent overwrites, so this costs duplicate work
// rather than correctness.
func (c *Memory) ReadOrFetch(ctx context.Context, key string, fetch FetchFn, opts FetchOptions) (any, error) {
	if value, ok := c.Read(key); ok {
		if !opts.DisableRevalidate && c.IsStale(key, opts.StaleThreshold) {
			c.revalidate(ctx, key, fetch, opts.TTL)
		}
		return value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.Write(key, value, opts.TTL)
	return value, nil
}

func (c *Memory) revalidate(ctx context.Context, key string, fetch FetchFn, ttl time.Duration) {
	// Detached from the caller's cancellation: the result is only a cache
	// side effect for future reads.
	bg := context.WithoutCancel(ctx)
	go func() {
		value, err := fetch(bg)
		if err != nil {
			metrics.CacheRevalidations.WithLabelValues("failure").Inc()
			c.log.Debug("background revalidation failed",
				zap.String("key", key),
				zap.Error(err))
			return
		}
		c.Write(key, value, ttl)
		metrics.CacheRevalidations.WithLabelValues("success").Inc()
	}()
}

// Invalidate deletes exact keys and any key containing one of the provided
// substring patterns. Used after mutations to drop now-stale reads.
func (c *Memory) Invalidate(patterns ...string) {
	if len(patterns) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		delete(c.entries, pattern)
		for key := range c.entries {
			if strings.Contains(key, pattern) {
				delete(c.entries, key)
			}
		}
	}
}

// Clear drops everything. Used on logout/session change.
func (c *Memory) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the number of live entries, expired or not.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ReadOrFetch is a type-safe wrapper around Memory.ReadOrFetch for callers
// that know the concrete value type behind a key.
func ReadOrFetch[T any](ctx context.Context, c *Memory, key string, fetch func(ctx context.Context) (T, error), opts FetchOptions) (T, error) {
	value, err := c.ReadOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: entry %q holds %T, want %T", key, value, zero)
	}
	return typed, nil
}
