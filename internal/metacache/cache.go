package metacache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrStore wraps failures reported by a Store.
	ErrStore = errors.New("metacache: store failure")

	// ErrNotCached is returned by GetOrLoad alongside a freshly loaded
	// value that could not be stored. It also matches ErrStore.
	ErrNotCached = errors.New("metacache: loaded value not cached")
)

// Key identifies a cached metadata response.
type Key struct {
	Collection string
	Operation  string
	Params     string
}

// String returns the canonical store key.
func (k Key) String() string {
	return k.Collection + ":" + k.Operation + "?" + k.Params
}

// Entry is a stored value with its bookkeeping timestamps.
type Entry[V any] struct {
	Value      V
	StoredAt   time.Time
	AccessedAt time.Time
}

// Store persists cache entries.
type Store[V any] interface {
	Get(ctx context.Context, key string) (Entry[V], bool, error)
	Set(ctx context.Context, key string, entry Entry[V]) error
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	// Oldest returns the least recently accessed key.
	Oldest(ctx context.Context) (string, bool, error)
}

// Policy bounds the cache. Zero fields disable the bound.
type Policy struct {
	MaxEntries int
	TTL        time.Duration
}

// Stats reports cache size and effectiveness.
type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache is a metadata cache over a Store. It is safe for concurrent use.
type Cache[V any] struct {
	store  Store[V]
	policy Policy
	now    func() time.Time

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock overrides the time source used for TTL and access tracking.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New returns a Cache over store. A nil store selects a MemoryStore.
func New[V any](store Store[V], policy Policy, opts ...Option[V]) *Cache[V] {
	if store == nil {
		store = NewMemoryStore[V]()
	}
	c := &Cache[V]{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key. Expired entries are removed and
// reported as misses.
func (c *Cache[V]) Get(ctx context.Context, key Key) (V, bool, error) {
	v, ok, err := c.lookup(ctx, key)
	if err != nil {
		return v, false, err
	}
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok, nil
}

func (c *Cache[V]) lookup(ctx context.Context, key Key) (V, bool, error) {
	var zero V
	k := key.String()

	e, ok, err := c.store.Get(ctx, k)
	if err != nil {
		return zero, false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if !ok {
		return zero, false, nil
	}

	now := c.now()
	if c.policy.TTL > 0 && now.Sub(e.StoredAt) > c.policy.TTL {
		if err := c.store.Delete(ctx, k); err != nil {
			return zero, false, fmt.Errorf("%w: %w", ErrStore, err)
		}
		return zero, false, nil
	}
	if err := c.store.Touch(ctx, k, now); err != nil {
		return zero, false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return e.Value, true, nil
}

// Set stores value under key, evicting least recently used entries when
// the policy's MaxEntries would be exceeded.
func (c *Cache[V]) Set(ctx context.Context, key Key, value V) error {
	k := key.String()
	now := c.now()

	if c.policy.MaxEntries > 0 {
		if err := c.makeRoom(ctx, k); err != nil {
			return err
		}
	}

	if err := c.store.Set(ctx, k, Entry[V]{Value: value, StoredAt: now, AccessedAt: now}); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

func (c *Cache[V]) makeRoom(ctx context.Context, incoming string) error {
	if _, exists, err := c.store.Get(ctx, incoming); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	} else if exists {
		return nil
	}

	for {
		n, err := c.store.Len(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		if n < c.policy.MaxEntries {
			return nil
		}
		oldest, ok, err := c.store.Oldest(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		if !ok {
			return nil
		}
		if err := c.store.Delete(ctx, oldest); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
	}
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Concurrent callers missing on the same key share one load. hit
// reports whether the value came from the cache. When load succeeds but
// storing fails, the loaded value is returned with an ErrNotCached error.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key Key, load func(ctx context.Context) (V, error)) (value V, hit bool, err error) {
	if v, ok, err := c.Get(ctx, key); err != nil {
		return v, false, err
	} else if ok {
		return v, true, nil
	}

	res, err, _ := c.group.Do(key.String(), func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		if err := c.Set(ctx, key, v); err != nil {
			return v, fmt.Errorf("%w: %w", ErrNotCached, err)
		}
		return v, nil
	})
	if errors.Is(err, ErrNotCached) {
		return res.(V), false, err //nolint:forcetypeassert // group only stores V
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	return res.(V), false, nil //nolint:forcetypeassert // group only stores V
}

// Delete removes key.
func (c *Cache[V]) Delete(ctx context.Context, key Key) error {
	if err := c.store.Delete(ctx, key.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Clear removes every entry and resets the hit and miss counters.
func (c *Cache[V]) Clear(ctx context.Context) error {
	c.hits.Store(0)
	c.misses.Store(0)
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Stats returns the current size and hit/miss counters.
func (c *Cache[V]) Stats(ctx context.Context) Stats {
	n, err := c.store.Len(ctx)
	if err != nil {
		n = 0
	}
	return Stats{
		Size:   n,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
