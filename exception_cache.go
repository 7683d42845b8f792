package openmon

import (
	"container/list"
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the default maximum number of tracked errors.
	DefaultCapacity = 50

	// DefaultTTL is the default absolute lifetime of a tracked error.
	DefaultTTL = time.Minute
)

// EvictReason tells an OnEvict callback why an entry left the cache.
type EvictReason int

const (
	// EvictCapacity means the entry was least recently used when the cache was full.
	EvictCapacity EvictReason = iota
	// EvictExpired means the entry outlived the cache TTL.
	EvictExpired
)

// String returns the reason name.
func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	default:
		return fmt.Sprintf("EvictReason(%d)", int(r))
	}
}

// Entry is a snapshot of a tracked error and its bookkeeping timestamps.
type Entry struct {
	Err            error
	InsertedAt     time.Time
	LastAccessedAt time.Time
}

// Age returns how long the entry has been in the cache at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

type cacheEntry struct {
	key            any
	err            error
	insertedAt     time.Time
	lastAccessedAt time.Time
}

func (e *cacheEntry) isExpired(now time.Time, ttl time.Duration) bool {
	return !now.Before(e.insertedAt.Add(ttl))
}

func (e *cacheEntry) snapshot() Entry {
	return Entry{Err: e.err, InsertedAt: e.insertedAt, LastAccessedAt: e.lastAccessedAt}
}

type cacheConfig struct {
	clock   Clock
	keyFn   func(error) any
	logger  *zap.Logger
	onEvict func(Entry, EvictReason)
}

// CacheOption configures an ExceptionCache.
type CacheOption func(*cacheConfig)

// WithClock sets the time source. Useful for testing TTL behavior.
func WithClock(clk Clock) CacheOption {
	return func(c *cacheConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithKeyPolicy selects identity or structural keying.
func WithKeyPolicy(p KeyPolicy) CacheOption {
	return func(c *cacheConfig) {
		c.keyFn = keyFuncFor(p)
	}
}

// WithKeyFunc sets a custom key derivation. The returned value must be
// comparable.
func WithKeyFunc(fn func(error) any) CacheOption {
	return func(c *cacheConfig) {
		if fn != nil {
			c.keyFn = fn
		}
	}
}

// WithCacheLogger sets the logger used for eviction and expiry events.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *cacheConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// OnEvict sets a callback invoked, under the cache lock, whenever an entry is
// removed by capacity eviction or expiry. It must not call back into the cache.
func OnEvict(fn func(Entry, EvictReason)) CacheOption {
	return func(c *cacheConfig) {
		c.onEvict = fn
	}
}

// ExceptionCache remembers recently seen errors. It is bounded by capacity with
// least-recently-used eviction, and every entry expires a fixed TTL after it
// was inserted whether or not it is accessed. Expired entries are purged by
// the operation that finds them, or by Sweep.
//
// All methods are safe for concurrent use.
type ExceptionCache struct {
	mu       sync.RWMutex
	items    map[any]*list.Element // key -> element holding *cacheEntry
	order    *list.List            // front is least recently used
	capacity int
	ttl      time.Duration
	cfg      cacheConfig
	stats    Stats
}

// NewExceptionCache creates a cache holding at most capacity errors, each for
// at most ttl.
func NewExceptionCache(capacity int, ttl time.Duration, opts ...CacheOption) (*ExceptionCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidConfig, ttl)
	}

	cfg := cacheConfig{
		clock:  realClock{},
		keyFn:  identityKey,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &ExceptionCache{
		items:    make(map[any]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		cfg:      cfg,
	}, nil
}

// Contains reports whether err has a fresh entry. It does not change recency
// and does not purge anything. A nil err is rejected with ErrNilError.
func (c *ExceptionCache) Contains(err error) (bool, error) {
	if err == nil {
		return false, ErrNilError
	}
	key := c.keyOf(err)
	now := c.cfg.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	elem, ok := c.items[key]
	if !ok {
		return false, nil
	}
	return !elem.Value.(*cacheEntry).isExpired(now, c.ttl), nil
}

// Record notes a sighting of err. It returns true when err was not already
// tracked (a new entry was inserted) and false when a fresh entry existed,
// in which case only its recency is refreshed.
func (c *ExceptionCache) Record(err error) (bool, error) {
	if err == nil {
		return false, ErrNilError
	}
	key := c.keyOf(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.clock.Now()
	if ent, ok := c.lookup(key, now); ok {
		ent.lastAccessedAt = now
		c.stats.hits.Add(1)
		return false, nil
	}
	c.stats.misses.Add(1)

	for len(c.items) >= c.capacity && c.order.Len() > 0 {
		c.evictOldest()
	}

	ent := &cacheEntry{
		key:            key,
		err:            err,
		insertedAt:     now,
		lastAccessedAt: now,
	}
	c.items[key] = c.order.PushBack(ent)
	c.stats.inserts.Add(1)
	return true, nil
}

// Get returns the entry for err if it is fresh, marking it most recently used.
// An expired entry is purged and reported as absent. A nil err is rejected
// with ErrNilError.
func (c *ExceptionCache) Get(err error) (Entry, bool, error) {
	if err == nil {
		return Entry{}, false, ErrNilError
	}
	key := c.keyOf(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.clock.Now()
	ent, ok := c.lookup(key, now)
	if !ok {
		c.stats.misses.Add(1)
		return Entry{}, false, nil
	}
	ent.lastAccessedAt = now
	c.stats.hits.Add(1)
	return ent.snapshot(), true, nil
}

// keyOf derives the map key for err. A key that is not comparable or does not
// equal itself could never be found or deleted again, so the structural key
// is used instead.
func (c *ExceptionCache) keyOf(err error) any {
	key := c.cfg.keyFn(err)
	if v := reflect.ValueOf(key); !v.Comparable() || !v.Equal(v) {
		return structuralKey(err)
	}
	return key
}

// lookup finds a fresh entry and moves it to the most recently used position.
// A stale entry is removed. Must be called with the write lock held.
func (c *ExceptionCache) lookup(key any, now time.Time) (*cacheEntry, bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*cacheEntry)
	if ent.isExpired(now, c.ttl) {
		c.remove(elem, EvictExpired)
		return nil, false
	}
	c.order.MoveToBack(elem)
	return ent, true
}

func (c *ExceptionCache) evictOldest() {
	elem := c.order.Front()
	if elem == nil {
		return
	}
	c.remove(elem, EvictCapacity)
}

func (c *ExceptionCache) remove(elem *list.Element, reason EvictReason) {
	ent := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.items, ent.key)

	switch reason {
	case EvictCapacity:
		c.stats.evictions.Add(1)
	case EvictExpired:
		c.stats.expirations.Add(1)
	}
	c.cfg.logger.Debug("exception dropped from cache",
		zap.String("label", ErrorLabel(ent.err)),
		zap.Stringer("reason", reason),
		zap.Time("inserted_at", ent.insertedAt))
	if c.cfg.onEvict != nil {
		c.cfg.onEvict(ent.snapshot(), reason)
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *ExceptionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.clock.Now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*cacheEntry).isExpired(now, c.ttl) {
			c.remove(elem, EvictExpired)
			removed++
		}
		elem = next
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. It blocks, so run
// it in its own goroutine.
func (c *ExceptionCache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.cfg.logger.Debug("swept expired exceptions", zap.Int("removed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Clear removes all entries without counting them as evictions.
func (c *ExceptionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[any]*list.Element)
	c.order.Init()
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *ExceptionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Capacity returns the maximum number of entries.
func (c *ExceptionCache) Capacity() int {
	return c.capacity
}

// TTL returns the absolute lifetime of an entry.
func (c *ExceptionCache) TTL() time.Duration {
	return c.ttl
}

// Stats returns the live statistics of the cache.
func (c *ExceptionCache) Stats() *Stats {
	return &c.stats
}
