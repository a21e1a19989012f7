// The request cache memoizes expensive keyed fetches (list and stats queries of the CRM stores).
// Misses publish a pending flight before the producer starts, so concurrent callers of the same key share a single
// producer invocation. Entries expire by age, are evicted by count under LRU / LFU / FIFO and are swept in the
// background against the cache's default max age.
//
// There is no producer timeout: a producer that never returns keeps its flight pending, and callers waiting without
// a deadline on their own context wait with it. Pass a context with a deadline when that matters.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/tiercache/pkg/utils"
)

var (
	defaultMaxAge = flag.Duration("request_cache_max_age", 5*time.Minute,
		"Entries older than this are cache misses; 0 or negative keeps entries until evicted.")
	defaultMaxSize = flag.Int("request_cache_max_size", 100,
		"The maximum number of entries in a request cache; 0 or negative disables capacity eviction.")
	defaultStrategy = flag.String("request_cache_strategy", string(LRU),
		"Eviction strategy of request caches: LRU/LFU/FIFO.")
	defaultSweepInterval = flag.Duration("request_cache_sweep_interval", time.Minute,
		"How often request caches remove entries older than their default max age.")
)

var (
	ErrEmptyKey     = errors.New("cache key must not be empty")
	ErrTypeMismatch = errors.New("cached value has an unexpected type")
)

// Producer computes the value of a missing key. It runs at most once per miss, with a context that is not cancelled
// when a waiting caller gives up.
type Producer func(ctx context.Context) (any, error)

// Config holds the defaults of a RequestCache. MaxAge, MaxSize and Strategy can be overridden per call.
type Config struct {
	Name          string        // Identifies the cache in logs and metrics.
	MaxAge        time.Duration // Entries at least this old are misses; <= 0 never expires.
	MaxSize       int           // Entry count ceiling; <= 0 is unbounded.
	Strategy      Strategy
	SweepInterval time.Duration // <= 0 disables the background sweep.
	Clock         utils.Clock   // Defaults to the system clock.
}

// ConfigFromFlags returns the flag-configured defaults for a cache called `name`.
func ConfigFromFlags(name string) Config {
	strategy, err := ParseStrategy(*defaultStrategy)
	if err != nil {
		slog.Warn("Invalid request cache strategy flag, falling back to LRU.", "error", err)
		strategy = LRU
	}
	return Config{
		Name:          name,
		MaxAge:        *defaultMaxAge,
		MaxSize:       *defaultMaxSize,
		Strategy:      strategy,
		SweepInterval: *defaultSweepInterval,
		Clock:         utils.SystemClock{},
	}
}

// CallOption overrides the cache defaults for a single call.
type CallOption func(*Config)

func WithMaxAge(maxAge time.Duration) CallOption { return func(c *Config) { c.MaxAge = maxAge } }

func WithMaxSize(maxSize int) CallOption { return func(c *Config) { c.MaxSize = maxSize } }

func WithStrategy(strategy Strategy) CallOption { return func(c *Config) { c.Strategy = strategy } }

// entry is the cache slot of a single key. Exactly one of `value` (resolved) or `pending` (in flight) is meaningful.
type entry struct {
	key         string
	value       any
	pending     *flight   // Non-nil while the producer for this entry is running.
	createdAt   time.Time // Insertion time; drives max age and FIFO.
	accessedAt  time.Time // Last insertion or hit; drives LRU.
	accessCount int64     // Hits since insertion; drives LFU.
	size        int64     // Estimated bytes of the value, reporting only.
	seq         uint64    // Insertion order; tie-breaker for eviction.
}

// RequestCache is a thread-safe memoizing cache of keyed fetches.
type RequestCache struct {
	config    Config
	mux       sync.Mutex // Protects entries and nextSeq.
	entries   map[string]*entry
	nextSeq   uint64
	stop      chan struct{} // Closed by Close to stop the sweeper.
	closeOnce sync.Once
}

// NewRequestCache creates a cache with the given defaults and starts its sweeper. The sweeper stops when `ctx` is
// done or Close is called.
func NewRequestCache(ctx context.Context, config Config) *RequestCache {
	if config.Clock == nil {
		config.Clock = utils.SystemClock{}
	}
	if config.Name == "" {
		config.Name = "default"
	}
	config.Strategy = normalizeStrategy(config.Name, config.Strategy, LRU)
	c := &RequestCache{
		config:  config,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if config.SweepInterval > 0 {
		go c.sweeper(ctx, config.SweepInterval)
	}
	return c
}

// Close stops the background sweeper. The cache stays usable.
func (c *RequestCache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

// callConfig applies per-call overrides on top of the cache defaults.
func (c *RequestCache) callConfig(opts []CallOption) Config {
	config := c.config
	for _, opt := range opts {
		opt(&config)
	}
	if config.Strategy != c.config.Strategy {
		config.Strategy = normalizeStrategy(c.config.Name, config.Strategy, c.config.Strategy)
	}
	return config
}

// normalizeStrategy parses a caller-supplied strategy, returning `fallback` for an empty or unknown one.
func normalizeStrategy(cacheName string, strategy, fallback Strategy) Strategy {
	if strategy == "" {
		return fallback
	}
	parsed, err := ParseStrategy(string(strategy))
	if err != nil {
		slog.Warn("Invalid request cache strategy, falling back.", "cache", cacheName, "fallback", fallback,
			"error", err)
		return fallback
	}
	return parsed
}

func isValid(e *entry, config Config, now time.Time) bool {
	if config.MaxAge <= 0 {
		return true
	}
	return now.Sub(e.createdAt) < config.MaxAge
}

// Get returns the value of `key`, calling `producer` on a miss. Concurrent misses for the same key share a single
// producer invocation and all of them receive its value or its error. A failed fetch is not cached.
func (c *RequestCache) Get(ctx context.Context, key string, producer Producer, opts ...CallOption) (any, error) {
	value, pending, err := c.acquire(ctx, key, producer, c.callConfig(opts))
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return value, nil
	}
	return pending.wait(ctx)
}

// acquire resolves `key` without blocking: it returns the cached value, or the flight to wait on. On a miss the new
// flight is in the map before the producer goroutine starts.
func (c *RequestCache) acquire(ctx context.Context, key string, producer Producer, config Config) (any, *flight, error) {
	if key == "" {
		return nil, nil, ErrEmptyKey
	}

	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.config.Clock.Now()
	if e, found := c.entries[key]; found && isValid(e, config, now) {
		e.accessCount++
		e.accessedAt = now
		if e.pending != nil {
			cacheLookups.WithLabelValues(c.config.Name, "shared").Inc()
			return nil, e.pending, nil
		}
		cacheLookups.WithLabelValues(c.config.Name, "hit").Inc()
		return e.value, nil, nil
	}

	cacheLookups.WithLabelValues(c.config.Name, "miss").Inc()
	pending := newFlight()
	placeholder := &entry{
		key:         key,
		pending:     pending,
		createdAt:   now,
		accessedAt:  now,
		accessCount: 1,
		seq:         c.sequence(),
	}
	c.entries[key] = placeholder
	go c.fly(context.WithoutCancel(ctx), placeholder, producer, config)
	return nil, pending, nil
}

// sequence returns the next insertion number. Must be called with the lock held.
func (c *RequestCache) sequence() uint64 {
	c.nextSeq++
	return c.nextSeq
}

// fly runs the producer of `placeholder` and publishes the outcome. The result is only stored if the placeholder is
// still the entry of its key; an invalidation or Set that happened meanwhile wins, but the waiters still get the value.
func (c *RequestCache) fly(ctx context.Context, placeholder *entry, producer Producer, config Config) {
	value, err := runProducer(ctx, producer)
	var size int64
	if err == nil {
		size = estimateSize(value)
	}

	c.mux.Lock()
	current, found := c.entries[placeholder.key]
	owned := found && current == placeholder
	if err != nil {
		if owned {
			delete(c.entries, placeholder.key)
		}
		c.mux.Unlock()
		cacheProducerFailures.WithLabelValues(c.config.Name).Inc()
		slog.Debug("Cache producer failed.", "cache", c.config.Name, "key", placeholder.key, "error", err)
		placeholder.pending.finish(nil, err)
		return
	}
	if owned {
		now := c.config.Clock.Now()
		c.entries[placeholder.key] = &entry{
			key:         placeholder.key,
			value:       value,
			createdAt:   now,
			accessedAt:  now,
			accessCount: 1,
			size:        size,
			seq:         placeholder.seq,
		}
		c.enforceSizeLimit(config)
	}
	c.mux.Unlock()
	placeholder.pending.finish(value, nil)
}

// Set stores `value` under `key` unconditionally, replacing any entry or pending flight of that key.
func (c *RequestCache) Set(key string, value any, opts ...CallOption) {
	if key == "" {
		slog.Warn("Ignoring cache set with an empty key.", "cache", c.config.Name)
		return
	}
	config := c.callConfig(opts)
	size := estimateSize(value)

	c.mux.Lock()
	defer c.mux.Unlock()
	now := c.config.Clock.Now()
	c.entries[key] = &entry{
		key:        key,
		value:      value,
		createdAt:  now,
		accessedAt: now,
		size:       size,
		seq:        c.sequence(),
	}
	c.enforceSizeLimit(config)
}

// Has reports whether `key` has an entry that is still fresh under the call's max age. It does not count as a read.
func (c *RequestCache) Has(key string, opts ...CallOption) bool {
	config := c.callConfig(opts)
	c.mux.Lock()
	defer c.mux.Unlock()
	e, found := c.entries[key]
	return found && isValid(e, config, c.config.Clock.Now())
}

// Invalidate removes `key` if present.
func (c *RequestCache) Invalidate(key string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.entries, key)
}

// InvalidatePattern removes every key matched by `pattern` and returns how many were removed.
func (c *RequestCache) InvalidatePattern(pattern Pattern) int {
	c.mux.Lock()
	defer c.mux.Unlock()
	// Match over a snapshot of the keys, then delete.
	keys := slices.Collect(maps.Keys(c.entries))
	removed := 0
	for _, key := range keys {
		if pattern.Match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *RequestCache) Clear() {
	c.mux.Lock()
	defer c.mux.Unlock()
	clear(c.entries)
}

// Preload starts fetching `key` in the background unless it's already cached. The pending flight is published before
// Preload returns, so a Get right after it attaches to the same fetch. Failures are only logged.
func (c *RequestCache) Preload(ctx context.Context, key string, producer Producer, opts ...CallOption) {
	_, pending, err := c.acquire(ctx, key, producer, c.callConfig(opts))
	if err != nil {
		slog.Error("Failed to preload cache entry.", "cache", c.config.Name, "key", key, "error", err)
		return
	}
	if pending == nil { // Already cached.
		return
	}
	go func() {
		if _, err := pending.wait(context.Background()); err != nil {
			slog.Error("Failed to preload cache entry.", "cache", c.config.Name, "key", key, "error", err)
			return
		}
		slog.Debug("Preloaded cache entry.", "cache", c.config.Name, "key", key)
	}()
}

// enforceSizeLimit evicts exactly `len - MaxSize` entries, lowest first under the strategy. Must be called with the
// lock held.
func (c *RequestCache) enforceSizeLimit(config Config) {
	if config.MaxSize <= 0 || len(c.entries) <= config.MaxSize {
		return
	}
	excess := len(c.entries) - config.MaxSize
	candidates := slices.SortedFunc(maps.Values(c.entries), config.Strategy.compare)
	for _, victim := range candidates[:excess] {
		delete(c.entries, victim.key)
	}
	cacheEvictions.WithLabelValues(c.config.Name, "capacity").Add(float64(excess))
	slog.Debug("Evicted request cache entries.", "cache", c.config.Name, "count", excess,
		"strategy", config.Strategy)
}

// sweep removes entries older than the cache's default max age and returns how many were removed.
func (c *RequestCache) sweep() int {
	if c.config.MaxAge <= 0 {
		return 0
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	now := c.config.Clock.Now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > c.config.MaxAge {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		cacheEvictions.WithLabelValues(c.config.Name, "expired").Add(float64(removed))
	}
	return removed
}

// sweeper periodically removes expired entries until `ctx` is done or the cache is closed.
func (c *RequestCache) sweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if removed := c.sweep(); removed > 0 {
				slog.Debug("Swept expired request cache entries.", "cache", c.config.Name, "removed", removed)
			}
		}
	}
}

// estimateSize approximates the in-memory footprint of `value` as two bytes per character of its JSON form.
// Values that can't be marshalled count as zero.
func estimateSize(value any) int64 {
	encoded, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(encoded)) * 2
}

// Fetch is Get with a typed producer and result.
func Fetch[T any](ctx context.Context, c *RequestCache, key string, producer func(context.Context) (T, error),
	opts ...CallOption) (T, error) {
	var zero T
	value, err := c.Get(ctx, key, func(ctx context.Context) (any, error) { return producer(ctx) }, opts...)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, value)
	}
	return typed, nil
}
