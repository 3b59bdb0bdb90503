package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldsync/common"
	"fieldsync/internal/lru"
)

// Cache is a stale-while-revalidate request cache fronting a caller-supplied
// fetch function. It serves fresh and stale data straight from memory,
// deduplicates concurrent fetches per key, refreshes stale entries in the
// background, retries failed fetches with exponential backoff, trips a
// circuit breaker per logical endpoint, and bounds memory with size-aware
// LRU eviction. A durable Store backs the memory tier so data survives a
// process restart; persistence is an optimization, not a correctness
// requirement, so store failures degrade to memory-only operation.
//
// Payloads are treated as immutable once cached: consumers must not mutate a
// value returned by Get.
type Cache[T any] struct {
	store Store // durable tier, may be nil for memory-only operation
	opts  Options
	log   zerolog.Logger
	now   func() time.Time

	flights *flightGroup[T]

	mu       sync.Mutex
	memory   map[string]*entry[T]
	index    *lru.Index
	breakers map[string]*breaker
	// generations invalidates in-flight write-backs: a fetch result is only
	// stored if the key's generation still matches the one captured when the
	// fetch began. Invalidate and forceRefresh bump it.
	// Entries are never swept; for the bounded key space of endpoint+params
	// keys the overhead is negligible.
	generations map[string]uint64
	stats       statsCounters
}

// entry is the memory-tier representation of one cached result.
type entry[T any] struct {
	value          T
	storedAt       time.Time
	freshUntil     time.Time
	staleUntil     time.Time
	accessCount    int64
	lastAccessedAt time.Time
	sizeBytes      int64
}

// persistedEntry is the durable-tier JSON form. Entries with a mismatched
// SchemaVersion are treated as absent on read.
type persistedEntry[T any] struct {
	SchemaVersion int       `json:"schema_version"`
	StoredAt      time.Time `json:"stored_at"`
	FreshUntil    time.Time `json:"fresh_until"`
	StaleUntil    time.Time `json:"stale_until"`
	Value         T         `json:"value"`
}

// New creates a Cache backed by the given durable store. A nil store yields a
// memory-only cache. Zero Options fields take package defaults.
func New[T any](store Store, opts Options) *Cache[T] {
	o := opts.withDefaults()
	logger := zerolog.Nop()
	if o.Logger != nil {
		logger = *o.Logger
	}
	now := time.Now
	if o.Clock != nil {
		now = o.Clock
	}
	return &Cache[T]{
		store:       store,
		opts:        o,
		log:         logger,
		now:         now,
		flights:     newFlightGroup[T](o.FlightMaxAge),
		memory:      make(map[string]*entry[T]),
		index:       lru.New(),
		breakers:    make(map[string]*breaker),
		generations: make(map[string]uint64),
	}
}

// getConfig carries per-call settings resolved from cache defaults plus
// GetOption overrides.
type getConfig struct {
	forceRefresh bool
	maxAge       time.Duration
	staleAge     time.Duration
	retries      int
	retryDelay   time.Duration
}

// GetOption overrides one cache default for a single Get call.
type GetOption func(*getConfig)

// ForceRefresh bypasses both the cache and in-flight deduplication: the fetch
// always runs, and its result displaces whatever was cached.
func ForceRefresh() GetOption { return func(c *getConfig) { c.forceRefresh = true } }

// WithMaxAge overrides the freshness window for this call.
func WithMaxAge(d time.Duration) GetOption { return func(c *getConfig) { c.maxAge = d } }

// WithStaleAge overrides the usability window for this call.
func WithStaleAge(d time.Duration) GetOption { return func(c *getConfig) { c.staleAge = d } }

// WithRetries overrides the fetch attempt budget for this call.
func WithRetries(n int) GetOption { return func(c *getConfig) { c.retries = n } }

// WithRetryDelay overrides the initial backoff for this call.
func WithRetryDelay(d time.Duration) GetOption { return func(c *getConfig) { c.retryDelay = d } }

func (c *Cache[T]) callConfig(opts []GetOption) getConfig {
	cfg := getConfig{
		maxAge:     c.opts.MaxAge,
		staleAge:   c.opts.StaleAge,
		retries:    c.opts.Retries,
		retryDelay: c.opts.RetryDelay,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.staleAge < cfg.maxAge {
		cfg.staleAge = cfg.maxAge
	}
	return cfg
}

// Get returns the value for key, consulting the memory tier, the durable
// tier, and finally the fetch function. Stale entries are served immediately
// with a non-blocking background refresh. Concurrent calls for the same key
// share a single fetch. A fetch failure is resolved from any still-usable
// cached value before being surfaced.
func (c *Cache[T]) Get(ctx context.Context, key string, fetch FetchFunc[T], opts ...GetOption) (T, error) {
	var zero T
	if fetch == nil {
		return zero, errors.New("fieldsync: fetch function is required")
	}
	cfg := c.callConfig(opts)

	if cfg.forceRefresh {
		return c.fetchShared(ctx, key, fetch, cfg)
	}

	if f, ok := c.flights.existing(key, c.now()); ok {
		return f.await(ctx)
	}

	if val, state := c.lookup(ctx, key); state != lookupMiss {
		if state == lookupStale {
			c.refreshInBackground(key, fetch, cfg)
		}
		return val, nil
	}

	return c.fetchShared(ctx, key, fetch, cfg)
}

type lookupState int

const (
	lookupMiss lookupState = iota
	lookupFresh
	lookupStale
)

// lookup consults the memory tier, then the durable tier. Durable-store
// failures are logged and degrade to a miss.
func (c *Cache[T]) lookup(ctx context.Context, key string) (T, lookupState) {
	var zero T
	now := c.now()

	c.mu.Lock()
	if ent, ok := c.memory[key]; ok {
		if now.After(ent.staleUntil) {
			delete(c.memory, key)
			c.index.Remove(key)
		} else {
			ent.accessCount++
			ent.lastAccessedAt = now
			c.index.Touch(key, now)
			val := ent.value
			if now.After(ent.freshUntil) {
				c.stats.staleHits++
				c.mu.Unlock()
				return val, lookupStale
			}
			c.stats.hits++
			c.mu.Unlock()
			return val, lookupFresh
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		raw, err := c.store.Get(ctx, key)
		switch {
		case err == nil:
			if val, state, ok := c.promote(key, raw, true); ok {
				return val, state
			}
		case !errors.Is(err, common.ErrNotFound):
			c.log.Warn().Err(err).Str("key", key).Msg("durable cache read failed, treating as miss")
		}
	}

	c.mu.Lock()
	c.stats.misses++
	c.mu.Unlock()
	return zero, lookupMiss
}

// promote deserializes a durable entry into the memory tier. Returns ok=false
// for corrupt, version-mismatched or expired entries.
func (c *Cache[T]) promote(key string, raw []byte, countStats bool) (T, lookupState, bool) {
	var zero T
	var pe persistedEntry[T]
	if err := json.Unmarshal(raw, &pe); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("corrupt durable cache entry")
		return zero, lookupMiss, false
	}
	now := c.now()
	if pe.SchemaVersion != SchemaVersion || now.After(pe.StaleUntil) {
		return zero, lookupMiss, false
	}

	ent := &entry[T]{
		value:          pe.Value,
		storedAt:       pe.StoredAt,
		freshUntil:     pe.FreshUntil,
		staleUntil:     pe.StaleUntil,
		accessCount:    1,
		lastAccessedAt: now,
		sizeBytes:      int64(len(raw)),
	}
	state := lookupFresh
	if now.After(pe.FreshUntil) {
		state = lookupStale
	}

	c.mu.Lock()
	c.insertLocked(key, ent, now)
	if countStats {
		if state == lookupStale {
			c.stats.staleHits++
		} else {
			c.stats.hits++
		}
	}
	c.mu.Unlock()
	return pe.Value, state, true
}

// insertLocked places ent in the memory tier, evicting least-recently-used
// entries until both the byte budget and the entry-count budget hold with the
// new entry accounted for. Callers hold c.mu.
func (c *Cache[T]) insertLocked(key string, ent *entry[T], now time.Time) {
	if ent.sizeBytes > c.opts.MemoryBudgetBytes {
		// A single oversized payload would evict the whole tier for nothing;
		// serve it uncached instead.
		c.log.Debug().Str("key", key).Int64("size", ent.sizeBytes).Msg("entry exceeds memory budget, not caching in memory")
		return
	}
	if _, ok := c.memory[key]; ok {
		delete(c.memory, key)
		c.index.Remove(key)
	}
	for c.index.Len() > 0 &&
		(c.index.TotalBytes()+ent.sizeBytes > c.opts.MemoryBudgetBytes || c.index.Len()+1 > c.opts.MaxEntries) {
		oldest, ok := c.index.Oldest()
		if !ok {
			break
		}
		delete(c.memory, oldest)
		c.index.Remove(oldest)
		c.stats.evictions++
	}
	c.memory[key] = ent
	c.index.Put(key, ent.sizeBytes, now)
}

// fetchShared runs (or joins) the single in-flight fetch for key. The fetch
// itself runs in its own goroutine with its own deadline so one canceled
// waiter does not abort the fetch for the others.
func (c *Cache[T]) fetchShared(ctx context.Context, key string, fetch FetchFunc[T], cfg getConfig) (T, error) {
	f, created := c.flights.join(key, c.now(), cfg.forceRefresh)
	if !created {
		return f.await(ctx)
	}
	gen := c.generationFor(key, cfg.forceRefresh)
	go func() {
		val, err := c.fetchWithPolicy(key, fetch, cfg, gen)
		c.flights.settle(key, f, val, err)
	}()
	return f.await(ctx)
}

// refreshInBackground starts a non-blocking stale-while-revalidate fetch.
// Its errors never reach the caller; a failed refresh leaves the stale entry
// in place.
func (c *Cache[T]) refreshInBackground(key string, fetch FetchFunc[T], cfg getConfig) {
	f, created := c.flights.join(key, c.now(), false)
	if !created {
		return // a refresh for this key is already underway
	}
	gen := c.generationFor(key, false)
	c.mu.Lock()
	c.stats.backgroundRefreshes++
	c.mu.Unlock()
	go func() {
		val, err := c.fetchWithPolicy(key, fetch, cfg, gen)
		c.flights.settle(key, f, val, err)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("background refresh failed, stale entry kept")
		}
	}()
}

// fetchWithPolicy is the guarded network path: offline short-circuit, circuit
// breaker, retry with backoff and per-attempt timeout, cached fallback on
// failure, and generation-checked write-back on success.
func (c *Cache[T]) fetchWithPolicy(key string, fetch FetchFunc[T], cfg getConfig, gen uint64) (T, error) {
	var zero T
	endpoint := EndpointOf(key)

	if c.opts.Monitor != nil && !c.opts.Monitor.Online() {
		if val, ok := c.usableFallback(key); ok {
			c.countFallback()
			return val, nil
		}
		return zero, fmt.Errorf("fieldsync: endpoint %q: %w", endpoint, common.ErrOffline)
	}

	if !c.allowRequest(endpoint) {
		if val, ok := c.usableFallback(key); ok {
			c.countFallback()
			return val, nil
		}
		return zero, fmt.Errorf("fieldsync: endpoint %q: %w", endpoint, common.ErrCircuitOpen)
	}

	start := c.now()
	val, err := retryWithBackoff(context.Background(), retryPolicy{attempts: cfg.retries, delay: cfg.retryDelay},
		func(ctx context.Context) (T, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
			defer cancel()
			v, ferr := fetch(attemptCtx)
			if ferr != nil {
				c.recordEndpointFailure(endpoint)
				return zero, ferr
			}
			c.recordEndpointSuccess(endpoint)
			return v, nil
		}, nil)
	if err != nil {
		c.mu.Lock()
		c.stats.errors++
		c.mu.Unlock()
		if val, ok := c.usableFallback(key); ok {
			c.log.Warn().Err(err).Str("key", key).Msg("fetch failed, serving last-resort cached value")
			c.countFallback()
			return val, nil
		}
		return zero, err
	}

	c.storeResult(key, val, cfg, gen, c.now().Sub(start))
	return val, nil
}

// storeResult writes a successful fetch to both tiers, unless the key was
// invalidated (or force-refreshed past us) while the fetch was in flight.
func (c *Cache[T]) storeResult(key string, val T, cfg getConfig, gen uint64, elapsed time.Duration) {
	now := c.now()
	pe := persistedEntry[T]{
		SchemaVersion: SchemaVersion,
		StoredAt:      now,
		FreshUntil:    now.Add(cfg.maxAge),
		StaleUntil:    now.Add(cfg.staleAge),
		Value:         val,
	}
	raw, err := json.Marshal(pe)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache entry marshal failed, result not cached")
		return
	}
	ent := &entry[T]{
		value:          val,
		storedAt:       now,
		freshUntil:     pe.FreshUntil,
		staleUntil:     pe.StaleUntil,
		lastAccessedAt: now,
		sizeBytes:      int64(len(raw)),
	}

	c.mu.Lock()
	if c.generations[key] != gen {
		c.mu.Unlock()
		c.log.Debug().Str("key", key).Msg("discarding fetch result, entry superseded while in flight")
		return
	}
	c.insertLocked(key, ent, now)
	c.stats.fetchCount++
	c.stats.totalFetchTime += elapsed
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(context.Background(), key, raw, cfg.staleAge); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("durable cache write failed, memory tier still updated")
		}
	}
}

// usableFallback returns any still-usable (non-expired) cached value for key,
// checked across both tiers. Used as the last resort when the network path
// fails or is gated off.
func (c *Cache[T]) usableFallback(key string) (T, bool) {
	now := c.now()
	c.mu.Lock()
	if ent, ok := c.memory[key]; ok && !now.After(ent.staleUntil) {
		ent.accessCount++
		ent.lastAccessedAt = now
		c.index.Touch(key, now)
		val := ent.value
		c.mu.Unlock()
		return val, true
	}
	c.mu.Unlock()

	if c.store != nil {
		if raw, err := c.store.Get(context.Background(), key); err == nil {
			if val, _, ok := c.promote(key, raw, false); ok {
				return val, true
			}
		}
	}
	var zero T
	return zero, false
}

func (c *Cache[T]) countFallback() {
	c.mu.Lock()
	c.stats.fallbacks++
	c.mu.Unlock()
}

// generationFor returns the key's current generation, bumping it first when
// the caller is about to supersede whatever is cached (forceRefresh).
func (c *Cache[T]) generationFor(key string, bump bool) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bump {
		c.generations[key]++
	}
	return c.generations[key]
}

// --- circuit breaker bookkeeping ---

func (c *Cache[T]) allowRequest(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		return true
	}
	return b.allow(c.now())
}

func (c *Cache[T]) recordEndpointFailure(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		b = newBreaker(c.opts.BreakerThreshold, c.opts.BreakerReset)
		c.breakers[endpoint] = b
	}
	wasOpen := b.open
	b.recordFailure(c.now())
	if b.open && !wasOpen {
		c.log.Warn().Str("endpoint", endpoint).Int("failures", b.consecutiveFailures).Msg("circuit breaker opened")
	}
}

func (c *Cache[T]) recordEndpointSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[endpoint]; ok {
		b.recordSuccess()
	}
}

// --- invalidation ---

// Invalidate removes key from both tiers. Idempotent: absent keys are not an
// error. A fetch already in flight for the key will not resurrect the entry.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.memory, key)
	c.index.Remove(key)
	c.generations[key]++
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("fieldsync: durable delete for %q: %w", key, err)
	}
	return nil
}

// InvalidatePrefix removes every entry whose key starts with prefix, across
// both tiers. Used when a parent resource is mutated.
func (c *Cache[T]) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for key := range c.memory {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.memory, key)
			c.index.Remove(key)
			c.generations[key]++
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	all, err := c.store.GetAll(ctx, prefix)
	if err != nil {
		return fmt.Errorf("fieldsync: durable scan for prefix %q: %w", prefix, err)
	}
	for key := range all {
		c.mu.Lock()
		c.generations[key]++
		c.mu.Unlock()
		if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("fieldsync: durable delete for %q: %w", key, err)
		}
	}
	return nil
}

// Stats returns a snapshot of hit/miss/eviction counters, memory usage and
// average fetch time. Pure observation, no side effects.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.snapshot(len(c.memory), c.index.TotalBytes())
}
