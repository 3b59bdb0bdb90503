package fieldsync_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync"
	"fieldsync/common"
	"fieldsync/drivers/store/memory"
	"fieldsync/netmon"
)

// fakeClock is a mutable time source shared between a cache under test and
// its backing store.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingFetch returns a fetch func producing "v1", "v2", ... and an atomic
// call counter.
func countingFetch() (fieldsync.FetchFunc[string], *atomic.Int64) {
	var calls atomic.Int64
	return func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("v%d", n), nil
	}, &calls
}

func TestGetDeduplicatesConcurrentFetches(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](memory.NewWithClock(clk.Now), fieldsync.Options{Clock: clk.Now})

	var calls atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background(), "faults:list", fetch)
		}(i)
	}

	// Let every caller join the in-flight request before it settles.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "fetch should run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestFreshStaleExpiredWindows(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](memory.NewWithClock(clk.Now), fieldsync.Options{
		MaxAge:   time.Second,
		StaleAge: 5 * time.Second,
		Clock:    clk.Now,
	})
	fetch, calls := countingFetch()
	ctx := context.Background()
	key := "region:1"

	// Miss: synchronous fetch.
	got, err := cache.Get(ctx, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.EqualValues(t, 1, calls.Load())

	// Fresh window: cached, no fetch.
	clk.Advance(500 * time.Millisecond)
	got, err = cache.Get(ctx, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.EqualValues(t, 1, calls.Load())

	// Stale window: served immediately, refreshed in background.
	clk.Advance(600 * time.Millisecond)
	got, err = cache.Get(ctx, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got, "stale value served without blocking")
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond,
		"background refresh should run exactly once")

	// After the refresh lands, the new value is served fresh.
	require.Eventually(t, func() bool {
		v, err := cache.Get(ctx, key, fetch)
		return err == nil && v == "v2"
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())

	// Past the stale window: synchronous fetch, old value not returned.
	clk.Advance(6 * time.Second)
	got, err = cache.Get(ctx, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v3", got)
	assert.EqualValues(t, 3, calls.Load())
}

func TestStaleCallersDoNotStackRefreshes(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{
		MaxAge:   time.Second,
		StaleAge: time.Minute,
		Clock:    clk.Now,
	})
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "first", nil
		}
		<-release
		return "second", nil
	}

	_, err := cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	// First stale read starts the background refresh.
	got, err := cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		v, err := cache.Get(ctx, "k:1", fetch)
		return err == nil && v == "second"
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, calls.Load(), "only one refresh for the stale window")
}

func TestForceRefreshBypassesCache(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](memory.NewWithClock(clk.Now), fieldsync.Options{Clock: clk.Now})
	fetch, calls := countingFetch()
	ctx := context.Background()

	got, err := cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	got, err = cache.Get(ctx, "k:1", fetch, fieldsync.ForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
	assert.EqualValues(t, 2, calls.Load())

	// The forced result replaced the cached entry.
	got, err = cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
	assert.EqualValues(t, 2, calls.Load())
}

func TestWaitersObserveForceRefreshResult(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{Clock: clk.Now})
	ctx := context.Background()

	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	slow := func(ctx context.Context) (string, error) {
		close(slowStarted)
		<-releaseSlow
		return "slow", nil
	}

	type outcome struct {
		val string
		err error
	}
	waiter := make(chan outcome, 1)
	go func() {
		v, err := cache.Get(ctx, "k:1", slow)
		waiter <- outcome{v, err}
	}()
	<-slowStarted

	forced := func(ctx context.Context) (string, error) { return "forced", nil }
	got, err := cache.Get(ctx, "k:1", forced, fieldsync.ForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, "forced", got)

	// The caller parked on the displaced fetch gets the forced result too.
	close(releaseSlow)
	w := <-waiter
	require.NoError(t, w.err)
	assert.Equal(t, "forced", w.val)

	// And the forced result is what stayed cached.
	v, err := cache.Get(ctx, "k:1", forced)
	require.NoError(t, err)
	assert.Equal(t, "forced", v)
}

func TestClientErrorNotRetried(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{Clock: clk.Now})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", common.NewStatusError(404, errors.New("no such region"))
	}

	_, err := cache.Get(ctx, "regions:9", fetch, fieldsync.WithRetries(3), fieldsync.WithRetryDelay(time.Millisecond))
	require.Error(t, err)
	var se *common.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
	assert.EqualValues(t, 1, calls.Load(), "4xx failures must not be retried")
}

func TestTransientErrorRetriedWithBackoff(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{Clock: clk.Now})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", common.NewStatusError(503, errors.New("backend overloaded"))
		}
		return "recovered", nil
	}

	got, err := cache.Get(ctx, "k:1", fetch, fieldsync.WithRetries(3), fieldsync.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchFailureFallsBackToCachedValue(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](memory.NewWithClock(clk.Now), fieldsync.Options{
		MaxAge:   time.Second,
		StaleAge: time.Minute,
		Clock:    clk.Now,
	})
	ctx := context.Background()

	ok := func(ctx context.Context) (string, error) { return "good", nil }
	_, err := cache.Get(ctx, "k:1", ok)
	require.NoError(t, err)

	failing := func(ctx context.Context) (string, error) { return "", errors.New("network down") }
	got, err := cache.Get(ctx, "k:1", failing, fieldsync.ForceRefresh(), fieldsync.WithRetries(1))
	require.NoError(t, err, "usable cached value should absorb the failure")
	assert.Equal(t, "good", got)
	assert.GreaterOrEqual(t, cache.Stats().Fallbacks, int64(1))
}

func TestCircuitBreakerTripAndReset(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{
		BreakerThreshold: 3,
		BreakerReset:     10 * time.Second,
		Clock:            clk.Now,
	})
	ctx := context.Background()

	var calls atomic.Int64
	failing := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("timeout")
	}

	for i := 0; i < 3; i++ {
		_, err := cache.Get(ctx, "outages:list", failing, fieldsync.WithRetries(1))
		require.Error(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())

	// Open circuit fails fast without touching the network.
	_, err := cache.Get(ctx, "outages:list", failing, fieldsync.WithRetries(1))
	require.ErrorIs(t, err, common.ErrCircuitOpen)
	assert.EqualValues(t, 3, calls.Load())

	// After the reset window the endpoint is probed again.
	clk.Advance(10 * time.Second)
	_, err = cache.Get(ctx, "outages:list", failing, fieldsync.WithRetries(1))
	require.Error(t, err)
	require.NotErrorIs(t, err, common.ErrCircuitOpen)
	assert.EqualValues(t, 4, calls.Load())
}

func TestCircuitOpenStillServesCachedFallback(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{
		BreakerThreshold: 2,
		BreakerReset:     time.Minute,
		MaxAge:           time.Second,
		StaleAge:         time.Hour,
		Clock:            clk.Now,
	})
	ctx := context.Background()

	ok := func(ctx context.Context) (string, error) { return "cached", nil }
	_, err := cache.Get(ctx, "outages:a", ok)
	require.NoError(t, err)

	failing := func(ctx context.Context) (string, error) { return "", errors.New("down") }
	for i := 0; i < 2; i++ {
		_, err := cache.Get(ctx, "outages:b", failing, fieldsync.WithRetries(1))
		require.Error(t, err)
	}

	// Breaker for "outages" is open; the cached key still serves.
	got, err := cache.Get(ctx, "outages:a", failing, fieldsync.ForceRefresh(), fieldsync.WithRetries(1))
	require.NoError(t, err)
	assert.Equal(t, "cached", got)

	// An uncached key on the same endpoint fails fast.
	_, err = cache.Get(ctx, "outages:c", failing, fieldsync.WithRetries(1))
	require.ErrorIs(t, err, common.ErrCircuitOpen)
}

func TestEvictionHonorsEntryCountBudget(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{
		MaxEntries: 3,
		Clock:      clk.Now,
	})
	ctx := context.Background()
	fetch, calls := countingFetch()

	for i := 1; i <= 4; i++ {
		_, err := cache.Get(ctx, fmt.Sprintf("k:%d", i), fetch)
		require.NoError(t, err)
		clk.Advance(time.Millisecond) // distinct access times
	}
	stats := cache.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.EqualValues(t, 1, stats.Evictions)

	// k:1 had the smallest lastAccessedAt, so it was the one evicted.
	before := calls.Load()
	_, err := cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, before+1, calls.Load(), "evicted key should refetch")

	_, err = cache.Get(ctx, "k:4", fetch)
	require.NoError(t, err)
	assert.Equal(t, before+1, calls.Load(), "recently used key should still be cached")
}

func TestEvictionHonorsByteBudget(t *testing.T) {
	clk := newFakeClock()
	// Each entry serializes to well over 100 bytes; three will not fit.
	cache := fieldsync.New[string](nil, fieldsync.Options{
		MemoryBudgetBytes: 450,
		Clock:             clk.Now,
	})
	ctx := context.Background()

	payload := func(i int) fieldsync.FetchFunc[string] {
		return func(ctx context.Context) (string, error) {
			return fmt.Sprintf("payload-%d-%s", i, "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"), nil
		}
	}
	for i := 1; i <= 6; i++ {
		_, err := cache.Get(ctx, fmt.Sprintf("k:%d", i), payload(i))
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
		assert.LessOrEqual(t, cache.Stats().MemoryBytes, int64(450),
			"stored size must never exceed the budget")
	}
	assert.Greater(t, cache.Stats().Evictions, int64(0))
}

func TestDurableTierSurvivesRestart(t *testing.T) {
	clk := newFakeClock()
	store := memory.NewWithClock(clk.Now)

	first := fieldsync.New[string](store, fieldsync.Options{Clock: clk.Now})
	fetch, calls := countingFetch()
	got, err := first.Get(context.Background(), "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	// A new cache over the same store sees the persisted entry.
	second := fieldsync.New[string](store, fieldsync.Options{Clock: clk.Now})
	got, err = second.Get(context.Background(), "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.EqualValues(t, 1, calls.Load(), "restart should not refetch a fresh entry")
}

func TestSchemaVersionMismatchTreatedAsMiss(t *testing.T) {
	clk := newFakeClock()
	store := memory.NewWithClock(clk.Now)
	stale := fmt.Sprintf(`{"schema_version":99,"stored_at":%q,"fresh_until":%q,"stale_until":%q,"value":"old"}`,
		clk.Now().Format(time.RFC3339), clk.Now().Add(time.Hour).Format(time.RFC3339), clk.Now().Add(2*time.Hour).Format(time.RFC3339))
	require.NoError(t, store.Set(context.Background(), "k:1", []byte(stale), 0))

	cache := fieldsync.New[string](store, fieldsync.Options{Clock: clk.Now})
	fetch, calls := countingFetch()
	got, err := cache.Get(context.Background(), "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.EqualValues(t, 1, calls.Load())
}

func TestInvalidateRemovesBothTiers(t *testing.T) {
	clk := newFakeClock()
	store := memory.NewWithClock(clk.Now)
	cache := fieldsync.New[string](store, fieldsync.Options{Clock: clk.Now})
	fetch, calls := countingFetch()
	ctx := context.Background()

	_, err := cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "k:1"))
	require.NoError(t, cache.Invalidate(ctx, "k:1"), "invalidate is idempotent")

	got, err := cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
	assert.EqualValues(t, 2, calls.Load())
}

func TestInvalidatePrefixScopesToNamespace(t *testing.T) {
	clk := newFakeClock()
	store := memory.NewWithClock(clk.Now)
	cache := fieldsync.New[string](store, fieldsync.Options{Clock: clk.Now})
	fetch, calls := countingFetch()
	ctx := context.Background()

	for _, key := range []string{"faults:a", "faults:b", "crews:a"} {
		_, err := cache.Get(ctx, key, fetch)
		require.NoError(t, err)
	}
	require.NoError(t, cache.InvalidatePrefix(ctx, "faults:"))

	before := calls.Load()
	_, err := cache.Get(ctx, "crews:a", fetch)
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load(), "other namespace untouched")

	_, err = cache.Get(ctx, "faults:a", fetch)
	require.NoError(t, err)
	_, err = cache.Get(ctx, "faults:b", fetch)
	require.NoError(t, err)
	assert.Equal(t, before+2, calls.Load())
}

func TestInFlightResultDoesNotResurrectInvalidatedEntry(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{Clock: clk.Now})
	ctx := context.Background()

	release := make(chan struct{})
	var calls atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "late", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.Get(ctx, "k:1", fetch)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, cache.Invalidate(ctx, "k:1"))
	close(release)
	<-done

	// The late result must not have been written back.
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestOfflineMonitorShortCircuitsNetwork(t *testing.T) {
	clk := newFakeClock()
	monitor := netmon.NewManual(true)
	cache := fieldsync.New[string](nil, fieldsync.Options{
		MaxAge:   time.Second,
		StaleAge: time.Hour,
		Monitor:  monitor,
		Clock:    clk.Now,
	})
	fetch, calls := countingFetch()
	ctx := context.Background()

	_, err := cache.Get(ctx, "k:1", fetch)
	require.NoError(t, err)

	monitor.SetOnline(false)

	// Cached value still serves while offline, even via force refresh.
	got, err := cache.Get(ctx, "k:1", fetch, fieldsync.ForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.EqualValues(t, 1, calls.Load())

	// An uncached key fails with a distinguishable offline error.
	_, err = cache.Get(ctx, "k:2", fetch)
	require.ErrorIs(t, err, common.ErrOffline)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStatsSnapshot(t *testing.T) {
	clk := newFakeClock()
	cache := fieldsync.New[string](nil, fieldsync.Options{
		MaxAge:   time.Second,
		StaleAge: time.Minute,
		Clock:    clk.Now,
	})
	fetch, _ := countingFetch()
	ctx := context.Background()

	_, err := cache.Get(ctx, "k:1", fetch) // miss
	require.NoError(t, err)
	_, err = cache.Get(ctx, "k:1", fetch) // hit
	require.NoError(t, err)
	_, err = cache.Get(ctx, "k:1", fetch) // hit
	require.NoError(t, err)

	stats := cache.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
	assert.Equal(t, 1, stats.Entries)
	assert.Greater(t, stats.MemoryBytes, int64(0))
}
