package fieldsync

import (
	"context"
	"sync"
	"time"
)

// flight is one in-progress fetch. Waiters block on done and then read val/err.
type flight[T any] struct {
	done      chan struct{}
	val       T
	err       error
	startedAt time.Time
	// next is set when a forceRefresh displaces this flight; waiters follow it
	// so everyone observes the forced result. Written under the group mutex
	// before done closes.
	next *flight[T]
}

// flightGroup deduplicates concurrent fetches per cache key: the first caller
// starts the fetch, everyone else joining before it settles waits on the same
// flight and observes the same result. Entries older than maxAge are treated
// as abandoned and replaced, so a fetch that never settles cannot leak its
// slot forever.
type flightGroup[T any] struct {
	mu      sync.Mutex
	flights map[string]*flight[T]
	maxAge  time.Duration
}

func newFlightGroup[T any](maxAge time.Duration) *flightGroup[T] {
	return &flightGroup[T]{flights: make(map[string]*flight[T]), maxAge: maxAge}
}

// existing returns the live flight for key, if any.
func (g *flightGroup[T]) existing(key string, now time.Time) (*flight[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.flights[key]
	if !ok {
		return nil, false
	}
	if now.Sub(f.startedAt) > g.maxAge {
		delete(g.flights, key)
		return nil, false
	}
	return f, true
}

// join returns the flight for key, creating one when none is live. created
// reports whether the caller owns the fetch. With replace set (forceRefresh),
// any existing flight is displaced and its waiters are re-pointed at the new
// fetch, so every caller observes the forced result.
func (g *flightGroup[T]) join(key string, now time.Time, replace bool) (f *flight[T], created bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.flights[key]
	if ok && !replace && now.Sub(cur.startedAt) <= g.maxAge {
		return cur, false
	}
	f = &flight[T]{done: make(chan struct{}), startedAt: now}
	if ok && replace {
		cur.next = f
	}
	g.flights[key] = f
	return f, true
}

// settle publishes the result and frees the slot, unless a forceRefresh
// already displaced this flight. Publishing happens under the group mutex so
// waiters that wake on done observe any next pointer set before it closed.
func (g *flightGroup[T]) settle(key string, f *flight[T], val T, err error) {
	g.mu.Lock()
	f.val, f.err = val, err
	close(f.done)
	if g.flights[key] == f {
		delete(g.flights, key)
	}
	g.mu.Unlock()
}

// await blocks until the flight settles or ctx is done, following the chain of
// displacing flights.
func (f *flight[T]) await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		if f.next != nil {
			return f.next.await(ctx)
		}
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
