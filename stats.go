package fieldsync

import "time"

// Stats is a point-in-time snapshot of cache behavior for monitoring and
// hit/miss analysis. Reading it has no side effects.
type Stats struct {
	Hits                int64
	StaleHits           int64 // hits served inside the stale window (refresh triggered)
	Misses              int64
	Fallbacks           int64 // fetch failures resolved from a usable cached value
	Evictions           int64
	BackgroundRefreshes int64
	Errors              int64

	Entries     int
	MemoryBytes int64
	HitRate     float64
	AvgFetchTime time.Duration
}

// statsCounters is the mutable tally behind Stats. Guarded by the cache mutex.
type statsCounters struct {
	hits                int64
	staleHits           int64
	misses              int64
	fallbacks           int64
	evictions           int64
	backgroundRefreshes int64
	errors              int64

	fetchCount     int64
	totalFetchTime time.Duration
}

func (s *statsCounters) snapshot(entries int, memoryBytes int64) Stats {
	out := Stats{
		Hits:                s.hits,
		StaleHits:           s.staleHits,
		Misses:              s.misses,
		Fallbacks:           s.fallbacks,
		Evictions:           s.evictions,
		BackgroundRefreshes: s.backgroundRefreshes,
		Errors:              s.errors,
		Entries:             entries,
		MemoryBytes:         memoryBytes,
	}
	lookups := s.hits + s.staleHits + s.misses
	if lookups > 0 {
		out.HitRate = float64(s.hits+s.staleHits) / float64(lookups)
	}
	if s.fetchCount > 0 {
		out.AvgFetchTime = s.totalFetchTime / time.Duration(s.fetchCount)
	}
	return out
}
