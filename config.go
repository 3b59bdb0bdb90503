package fieldsync

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"fieldsync/netmon"
)

// Defaults applied where Options/QueueOptions fields are left zero.
const (
	DefaultMaxAge            = 30 * time.Second
	DefaultStaleAge          = 120 * time.Second
	DefaultRetries           = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultFetchTimeout      = 10 * time.Second
	DefaultMemoryBudgetBytes = 10 << 20
	DefaultMaxEntries        = 1000
	DefaultBreakerThreshold  = 5
	DefaultBreakerReset      = 30 * time.Second
	DefaultFlightMaxAge      = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultSyncDebounce      = 2 * time.Second
)

// SchemaVersion is the on-disk cache entry format version. Durable entries
// written with a different version are treated as absent.
const SchemaVersion = 1

// Options configures a Cache. The zero value is usable; zero fields take the
// package defaults above.
type Options struct {
	// MaxAge is the freshness window: entries younger than this are served
	// without any fetch.
	MaxAge time.Duration
	// StaleAge is the usability window: entries between MaxAge and StaleAge
	// old are served immediately while a background refresh runs. Beyond it
	// an entry is expired and never returned.
	StaleAge time.Duration
	// Retries is the number of fetch attempts per request.
	Retries int
	// RetryDelay is the initial backoff between attempts, doubling each time.
	RetryDelay time.Duration
	// FetchTimeout bounds each individual fetch attempt.
	FetchTimeout time.Duration

	// MemoryBudgetBytes caps the serialized size of all memory-tier entries.
	MemoryBudgetBytes int64
	// MaxEntries caps the memory-tier entry count.
	MaxEntries int

	// BreakerThreshold is the consecutive-failure count that trips an
	// endpoint's circuit open; BreakerReset is how long it stays open.
	BreakerThreshold int
	BreakerReset     time.Duration

	// FlightMaxAge is the safety threshold after which an abandoned in-flight
	// request is purged so it cannot block deduplication forever.
	FlightMaxAge time.Duration

	// Monitor, when set, lets the cache skip network attempts while offline
	// and serve whatever usable cached value exists instead.
	Monitor netmon.Monitor

	// Logger receives background-failure, breaker and eviction events.
	// Defaults to a no-op logger.
	Logger *zerolog.Logger

	// Clock overrides the time source. Tests inject a fake; nil means
	// time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.StaleAge <= 0 {
		o.StaleAge = DefaultStaleAge
	}
	if o.StaleAge < o.MaxAge {
		o.StaleAge = o.MaxAge
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.MemoryBudgetBytes <= 0 {
		o.MemoryBudgetBytes = DefaultMemoryBudgetBytes
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = DefaultBreakerThreshold
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = DefaultBreakerReset
	}
	if o.FlightMaxAge <= 0 {
		o.FlightMaxAge = DefaultFlightMaxAge
	}
	return o
}

// QueueOptions configures a Queue. The zero value is usable.
type QueueOptions struct {
	// Namespace prefixes every durable key the queue writes, so multiple
	// queues can share one Store.
	Namespace string
	// MaxRetries bounds replay attempts per operation before it is dropped
	// and reported as a permanent failure.
	MaxRetries int
	// RetryDelay is the initial backoff between replay attempts for one
	// operation, doubling each time.
	RetryDelay time.Duration
	// SyncDebounce is the minimum interval between automatically triggered
	// replay passes, so a flapping network does not cause sync storms.
	SyncDebounce time.Duration

	// ResourceID, when set, extracts the remote resource identifier from a
	// payload so later operations on the same resource can supersede earlier
	// pending ones (update-then-delete collapses to delete). When nil, the
	// queue is strictly FIFO with no collapsing.
	ResourceID func(payload any) string

	// OnEnqueue, when set, is called after every successful enqueue so the
	// consumer can reflect optimistic state immediately.
	OnEnqueue func(localID string, action Action)

	Logger *zerolog.Logger

	// Clock overrides the time source. Tests inject a fake; nil means
	// time.Now.
	Clock func() time.Time
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Namespace == "" {
		o.Namespace = "fieldsync:queue"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.SyncDebounce <= 0 {
		o.SyncDebounce = DefaultSyncDebounce
	}
	return o
}

// envOptions maps FIELDSYNC_* environment variables onto cache defaults.
type envOptions struct {
	MaxAge            time.Duration `env:"FIELDSYNC_MAX_AGE" envDefault:"30s"`
	StaleAge          time.Duration `env:"FIELDSYNC_STALE_AGE" envDefault:"2m"`
	Retries           int           `env:"FIELDSYNC_RETRIES" envDefault:"3"`
	RetryDelay        time.Duration `env:"FIELDSYNC_RETRY_DELAY" envDefault:"1s"`
	FetchTimeout      time.Duration `env:"FIELDSYNC_FETCH_TIMEOUT" envDefault:"10s"`
	MemoryBudgetBytes int64         `env:"FIELDSYNC_MEMORY_BUDGET_BYTES" envDefault:"10485760"`
	MaxEntries        int           `env:"FIELDSYNC_MAX_ENTRIES" envDefault:"1000"`
	BreakerThreshold  int           `env:"FIELDSYNC_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerReset      time.Duration `env:"FIELDSYNC_BREAKER_RESET" envDefault:"30s"`
}

type envQueueOptions struct {
	Namespace    string        `env:"FIELDSYNC_QUEUE_NAMESPACE" envDefault:"fieldsync:queue"`
	MaxRetries   int           `env:"FIELDSYNC_MAX_RETRIES" envDefault:"3"`
	RetryDelay   time.Duration `env:"FIELDSYNC_QUEUE_RETRY_DELAY" envDefault:"1s"`
	SyncDebounce time.Duration `env:"FIELDSYNC_SYNC_DEBOUNCE" envDefault:"2s"`
}

// OptionsFromEnv builds cache Options from FIELDSYNC_* environment variables,
// falling back to the package defaults for unset variables.
func OptionsFromEnv() (Options, error) {
	var e envOptions
	if err := env.Parse(&e); err != nil {
		return Options{}, err
	}
	return Options{
		MaxAge:            e.MaxAge,
		StaleAge:          e.StaleAge,
		Retries:           e.Retries,
		RetryDelay:        e.RetryDelay,
		FetchTimeout:      e.FetchTimeout,
		MemoryBudgetBytes: e.MemoryBudgetBytes,
		MaxEntries:        e.MaxEntries,
		BreakerThreshold:  e.BreakerThreshold,
		BreakerReset:      e.BreakerReset,
	}, nil
}

// QueueOptionsFromEnv builds QueueOptions from FIELDSYNC_* environment
// variables.
func QueueOptionsFromEnv() (QueueOptions, error) {
	var e envQueueOptions
	if err := env.Parse(&e); err != nil {
		return QueueOptions{}, err
	}
	return QueueOptions{
		Namespace:    e.Namespace,
		MaxRetries:   e.MaxRetries,
		RetryDelay:   e.RetryDelay,
		SyncDebounce: e.SyncDebounce,
	}, nil
}
