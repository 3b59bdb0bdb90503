// Package redis provides a fieldsync.Store backed by Redis, for deployments
// where cached reads and pending writes should survive process restarts and
// be shared across workers on one host.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldsync"
	"fieldsync/common"
)

// store implements fieldsync.Store using Redis.
// The counters field tracks operation statistics for monitoring (thread-safe).
type store struct {
	client            *redis.Client
	mu                sync.Mutex
	counters          map[string]int
	createdInternally bool // whether client was created by this struct
}

// Ensure store implements fieldsync.Store and io.Closer.
var (
	_ fieldsync.Store = (*store)(nil)
	_ io.Closer       = (*store)(nil)
)

// Options holds configuration for the Redis store.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Redis-backed store. If client is not nil it is used directly
// and left open on Close; otherwise a client is created from opts and owned
// by the store.
func New(client *redis.Client, opts *Options) (fieldsync.Store, error) {
	var rdb *redis.Client
	var createdInternally bool

	if client != nil {
		rdb = client
	} else {
		if opts == nil {
			opts = &Options{}
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		createdInternally = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		if createdInternally {
			_ = rdb.Close()
		}
		return nil, fmt.Errorf("fieldsync: redis ping failed: %w", err)
	}

	return &store{
		client:            rdb,
		counters:          make(map[string]int),
		createdInternally: createdInternally,
	}, nil
}

// incrementCounter safely increments a named operation counter.
func (s *store) incrementCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	s.incrementCounter("Get")
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.incrementCounter("GetMiss")
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("fieldsync: redis get %q: %w", key, err)
	}
	s.incrementCounter("GetHit")
	return val, nil
}

func (s *store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.incrementCounter("Set")
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("fieldsync: redis set %q: %w", key, err)
	}
	return nil
}

func (s *store) Delete(ctx context.Context, key string) error {
	s.incrementCounter("Delete")
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("fieldsync: redis del %q: %w", key, err)
	}
	return nil
}

// GetAll scans for live keys under prefix and fetches their values. Keys that
// expire between the scan and the fetch are skipped.
func (s *store) GetAll(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.incrementCounter("GetAll")
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("fieldsync: redis get %q during scan: %w", key, err)
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("fieldsync: redis scan %q: %w", prefix, err)
	}
	return out, nil
}

// Close implements io.Closer. Only closes the client if it was created
// internally.
func (s *store) Close() error {
	if s.createdInternally && s.client != nil {
		return s.client.Close()
	}
	return nil
}
