// interfaces.go
// Core collaborator contracts for fieldsync: Store, FetchFunc, WriteFunc.
// These are public and intended for use by consumers and driver developers.

package fieldsync

import (
	"context"
	"time"
)

// FetchFunc performs the actual remote read for one cache key. It is supplied
// per call by the consumer; the cache never knows endpoint paths or transport
// details. Errors may carry an HTTP-status-like code via common.StatusError
// to mark them non-retryable.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// WriteFunc performs the actual remote create/update/delete call for one
// pending operation during queue replay.
type WriteFunc[T any] func(ctx context.Context, action Action, payload T) error

// Store defines the interface for durable key-value drivers.
//
// Values are opaque byte slices; serialization happens at the core's edge.
// Get returns common.ErrNotFound for absent or expired keys. A ttl of zero
// means no expiry. GetAll returns every live entry whose key starts with
// prefix. A single Set must be atomic from the caller's perspective: readers
// never observe a partially-written value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

// Action identifies the kind of write a pending operation represents.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)
