// Package sqlite provides a fieldsync.Store backed by a local SQLite file.
// It is the usual durable tier on field devices, where cached inspection data
// and pending writes must survive app restarts without any server nearby.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"fieldsync"
	"fieldsync/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS fieldsync_kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
`

// Store implements fieldsync.Store over a single key-value table. Expiry is
// tracked as a unix-milli column and enforced lazily on read.
type Store struct {
	db      *sqlx.DB
	now     func() time.Time
	closeMx sync.Mutex
	closed  bool
}

// Ensure Store implements fieldsync.Store.
var _ fieldsync.Store = (*Store)(nil)

// New opens (or creates) the SQLite database at dsn and ensures the key-value
// table exists.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("fieldsync: open sqlite store: %w", err)
	}

	// A local KV file sees little concurrency; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fieldsync: ping sqlite store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fieldsync: create sqlite kv table: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) isClosed() bool {
	s.closeMx.Lock()
	defer s.closeMx.Unlock()
	return s.closed
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, errors.New("fieldsync: sqlite store is closed")
	}
	var row struct {
		Value     []byte `db:"value"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT value, expires_at FROM fieldsync_kv WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("fieldsync: sqlite get %q: %w", key, err)
	}
	if row.ExpiresAt > 0 && s.now().UnixMilli() > row.ExpiresAt {
		// Lazy sweep of the expired row; a failure here is harmless.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM fieldsync_kv WHERE key = ?`, key)
		return nil, common.ErrNotFound
	}
	return row.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.isClosed() {
		return errors.New("fieldsync: sqlite store is closed")
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fieldsync_kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("fieldsync: sqlite set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return errors.New("fieldsync: sqlite store is closed")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fieldsync_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("fieldsync: sqlite delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetAll(ctx context.Context, prefix string) (map[string][]byte, error) {
	if s.isClosed() {
		return nil, errors.New("fieldsync: sqlite store is closed")
	}
	type kv struct {
		Key       string `db:"key"`
		Value     []byte `db:"value"`
		ExpiresAt int64  `db:"expires_at"`
	}
	var rows []kv
	// ESCAPE guards against prefixes containing LIKE wildcards.
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, value, expires_at FROM fieldsync_kv WHERE key LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("fieldsync: sqlite scan %q: %w", prefix, err)
	}
	nowMs := s.now().UnixMilli()
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		if r.ExpiresAt > 0 && nowMs > r.ExpiresAt {
			continue
		}
		out[r.Key] = r.Value
	}
	return out, nil
}

// Sweep deletes every expired row. Optional maintenance; reads already treat
// expired rows as absent.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	if s.isClosed() {
		return 0, errors.New("fieldsync: sqlite store is closed")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fieldsync_kv WHERE expires_at > 0 AND expires_at < ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("fieldsync: sqlite sweep: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	s.closeMx.Lock()
	defer s.closeMx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
