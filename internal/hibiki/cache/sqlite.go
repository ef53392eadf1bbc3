package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Hibiki/common/clock"
)

// SQLite is a Store backed by the cache_entries table. The caller is
// responsible for the migration that creates the table (store.New applies
// it on startup).
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLite returns a SQLite store on db. A nil clock means the real one.
func NewSQLite(db *sql.DB, c clock.Clock) *SQLite {
	if c == nil {
		c = clock.Real()
	}
	return &SQLite{db: db, clock: c}
}

// Get implements Store. Expired rows are reported as ErrMiss and left for
// the sweeper.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %q: %w", key, err)
	}
	if expiresAt > 0 && s.clock.Now().UnixMilli() >= expiresAt {
		return nil, ErrMiss
	}
	return value, nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clock.Now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, expiresAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return nil
}

// DeleteExpired implements Sweeper.
func (s *SQLite) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`,
		s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("cache: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache: delete expired rows affected: %w", err)
	}
	return int(n), nil
}

var (
	_ Store   = (*SQLite)(nil)
	_ Sweeper = (*SQLite)(nil)
)
