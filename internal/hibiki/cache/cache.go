// Package cache provides the expiring key/value store that holds every piece
// of shared mutable state in Hibiki: rate windows, pause records, usage
// counters, memory layers and dedup markers.
//
// Two backends exist: Memory (process-local, used in tests and ephemeral
// deployments) and SQLite (survives restarts). Values are opaque bytes at
// the Store level; GetValue and SetValue add a CBOR codec on top.
//
// Read-check-write sequences built on a Store are last-writer-wins. Callers
// that need atomicity within the process hold their own lock.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// ErrCorrupt is returned when a stored value cannot be decoded.
var ErrCorrupt = errors.New("cache: corrupt value")

// Store is an expiring key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A non-positive ttl means the entry never
	// expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by backends that need expired entries removed
// eagerly (expiry is otherwise enforced lazily on Get).
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// GetValue loads and decodes the value under key. found is false on a miss.
// A value that fails to decode is returned as an error wrapping ErrCorrupt.
func GetValue[T any](ctx context.Context, s Store, key string) (value T, found bool, err error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := Decode(raw, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// SetValue encodes v and stores it under key with the given ttl.
func SetValue[T any](ctx context.Context, s Store, key string, v T, ttl time.Duration) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}
