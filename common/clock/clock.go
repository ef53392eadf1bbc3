// Package clock abstracts time so that rate windows, pause expiry, quota
// resets, reconnect backoff and send pacing can be driven deterministically
// in tests.
//
// Production code takes a Clock (usually Real()); tests pass Fake(t0) and
// move time forward with Advance.
package clock

import (
	"context"
	"time"
)

// Clock is the subset of the time package Hibiki depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for d on c, returning early with ctx.Err() when ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
