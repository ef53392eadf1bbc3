package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often SweepRunner purges expired entries.
const DefaultSweepInterval = 10 * time.Minute

// SweepRunner periodically calls DeleteExpired on a Sweeper.
type SweepRunner struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewSweepRunner creates a runner. A non-positive interval means
// DefaultSweepInterval; a nil logger means slog.Default().
func NewSweepRunner(s Sweeper, interval time.Duration, logger *slog.Logger) *SweepRunner {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepRunner{sweeper: s, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled or Stop is called. Call it in a
// goroutine.
func (r *SweepRunner) Run(ctx context.Context) {
	r.stopMu.Lock()
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.stopMu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single purge and logs the outcome.
func (r *SweepRunner) SweepOnce(ctx context.Context) {
	n, err := r.sweeper.DeleteExpired(ctx)
	if err != nil {
		r.logger.Warn("cache sweep failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Debug("cache sweep removed expired entries", "count", n)
	}
}

// Stop signals the runner to stop. Safe to call multiple times.
func (r *SweepRunner) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
}
