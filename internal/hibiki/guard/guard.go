// Package guard implements the checks the dispatcher runs before doing any
// expensive work: fixed-window rate limits (global and per conversation),
// pause records and per-subscriber usage quotas.
//
// All state lives in a cache.Store. Read-check-write sequences are
// serialised per key inside the process; across processes the store is
// last-writer-wins, which the coarse windows tolerate.
package guard

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultGlobalLimit  = 300
	DefaultGlobalWindow = time.Hour
	DefaultUserLimit    = 20
	DefaultUserWindow   = time.Minute
)

// Config holds the tunable limits.
type Config struct {
	GlobalLimit  int
	GlobalWindow time.Duration
	UserLimit    int
	UserWindow   time.Duration

	// Location decides where daily and monthly quota boundaries fall.
	Location *time.Location
}

// Guard answers rate, pause and quota questions.
type Guard struct {
	store cache.Store
	plans PlanResolver
	cfg   Config
	clock clock.Clock
	locks keyLocks
}

// New creates a Guard. A nil clock means the real one.
func New(store cache.Store, plans PlanResolver, cfg Config, c clock.Clock) *Guard {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = DefaultGlobalLimit
	}
	if cfg.GlobalWindow <= 0 {
		cfg.GlobalWindow = DefaultGlobalWindow
	}
	if cfg.UserLimit <= 0 {
		cfg.UserLimit = DefaultUserLimit
	}
	if cfg.UserWindow <= 0 {
		cfg.UserWindow = DefaultUserWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if c == nil {
		c = clock.Real()
	}
	return &Guard{store: store, plans: plans, cfg: cfg, clock: c}
}

// Location returns the timezone quota boundaries are computed in.
func (g *Guard) Location() *time.Location { return g.cfg.Location }

// Scope identifies what a rate window or pause record applies to.
type Scope struct {
	ConversationID string // empty: global
}

// Global is the process-wide scope.
var Global = Scope{}

// Conversation returns the scope of a single conversation.
func Conversation(id string) Scope { return Scope{ConversationID: id} }

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool { return s.ConversationID == "" }

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "conv:" + s.ConversationID
}

// ---------------------------------------------------------------------------
// Rate windows
// ---------------------------------------------------------------------------

// RateDecision is the outcome of a rate check.
type RateDecision struct {
	Allowed bool
	Count   int
	Limit   int
	ResetAt time.Time

	// FirstDenial is true for the first rejected request of a window.
	// Callers that notify the sender do so only once per window.
	FirstDenial bool
}

type rateWindow struct {
	Count    int
	ResetAt  time.Time
	Notified bool
}

// CheckGlobalRate counts one request against the global window.
func (g *Guard) CheckGlobalRate(ctx context.Context) (RateDecision, error) {
	return g.checkRate(ctx, Global, g.cfg.GlobalLimit, g.cfg.GlobalWindow)
}

// CheckUserRate counts one request against the conversation's window.
func (g *Guard) CheckUserRate(ctx context.Context, conversationID string) (RateDecision, error) {
	return g.checkRate(ctx, Conversation(conversationID), g.cfg.UserLimit, g.cfg.UserWindow)
}

func (g *Guard) checkRate(ctx context.Context, scope Scope, limit int, window time.Duration) (RateDecision, error) {
	key := "rate:" + scope.String()
	unlock := g.locks.lock(key)
	defer unlock()

	w, _, err := cache.GetValue[rateWindow](ctx, g.store, key)
	if err != nil && !cache.IsCorrupt(err) {
		return RateDecision{}, fmt.Errorf("guard: load rate window %s: %w", scope, err)
	}

	now := g.clock.Now()
	if w.ResetAt.IsZero() || now.After(w.ResetAt) {
		w = rateWindow{ResetAt: now.Add(window)}
	}

	d := RateDecision{Limit: limit, ResetAt: w.ResetAt}
	if w.Count >= limit {
		d.Count = w.Count
		if !w.Notified {
			d.FirstDenial = true
			w.Notified = true
			if err := g.saveWindow(ctx, key, w, now); err != nil {
				return d, err
			}
		}
		return d, nil
	}

	w.Count++
	d.Allowed = true
	d.Count = w.Count
	return d, g.saveWindow(ctx, key, w, now)
}

func (g *Guard) saveWindow(ctx context.Context, key string, w rateWindow, now time.Time) error {
	// Keep the entry one extra second past the reset so the boundary check
	// above, not the cache TTL, decides when the window rolls over.
	ttl := w.ResetAt.Sub(now) + time.Second
	if err := cache.SetValue(ctx, g.store, key, w, ttl); err != nil {
		return fmt.Errorf("guard: save rate window: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pause records
// ---------------------------------------------------------------------------

// PauseRecord marks a scope as paused.
type PauseRecord struct {
	Scope    string
	PausedAt time.Time
	ResumeAt time.Time // zero: until resumed
}

// Indefinite reports whether the record has no natural expiry.
func (p PauseRecord) Indefinite() bool { return p.ResumeAt.IsZero() }

// IsPaused reports whether scope has a live pause record.
func (g *Guard) IsPaused(ctx context.Context, scope Scope) (bool, error) {
	rec, ok, err := g.PauseStatus(ctx, scope)
	if err != nil {
		return false, err
	}
	return ok && (rec.Indefinite() || g.clock.Now().Before(rec.ResumeAt)), nil
}

// PauseStatus returns the live pause record of scope, if any.
func (g *Guard) PauseStatus(ctx context.Context, scope Scope) (PauseRecord, bool, error) {
	rec, ok, err := cache.GetValue[PauseRecord](ctx, g.store, "pause:"+scope.String())
	if cache.IsCorrupt(err) {
		return PauseRecord{}, false, nil
	}
	if err != nil {
		return PauseRecord{}, false, fmt.Errorf("guard: load pause %s: %w", scope, err)
	}
	if ok && !rec.Indefinite() && !g.clock.Now().Before(rec.ResumeAt) {
		return PauseRecord{}, false, nil
	}
	return rec, ok, nil
}

// Pause pauses scope for d. A non-positive d pauses until Resume. Pausing an
// already paused scope replaces its record.
func (g *Guard) Pause(ctx context.Context, scope Scope, d time.Duration) (PauseRecord, error) {
	now := g.clock.Now()
	rec := PauseRecord{Scope: scope.String(), PausedAt: now}
	var ttl time.Duration
	if d > 0 {
		rec.ResumeAt = now.Add(d)
		ttl = d
	}
	if err := cache.SetValue(ctx, g.store, "pause:"+scope.String(), rec, ttl); err != nil {
		return PauseRecord{}, fmt.Errorf("guard: pause %s: %w", scope, err)
	}
	return rec, nil
}

// Resume clears the pause record of scope and reports whether one was live.
func (g *Guard) Resume(ctx context.Context, scope Scope) (bool, error) {
	paused, err := g.IsPaused(ctx, scope)
	if err != nil {
		return false, err
	}
	if err := g.store.Delete(ctx, "pause:"+scope.String()); err != nil {
		return false, fmt.Errorf("guard: resume %s: %w", scope, err)
	}
	return paused, nil
}

// ---------------------------------------------------------------------------
// Per-key locking
// ---------------------------------------------------------------------------

// keyLocks serialises read-check-write sequences on the same cache key
// without a global lock. Keys hash onto a fixed set of mutexes.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m.Unlock
}
