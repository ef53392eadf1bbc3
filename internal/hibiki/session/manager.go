package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/common/retry"
)

// Defaults applied by NewManager to zero Config fields.
const (
	DefaultReconnectBase = 2 * time.Second
	DefaultReconnectMax  = 5 * time.Minute
	DefaultMaxAttempts   = 10
	DefaultEventBuffer   = 256
)

// Config tunes reconnection.
type Config struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	EventBuffer   int
}

// Manager owns the connection. It is safe for concurrent use; a process
// has exactly one.
type Manager struct {
	transport Transport
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	events chan Event
	quit   chan struct{}

	mu       sync.Mutex
	state    State
	since    time.Time
	attempts int
	lastErr  error
	terminal bool
	pairing  string
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

// NewManager creates a Manager in the Closed state. A nil clock means the
// real one; a nil logger means slog.Default().
func NewManager(t Transport, cfg Config, c clock.Clock, logger *slog.Logger) *Manager {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: t,
		cfg:       cfg,
		clock:     c,
		logger:    logger,
		events:    make(chan Event, cfg.EventBuffer),
		quit:      make(chan struct{}),
		state:     Closed,
		since:     c.Now(),
	}
}

// Events returns the ordered stream of state changes and inbound messages.
func (m *Manager) Events() <-chan Event { return m.events }

// Snapshot returns the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Session {
	return Session{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		LastError:         m.lastErr,
		Terminal:          m.terminal,
		PairingPending:    m.pairing != "",
		Since:             m.since,
	}
}

// PairingArtifact returns the pending pairing artifact, if any.
func (m *Manager) PairingArtifact() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairing, m.pairing != ""
}

// Connect starts the connection loop if it is not already running and
// returns the current session. It does not wait for the handshake. The
// loop outlives ctx; stop it with Disconnect.
func (m *Manager) Connect(ctx context.Context) Session {
	m.mu.Lock()
	if m.closed || m.cancel != nil {
		defer m.mu.Unlock()
		return m.snapshotLocked()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.attempts = 0
	m.lastErr = nil
	m.terminal = false
	m.setStateLocked(Connecting)
	ev := m.stateEventLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(ev)
	go m.run(loopCtx, done)
	return snap
}

// Disconnect stops the connection loop and waits for it to exit. Stored
// credentials are kept, so a later Connect resumes without pairing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Reset disconnects and drops stored credentials. The next Connect pairs
// from scratch.
func (m *Manager) Reset(ctx context.Context) error {
	m.Disconnect()
	if err := m.transport.Forget(ctx); err != nil {
		return fmt.Errorf("session: forget credentials: %w", err)
	}
	m.mu.Lock()
	m.attempts = 0
	m.lastErr = nil
	m.terminal = false
	m.mu.Unlock()
	return nil
}

// Close disconnects and releases the transport. The Manager cannot be
// reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.quit)
	m.mu.Unlock()

	m.Disconnect()
	return m.transport.Close()
}

// Send delivers p to a conversation. It fails fast with ErrNotConnected
// unless the session is open; it never waits on a reconnect.
func (m *Manager) Send(ctx context.Context, conversationID string, p Payload) (string, error) {
	if !m.isOpen() {
		return "", ErrNotConnected
	}
	id, err := m.transport.Send(ctx, conversationID, p)
	if err != nil {
		return "", fmt.Errorf("session: send to %s: %w", conversationID, err)
	}
	return id, nil
}

// SetComposing toggles the typing indicator.
func (m *Manager) SetComposing(ctx context.Context, conversationID string, on bool) error {
	if !m.isOpen() {
		return ErrNotConnected
	}
	return m.transport.SetComposing(ctx, conversationID, on)
}

// DownloadMedia fetches media bytes. Every failure wraps
// ErrMediaUnavailable.
func (m *Manager) DownloadMedia(ctx context.Context, ref MediaRef) ([]byte, error) {
	data, err := m.transport.Download(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return data, nil
}

func (m *Manager) isOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Open
}

// run is the connection loop. One instance runs per Connect.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.mu.Unlock()
	}()

	for {
		err := m.transport.Dial(ctx, m.onPairing)
		if err == nil {
			m.opened()
			err = m.transport.Listen(ctx, m.deliver)
		}

		if ctx.Err() != nil {
			m.stopped()
			return
		}

		m.mu.Lock()
		m.lastErr = err
		disposition := Classify(err)
		if disposition == Retryable {
			m.attempts++
			if m.attempts > m.cfg.MaxAttempts {
				disposition = Terminal
				m.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, m.cfg.MaxAttempts, err)
			}
		}

		if disposition == Terminal {
			m.terminal = true
			m.pairing = ""
			m.setStateLocked(Closed)
			ev := m.stateEventLocked()
			cause := m.lastErr
			m.mu.Unlock()

			m.logger.Error("session: terminal disconnect, re-authentication required", "err", cause)
			m.emit(ev)
			// Credentials survive an exhausted retry budget; a revoked or
			// replaced session's credentials are useless.
			if !errors.Is(cause, ErrAttemptsExhausted) {
				if ferr := m.transport.Forget(ctx); ferr != nil {
					m.logger.Warn("session: failed to forget credentials", "err", ferr)
				}
			}
			return
		}

		delay := retry.Backoff(m.attempts, m.cfg.ReconnectBase, m.cfg.ReconnectMax)
		m.setStateLocked(Closed)
		ev := m.stateEventLocked()
		ev.RetryIn = delay
		attempt := m.attempts
		m.mu.Unlock()

		m.logger.Warn("session: connection lost, reconnecting",
			"err", err,
			"attempt", attempt,
			"retry_in", delay,
		)
		m.emit(ev)

		if clock.Sleep(ctx, m.clock, delay) != nil {
			m.stopped()
			return
		}

		m.mu.Lock()
		m.setStateLocked(Connecting)
		ev = m.stateEventLocked()
		m.mu.Unlock()
		m.emit(ev)
	}
}

// stopped records an explicit disconnect.
func (m *Manager) stopped() {
	m.mu.Lock()
	m.pairing = ""
	m.setStateLocked(Closed)
	ev := m.stateEventLocked()
	m.mu.Unlock()

	m.logger.Info("session: disconnected")
	m.emit(ev)
}

func (m *Manager) onPairing(artifact string) {
	m.mu.Lock()
	m.pairing = artifact
	ev := m.stateEventLocked()
	ev.PairingRequired = true
	m.mu.Unlock()

	m.logger.Info("session: pairing required")
	m.emit(ev)
}

func (m *Manager) opened() {
	m.mu.Lock()
	m.attempts = 0
	m.lastErr = nil
	m.pairing = ""
	m.setStateLocked(Open)
	ev := m.stateEventLocked()
	m.mu.Unlock()

	m.logger.Info("session: connected")
	m.emit(ev)
}

func (m *Manager) deliver(msg InboundMessage) {
	m.emit(Event{Kind: MessageReceived, Message: msg})
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.since = m.clock.Now()
	}
	m.state = s
}

func (m *Manager) stateEventLocked() Event {
	return Event{
		Kind:     StateChanged,
		State:    m.state,
		Err:      m.lastErr,
		Terminal: m.terminal,
		Attempt:  m.attempts,
	}
}

// emit publishes ev in order. It blocks while the buffer is full and gives
// up only when the Manager is closed.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}
