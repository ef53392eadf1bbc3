// Package memory keeps a bounded, layered view of each conversation.
//
// Three layers are kept per conversation, all in the cache store:
//
//   - Immediate: the raw recent turns (mem:ctx:<id>, short TTL).
//   - Working: an LLM summary of the most recent block of turns, rewritten
//     every SummaryThreshold turns (mem:working:<id>, medium TTL).
//   - LongTerm: durable facts about the user extracted every FactsEvery
//     turns, merged with the few most recent prior extractions
//     (mem:facts:<id>, long TTL).
//
// BuildContext renders the layers into a single text block under a
// character budget. LongTerm renders first and Working second; Immediate
// takes whatever budget remains, dropping its oldest turns first.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
)

// ErrContextCorrupt is logged when a stored layer cannot be decoded. The
// layer is treated as empty and rewritten on the next write.
var ErrContextCorrupt = errors.New("memory: stored context is corrupt")

// Defaults applied by New to zero Config fields.
const (
	DefaultImmediateTurns   = 10
	DefaultSummaryThreshold = 20
	DefaultFactsEvery       = 30
	DefaultMaxChars         = 6000

	DefaultContextTTL = 48 * time.Hour
	DefaultWorkingTTL = 7 * 24 * time.Hour
	DefaultFactsTTL   = 180 * 24 * time.Hour

	// fallbackTurns is how many raw turns FallbackContext renders.
	fallbackTurns = 5

	// maxPriorFacts is how many earlier extractions are kept next to a new one.
	maxPriorFacts = 3
)

// Config tunes the manager.
type Config struct {
	ImmediateTurns   int // K: raw turns always rendered
	SummaryThreshold int // T: turns between Working summaries
	FactsEvery       int // F: turns between fact extractions
	MaxChars         int // default BuildContext budget

	ContextTTL time.Duration
	WorkingTTL time.Duration
	FactsTTL   time.Duration
}

// Completer is the slice of llm.Provider the manager uses.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, turns []llm.Message, opts llm.Options) (*llm.Completion, error)
}

// LayerKind names a memory layer.
type LayerKind string

const (
	LongTerm  LayerKind = "long_term"
	Working   LayerKind = "working"
	Immediate LayerKind = "immediate"
)

// Priority returns the render priority of the layer, 1 being highest.
func (k LayerKind) Priority() int {
	switch k {
	case LongTerm:
		return 1
	case Working:
		return 2
	default:
		return 3
	}
}

// Layer is one rendered memory layer.
type Layer struct {
	Kind      LayerKind
	Priority  int
	Content   string
	WrittenAt time.Time
}

// Turn is one stored message.
type Turn struct {
	ID   string
	Role llm.Role
	Text string
	Kind string // text, audio, image
	At   time.Time
}

// Stats summarises a conversation's memory.
type Stats struct {
	Turns          int
	TotalCount     int
	StartedAt      time.Time
	LastActivityAt time.Time
	HasWorking     bool
	FactEntries    int
}

// conversation is the value stored under mem:ctx:<id>.
type conversation struct {
	Turns          []Turn
	StartedAt      time.Time
	LastActivityAt time.Time
	TotalCount     int
	SinceSummary   int
	SinceFacts     int
}

type factEntry struct {
	ID    string
	Facts string
	At    time.Time
}

type factSet struct {
	Entries []factEntry
}

// Manager owns every memory layer.
type Manager struct {
	store    cache.Store
	provider Completer
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*convLock
}

// convLock serialises writers of one conversation. refs counts holders and
// waiters so the entry can be dropped once nobody needs it.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Manager. provider may be nil, in which case only the
// Immediate layer is maintained. A nil clock means the real one; a nil
// logger means slog.Default().
func New(store cache.Store, provider Completer, cfg Config, c clock.Clock, logger *slog.Logger) *Manager {
	if cfg.ImmediateTurns <= 0 {
		cfg.ImmediateTurns = DefaultImmediateTurns
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = DefaultSummaryThreshold
	}
	if cfg.FactsEvery <= 0 {
		cfg.FactsEvery = DefaultFactsEvery
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = DefaultContextTTL
	}
	if cfg.WorkingTTL <= 0 {
		cfg.WorkingTTL = DefaultWorkingTTL
	}
	if cfg.FactsTTL <= 0 {
		cfg.FactsTTL = DefaultFactsTTL
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, provider: provider, cfg: cfg, clock: c, logger: logger, locks: make(map[string]*convLock)}
}

// capacity is the most turns the Immediate buffer holds while summaries
// keep up. It has room for every turn not yet folded into a summary plus
// the K rendered turns.
func (m *Manager) capacity() int {
	return max(2*m.cfg.SummaryThreshold, m.cfg.ImmediateTurns+m.cfg.SummaryThreshold)
}

func ctxKey(id string) string     { return "mem:ctx:" + id }
func workingKey(id string) string { return "mem:working:" + id }
func factsKey(id string) string   { return "mem:facts:" + id }

// lock takes the conversation's own mutex. Different conversations never
// share one, so a slow provider call only holds up its own conversation.
func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &convLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// Append stores a turn and runs summarisation or fact extraction when their
// thresholds are crossed. Failures of those follow-up steps are logged, not
// returned; they are retried on the next Append.
func (m *Manager) Append(ctx context.Context, conversationID string, role llm.Role, text, kind string) (Turn, error) {
	unlock := m.lock(conversationID)
	defer unlock()

	conv, err := m.loadConversation(ctx, conversationID)
	if err != nil {
		return Turn{}, err
	}

	now := m.clock.Now()
	if kind == "" {
		kind = "text"
	}
	turn := Turn{ID: uuid.NewString(), Role: role, Text: text, Kind: kind, At: now}

	if conv.StartedAt.IsZero() {
		conv.StartedAt = now
	}
	conv.LastActivityAt = now
	conv.Turns = append(conv.Turns, turn)
	conv.TotalCount++
	conv.SinceSummary++
	conv.SinceFacts++
	keep := m.capacity()
	if m.provider != nil {
		// Turns not yet folded into a summary are kept even past capacity.
		keep = max(keep, conv.SinceSummary)
	}
	if over := len(conv.Turns) - keep; over > 0 {
		conv.Turns = append([]Turn(nil), conv.Turns[over:]...)
	}

	if m.provider != nil && conv.SinceSummary >= m.cfg.SummaryThreshold {
		if err := m.summarize(ctx, conversationID, conv); err != nil {
			m.logger.Warn("memory: summarisation failed", "conversation_id", conversationID, "err", err)
		} else {
			conv.SinceSummary = 0
		}
	}
	if m.provider != nil && conv.SinceFacts >= m.cfg.FactsEvery {
		if err := m.extractFacts(ctx, conversationID, conv); err != nil {
			m.logger.Warn("memory: fact extraction failed", "conversation_id", conversationID, "err", err)
		} else {
			conv.SinceFacts = 0
		}
	}

	if err := cache.SetValue(ctx, m.store, ctxKey(conversationID), conv, m.cfg.ContextTTL); err != nil {
		return Turn{}, fmt.Errorf("memory: save context: %w", err)
	}
	return turn, nil
}

// MaybeSummarize writes a new Working layer if the threshold has been
// reached. It reports whether a summary was written.
func (m *Manager) MaybeSummarize(ctx context.Context, conversationID string) (bool, error) {
	if m.provider == nil {
		return false, nil
	}
	unlock := m.lock(conversationID)
	defer unlock()

	conv, err := m.loadConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if conv.SinceSummary < m.cfg.SummaryThreshold {
		return false, nil
	}
	if err := m.summarize(ctx, conversationID, conv); err != nil {
		return false, err
	}
	conv.SinceSummary = 0
	if err := cache.SetValue(ctx, m.store, ctxKey(conversationID), conv, m.cfg.ContextTTL); err != nil {
		return true, fmt.Errorf("memory: save context: %w", err)
	}
	return true, nil
}

// ExtractLongTermFacts scans the buffered turns for durable facts now,
// regardless of the FactsEvery counter. It reports whether the LongTerm
// layer changed.
func (m *Manager) ExtractLongTermFacts(ctx context.Context, conversationID string) (bool, error) {
	if m.provider == nil {
		return false, nil
	}
	unlock := m.lock(conversationID)
	defer unlock()

	conv, err := m.loadConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if len(conv.Turns) == 0 {
		return false, nil
	}
	before, _, _ := m.loadFacts(ctx, conversationID)
	if err := m.extractFacts(ctx, conversationID, conv); err != nil {
		return false, err
	}
	after, _, _ := m.loadFacts(ctx, conversationID)
	conv.SinceFacts = 0
	if err := cache.SetValue(ctx, m.store, ctxKey(conversationID), conv, m.cfg.ContextTTL); err != nil {
		return false, fmt.Errorf("memory: save context: %w", err)
	}
	return len(after.Entries) != len(before.Entries) || lastID(after) != lastID(before), nil
}

// Clear deletes every layer of the conversation.
func (m *Manager) Clear(ctx context.Context, conversationID string) error {
	unlock := m.lock(conversationID)
	defer unlock()

	for _, key := range []string{ctxKey(conversationID), workingKey(conversationID), factsKey(conversationID)} {
		if err := m.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("memory: clear %s: %w", key, err)
		}
	}
	return nil
}

// Layer returns the stored layer of the given kind. Immediate is rendered
// from the raw turns.
func (m *Manager) Layer(ctx context.Context, conversationID string, kind LayerKind) (Layer, bool, error) {
	switch kind {
	case Working:
		l, ok, err := cache.GetValue[Layer](ctx, m.store, workingKey(conversationID))
		if cache.IsCorrupt(err) {
			m.logCorrupt(conversationID, kind, err)
			return Layer{}, false, nil
		}
		return l, ok, err
	case LongTerm:
		fs, ok, err := m.loadFacts(ctx, conversationID)
		if err != nil || !ok || len(fs.Entries) == 0 {
			return Layer{}, false, err
		}
		return Layer{
			Kind:      LongTerm,
			Priority:  LongTerm.Priority(),
			Content:   renderFacts(fs),
			WrittenAt: fs.Entries[len(fs.Entries)-1].At,
		}, true, nil
	default:
		conv, err := m.loadConversation(ctx, conversationID)
		if err != nil || len(conv.Turns) == 0 {
			return Layer{}, false, err
		}
		return Layer{
			Kind:      Immediate,
			Priority:  Immediate.Priority(),
			Content:   renderTurns(tail(conv.Turns, m.cfg.ImmediateTurns)),
			WrittenAt: conv.LastActivityAt,
		}, true, nil
	}
}

// Stats reports the conversation's memory footprint.
func (m *Manager) Stats(ctx context.Context, conversationID string) (Stats, error) {
	conv, err := m.loadConversation(ctx, conversationID)
	if err != nil {
		return Stats{}, err
	}
	_, hasWorking, err := m.Layer(ctx, conversationID, Working)
	if err != nil {
		return Stats{}, err
	}
	fs, _, err := m.loadFacts(ctx, conversationID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Turns:          len(conv.Turns),
		TotalCount:     conv.TotalCount,
		StartedAt:      conv.StartedAt,
		LastActivityAt: conv.LastActivityAt,
		HasWorking:     hasWorking,
		FactEntries:    len(fs.Entries),
	}, nil
}

// loadConversation returns the stored buffer or an empty one. A corrupt
// value is logged and treated as empty.
func (m *Manager) loadConversation(ctx context.Context, id string) (conversation, error) {
	conv, _, err := cache.GetValue[conversation](ctx, m.store, ctxKey(id))
	if cache.IsCorrupt(err) {
		m.logCorrupt(id, Immediate, err)
		return conversation{}, nil
	}
	if err != nil {
		return conversation{}, fmt.Errorf("memory: load context: %w", err)
	}
	return conv, nil
}

func (m *Manager) loadFacts(ctx context.Context, id string) (factSet, bool, error) {
	fs, ok, err := cache.GetValue[factSet](ctx, m.store, factsKey(id))
	if cache.IsCorrupt(err) {
		m.logCorrupt(id, LongTerm, err)
		return factSet{}, false, nil
	}
	if err != nil {
		return factSet{}, false, fmt.Errorf("memory: load facts: %w", err)
	}
	return fs, ok, nil
}

func (m *Manager) logCorrupt(id string, kind LayerKind, err error) {
	m.logger.Warn("memory: discarding unreadable layer",
		"conversation_id", id,
		"layer", string(kind),
		"err", fmt.Errorf("%w: %v", ErrContextCorrupt, err),
	)
}

func lastID(fs factSet) string {
	if len(fs.Entries) == 0 {
		return ""
	}
	return fs.Entries[len(fs.Entries)-1].ID
}

func tail(turns []Turn, n int) []Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
