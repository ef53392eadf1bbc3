// Package dispatcher turns inbound messages into replies.
//
// Every message runs the same ordered pipeline: self and duplicate
// filtering, the conversation index, the global rate window and pause, the
// per-conversation rate window and pause, the daily message quota, memory,
// commands, media conversion, and finally the AI reply sent through the
// pacer. Cheap gates run before anything that costs money or time.
package dispatcher

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/common/trace"
	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
	"github.com/bdobrica/Hibiki/internal/hibiki/commands"
	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
	"github.com/bdobrica/Hibiki/internal/hibiki/locale"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/observability"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
)

// Outcome is how the pipeline finished with a message.
type Outcome int

const (
	Ignored            Outcome = iota // own message or nothing to answer
	Duplicate                         // already seen
	DroppedGlobalRate                 // global window full, no reply
	DroppedGlobalPause                // bot paused, no reply
	RateLimited                       // conversation window full
	DroppedPaused                     // conversation paused, no reply
	QuotaExceeded                     // a plan limit was reached
	Command                           // answered by a command handler
	Unsupported                       // media kind not handled
	Replied                           // AI reply sent
	Failed                            // an error ended the pipeline
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Duplicate:
		return "duplicate"
	case DroppedGlobalRate:
		return "dropped_global_rate"
	case DroppedGlobalPause:
		return "dropped_global_pause"
	case RateLimited:
		return "rate_limited"
	case DroppedPaused:
		return "dropped_paused"
	case QuotaExceeded:
		return "quota_exceeded"
	case Command:
		return "command"
	case Unsupported:
		return "unsupported"
	case Replied:
		return "replied"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Replier sends messages with pacing. *session.Pacer implements it.
type Replier interface {
	// Reply sends an AI answer with the full typing sequence.
	Reply(ctx context.Context, conversationID, text string) (string, error)
	// Notice sends a short system message.
	Notice(ctx context.Context, conversationID, text string) (string, error)
}

// MediaSource downloads attachments. *session.Manager implements it.
type MediaSource interface {
	DownloadMedia(ctx context.Context, ref session.MediaRef) ([]byte, error)
}

// ConversationIndex records lightweight per-conversation metadata for
// listing. *store.Store implements it.
type ConversationIndex interface {
	TouchConversation(ctx context.Context, conversationID, preview, kind string, at time.Time) error
}

// Locales picks the reply language for a subscriber.
// *profile.Resolver implements it.
type Locales interface {
	LocaleFor(ctx context.Context, subscriberID string) string
}

// Guard is the slice of guard.Guard the pipeline consults.
type Guard interface {
	CheckGlobalRate(ctx context.Context) (guard.RateDecision, error)
	CheckUserRate(ctx context.Context, conversationID string) (guard.RateDecision, error)
	IsPaused(ctx context.Context, scope guard.Scope) (bool, error)
	CheckQuota(ctx context.Context, subscriberID string, f guard.Feature, amount int64) (guard.QuotaStatus, error)
	IncrementUsage(ctx context.Context, subscriberID string, f guard.Feature, amount int64) (guard.QuotaStatus, error)
	Location() *time.Location
}

// Memory is the slice of memory.Manager the pipeline uses.
type Memory interface {
	Append(ctx context.Context, conversationID string, role llm.Role, text, kind string) (memory.Turn, error)
	BuildContext(ctx context.Context, conversationID string, opts memory.ContextOptions) (string, error)
	FallbackContext(ctx context.Context, conversationID string, excludeTurnID string) string
}

// Defaults applied by New to zero Config fields.
const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultDedupTTL       = 10 * time.Minute
	DefaultMediaCacheTTL  = 7 * 24 * time.Hour
	DefaultQueueDepth     = 32
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 500
)

// Config tunes the pipeline.
type Config struct {
	SystemPrompt   string
	RequestTimeout time.Duration // bounds each provider call and download
	ContextBudget  int           // characters; zero uses the memory default

	MaxAudioBytes int64
	MaxImageBytes int64
	ImageMaxDim   int

	DedupTTL      time.Duration
	MediaCacheTTL time.Duration
	QueueDepth    int // pending messages per conversation

	Temperature float64
	MaxTokens   int
}

// Deps are the Dispatcher's collaborators.
type Deps struct {
	Guard    Guard
	Memory   Memory
	Provider llm.Provider
	Replier  Replier
	Media    MediaSource
	Index    ConversationIndex
	Locales  Locales
	Commands *commands.Router
	Catalog  *locale.Catalog
	Cache    cache.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Dispatcher runs the pipeline. Handle is safe for concurrent use; Run
// serialises messages per conversation.
type Dispatcher struct {
	cfg Config
	Deps

	queues queues
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.MediaCacheTTL <= 0 {
		cfg.MediaCacheTTL = DefaultMediaCacheTTL
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		Deps:   deps,
		queues: queues{pending: make(map[string]*list.List)},
	}
}

// job carries one message through the pipeline.
type job struct {
	msg    session.InboundMessage
	sub    string // subscriber id; conversations are subscribers
	lang   string
	step   string
	logger *slog.Logger
}

// Handle runs msg through the pipeline and reports how it ended. It never
// panics; failures after the conversation index is updated are answered
// with an apology.
func (d *Dispatcher) Handle(ctx context.Context, msg session.InboundMessage) (out Outcome) {
	ctx, _ = trace.Ensure(ctx)
	j := &job{
		msg:  msg,
		sub:  msg.ConversationID,
		lang: d.Catalog.Fallback(),
		step: "ingest",
		logger: observability.WithTrace(ctx, d.Logger).With(
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
		),
	}
	indexed := false

	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("dispatcher: panic while handling message",
				"step", j.step,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if indexed {
				d.notify(ctx, j, locale.KeyApology, nil)
			}
			out = Failed
		}
	}()

	// Own messages and redeliveries.
	if msg.FromSelf || msg.ConversationID == "" {
		return Ignored
	}
	if msg.ID != "" {
		j.step = "dedup"
		seen, err := d.markSeen(ctx, msg.ID)
		if err != nil {
			j.logger.Warn("dispatcher: dedup lookup failed", "step", j.step, "err", err)
		}
		if seen {
			return Duplicate
		}
	}

	// Conversation index, independent of memory.
	j.step = "index"
	if err := d.Index.TouchConversation(ctx, msg.ConversationID, preview(msg), kindOf(msg), msg.Time()); err != nil {
		j.logger.Warn("dispatcher: failed to update conversation index", "step", j.step, "err", err)
	}
	indexed = true

	// Global rate window: silent.
	j.step = "global_rate"
	global, err := d.Guard.CheckGlobalRate(ctx)
	if err != nil {
		return d.fail(ctx, j, err)
	}
	if !global.Allowed {
		j.logger.Warn("dispatcher: global rate limit reached, dropping message",
			"count", global.Count, "limit", global.Limit, "reset_at", global.ResetAt)
		return DroppedGlobalRate
	}

	// Global pause: silent.
	j.step = "global_pause"
	if paused, err := d.Guard.IsPaused(ctx, guard.Global); err != nil {
		return d.fail(ctx, j, err)
	} else if paused {
		j.logger.Debug("dispatcher: bot paused, dropping message")
		return DroppedGlobalPause
	}

	j.lang = d.Locales.LocaleFor(ctx, j.sub)

	// Conversation rate window: one notice per window.
	j.step = "user_rate"
	user, err := d.Guard.CheckUserRate(ctx, msg.ConversationID)
	if err != nil {
		return d.fail(ctx, j, err)
	}
	if !user.Allowed {
		if user.FirstDenial {
			d.notify(ctx, j, locale.KeyRateLimited, locale.Args{"reset": d.formatTime(user.ResetAt)})
		}
		return RateLimited
	}

	// Conversation pause. The resume command still gets through.
	j.step = "user_pause"
	cmd := d.parseCommand(msg)
	paused, err := d.Guard.IsPaused(ctx, guard.Conversation(msg.ConversationID))
	if err != nil {
		return d.fail(ctx, j, err)
	}
	if paused && (cmd == nil || cmd.Name != commands.CmdResume) {
		return DroppedPaused
	}

	// Daily message quota.
	j.step = "message_quota"
	if out, done := d.checkQuota(ctx, j, guard.FeatureMessages, 1); done {
		return out
	}

	// Commands. Their text is remembered, their answers are not.
	if cmd != nil {
		j.step = "command"
		if _, err := d.Memory.Append(ctx, msg.ConversationID, llm.RoleUser, msg.Body, "text"); err != nil {
			j.logger.Warn("dispatcher: failed to remember command", "step", j.step, "err", err)
		}
		cmd.ConversationID = msg.ConversationID
		cmd.Lang = j.lang
		reply, err := d.Commands.Route(ctx, cmd)
		if err != nil {
			return d.fail(ctx, j, err)
		}
		if _, err := d.Replier.Notice(ctx, msg.ConversationID, reply); err != nil {
			j.logger.Warn("dispatcher: failed to send command reply", "step", j.step, "command", cmd.Name, "err", err)
			return Failed
		}
		j.logger.Info("dispatcher: command handled", "command", cmd.Name)
		return Command
	}

	// Media becomes text.
	text, kind, out, done := d.resolveText(ctx, j)
	if done {
		return out
	}
	if text == "" {
		return Ignored
	}

	// The user turn. Media is appended once it has been turned into text
	// so memory holds the transcript or description.
	j.step = "remember_user"
	turn, err := d.Memory.Append(ctx, msg.ConversationID, llm.RoleUser, text, kind)
	if err != nil {
		return d.fail(ctx, j, err)
	}

	// The AI reply.
	return d.reply(ctx, j, text, turn.ID)
}

func (d *Dispatcher) reply(ctx context.Context, j *job, text, turnID string) Outcome {
	j.step = "ai_quota"
	if out, done := d.checkQuota(ctx, j, guard.FeatureAIResponses, 1); done {
		return out
	}

	j.step = "context"
	conversationID := j.msg.ConversationID
	history, err := d.Memory.BuildContext(ctx, conversationID, memory.ContextOptions{
		MaxChars:      d.cfg.ContextBudget,
		ExcludeTurnID: turnID,
	})
	if err != nil {
		j.logger.Warn("dispatcher: context build failed, using recent turns", "step", j.step, "err", err)
		history = d.Memory.FallbackContext(ctx, conversationID, turnID)
	}

	system := d.cfg.SystemPrompt
	if history != "" {
		if system != "" {
			system += "\n\n"
		}
		system += history
	}

	j.step = "complete"
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	completion, err := d.Provider.Complete(callCtx, system,
		[]llm.Message{{Role: llm.RoleUser, Content: text}},
		llm.Options{Temperature: d.cfg.Temperature, MaxTokens: d.cfg.MaxTokens})
	cancel()
	if err != nil {
		return d.fail(ctx, j, err)
	}
	if completion.Text == "" {
		return d.fail(ctx, j, errors.New("dispatcher: provider returned an empty reply"))
	}

	j.step = "send"
	if _, err := d.Replier.Reply(ctx, conversationID, completion.Text); err != nil {
		// Nothing reaches the user while the session is down.
		j.logger.Warn("dispatcher: failed to send reply", "step", j.step, "err", err)
		return Failed
	}

	j.step = "remember_reply"
	if _, err := d.Memory.Append(ctx, conversationID, llm.RoleAssistant, completion.Text, "text"); err != nil {
		j.logger.Warn("dispatcher: failed to remember reply", "step", j.step, "err", err)
	}

	j.step = "usage"
	for _, f := range []guard.Feature{guard.FeatureMessages, guard.FeatureAIResponses} {
		if _, err := d.Guard.IncrementUsage(ctx, j.sub, f, 1); err != nil {
			j.logger.Warn("dispatcher: failed to record usage", "step", j.step, "feature", f, "err", err)
		}
	}

	j.logger.Info("dispatcher: replied",
		"tokens", completion.Usage.TotalTokens,
		"model", completion.Usage.Model,
	)
	return Replied
}

// checkQuota sends the quota notice and reports done when f is exhausted.
func (d *Dispatcher) checkQuota(ctx context.Context, j *job, f guard.Feature, amount int64) (Outcome, bool) {
	st, err := d.Guard.CheckQuota(ctx, j.sub, f, amount)
	if err != nil {
		return d.fail(ctx, j, err), true
	}
	if st.Allowed {
		return 0, false
	}

	reset := d.Catalog.Text(j.lang, locale.KeyNever, nil)
	if !st.ResetsAt.IsZero() {
		reset = d.formatTime(st.ResetsAt)
	}
	d.notify(ctx, j, locale.KeyQuotaExceeded, locale.Args{
		"feature":   d.Catalog.Feature(j.lang, string(f)),
		"used":      strconv.FormatInt(st.Used, 10),
		"limit":     strconv.FormatInt(st.Limit, 10),
		"remaining": strconv.FormatInt(st.Remaining, 10),
		"reset":     reset,
	})
	j.logger.Info("dispatcher: quota exceeded", "feature", f, "used", st.Used, "limit", st.Limit)
	return QuotaExceeded, true
}

// fail logs err with the failing step and apologises to the user.
func (d *Dispatcher) fail(ctx context.Context, j *job, err error) Outcome {
	level := slog.LevelWarn
	if errors.Is(err, llm.ErrProviderFatal) {
		level = slog.LevelError
	}
	j.logger.Log(ctx, level, "dispatcher: message failed",
		"step", j.step,
		"err", err,
	)
	d.notify(ctx, j, locale.KeyApology, nil)
	return Failed
}

func (d *Dispatcher) notify(ctx context.Context, j *job, key string, args locale.Args) {
	text := d.Catalog.Text(j.lang, key, args)
	if _, err := d.Replier.Notice(ctx, j.msg.ConversationID, text); err != nil {
		j.logger.Warn("dispatcher: failed to send notice", "step", j.step, "notice", key, "err", err)
	}
}

func (d *Dispatcher) formatTime(t time.Time) string {
	return d.Catalog.FormatTime(t, d.Clock.Now(), d.Guard.Location())
}

func (d *Dispatcher) parseCommand(msg session.InboundMessage) *commands.Command {
	if d.Commands == nil || msg.MediaKind != session.MediaNone || msg.Body == "" {
		return nil
	}
	cmd, err := d.Commands.Parse(msg.Body)
	if err != nil {
		return nil
	}
	return cmd
}

// markSeen records id and reports whether it had been recorded already.
func (d *Dispatcher) markSeen(ctx context.Context, id string) (bool, error) {
	key := "seen:" + id
	_, err := d.Cache.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, cache.ErrMiss):
		return false, err
	}
	if err := d.Cache.Set(ctx, key, []byte{1}, d.cfg.DedupTTL); err != nil {
		return false, fmt.Errorf("dispatcher: mark %s seen: %w", id, err)
	}
	return false, nil
}

func kindOf(msg session.InboundMessage) string {
	if msg.MediaKind == session.MediaNone {
		return "text"
	}
	return string(msg.MediaKind)
}

func preview(msg session.InboundMessage) string {
	switch {
	case msg.MediaKind == session.MediaNone:
		return msg.Body
	case msg.MediaCaption != "":
		return "[" + string(msg.MediaKind) + "] " + msg.MediaCaption
	default:
		return "[" + string(msg.MediaKind) + "]"
	}
}
