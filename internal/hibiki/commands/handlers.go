package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/locale"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
)

// Canonical command names.
const (
	CmdReset     = "reset"
	CmdPause     = "pause"
	CmdResume    = "resume"
	CmdSummarize = "summarize"
	CmdStatus    = "status"
	CmdHelp      = "help"
	CmdUsage     = "usage"
	CmdPlan      = "plan"
	CmdUpgrade   = "upgrade"
)

// Memory is the slice of memory.Manager the handlers use.
type Memory interface {
	Clear(ctx context.Context, conversationID string) error
	SummarizeToText(ctx context.Context, conversationID string) (string, error)
	Stats(ctx context.Context, conversationID string) (memory.Stats, error)
}

// Guard is the slice of guard.Guard the handlers use.
type Guard interface {
	Pause(ctx context.Context, scope guard.Scope, d time.Duration) (guard.PauseRecord, error)
	Resume(ctx context.Context, scope guard.Scope) (bool, error)
	PauseStatus(ctx context.Context, scope guard.Scope) (guard.PauseRecord, bool, error)
	Usage(ctx context.Context, subscriberID string) (guard.Plan, []guard.QuotaStatus, error)
	Location() *time.Location
}

// Catalogue lists the plans a subscriber can move to.
type Catalogue interface {
	Plans() []guard.Plan
	UpgradeURL() string
}

// SessionState reports the connection for the status command.
type SessionState interface {
	Snapshot() session.Session
}

// Handlers holds the command handlers and their dependencies.
type Handlers struct {
	catalog *locale.Catalog
	memory  Memory
	guard   Guard
	plans   Catalogue
	session SessionState
	clock   clock.Clock
}

// NewHandlers creates a Handlers instance. sess may be nil.
func NewHandlers(catalog *locale.Catalog, mem Memory, g Guard, plans Catalogue, sess SessionState, c clock.Clock) *Handlers {
	if c == nil {
		c = clock.Real()
	}
	return &Handlers{
		catalog: catalog,
		memory:  mem,
		guard:   g,
		plans:   plans,
		session: sess,
		clock:   c,
	}
}

// Register wires every handler into r.
func (h *Handlers) Register(r *Router) {
	r.Register(CmdReset, 0, h.HandleReset)
	r.Register(CmdPause, 1, h.HandlePause)
	r.Register(CmdResume, 0, h.HandleResume)
	r.Register(CmdSummarize, 0, h.HandleSummarize)
	r.Register(CmdStatus, 0, h.HandleStatus)
	r.Register(CmdHelp, 0, h.HandleHelp)
	r.Register(CmdUsage, 0, h.HandleUsage)
	r.Register(CmdPlan, 0, h.HandlePlan)
	r.Register(CmdUpgrade, 0, h.HandleUpgrade)
}

func (h *Handlers) text(cmd *Command, key string, args locale.Args) string {
	return h.catalog.Text(cmd.Lang, key, args)
}

func (h *Handlers) when(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return h.catalog.FormatTime(t, h.clock.Now(), h.guard.Location())
}

// HandleReset forgets the conversation.
func (h *Handlers) HandleReset(ctx context.Context, cmd *Command) (string, error) {
	if err := h.memory.Clear(ctx, cmd.ConversationID); err != nil {
		return "", fmt.Errorf("commands: reset: %w", err)
	}
	return h.text(cmd, locale.KeyContextCleared, nil), nil
}

// HandlePause silences the conversation for the given number of seconds,
// or until resume when no duration is given.
func (h *Handlers) HandlePause(ctx context.Context, cmd *Command) (string, error) {
	var d time.Duration
	if arg, ok := cmd.Arg(0); ok {
		secs, err := strconv.Atoi(arg)
		if err != nil || secs <= 0 {
			return h.text(cmd, locale.KeyHelp, nil), nil
		}
		d = time.Duration(secs) * time.Second
	}

	rec, err := h.guard.Pause(ctx, guard.Conversation(cmd.ConversationID), d)
	if err != nil {
		return "", fmt.Errorf("commands: pause: %w", err)
	}
	if rec.Indefinite() {
		return h.text(cmd, locale.KeyPausedIndefinitely, nil), nil
	}
	return h.text(cmd, locale.KeyPausedFor, locale.Args{"until": h.when(rec.ResumeAt)}), nil
}

// HandleResume lifts a conversation pause.
func (h *Handlers) HandleResume(ctx context.Context, cmd *Command) (string, error) {
	was, err := h.guard.Resume(ctx, guard.Conversation(cmd.ConversationID))
	if err != nil {
		return "", fmt.Errorf("commands: resume: %w", err)
	}
	if !was {
		return h.text(cmd, locale.KeyNotPaused, nil), nil
	}
	return h.text(cmd, locale.KeyResumed, nil), nil
}

// HandleSummarize sends a summary of the conversation so far.
func (h *Handlers) HandleSummarize(ctx context.Context, cmd *Command) (string, error) {
	summary, err := h.memory.SummarizeToText(ctx, cmd.ConversationID)
	if err != nil {
		return "", fmt.Errorf("commands: summarize: %w", err)
	}
	if summary == "" {
		return h.text(cmd, locale.KeySummaryEmpty, nil), nil
	}
	return h.text(cmd, locale.KeySummary, locale.Args{"summary": summary}), nil
}

// HandleStatus shows the connection, plan, memory and pause state.
func (h *Handlers) HandleStatus(ctx context.Context, cmd *Command) (string, error) {
	state := session.Open.String()
	if h.session != nil {
		state = h.session.Snapshot().State.String()
	}

	plan, _, err := h.guard.Usage(ctx, cmd.ConversationID)
	if err != nil {
		return "", fmt.Errorf("commands: status: %w", err)
	}
	stats, err := h.memory.Stats(ctx, cmd.ConversationID)
	if err != nil {
		return "", fmt.Errorf("commands: status: %w", err)
	}

	paused := h.text(cmd, locale.KeyNo, nil)
	rec, ok, err := h.guard.PauseStatus(ctx, guard.Conversation(cmd.ConversationID))
	if err != nil {
		return "", fmt.Errorf("commands: status: %w", err)
	}
	if ok {
		paused = h.text(cmd, locale.KeyYes, nil)
		if !rec.Indefinite() {
			paused += " (" + h.when(rec.ResumeAt) + ")"
		}
	}

	return h.text(cmd, locale.KeyStatus, locale.Args{
		"state":  state,
		"plan":   planName(plan),
		"turns":  strconv.Itoa(stats.Turns),
		"total":  strconv.Itoa(stats.TotalCount),
		"paused": paused,
	}), nil
}

// HandleHelp lists the commands.
func (h *Handlers) HandleHelp(_ context.Context, cmd *Command) (string, error) {
	return h.text(cmd, locale.KeyHelp, nil), nil
}

// HandleUsage shows usage against every quota feature.
func (h *Handlers) HandleUsage(ctx context.Context, cmd *Command) (string, error) {
	_, statuses, err := h.guard.Usage(ctx, cmd.ConversationID)
	if err != nil {
		return "", fmt.Errorf("commands: usage: %w", err)
	}

	lines := []string{h.text(cmd, locale.KeyUsageHeader, nil)}
	for _, st := range statuses {
		feature := h.catalog.Feature(cmd.Lang, string(st.Feature))
		used := strconv.FormatInt(st.Used, 10)
		if st.Unlimited() {
			lines = append(lines, h.text(cmd, locale.KeyUsageUnlimited, locale.Args{"feature": feature, "used": used}))
			continue
		}
		reset := h.text(cmd, locale.KeyNever, nil)
		if !st.ResetsAt.IsZero() {
			reset = h.when(st.ResetsAt)
		}
		lines = append(lines, h.text(cmd, locale.KeyUsageLine, locale.Args{
			"feature": feature,
			"used":    used,
			"limit":   strconv.FormatInt(st.Limit, 10),
			"reset":   reset,
		}))
	}
	return strings.Join(lines, "\n"), nil
}

// HandlePlan shows the subscriber's plan and its limits.
func (h *Handlers) HandlePlan(ctx context.Context, cmd *Command) (string, error) {
	plan, _, err := h.guard.Usage(ctx, cmd.ConversationID)
	if err != nil {
		return "", fmt.Errorf("commands: plan: %w", err)
	}

	lines := []string{strings.TrimSpace(h.text(cmd, locale.KeyPlan, locale.Args{
		"plan":  planName(plan),
		"price": plan.Price,
	}))}
	for _, f := range guard.Features {
		limit := h.text(cmd, locale.KeyUnlimited, nil)
		if v := plan.Limit(f); v != guard.Unlimited {
			limit = strconv.FormatInt(v, 10)
		}
		lines = append(lines, h.text(cmd, locale.KeyPlanLimit, locale.Args{
			"feature": h.catalog.Feature(cmd.Lang, string(f)),
			"limit":   limit,
		}))
	}
	return strings.Join(lines, "\n"), nil
}

// HandleUpgrade lists the plans other than the current one.
func (h *Handlers) HandleUpgrade(ctx context.Context, cmd *Command) (string, error) {
	current, _, err := h.guard.Usage(ctx, cmd.ConversationID)
	if err != nil {
		return "", fmt.Errorf("commands: upgrade: %w", err)
	}

	var lines []string
	for _, p := range h.plans.Plans() {
		if p.Name == current.Name {
			continue
		}
		lines = append(lines, strings.TrimSpace(h.text(cmd, locale.KeyUpgradeLine, locale.Args{
			"plan":  planName(p),
			"price": p.Price,
		})))
	}
	if len(lines) == 0 {
		return h.text(cmd, locale.KeyUpgradeNone, nil), nil
	}

	out := append([]string{h.text(cmd, locale.KeyUpgradeHeader, nil)}, lines...)
	if url := h.plans.UpgradeURL(); url != "" {
		out = append(out, h.text(cmd, locale.KeyUpgradeFooter, locale.Args{"url": url}))
	}
	return strings.Join(out, "\n"), nil
}

func planName(p guard.Plan) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}
