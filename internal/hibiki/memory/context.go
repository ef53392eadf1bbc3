package memory

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
)

// Section headers of the rendered context.
const (
	headerLongTerm  = "## What you know about the user (later lines take precedence)\n"
	headerWorking   = "## Summary of the conversation so far\n"
	headerImmediate = "## Recent messages\n"
)

// ContextOptions tune BuildContext.
type ContextOptions struct {
	// MaxChars bounds the output in characters. Zero means the manager's
	// configured budget.
	MaxChars int

	// ExcludeTurnID leaves one turn out of the Immediate section, typically
	// the message being answered, which the caller sends separately.
	ExcludeTurnID string
}

// BuildContext renders the memory layers under a character budget.
//
// Sections are written in priority order (LongTerm, Working, Immediate).
// A section that does not fit is cut, never skipped, so a higher priority
// section is always present when it exists. Immediate is cut by dropping
// its oldest turns. Unreadable layers count as empty.
func (m *Manager) BuildContext(ctx context.Context, conversationID string, opts ContextOptions) (string, error) {
	budget := opts.MaxChars
	if budget <= 0 {
		budget = m.cfg.MaxChars
	}

	longTerm, _, err := m.Layer(ctx, conversationID, LongTerm)
	if err != nil {
		return "", err
	}
	working, _, err := m.Layer(ctx, conversationID, Working)
	if err != nil {
		return "", err
	}
	conv, err := m.loadConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	turns := make([]Turn, 0, len(conv.Turns))
	for _, t := range conv.Turns {
		if t.ID != opts.ExcludeTurnID || opts.ExcludeTurnID == "" {
			turns = append(turns, t)
		}
	}
	turns = tail(turns, m.cfg.ImmediateTurns)

	var b strings.Builder
	remaining := budget

	writeCut := func(header, content string) {
		if content == "" || remaining <= 0 {
			return
		}
		section := header + content + "\n"
		if b.Len() > 0 {
			section = "\n" + section
		}
		section = truncateRunes(section, remaining)
		b.WriteString(section)
		remaining -= utf8.RuneCountInString(section)
	}

	writeCut(headerLongTerm, longTerm.Content)
	writeCut(headerWorking, working.Content)

	if len(turns) > 0 && remaining > 0 {
		sep := ""
		if b.Len() > 0 {
			sep = "\n"
		}
		fixed := utf8.RuneCountInString(sep + headerImmediate)
		// Drop the oldest turns until the rest fits.
		for len(turns) > 1 && fixed+utf8.RuneCountInString(renderTurns(turns))+1 > remaining {
			turns = turns[1:]
		}
		writeCut(headerImmediate, renderTurns(turns))
	}

	return b.String(), nil
}

// FallbackContext renders the last few raw turns with no layers. It is used
// when BuildContext fails and never returns an error.
func (m *Manager) FallbackContext(ctx context.Context, conversationID string, excludeTurnID string) string {
	conv, err := m.loadConversation(ctx, conversationID)
	if err != nil || len(conv.Turns) == 0 {
		return ""
	}
	turns := make([]Turn, 0, len(conv.Turns))
	for _, t := range conv.Turns {
		if excludeTurnID == "" || t.ID != excludeTurnID {
			turns = append(turns, t)
		}
	}
	if len(turns) == 0 {
		return ""
	}
	return headerImmediate + renderTurns(tail(turns, fallbackTurns)) + "\n"
}

func renderTurns(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		if t.Role == llm.RoleAssistant {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

func renderFacts(fs factSet) string {
	parts := make([]string, 0, len(fs.Entries))
	for _, e := range fs.Entries {
		parts = append(parts, e.Facts)
	}
	return strings.Join(parts, "\n")
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
