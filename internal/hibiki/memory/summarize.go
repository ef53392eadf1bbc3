package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
)

const (
	summaryTemperature = 0.3
	summaryMaxTokens   = 300
	factsTemperature   = 0.2
	factsMaxTokens     = 200

	// noFacts is what the extractor answers when nothing durable was said.
	noFacts = "NONE"
)

const summaryPrompt = `You maintain the running memory of a chat between a user and an assistant.
Write a compact summary of the conversation below in at most five short
sentences. Keep names, commitments, open questions and the user's current
goal. Drop greetings and small talk. Write in the language of the
conversation. Output only the summary.`

const factsPrompt = `Read the chat below and list durable facts about the user that will still
be true weeks from now: name, role or occupation, location, family,
recurring needs and stable preferences. One fact per line, starting with
"- ". Do not list anything about the assistant or one-off requests.
If there is nothing durable, answer exactly: NONE`

// summarize replaces the Working layer with a summary of the turns added
// since the previous one. The prior summary is passed along so the new
// one carries it forward.
func (m *Manager) summarize(ctx context.Context, id string, conv conversation) error {
	n := min(conv.SinceSummary, len(conv.Turns))
	if n == 0 {
		return nil
	}
	block := conv.Turns[len(conv.Turns)-n:]

	var user strings.Builder
	prev, hasPrev, err := cache.GetValue[Layer](ctx, m.store, workingKey(id))
	if err != nil && !cache.IsCorrupt(err) {
		return fmt.Errorf("memory: load working layer: %w", err)
	}
	if hasPrev && prev.Content != "" {
		user.WriteString("Previous summary:\n")
		user.WriteString(prev.Content)
		user.WriteString("\n\nNew messages:\n")
	}
	user.WriteString(renderTurns(block))

	out, err := m.provider.Complete(ctx, summaryPrompt,
		[]llm.Message{{Role: llm.RoleUser, Content: user.String()}},
		llm.Options{Temperature: summaryTemperature, MaxTokens: summaryMaxTokens})
	if err != nil {
		return fmt.Errorf("memory: summarise: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return fmt.Errorf("memory: summarise: empty summary")
	}

	layer := Layer{Kind: Working, Priority: Working.Priority(), Content: text, WrittenAt: m.clock.Now()}
	if err := cache.SetValue(ctx, m.store, workingKey(id), layer, m.cfg.WorkingTTL); err != nil {
		return fmt.Errorf("memory: save working layer: %w", err)
	}
	m.logger.Debug("memory: working layer updated", "conversation_id", id, "turns", n)
	return nil
}

// extractFacts asks the provider for durable facts in the buffered turns.
// A NONE answer leaves the LongTerm layer untouched. Otherwise the new
// entry is kept next to at most maxPriorFacts earlier ones; when entries
// disagree the most recent one is authoritative.
func (m *Manager) extractFacts(ctx context.Context, id string, conv conversation) error {
	window := tail(conv.Turns, m.cfg.FactsEvery)
	if len(window) == 0 {
		return nil
	}

	out, err := m.provider.Complete(ctx, factsPrompt,
		[]llm.Message{{Role: llm.RoleUser, Content: renderTurns(window)}},
		llm.Options{Temperature: factsTemperature, MaxTokens: factsMaxTokens})
	if err != nil {
		return fmt.Errorf("memory: extract facts: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" || strings.EqualFold(strings.Trim(text, ".` \n"), noFacts) {
		return nil
	}

	fs, _, err := m.loadFacts(ctx, id)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	prior := fs.Entries
	if len(prior) > maxPriorFacts {
		prior = prior[len(prior)-maxPriorFacts:]
	}
	fs.Entries = append(append([]factEntry(nil), prior...), factEntry{
		ID:    ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Facts: text,
		At:    now,
	})
	if err := cache.SetValue(ctx, m.store, factsKey(id), fs, m.cfg.FactsTTL); err != nil {
		return fmt.Errorf("memory: save facts: %w", err)
	}
	m.logger.Debug("memory: long-term facts updated", "conversation_id", id, "entries", len(fs.Entries))
	return nil
}

// SummarizeToText summarises the whole buffered conversation for the user.
// It does not touch the stored layers. An empty string means there is not
// enough to summarise.
func (m *Manager) SummarizeToText(ctx context.Context, conversationID string) (string, error) {
	conv, err := m.loadConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if m.provider == nil || len(conv.Turns) < 2 {
		return "", nil
	}

	var user strings.Builder
	if l, ok, err := m.Layer(ctx, conversationID, Working); err == nil && ok {
		user.WriteString("Earlier summary:\n")
		user.WriteString(l.Content)
		user.WriteString("\n\nRecent messages:\n")
	}
	user.WriteString(renderTurns(conv.Turns))

	out, err := m.provider.Complete(ctx, summaryPrompt,
		[]llm.Message{{Role: llm.RoleUser, Content: user.String()}},
		llm.Options{Temperature: summaryTemperature, MaxTokens: summaryMaxTokens})
	if err != nil {
		return "", fmt.Errorf("memory: summarise to text: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
