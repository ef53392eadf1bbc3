package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeCompleter answers summary and fact prompts with canned text and
// records every call.
type fakeCompleter struct {
	mu        sync.Mutex
	summaries int
	facts     int
	factReply []string
	err       error
	lastUser  string
}

func (f *fakeCompleter) Complete(_ context.Context, system string, turns []llm.Message, opts llm.Options) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(turns) > 0 {
		f.lastUser = turns[len(turns)-1].Content
	}
	if strings.Contains(system, "durable facts") {
		reply := "NONE"
		if f.facts < len(f.factReply) {
			reply = f.factReply[f.facts]
		}
		f.facts++
		return &llm.Completion{Text: reply}, nil
	}
	f.summaries++
	return &llm.Completion{Text: fmt.Sprintf("summary #%d", f.summaries)}, nil
}

func newManager(t *testing.T, p memory.Completer, cfg memory.Config) (*memory.Manager, *clock.FakeClock, cache.Store) {
	t.Helper()
	c := clock.Fake(t0)
	store := cache.NewMemory(c)
	return memory.New(store, p, cfg, c, nil), c, store
}

func appendN(t *testing.T, m *memory.Manager, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		if _, err := m.Append(context.Background(), id, role, fmt.Sprintf("message %d", i), "text"); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

func TestAppend_SummarizesOncePerThreshold(t *testing.T) {
	p := &fakeCompleter{}
	m, _, _ := newManager(t, p, memory.Config{ImmediateTurns: 2, SummaryThreshold: 4, FactsEvery: 1000})
	ctx := context.Background()

	appendN(t, m, "!a", 3)
	if p.summaries != 0 {
		t.Fatalf("summarised before threshold: %d", p.summaries)
	}
	if _, ok, _ := m.Layer(ctx, "!a", memory.Working); ok {
		t.Fatal("working layer exists before threshold")
	}

	appendN(t, m, "!a", 1)
	if p.summaries != 1 {
		t.Fatalf("summaries at threshold = %d, want 1", p.summaries)
	}
	l, ok, err := m.Layer(ctx, "!a", memory.Working)
	if err != nil || !ok || l.Content != "summary #1" {
		t.Fatalf("working layer = %+v, %v, %v", l, ok, err)
	}

	appendN(t, m, "!a", 3)
	if p.summaries != 1 {
		t.Fatalf("summary duplicated below next threshold: %d", p.summaries)
	}

	appendN(t, m, "!a", 1)
	if p.summaries != 2 {
		t.Fatalf("summaries at second threshold = %d, want 2", p.summaries)
	}
	if !strings.Contains(p.lastUser, "summary #1") {
		t.Errorf("previous summary not carried forward: %q", p.lastUser)
	}
}

func TestAppend_SummaryFailureRetriesNextAppend(t *testing.T) {
	p := &fakeCompleter{err: llm.ErrProviderTransient}
	m, _, _ := newManager(t, p, memory.Config{SummaryThreshold: 2, FactsEvery: 1000})

	appendN(t, m, "!a", 2)
	if _, ok, _ := m.Layer(context.Background(), "!a", memory.Working); ok {
		t.Fatal("working layer written despite provider failure")
	}

	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	appendN(t, m, "!a", 1)
	if p.summaries != 1 {
		t.Fatalf("summaries after recovery = %d", p.summaries)
	}
}

func TestAppend_BufferIsBounded(t *testing.T) {
	m, _, _ := newManager(t, nil, memory.Config{ImmediateTurns: 3, SummaryThreshold: 5})
	appendN(t, m, "!a", 50)

	st, err := m.Stats(context.Background(), "!a")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// max(2*5, 3+5)
	if st.Turns != 10 {
		t.Errorf("Turns = %d, want 10", st.Turns)
	}
	if st.TotalCount != 50 {
		t.Errorf("TotalCount = %d, want 50", st.TotalCount)
	}
}

// blockingCompleter parks every call until release is closed.
type blockingCompleter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCompleter) Complete(ctx context.Context, _ string, _ []llm.Message, _ llm.Options) (*llm.Completion, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return &llm.Completion{Text: "summary"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAppend_ProviderCallDoesNotBlockOtherConversations(t *testing.T) {
	p := &blockingCompleter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m, _, _ := newManager(t, p, memory.Config{SummaryThreshold: 1, FactsEvery: 1000})
	ctx := context.Background()

	appended := make(chan error, 1)
	go func() {
		_, err := m.Append(ctx, "!roomA:hs", llm.RoleUser, "hello", "text")
		appended <- err
	}()
	<-p.entered

	other := make(chan error, 1)
	go func() { other <- m.Clear(ctx, "!room76:hs") }()
	select {
	case err := <-other:
		if err != nil {
			t.Fatalf("Clear: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("another conversation waited on the provider call")
	}

	same := make(chan error, 1)
	go func() { same <- m.Clear(ctx, "!roomA:hs") }()
	select {
	case <-same:
		t.Fatal("same conversation was not serialised with the running Append")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	if err := <-appended; err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := <-same; err != nil {
		t.Fatalf("Clear: %v", err)
	}
}

func TestAppend_KeepsUnsummarizedTurnsWhileSummaryFails(t *testing.T) {
	p := &fakeCompleter{err: llm.ErrProviderTransient}
	m, _, _ := newManager(t, p, memory.Config{ImmediateTurns: 1, SummaryThreshold: 2, FactsEvery: 1000})
	ctx := context.Background()

	// capacity is max(2*2, 1+2) = 4; every turn here is unsummarised.
	appendN(t, m, "!a", 7)
	st, err := m.Stats(ctx, "!a")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Turns != 7 {
		t.Fatalf("Turns = %d, want 7 while summaries fail", st.Turns)
	}

	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	appendN(t, m, "!a", 1)
	if p.summaries != 1 {
		t.Fatalf("summaries after recovery = %d", p.summaries)
	}
	if !strings.Contains(p.lastUser, "User: message 0") {
		t.Errorf("oldest unsummarised turn missing from summary input: %q", p.lastUser)
	}

	appendN(t, m, "!a", 1)
	st, _ = m.Stats(ctx, "!a")
	if st.Turns != 4 {
		t.Errorf("Turns after a successful summary = %d, want 4", st.Turns)
	}
}

func TestExtractFacts_MergeAndNone(t *testing.T) {
	p := &fakeCompleter{factReply: []string{"- name: Ana", "NONE", "- works as a nurse", "- lives in Porto", "- has a dog"}}
	m, _, _ := newManager(t, p, memory.Config{SummaryThreshold: 1000, FactsEvery: 2})
	ctx := context.Background()

	appendN(t, m, "!a", 2)
	l, ok, _ := m.Layer(ctx, "!a", memory.LongTerm)
	if !ok || l.Content != "- name: Ana" {
		t.Fatalf("long-term after first extraction = %q, %v", l.Content, ok)
	}

	appendN(t, m, "!a", 2) // NONE: untouched
	l2, _, _ := m.Layer(ctx, "!a", memory.LongTerm)
	if l2.Content != l.Content {
		t.Fatalf("NONE changed the layer: %q", l2.Content)
	}

	appendN(t, m, "!a", 6)
	if p.facts != 5 {
		t.Fatalf("extractions = %d, want 5", p.facts)
	}
	l3, _, _ := m.Layer(ctx, "!a", memory.LongTerm)
	want := "- works as a nurse\n- lives in Porto\n- has a dog"
	// Three prior entries plus the newest one: nothing dropped yet.
	if l3.Content != "- name: Ana\n"+want {
		t.Fatalf("after three more extractions = %q", l3.Content)
	}

	changed, err := m.ExtractLongTermFacts(ctx, "!a")
	if err != nil {
		t.Fatalf("ExtractLongTermFacts: %v", err)
	}
	if changed {
		t.Error("NONE reply reported as a change")
	}
	st, _ := m.Stats(ctx, "!a")
	if st.FactEntries != 4 {
		t.Errorf("FactEntries = %d, want 4", st.FactEntries)
	}
}

func TestExtractFacts_KeepsThreeMostRecentPrior(t *testing.T) {
	p := &fakeCompleter{factReply: []string{"- a", "- b", "- c", "- d", "- e"}}
	m, _, _ := newManager(t, p, memory.Config{SummaryThreshold: 1000, FactsEvery: 1})
	appendN(t, m, "!a", 5)

	l, _, _ := m.Layer(context.Background(), "!a", memory.LongTerm)
	if l.Content != "- b\n- c\n- d\n- e" {
		t.Fatalf("LongTerm = %q", l.Content)
	}

	// Oldest first, under a header that makes the newest line win.
	out, err := m.BuildContext(context.Background(), "!a", memory.ContextOptions{MaxChars: 10_000})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if !strings.Contains(out, "later lines take precedence") {
		t.Errorf("missing precedence header: %q", out)
	}
	if strings.Index(out, "- b") > strings.Index(out, "- e") {
		t.Errorf("facts not rendered oldest first: %q", out)
	}
}

func TestBuildContext_BudgetAndPriority(t *testing.T) {
	p := &fakeCompleter{factReply: []string{"- name: Ana"}}
	m, _, _ := newManager(t, p, memory.Config{ImmediateTurns: 10, SummaryThreshold: 4, FactsEvery: 4})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := m.Append(ctx, "!a", llm.RoleUser, strings.Repeat("x", 100)+fmt.Sprint(i), "text"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	full, err := m.BuildContext(ctx, "!a", memory.ContextOptions{MaxChars: 10_000})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	for _, want := range []string{"- name: Ana", "summary #1", "x3"} {
		if !strings.Contains(full, want) {
			t.Errorf("full context missing %q:\n%s", want, full)
		}
	}
	if strings.Index(full, "Ana") > strings.Index(full, "summary #1") {
		t.Error("long-term facts must render before the summary")
	}

	for _, budget := range []int{50, 120, 200, 300, 450} {
		out, err := m.BuildContext(ctx, "!a", memory.ContextOptions{MaxChars: budget})
		if err != nil {
			t.Fatalf("BuildContext(%d): %v", budget, err)
		}
		if len(out) > budget {
			t.Errorf("budget %d exceeded: %d chars", budget, len(out))
		}
		if budget >= 120 && !strings.Contains(out, "- name: Ana") {
			t.Errorf("budget %d: long-term facts dropped", budget)
		}
	}

	// With room for only one raw turn, the newest survives.
	out, _ := m.BuildContext(ctx, "!a", memory.ContextOptions{MaxChars: 350})
	if !strings.Contains(out, "x3") || strings.Contains(out, "x0") {
		t.Errorf("immediate trimming should keep the newest turn:\n%s", out)
	}
}

func TestBuildContext_ExcludeTurn(t *testing.T) {
	m, _, _ := newManager(t, nil, memory.Config{})
	ctx := context.Background()

	if _, err := m.Append(ctx, "!a", llm.RoleUser, "first", "text"); err != nil {
		t.Fatal(err)
	}
	cur, err := m.Append(ctx, "!a", llm.RoleUser, "current question", "text")
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.BuildContext(ctx, "!a", memory.ContextOptions{ExcludeTurnID: cur.ID})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if strings.Contains(out, "current question") || !strings.Contains(out, "first") {
		t.Errorf("exclusion failed:\n%s", out)
	}
}

func TestBuildContext_CorruptLayerIsEmpty(t *testing.T) {
	m, _, store := newManager(t, nil, memory.Config{})
	ctx := context.Background()
	if _, err := m.Append(ctx, "!a", llm.RoleUser, "hello", "text"); err != nil {
		t.Fatal(err)
	}
	_ = store.Set(ctx, "mem:working:!a", []byte{0xEE, 0x00}, 0)
	_ = store.Set(ctx, "mem:facts:!a", []byte{0xEE, 0x01}, 0)

	out, err := m.BuildContext(ctx, "!a", memory.ContextOptions{})
	if err != nil {
		t.Fatalf("corrupt layers should not fail the build: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("immediate layer missing:\n%s", out)
	}

	_ = store.Set(ctx, "mem:ctx:!a", []byte{0xEE}, 0)
	if _, err := m.Append(ctx, "!a", llm.RoleUser, "again", "text"); err != nil {
		t.Fatalf("Append over corrupt buffer: %v", err)
	}
	st, _ := m.Stats(ctx, "!a")
	if st.Turns != 1 {
		t.Errorf("Turns after corrupt reset = %d", st.Turns)
	}
}

func TestFallbackContext_LastFive(t *testing.T) {
	m, _, _ := newManager(t, nil, memory.Config{})
	appendN(t, m, "!a", 8)

	out := m.FallbackContext(context.Background(), "!a", "")
	if strings.Contains(out, "message 2") || !strings.Contains(out, "message 3") || !strings.Contains(out, "message 7") {
		t.Errorf("fallback should hold messages 3..7:\n%s", out)
	}
	if got := m.FallbackContext(context.Background(), "!empty", ""); got != "" {
		t.Errorf("empty conversation fallback = %q", got)
	}
}

func TestClearAndTTL(t *testing.T) {
	p := &fakeCompleter{}
	m, c, _ := newManager(t, p, memory.Config{SummaryThreshold: 2, FactsEvery: 1000})
	ctx := context.Background()
	appendN(t, m, "!a", 2)

	if err := m.Clear(ctx, "!a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, _ := m.Stats(ctx, "!a")
	if st.Turns != 0 || st.HasWorking {
		t.Errorf("Stats after Clear = %+v", st)
	}

	appendN(t, m, "!b", 1)
	c.Advance(memory.DefaultContextTTL)
	st, _ = m.Stats(ctx, "!b")
	if st.Turns != 0 {
		t.Errorf("idle buffer survived its TTL: %+v", st)
	}
}

func TestSummarizeToText(t *testing.T) {
	p := &fakeCompleter{}
	m, _, _ := newManager(t, p, memory.Config{SummaryThreshold: 100})
	ctx := context.Background()

	out, err := m.SummarizeToText(ctx, "!a")
	if err != nil || out != "" {
		t.Fatalf("empty conversation = %q, %v", out, err)
	}

	appendN(t, m, "!a", 3)
	out, err = m.SummarizeToText(ctx, "!a")
	if err != nil || out != "summary #1" {
		t.Fatalf("SummarizeToText = %q, %v", out, err)
	}
	if _, ok, _ := m.Layer(ctx, "!a", memory.Working); ok {
		t.Error("SummarizeToText must not write the working layer")
	}

	p.err = errors.New("boom")
	if _, err := m.SummarizeToText(ctx, "!a"); err == nil {
		t.Error("expected provider error")
	}
}
