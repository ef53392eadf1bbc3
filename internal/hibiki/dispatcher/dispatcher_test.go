package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
	"github.com/bdobrica/Hibiki/internal/hibiki/commands"
	"github.com/bdobrica/Hibiki/internal/hibiki/dispatcher"
	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
	"github.com/bdobrica/Hibiki/internal/hibiki/locale"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/profile"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
)

var t0 = time.Date(2026, 6, 1, 15, 30, 0, 0, time.UTC)

const room = "!room:hs.test"

// --- fakes ---

type sent struct {
	ConversationID string
	Text           string
	Notice         bool
}

type fakeReplier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *fakeReplier) Reply(_ context.Context, conversationID, text string) (string, error) {
	return r.record(conversationID, text, false)
}

func (r *fakeReplier) Notice(_ context.Context, conversationID, text string) (string, error) {
	return r.record(conversationID, text, true)
}

func (r *fakeReplier) record(conversationID, text string, notice bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, sent{ConversationID: conversationID, Text: text, Notice: notice})
	return fmt.Sprintf("$evt%d", len(r.sent)), nil
}

func (r *fakeReplier) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *fakeReplier) last(t *testing.T) sent {
	t.Helper()
	all := r.all()
	require.NotEmpty(t, all, "nothing was sent")
	return all[len(all)-1]
}

type fakeProvider struct {
	mu          sync.Mutex
	turns       []string // user content of each Complete call
	systems     []string
	transcribed int
	analysed    int

	transcript string
	panicOn    string
	err        error
}

func (p *fakeProvider) Complete(_ context.Context, system string, turns []llm.Message, _ llm.Options) (*llm.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	text := turns[len(turns)-1].Content
	if p.panicOn != "" && text == p.panicOn {
		panic("provider exploded")
	}
	if p.err != nil {
		return nil, p.err
	}
	p.turns = append(p.turns, text)
	p.systems = append(p.systems, system)
	return &llm.Completion{Text: "echo: " + text}, nil
}

func (p *fakeProvider) AnalyzeImage(_ context.Context, dataURL, caption string) (*llm.ImageAnalysis, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.analysed++
	return &llm.ImageAnalysis{Description: "a red square"}, nil
}

func (p *fakeProvider) Transcribe(_ context.Context, audio []byte, mimeType, language string) (*llm.Transcription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcribed++
	return &llm.Transcription{Text: p.transcript, DurationSecs: 3, Language: language}, nil
}

func (p *fakeProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.turns...)
}

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, string, []llm.Message, llm.Options) (*llm.Completion, error) {
	return &llm.Completion{Text: "summary"}, nil
}

type fakeMedia struct {
	data map[string][]byte
}

func (m *fakeMedia) DownloadMedia(_ context.Context, ref session.MediaRef) ([]byte, error) {
	b, ok := m.data[ref.URI]
	if !ok {
		return nil, errors.New("404")
	}
	return b, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	touched map[string]string
}

func (i *fakeIndex) TouchConversation(_ context.Context, id, preview, _ string, _ time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.touched[id] = preview
	return nil
}

type fixedLocale string

func (l fixedLocale) LocaleFor(context.Context, string) string { return string(l) }

// --- fixture ---

type fixture struct {
	d        *dispatcher.Dispatcher
	clock    *clock.FakeClock
	guard    *guard.Guard
	memory   *memory.Manager
	catalog  *locale.Catalog
	replier  *fakeReplier
	provider *fakeProvider
	media    *fakeMedia
	index    *fakeIndex
}

type options struct {
	guard guard.Config
	plan  *guard.Plan
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	clk := clock.Fake(t0)
	store := cache.NewMemory(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	catalog, err := locale.New("en", nil)
	require.NoError(t, err)

	resolver := profile.NewResolver(profile.Default(), nil, "en")
	var plans guard.PlanResolver = resolver
	if opts.plan != nil {
		p := *opts.plan
		plans = guard.PlanFunc(func(context.Context, string) (guard.Plan, error) { return p, nil })
	}
	g := guard.New(store, plans, opts.guard, clk)
	mem := memory.New(store, stubCompleter{}, memory.Config{}, clk, logger)

	router := commands.NewRouter(catalog)
	commands.NewHandlers(catalog, mem, g, resolver, nil, clk).Register(router)

	f := &fixture{
		clock:    clk,
		guard:    g,
		memory:   mem,
		catalog:  catalog,
		replier:  &fakeReplier{},
		provider: &fakeProvider{transcript: "what time is it"},
		media:    &fakeMedia{data: map[string][]byte{}},
		index:    &fakeIndex{touched: map[string]string{}},
	}
	f.d = dispatcher.New(dispatcher.Config{SystemPrompt: "You are Hibiki."}, dispatcher.Deps{
		Guard:    g,
		Memory:   mem,
		Provider: f.provider,
		Replier:  f.replier,
		Media:    f.media,
		Index:    f.index,
		Locales:  fixedLocale("en"),
		Commands: router,
		Catalog:  catalog,
		Cache:    store,
		Clock:    clk,
		Logger:   logger,
	})
	return f
}

var seq int

func text(body string) session.InboundMessage {
	seq++
	return session.InboundMessage{
		ID:             fmt.Sprintf("$msg%d", seq),
		ConversationID: room,
		SenderID:       "@alice:hs.test",
		TimestampMs:    t0.UnixMilli(),
		Body:           body,
	}
}

func (f *fixture) handle(msg session.InboundMessage) dispatcher.Outcome {
	return f.d.Handle(context.Background(), msg)
}

// --- tests ---

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "replied", dispatcher.Replied.String())
	assert.Equal(t, "dropped_global_rate", dispatcher.DroppedGlobalRate.String())
	assert.Equal(t, "unknown", dispatcher.Outcome(99).String())
}

func TestTextMessageIsAnswered(t *testing.T) {
	f := newFixture(t, options{})

	assert.Equal(t, dispatcher.Replied, f.handle(text("hello")))

	last := f.replier.last(t)
	assert.False(t, last.Notice)
	assert.Equal(t, "echo: hello", last.Text)
	assert.Equal(t, "hello", f.index.touched[room])

	stats, err := f.memory.Stats(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Turns, "user turn and reply are remembered")

	_, statuses, err := f.guard.Usage(context.Background(), room)
	require.NoError(t, err)
	assert.EqualValues(t, 1, statuses[0].Used, "messages")
	assert.EqualValues(t, 1, statuses[1].Used, "ai responses")
}

func TestContextCarriesEarlierTurns(t *testing.T) {
	f := newFixture(t, options{})

	f.handle(text("my name is Alice"))
	f.handle(text("what is my name?"))

	systems := f.provider.systems
	require.Len(t, systems, 2)
	assert.Contains(t, systems[1], "You are Hibiki.")
	assert.Contains(t, systems[1], "my name is Alice")
	assert.NotContains(t, systems[1], "what is my name?", "the current turn is not repeated in context")
}

func TestOwnMessagesAreIgnored(t *testing.T) {
	f := newFixture(t, options{})
	msg := text("hello")
	msg.FromSelf = true

	assert.Equal(t, dispatcher.Ignored, f.handle(msg))
	assert.Empty(t, f.replier.all())
	assert.Empty(t, f.index.touched)
}

func TestDuplicateDelivery(t *testing.T) {
	f := newFixture(t, options{})
	msg := text("hello")

	assert.Equal(t, dispatcher.Replied, f.handle(msg))
	assert.Equal(t, dispatcher.Duplicate, f.handle(msg))
	assert.Len(t, f.provider.calls(), 1)
}

func TestPauseCommandSilencesConversation(t *testing.T) {
	f := newFixture(t, options{})

	assert.Equal(t, dispatcher.Command, f.handle(text("PAUSE 60")))
	assert.True(t, f.replier.last(t).Notice)

	f.clock.Advance(30 * time.Second)
	before := len(f.replier.all())
	assert.Equal(t, dispatcher.DroppedPaused, f.handle(text("are you there?")))
	assert.Len(t, f.replier.all(), before, "nothing is sent while paused")
	assert.Empty(t, f.provider.calls())

	f.clock.Advance(31 * time.Second)
	assert.Equal(t, dispatcher.Replied, f.handle(text("are you there now?")))
	assert.Equal(t, []string{"are you there now?"}, f.provider.calls())
}

func TestResumeBypassesPause(t *testing.T) {
	f := newFixture(t, options{})

	require.Equal(t, dispatcher.Command, f.handle(text("pause")))
	assert.Equal(t, dispatcher.Command, f.handle(text("resume")))
	assert.Equal(t, f.catalog.Text("en", locale.KeyResumed, nil), f.replier.last(t).Text)
	assert.Equal(t, dispatcher.Replied, f.handle(text("hi again")))
}

func TestCommandsAreNotChargedOrAnswered(t *testing.T) {
	f := newFixture(t, options{})

	assert.Equal(t, dispatcher.Command, f.handle(text("help")))
	assert.Empty(t, f.provider.calls())

	_, statuses, err := f.guard.Usage(context.Background(), room)
	require.NoError(t, err)
	assert.Zero(t, statuses[0].Used)
}

func TestMessageQuotaExceeded(t *testing.T) {
	plan := guard.Plan{Name: "tiny", Limits: map[guard.Feature]int64{guard.FeatureMessages: 5}}
	f := newFixture(t, options{plan: &plan})

	for i := 0; i < 5; i++ {
		require.Equal(t, dispatcher.Replied, f.handle(text(fmt.Sprintf("message %d", i))))
	}

	assert.Equal(t, dispatcher.QuotaExceeded, f.handle(text("one more")))
	last := f.replier.last(t)
	assert.True(t, last.Notice)
	assert.Contains(t, last.Text, "5/5")
	assert.Contains(t, last.Text, "0 remaining")
	assert.Contains(t, last.Text, "2026-06-02 00:00 UTC", "resets at the next local midnight")
	assert.Len(t, f.provider.calls(), 5, "no AI call once the quota is spent")
}

func TestAIResponseQuotaExceeded(t *testing.T) {
	plan := guard.Plan{Name: "mute", Limits: map[guard.Feature]int64{guard.FeatureAIResponses: 0}}
	f := newFixture(t, options{plan: &plan})

	assert.Equal(t, dispatcher.QuotaExceeded, f.handle(text("hello")))
	assert.Empty(t, f.provider.calls())
}

func TestGlobalRateDropsSilently(t *testing.T) {
	f := newFixture(t, options{guard: guard.Config{GlobalLimit: 1}})

	assert.Equal(t, dispatcher.Replied, f.handle(text("first")))
	before := len(f.replier.all())
	assert.Equal(t, dispatcher.DroppedGlobalRate, f.handle(text("second")))
	assert.Len(t, f.replier.all(), before)
}

func TestGlobalPauseDropsSilently(t *testing.T) {
	f := newFixture(t, options{})
	_, err := f.guard.Pause(context.Background(), guard.Global, 0)
	require.NoError(t, err)

	assert.Equal(t, dispatcher.DroppedGlobalPause, f.handle(text("hello")))
	assert.Equal(t, dispatcher.DroppedGlobalPause, f.handle(text("resume")))
	assert.Empty(t, f.replier.all())
}

func TestUserRateNotifiesOncePerWindow(t *testing.T) {
	f := newFixture(t, options{guard: guard.Config{UserLimit: 1, UserWindow: time.Minute}})

	assert.Equal(t, dispatcher.Replied, f.handle(text("one")))
	assert.Equal(t, dispatcher.RateLimited, f.handle(text("two")))
	assert.True(t, f.replier.last(t).Notice)
	assert.Contains(t, f.replier.last(t).Text, "15:31 UTC")

	before := len(f.replier.all())
	assert.Equal(t, dispatcher.RateLimited, f.handle(text("three")))
	assert.Len(t, f.replier.all(), before, "second denial is silent")

	f.clock.Advance(time.Minute + time.Second)
	assert.Equal(t, dispatcher.Replied, f.handle(text("four")))
}

func audio(uri string) session.InboundMessage {
	msg := text("voice.ogg")
	msg.MediaKind = session.MediaAudio
	msg.Media = &session.MediaRef{URI: uri, MimeType: "audio/ogg", Duration: 3 * time.Second}
	return msg
}

func TestVoiceNoteIsTranscribed(t *testing.T) {
	f := newFixture(t, options{})
	f.media.data["mxc://hs.test/voice"] = append([]byte("OggS"), bytes.Repeat([]byte{0}, 128)...)

	assert.Equal(t, dispatcher.Replied, f.handle(audio("mxc://hs.test/voice")))
	assert.Equal(t, "[audio]", f.index.touched[room])
	assert.Equal(t, dispatcher.Replied, f.handle(text("what time is it")))

	replies := f.replier.all()
	require.Len(t, replies, 2)
	assert.Equal(t, replies[1].Text, replies[0].Text, "a voice note is answered like the same text")

	_, statuses, err := f.guard.Usage(context.Background(), room)
	require.NoError(t, err)
	assert.EqualValues(t, 1, statuses[2].Used, "one transcription minute")
}

func TestRedeliveredVoiceNoteUsesCache(t *testing.T) {
	f := newFixture(t, options{})
	f.media.data["mxc://hs.test/voice"] = append([]byte("OggS"), bytes.Repeat([]byte{1}, 64)...)

	f.handle(audio("mxc://hs.test/voice"))
	f.handle(audio("mxc://hs.test/voice"))

	assert.Equal(t, 1, f.provider.transcribed)
	_, statuses, _ := f.guard.Usage(context.Background(), room)
	assert.EqualValues(t, 1, statuses[2].Used)
}

func TestMediaFailures(t *testing.T) {
	f := newFixture(t, options{})

	assert.Equal(t, dispatcher.Failed, f.handle(audio("mxc://hs.test/missing")))
	assert.Equal(t, f.catalog.Text("en", locale.KeyMediaUnavailable, nil), f.replier.last(t).Text)

	f.media.data["mxc://hs.test/junk"] = []byte("definitely not audio")
	junk := audio("mxc://hs.test/junk")
	junk.Media.MimeType = "application/octet-stream"
	assert.Equal(t, dispatcher.Failed, f.handle(junk))
	assert.Equal(t, f.catalog.Text("en", locale.KeyMediaInvalid, nil), f.replier.last(t).Text)

	video := text("clip.mp4")
	video.MediaKind = session.MediaVideo
	video.Media = &session.MediaRef{URI: "mxc://hs.test/clip"}
	assert.Equal(t, dispatcher.Unsupported, f.handle(video))
	assert.Equal(t, f.catalog.Text("en", locale.KeyUnsupportedMedia, nil), f.replier.last(t).Text)

	assert.Empty(t, f.provider.calls())
}

func redSquare(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageIsDescribed(t *testing.T) {
	f := newFixture(t, options{})
	f.media.data["mxc://hs.test/pic"] = redSquare(t)

	msg := text("pic.png")
	msg.MediaKind = session.MediaImage
	msg.MediaCaption = "what is this?"
	msg.Media = &session.MediaRef{URI: "mxc://hs.test/pic", MimeType: "image/png"}

	assert.Equal(t, dispatcher.Replied, f.handle(msg))
	calls := f.provider.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "a red square")
	assert.Contains(t, calls[0], "what is this?")

	again := msg
	again.ID = "$again"
	assert.Equal(t, dispatcher.Replied, f.handle(again))
	assert.Equal(t, 1, f.provider.analysed, "cached by content")
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t, options{})
	f.provider.panicOn = "boom"

	assert.Equal(t, dispatcher.Failed, f.handle(text("boom")))
	assert.Equal(t, f.catalog.Text("en", locale.KeyApology, nil), f.replier.last(t).Text)

	assert.Equal(t, dispatcher.Replied, f.handle(text("still alive?")))
}

func TestProviderErrorApologises(t *testing.T) {
	f := newFixture(t, options{})
	f.provider.err = fmt.Errorf("upstream: %w", llm.ErrProviderTransient)

	assert.Equal(t, dispatcher.Failed, f.handle(text("hello")))
	last := f.replier.last(t)
	assert.True(t, last.Notice)
	assert.Equal(t, f.catalog.Text("en", locale.KeyApology, nil), last.Text)

	_, statuses, _ := f.guard.Usage(context.Background(), room)
	assert.Zero(t, statuses[1].Used, "failed replies are not charged")
}

func TestQueueKeepsConversationOrder(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	var want []string
	for i := 0; i < 10; i++ {
		body := fmt.Sprintf("m%d", i)
		want = append(want, body)
		require.True(t, f.d.Enqueue(ctx, text(body)))
	}
	f.d.Wait()

	assert.Equal(t, want, f.provider.calls())
	assert.Zero(t, f.d.Pending(room))
}

func TestQueueStopsAfterCancel(t *testing.T) {
	f := newFixture(t, options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msgs := []session.InboundMessage{text("late 1"), text("late 2"), text("late 3")}
	for _, m := range msgs {
		f.d.Enqueue(ctx, m)
	}
	f.d.Wait()

	assert.Empty(t, f.provider.calls())
	assert.Empty(t, f.replier.all(), "no apology after shutdown")
	assert.Zero(t, f.d.Pending(room))

	// Dropped messages were not marked seen.
	assert.Equal(t, dispatcher.Replied, f.handle(msgs[0]))
}

func TestRunConsumesEvents(t *testing.T) {
	f := newFixture(t, options{})
	events := make(chan session.Event, 4)
	events <- session.Event{Kind: session.StateChanged, State: session.Open}
	events <- session.Event{Kind: session.MessageReceived, Message: text("via events")}
	close(events)

	require.NoError(t, f.d.Run(context.Background(), events))
	assert.Equal(t, []string{"via events"}, f.provider.calls())
}
