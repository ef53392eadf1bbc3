package session

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/bdobrica/Hibiki/common/clock"
)

// Typing model: 45 words per minute at 5 characters per word.
const (
	DefaultWordsPerMinute = 45
	charsPerWord          = 5
)

// PacerConfig tunes outbound pacing. Zero fields take the defaults shown.
type PacerConfig struct {
	ThinkingMin time.Duration // 800ms
	ThinkingMax time.Duration // 2.5s

	WordsPerMinute float64       // 45
	Jitter         float64       // 0.3, fraction either way
	ComposingMin   time.Duration // 1s
	ComposingMax   time.Duration // 10s

	TrailingMin time.Duration // 300ms
	TrailingMax time.Duration // 1s

	// SendsPerSecond throttles every send across conversations.
	SendsPerSecond float64 // 1
	Burst          int     // 1
}

func (c *PacerConfig) applyDefaults() {
	if c.ThinkingMin <= 0 {
		c.ThinkingMin = 800 * time.Millisecond
	}
	if c.ThinkingMax < c.ThinkingMin {
		c.ThinkingMax = max(2500*time.Millisecond, c.ThinkingMin)
	}
	if c.WordsPerMinute <= 0 {
		c.WordsPerMinute = DefaultWordsPerMinute
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.3
	}
	if c.ComposingMin <= 0 {
		c.ComposingMin = time.Second
	}
	if c.ComposingMax < c.ComposingMin {
		c.ComposingMax = max(10*time.Second, c.ComposingMin)
	}
	if c.TrailingMin <= 0 {
		c.TrailingMin = 300 * time.Millisecond
	}
	if c.TrailingMax < c.TrailingMin {
		c.TrailingMax = max(time.Second, c.TrailingMin)
	}
	if c.SendsPerSecond <= 0 {
		c.SendsPerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Sender is the slice of Manager the Pacer drives.
type Sender interface {
	Send(ctx context.Context, conversationID string, p Payload) (string, error)
	SetComposing(ctx context.Context, conversationID string, on bool) error
}

// Pacer sends replies the way a person would: a pause to think, a typing
// indicator held for as long as the reply would take to type, the message,
// then a short pause before anything else goes out. Every send also passes
// a shared token bucket.
type Pacer struct {
	sender  Sender
	cfg     PacerConfig
	clock   clock.Clock
	rand    func() float64
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPacer creates a Pacer. rnd returns values in [0, 1); nil means
// math/rand. A nil clock means the real one.
func NewPacer(s Sender, cfg PacerConfig, c clock.Clock, rnd func() float64, logger *slog.Logger) *Pacer {
	cfg.applyDefaults()
	if c == nil {
		c = clock.Real()
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{
		sender:  s,
		cfg:     cfg,
		clock:   c,
		rand:    rnd,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.Burst),
		logger:  logger,
	}
}

// CharsPerSecond is the modelled typing speed.
func (p *Pacer) CharsPerSecond() float64 {
	return p.cfg.WordsPerMinute * charsPerWord / 60
}

// ThinkingDelay maps r in [0, 1) onto the thinking window.
func (p *Pacer) ThinkingDelay(r float64) time.Duration {
	return between(p.cfg.ThinkingMin, p.cfg.ThinkingMax, r)
}

// ComposingDuration is how long the typing indicator shows for text. r in
// [0, 1) picks the jitter: 0 is the fastest typist, 1 the slowest.
func (p *Pacer) ComposingDuration(text string, r float64) time.Duration {
	secs := float64(utf8.RuneCountInString(text)) / p.CharsPerSecond()
	secs *= 1 + p.cfg.Jitter*(2*r-1)
	d := time.Duration(secs * float64(time.Second))
	return min(max(d, p.cfg.ComposingMin), p.cfg.ComposingMax)
}

// TrailingDelay maps r in [0, 1) onto the trailing window.
func (p *Pacer) TrailingDelay(r float64) time.Duration {
	return between(p.cfg.TrailingMin, p.cfg.TrailingMax, r)
}

// Reply sends text with the full pacing sequence. Indicator failures are
// logged and ignored; a send failure is returned.
func (p *Pacer) Reply(ctx context.Context, conversationID, text string) (string, error) {
	if err := clock.Sleep(ctx, p.clock, p.ThinkingDelay(p.rand())); err != nil {
		return "", err
	}

	if err := p.sender.SetComposing(ctx, conversationID, true); err != nil {
		p.logger.Debug("session: composing indicator failed", "conversation_id", conversationID, "err", err)
	}
	if err := clock.Sleep(ctx, p.clock, p.ComposingDuration(text, p.rand())); err != nil {
		return "", err
	}

	id, err := p.send(ctx, conversationID, Payload{Text: text})
	if cerr := p.sender.SetComposing(ctx, conversationID, false); cerr != nil {
		p.logger.Debug("session: composing indicator failed", "conversation_id", conversationID, "err", cerr)
	}
	if err != nil {
		return "", err
	}

	if err := clock.Sleep(ctx, p.clock, p.TrailingDelay(p.rand())); err != nil {
		return id, err
	}
	return id, nil
}

// Notice sends a short system message (rate-limit and quota notices,
// command answers) without the typing sequence but through the same
// throttle.
func (p *Pacer) Notice(ctx context.Context, conversationID, text string) (string, error) {
	return p.send(ctx, conversationID, Payload{Text: text, Notice: true})
}

// SendMedia sends a media payload through the throttle.
func (p *Pacer) SendMedia(ctx context.Context, conversationID string, payload Payload) (string, error) {
	return p.send(ctx, conversationID, payload)
}

func (p *Pacer) send(ctx context.Context, conversationID string, payload Payload) (string, error) {
	now := p.clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		if err := clock.Sleep(ctx, p.clock, wait); err != nil {
			r.CancelAt(p.clock.Now())
			return "", err
		}
	}
	return p.sender.Send(ctx, conversationID, payload)
}

func between(lo, hi time.Duration, r float64) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r*float64(hi-lo))
}
