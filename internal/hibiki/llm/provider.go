// Package llm talks to the completion, vision and speech-to-text provider.
//
// Every failure is classified as ErrProviderTransient (rate limits, 5xx,
// network trouble, unreadable responses) or ErrProviderFatal (bad
// credentials or a request the provider rejects outright). Callers match
// with errors.Is; neither kind is retried within the same turn.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrProviderTransient marks failures that may succeed on a later turn.
	ErrProviderTransient = errors.New("llm: transient provider error")

	// ErrProviderFatal marks authentication and configuration failures.
	ErrProviderFatal = errors.New("llm: fatal provider error")
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// Options tune a single completion call. Zero values mean provider
// defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// TokenUsage is the token accounting reported for one call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	LatencyMS        int64
}

// Completion is the result of Complete.
type Completion struct {
	Text  string
	Usage TokenUsage
}

// ImageAnalysis is the result of AnalyzeImage.
type ImageAnalysis struct {
	Description string
	Usage       TokenUsage
}

// Transcription is the result of Transcribe.
type Transcription struct {
	Text         string
	DurationSecs float64
	Language     string
}

// Provider is the external AI collaborator. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Complete runs a chat completion with systemPrompt followed by turns.
	Complete(ctx context.Context, systemPrompt string, turns []Message, opts Options) (*Completion, error)

	// AnalyzeImage describes the image at dataURL (a data: URL). caption is
	// the text the user sent with the image and may be empty.
	AnalyzeImage(ctx context.Context, dataURL, caption string) (*ImageAnalysis, error)

	// Transcribe converts speech to text. language is a hint and may be
	// empty.
	Transcribe(ctx context.Context, audio []byte, mimeType, language string) (*Transcription, error)
}
