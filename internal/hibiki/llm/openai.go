package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Hibiki/common/redact"
	"github.com/bdobrica/Hibiki/common/version"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultModel           = "gpt-4o-mini"
	defaultTranscribeModel = "whisper-1"
	defaultTimeout         = 60 * time.Second

	// maxResponseBytes caps how much of a provider response is read.
	maxResponseBytes = 4 << 20
)

// Config configures the OpenAI-compatible provider.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to
	// https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model. Defaults to gpt-4o-mini.
	Model string

	// VisionModel is used by AnalyzeImage. Defaults to Model.
	VisionModel string

	// TranscribeModel is used by Transcribe. Defaults to whisper-1.
	TranscribeModel string

	// Timeout bounds each HTTP request. Defaults to 60 s.
	Timeout time.Duration
}

// OpenAI implements Provider against the chat completions and audio
// transcription endpoints.
type OpenAI struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI returns a provider backed by the OpenAI (or compatible) API.
func NewOpenAI(cfg Config) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = defaultTranscribeModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// --- wire types (subset of the OpenAI API) ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []oaiPart
}

type oaiPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *oaiError `json:"error,omitempty"`
}

type oaiTranscription struct {
	Text     string    `json:"text"`
	Duration float64   `json:"duration"`
	Language string    `json:"language"`
	Error    *oaiError `json:"error,omitempty"`
}

const visionPrompt = `Describe this image for a chat assistant that cannot see it.
Be concrete and brief: the main subject, any visible text, and anything the
sender is likely asking about. Answer in the language of the caption when
there is one.`

// Complete implements Provider.
func (p *OpenAI) Complete(ctx context.Context, systemPrompt string, turns []Message, opts Options) (*Completion, error) {
	msgs := make([]oaiMessage, 0, len(turns)+1)
	if systemPrompt != "" {
		msgs = append(msgs, oaiMessage{Role: string(RoleSystem), Content: systemPrompt})
	}
	for _, t := range turns {
		msgs = append(msgs, oaiMessage{Role: string(t.Role), Content: t.Content})
	}

	resp, latency, err := p.chat(ctx, p.cfg.Model, msgs, opts)
	if err != nil {
		return nil, err
	}
	return &Completion{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: usageOf(resp, latency),
	}, nil
}

// AnalyzeImage implements Provider.
func (p *OpenAI) AnalyzeImage(ctx context.Context, dataURL, caption string) (*ImageAnalysis, error) {
	text := visionPrompt
	if caption != "" {
		text += "\n\nCaption: " + caption
	}
	msgs := []oaiMessage{{
		Role: string(RoleUser),
		Content: []oaiPart{
			{Type: "text", Text: text},
			{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL, Detail: "low"}},
		},
	}}

	resp, latency, err := p.chat(ctx, p.cfg.VisionModel, msgs, Options{MaxTokens: 300})
	if err != nil {
		return nil, err
	}
	return &ImageAnalysis{
		Description: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage:       usageOf(resp, latency),
	}, nil
}

// Transcribe implements Provider.
func (p *OpenAI) Transcribe(ctx context.Context, audio []byte, mimeType, language string) (*Transcription, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", "audio"+extensionFor(mimeType))
	if err != nil {
		return nil, fmt.Errorf("llm: build transcription form: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("llm: build transcription form: %w", err)
	}
	fields := map[string]string{
		"model":           p.cfg.TranscribeModel,
		"response_format": "verbose_json",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("llm: build transcription form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("llm: build transcription form: %w", err)
	}

	raw, status, err := p.post(ctx, "/audio/transcriptions", w.FormDataContentType(), &body)
	if err != nil {
		return nil, err
	}

	var out oaiTranscription
	if err := json.Unmarshal(raw, &out); err != nil {
		if status >= 400 {
			return nil, p.statusError(status, nil)
		}
		return nil, fmt.Errorf("%w: decode transcription: %v", ErrProviderTransient, err)
	}
	if status >= 400 || out.Error != nil {
		return nil, p.statusError(status, out.Error)
	}
	return &Transcription{
		Text:         strings.TrimSpace(out.Text),
		DurationSecs: out.Duration,
		Language:     out.Language,
	}, nil
}

func (p *OpenAI) chat(ctx context.Context, model string, msgs []oaiMessage, opts Options) (*oaiResponse, time.Duration, error) {
	req := oaiRequest{Model: model, Messages: msgs, MaxTokens: opts.MaxTokens}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: marshal request: %v", ErrProviderFatal, err)
	}

	start := time.Now()
	raw, status, err := p.post(ctx, "/chat/completions", "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	latency := time.Since(start)

	var resp oaiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if status >= 400 {
			return nil, 0, p.statusError(status, nil)
		}
		return nil, 0, fmt.Errorf("%w: decode response: %v", ErrProviderTransient, err)
	}
	if status >= 400 || resp.Error != nil {
		return nil, 0, p.statusError(status, resp.Error)
	}
	if len(resp.Choices) == 0 {
		return nil, 0, fmt.Errorf("%w: no choices returned", ErrProviderTransient)
	}
	return &resp, latency, nil
}

func (p *OpenAI) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: create request: %v", ErrProviderFatal, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent())
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: http request: %v", ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", ErrProviderTransient, err)
	}
	return raw, resp.StatusCode, nil
}

// statusError classifies an HTTP failure. 429 and 5xx are transient;
// everything else the provider rejects is fatal. Providers echo the key in
// auth errors, so it is masked.
func (p *OpenAI) statusError(status int, e *oaiError) error {
	kind := ErrProviderFatal
	if status == http.StatusTooManyRequests || status >= 500 || status == 0 {
		kind = ErrProviderTransient
	}
	if e != nil {
		return fmt.Errorf("%w: HTTP %d (%s): %s", kind, status, e.Type, redact.String(e.Message, p.cfg.APIKey))
	}
	return fmt.Errorf("%w: HTTP %d", kind, status)
}

func usageOf(resp *oaiResponse, latency time.Duration) TokenUsage {
	return TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Model:            resp.Model,
		LatencyMS:        latency.Milliseconds(),
	}
}

// extensionFor picks a filename extension the transcription endpoint uses
// to sniff the container format.
func extensionFor(mimeType string) string {
	base, _, _ := mime.ParseMediaType(mimeType)
	switch base {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/flac":
		return ".flac"
	}
	if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
		return exts[0]
	}
	return ".ogg"
}

var _ Provider = (*OpenAI)(nil)
