package main

import (
	"time"

	"github.com/bdobrica/Hibiki/common/environment"
	"github.com/bdobrica/Hibiki/internal/hibiki/app"
	"github.com/bdobrica/Hibiki/internal/hibiki/dispatcher"
	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
	"github.com/bdobrica/Hibiki/internal/hibiki/matrix"
	"github.com/bdobrica/Hibiki/internal/hibiki/media"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
)

// settings are the process-level values cobra flags can override.
type settings struct {
	ProfilePath string
	DBPath      string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string
}

func loadSettings() settings {
	return settings{
		ProfilePath: environment.StringOr("HIBIKI_PROFILE", ""),
		DBPath:      environment.StringOr("DATABASE_PATH", "./hibiki.db"),
		HTTPAddr:    environment.StringOr("HIBIKI_HTTP_ADDR", ":8080"),
		LogLevel:    environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:   environment.StringOr("LOG_FORMAT", "text"),
	}
}

// loadConfig loads configuration from environment variables.
func loadConfig(s settings) *app.Config {
	requestTimeout := environment.DurationOr("HIBIKI_REQUEST_TIMEOUT", dispatcher.DefaultRequestTimeout)

	return &app.Config{
		DatabasePath: s.DBPath,
		ProfilePath:  s.ProfilePath,
		Locale:       environment.StringOr("HIBIKI_LOCALE", ""),
		HTTPAddr:     s.HTTPAddr,
		AdminToken:   environment.StringOr("HIBIKI_ADMIN_TOKEN", ""),
		Matrix: matrix.Config{
			Homeserver:    environment.StringOr("MATRIX_HOMESERVER", ""),
			UserID:        environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken:   environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
			DeviceName:    environment.StringOr("MATRIX_DEVICE_NAME", "Hibiki"),
			PublicURL:     environment.StringOr("HIBIKI_PUBLIC_URL", ""),
			IgnoreInvites: !environment.BoolOr("HIBIKI_AUTO_JOIN", true),
		},
		LLM: llm.Config{
			APIKey:          environment.StringOr("HIBIKI_LLM_API_KEY", ""),
			BaseURL:         environment.StringOr("HIBIKI_LLM_ENDPOINT", ""),
			Model:           environment.StringOr("HIBIKI_LLM_MODEL", "gpt-4o-mini"),
			VisionModel:     environment.StringOr("HIBIKI_LLM_VISION_MODEL", "gpt-4o-mini"),
			TranscribeModel: environment.StringOr("HIBIKI_LLM_TRANSCRIBE_MODEL", "whisper-1"),
			Timeout:         requestTimeout,
		},
		Guard: guard.Config{
			GlobalLimit:  environment.IntOr("HIBIKI_GLOBAL_RATE_LIMIT", guard.DefaultGlobalLimit),
			GlobalWindow: environment.DurationOr("HIBIKI_GLOBAL_RATE_WINDOW", guard.DefaultGlobalWindow),
			UserLimit:    environment.IntOr("HIBIKI_USER_RATE_LIMIT", guard.DefaultUserLimit),
			UserWindow:   environment.DurationOr("HIBIKI_USER_RATE_WINDOW", guard.DefaultUserWindow),
			Location:     environment.LocationOr("HIBIKI_TIMEZONE", time.UTC),
		},
		Session: session.Config{
			ReconnectBase: environment.DurationOr("HIBIKI_RECONNECT_BASE", session.DefaultReconnectBase),
			ReconnectMax:  environment.DurationOr("HIBIKI_RECONNECT_MAX", session.DefaultReconnectMax),
			MaxAttempts:   environment.IntOr("HIBIKI_RECONNECT_ATTEMPTS", session.DefaultMaxAttempts),
		},
		Pacer: session.PacerConfig{
			SendsPerSecond: environment.Float64Or("HIBIKI_SENDS_PER_SECOND", 1),
		},
		Memory: memory.Config{
			ImmediateTurns:   environment.IntOr("HIBIKI_IMMEDIATE_TURNS", memory.DefaultImmediateTurns),
			SummaryThreshold: environment.IntOr("HIBIKI_SUMMARY_THRESHOLD", memory.DefaultSummaryThreshold),
			FactsEvery:       environment.IntOr("HIBIKI_FACTS_EVERY", memory.DefaultFactsEvery),
			MaxChars:         environment.IntOr("HIBIKI_CONTEXT_BUDGET", memory.DefaultMaxChars),
		},
		Dispatcher: dispatcher.Config{
			RequestTimeout: requestTimeout,
			ContextBudget:  environment.IntOr("HIBIKI_CONTEXT_BUDGET", memory.DefaultMaxChars),
			MaxAudioBytes:  environment.BytesOr("HIBIKI_MAX_AUDIO_BYTES", media.DefaultMaxAudioBytes),
			MaxImageBytes:  environment.BytesOr("HIBIKI_MAX_IMAGE_BYTES", media.DefaultMaxImageBytes),
			ImageMaxDim:    environment.IntOr("HIBIKI_IMAGE_MAX_DIM", media.DefaultImageMaxDim),
		},
	}
}
