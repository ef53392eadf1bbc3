// Package app wires Hibiki together: storage, the Matrix session, the
// guard, memory, the AI provider, commands, the dispatcher and the admin
// HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hibiki/common/clock"
	"github.com/bdobrica/Hibiki/common/redact"
	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
	"github.com/bdobrica/Hibiki/internal/hibiki/commands"
	"github.com/bdobrica/Hibiki/internal/hibiki/dispatcher"
	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/llm"
	"github.com/bdobrica/Hibiki/internal/hibiki/locale"
	"github.com/bdobrica/Hibiki/internal/hibiki/matrix"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/profile"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
	"github.com/bdobrica/Hibiki/internal/hibiki/store"
)

// Config holds application configuration.
type Config struct {
	DatabasePath string

	// ProfilePath is the YAML bot profile. Empty uses the built-in one.
	ProfilePath string

	// Locale is the default reply language. Empty uses the profile's
	// persona language.
	Locale string

	// HTTPAddr is the TCP address of the health and admin server
	// (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr   string
	AdminToken string

	Matrix     matrix.Config
	LLM        llm.Config
	Guard      guard.Config
	Session    session.Config
	Pacer      session.PacerConfig
	Memory     memory.Config
	Dispatcher dispatcher.Config

	// SweepInterval is how often expired cache rows are purged.
	SweepInterval time.Duration

	// Transport replaces the Matrix transport. Provider replaces the
	// OpenAI-compatible client. Both are for tests and embedding.
	Transport session.Transport
	Provider  llm.Provider

	Clock  clock.Clock
	Logger *slog.Logger
}

// App is the main Hibiki application.
type App struct {
	config  *Config
	logger  *slog.Logger
	store   *store.Store
	cache   *cache.SQLite
	sweeper *cache.SweepRunner
	profile *profile.Profile

	catalog    *locale.Catalog
	guard      *guard.Guard
	memory     *memory.Manager
	session    *session.Manager
	dispatcher *dispatcher.Dispatcher
	health     *HealthServer
}

// New builds the application. It opens the database but makes no network
// calls.
func New(config *Config) (*App, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	prof := profile.Default()
	if config.ProfilePath != "" {
		p, err := profile.Load(config.ProfilePath)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		prof = p
	}

	lang := config.Locale
	if lang == "" {
		lang = prof.Persona.Language
	}
	catalog, err := locale.New(lang, prof.Locales)
	if err != nil {
		return nil, fmt.Errorf("app: load locales: %w", err)
	}

	logger.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	a := &App{
		config:  config,
		logger:  logger,
		store:   st,
		profile: prof,
		catalog: catalog,
	}
	if err := a.wire(clk); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(clk clock.Clock) error {
	cfg := a.config
	logger := a.logger

	a.cache = cache.NewSQLite(a.store.DB(), clk)
	a.sweeper = cache.NewSweepRunner(a.cache, cfg.SweepInterval, logger.With("component", "cache"))

	resolver := profile.NewResolver(a.profile, a.store, cfg.Locale)
	a.guard = guard.New(a.cache, resolver, cfg.Guard, clk)

	provider := cfg.Provider
	if provider == nil {
		if cfg.LLM.APIKey == "" {
			logger.Warn("no LLM API key configured; AI replies will fail", "endpoint", redact.URL(cfg.LLM.BaseURL))
		}
		provider = llm.NewOpenAI(cfg.LLM)
	}
	a.memory = memory.New(a.cache, provider, cfg.Memory, clk, logger.With("component", "memory"))

	transport := cfg.Transport
	var pairing PairingCompleter
	if transport == nil {
		mcfg := cfg.Matrix
		mcfg.DB = a.store.DB()
		mcfg.Logger = logger.With("component", "matrix")
		mt, err := matrix.New(mcfg)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		transport, pairing = mt, mt
	} else if pc, ok := transport.(PairingCompleter); ok {
		pairing = pc
	}
	a.session = session.NewManager(transport, cfg.Session, clk, logger.With("component", "session"))
	pacer := session.NewPacer(a.session, cfg.Pacer, clk, nil, logger.With("component", "pacer"))

	router := commands.NewRouter(a.catalog)
	commands.NewHandlers(a.catalog, a.memory, a.guard, resolver, a.session, clk).Register(router)

	dcfg := cfg.Dispatcher
	if dcfg.SystemPrompt == "" {
		dcfg.SystemPrompt = a.profile.SystemPrompt()
	}
	a.dispatcher = dispatcher.New(dcfg, dispatcher.Deps{
		Guard:    a.guard,
		Memory:   a.memory,
		Provider: provider,
		Replier:  pacer,
		Media:    a.session,
		Index:    a.store,
		Locales:  resolver,
		Commands: router,
		Catalog:  a.catalog,
		Cache:    a.cache,
		Clock:    clk,
		Logger:   logger.With("component", "dispatcher"),
	})

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, ServerDeps{
			Session:       a.session,
			Conversations: a.store,
			Pairing:       pairing,
			Admin:         NewAdminAPI(a.guard, a.memory, a.store, a.profile, logger.With("component", "admin")),
			AdminToken:    cfg.AdminToken,
			ProfileHash:   a.profile.Hash(),
		}, logger.With("component", "http"))
	} else if cfg.Matrix.AccessToken == "" && cfg.Transport == nil {
		logger.Warn("HTTP server disabled; SSO pairing cannot complete without /pair/callback")
	}
	return nil
}

// Run starts the application and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	go a.sweeper.Run(ctx)

	a.logger.Info("connecting session")
	a.session.Connect(ctx)

	a.logger.Info("Hibiki is running; press Ctrl+C to stop",
		"profile_hash", a.profile.Hash(),
		"persona", a.profile.Persona.Name,
	)
	err := a.dispatcher.Run(ctx, a.session.Events())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutting down")
	return nil
}

// Stop releases everything New and Run acquired.
func (a *App) Stop() {
	a.logger.Info("stopping session")
	if err := a.session.Close(); err != nil {
		a.logger.Warn("session close failed", "err", err)
	}
	a.dispatcher.Wait()

	a.sweeper.Stop()
	if a.health != nil {
		a.logger.Info("stopping health server")
		a.health.Stop()
	}

	a.logger.Info("closing database")
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database close failed", "err", err)
	}
}

// Session exposes the session manager.
func (a *App) Session() *session.Manager { return a.session }

// Handler returns the HTTP handler, or nil when the server is disabled.
func (a *App) Handler() *HealthServer { return a.health }
