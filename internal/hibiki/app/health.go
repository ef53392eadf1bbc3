package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bdobrica/Hibiki/common/version"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
	"github.com/bdobrica/Hibiki/internal/hibiki/store"
)

// HealthServer exposes /health, /status, the pairing endpoints and the
// admin API. It is optional; Hibiki runs without it when HTTPAddr is empty,
// but SSO pairing needs it for /pair/callback.
type HealthServer struct {
	addr      string
	deps      ServerDeps
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
	logger    *slog.Logger
}

// SessionControl is the slice of session.Manager the server drives.
type SessionControl interface {
	Snapshot() session.Session
	PairingArtifact() (string, bool)
	Connect(ctx context.Context) session.Session
	Reset(ctx context.Context) error
}

// ConversationIndex lists known conversations.
type ConversationIndex interface {
	ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error)
	ConversationCount(ctx context.Context) (int, error)
}

// PairingCompleter finishes an SSO pairing. *matrix.Transport implements it.
type PairingCompleter interface {
	CompletePairing(nonce, loginToken string) error
}

// ServerDeps are the collaborators behind the HTTP routes. Nil members
// disable the routes that need them.
type ServerDeps struct {
	Session       SessionControl
	Conversations ConversationIndex
	Pairing       PairingCompleter
	Admin         *AdminAPI

	// AdminToken, when set, is required as a bearer token on admin routes.
	AdminToken  string
	ProfileHash string
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status            string    `json:"status"`
	Version           string    `json:"version"`
	Commit            string    `json:"commit"`
	BuildTime         string    `json:"build_time"`
	StartedAt         time.Time `json:"started_at"`
	UptimeSecs        float64   `json:"uptime_seconds"`
	Session           string    `json:"session"`
	SessionSince      time.Time `json:"session_since"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	Terminal          bool      `json:"terminal"`
	PairingPending    bool      `json:"pairing_pending"`
	ProfileHash       string    `json:"profile_hash,omitempty"`
	Conversations     int       `json:"conversation_count"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, deps ServerDeps, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		deps:      deps,
		startedAt: time.Now(),
		mux:       mux,
		logger:    logger,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)

	if deps.Session != nil {
		mux.Handle("GET /pairing", hs.requireAdmin(http.HandlerFunc(hs.handlePairing)))
		mux.Handle("POST /session/connect", hs.requireAdmin(http.HandlerFunc(hs.handleConnect)))
		mux.Handle("POST /session/reset", hs.requireAdmin(http.HandlerFunc(hs.handleReset)))
	}
	if deps.Pairing != nil {
		mux.HandleFunc("GET /pair/callback", hs.handlePairCallback)
	}
	if deps.Conversations != nil {
		mux.Handle("GET /conversations", hs.requireAdmin(http.HandlerFunc(hs.handleConversations)))
	}
	if deps.Admin != nil {
		mux.Handle("POST /admin/pause", hs.requireAdmin(http.HandlerFunc(deps.Admin.handlePause)))
		mux.Handle("POST /admin/resume", hs.requireAdmin(http.HandlerFunc(deps.Admin.handleResume)))
		mux.Handle("POST /admin/memory/clear", hs.requireAdmin(http.HandlerFunc(deps.Admin.handleClearMemory)))
		mux.Handle("PUT /admin/subscribers/{id}", hs.requireAdmin(http.HandlerFunc(deps.Admin.handleSetSubscriber)))
		mux.Handle("DELETE /admin/subscribers/{id}", hs.requireAdmin(http.HandlerFunc(deps.Admin.handleDeleteSubscriber)))
	}
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener
// is established. The server shuts down when ctx is cancelled.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		h.logger.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:      "ok",
		Version:     version.Version,
		Commit:      version.GitCommit,
		BuildTime:   version.BuildTime,
		StartedAt:   h.startedAt,
		UptimeSecs:  time.Since(h.startedAt).Seconds(),
		Session:     session.Closed.String(),
		ProfileHash: h.deps.ProfileHash,
	}
	if h.deps.Session != nil {
		snap := h.deps.Session.Snapshot()
		resp.Session = snap.State.String()
		resp.SessionSince = snap.Since
		resp.ReconnectAttempts = snap.ReconnectAttempts
		resp.Terminal = snap.Terminal
		resp.PairingPending = snap.PairingPending
		if snap.LastError != nil {
			resp.LastError = snap.LastError.Error()
		}
	}
	if h.deps.Conversations != nil {
		if n, err := h.deps.Conversations.ConversationCount(r.Context()); err == nil {
			resp.Conversations = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePairing renders the pending pairing artifact as a QR code.
func (h *HealthServer) handlePairing(w http.ResponseWriter, r *http.Request) {
	artifact, ok := h.deps.Session.PairingArtifact()
	if !ok {
		writeError(w, http.StatusNotFound, "no pairing in progress")
		return
	}

	format := session.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = session.FormatASCII
	}
	body, err := session.RenderQR(artifact, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch format {
	case session.FormatPNG:
		w.Header().Set("Content-Type", "image/png")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(body)
}

// handlePairCallback is where the homeserver's SSO redirect lands.
func (h *HealthServer) handlePairCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nonce, token := q.Get("nonce"), q.Get("loginToken")
	if nonce == "" || token == "" {
		writeError(w, http.StatusBadRequest, "nonce and loginToken are required")
		return
	}
	if err := h.deps.Pairing.CompletePairing(nonce, token); err != nil {
		h.logger.Warn("pairing callback rejected", "err", err)
		writeError(w, http.StatusBadRequest, "pairing link is no longer valid")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "Hibiki is paired. You can close this window.")
}

func (h *HealthServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Session.Connect(r.Context())
	writeJSON(w, http.StatusAccepted, sessionJSON(snap))
}

// handleReset drops the stored credentials and starts a fresh pairing.
func (h *HealthServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Session.Reset(r.Context()); err != nil {
		h.logger.Error("session reset failed", "err", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	snap := h.deps.Session.Connect(r.Context())
	writeJSON(w, http.StatusAccepted, sessionJSON(snap))
}

func (h *HealthServer) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	convs, err := h.deps.Conversations.ListConversations(r.Context(), limit)
	if err != nil {
		h.logger.Error("list conversations failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type sessionResponse struct {
	State             string    `json:"state"`
	Since             time.Time `json:"since"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	PairingPending    bool      `json:"pairing_pending"`
}

func sessionJSON(s session.Session) sessionResponse {
	return sessionResponse{
		State:             s.State.String(),
		Since:             s.Since,
		ReconnectAttempts: s.ReconnectAttempts,
		PairingPending:    s.PairingPending,
	}
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
