package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/store"
)

// PauseControl is the slice of guard.Guard the admin API drives.
type PauseControl interface {
	Pause(ctx context.Context, scope guard.Scope, d time.Duration) (guard.PauseRecord, error)
	Resume(ctx context.Context, scope guard.Scope) (bool, error)
}

// MemoryControl clears a conversation's memory.
type MemoryControl interface {
	Clear(ctx context.Context, conversationID string) error
}

// SubscriberStore persists operator plan and locale assignments.
type SubscriberStore interface {
	SetSubscriber(ctx context.Context, sub store.Subscriber) error
	DeleteSubscriber(ctx context.Context, id string) error
}

// PlanLookup validates plan names. *profile.Profile implements it.
type PlanLookup interface {
	Plan(name string) (guard.Plan, bool)
}

// AdminAPI serves the operator routes under /admin.
type AdminAPI struct {
	pauses      PauseControl
	memory      MemoryControl
	subscribers SubscriberStore
	plans       PlanLookup
	logger      *slog.Logger
}

// NewAdminAPI creates an AdminAPI.
func NewAdminAPI(pauses PauseControl, mem MemoryControl, subs SubscriberStore, plans PlanLookup, logger *slog.Logger) *AdminAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAPI{
		pauses:      pauses,
		memory:      mem,
		subscribers: subs,
		plans:       plans,
		logger:      logger,
	}
}

// requireAdmin rejects requests without the configured bearer token. With
// no token configured every request passes.
func (h *HealthServer) requireAdmin(next http.Handler) http.Handler {
	want := h.deps.AdminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// pauseRequest is the body of POST /admin/pause and /admin/resume. An
// empty conversation id means the whole bot.
type pauseRequest struct {
	ConversationID string `json:"conversation_id"`
	Seconds        int    `json:"seconds"`
}

type pauseResponse struct {
	Scope    string     `json:"scope"`
	Paused   bool       `json:"paused"`
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

func (a *AdminAPI) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Seconds < 0 {
		writeError(w, http.StatusBadRequest, "seconds must not be negative")
		return
	}

	scope := scopeOf(req.ConversationID)
	rec, err := a.pauses.Pause(r.Context(), scope, time.Duration(req.Seconds)*time.Second)
	if err != nil {
		a.logger.Error("admin: pause failed", "scope", scope.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "pause failed")
		return
	}
	a.logger.Info("admin: paused", "scope", scope.String(), "seconds", req.Seconds)

	resp := pauseResponse{Scope: scope.String(), Paused: true}
	if !rec.Indefinite() {
		resp.ResumeAt = &rec.ResumeAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleResume(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	scope := scopeOf(req.ConversationID)
	was, err := a.pauses.Resume(r.Context(), scope)
	if err != nil {
		a.logger.Error("admin: resume failed", "scope", scope.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	a.logger.Info("admin: resumed", "scope", scope.String(), "was_paused", was)
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope.String(), "was_paused": was})
}

type clearRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (a *AdminAPI) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if err := a.memory.Clear(r.Context(), req.ConversationID); err != nil {
		a.logger.Error("admin: clear memory failed", "conversation_id", req.ConversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	a.logger.Info("admin: memory cleared", "conversation_id", req.ConversationID)
	w.WriteHeader(http.StatusNoContent)
}

type subscriberRequest struct {
	Plan   string `json:"plan"`
	Locale string `json:"locale"`
}

func (a *AdminAPI) handleSetSubscriber(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req subscriberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Plan != "" {
		if _, ok := a.plans.Plan(req.Plan); !ok {
			writeError(w, http.StatusBadRequest, "unknown plan "+req.Plan)
			return
		}
	}

	sub := store.Subscriber{ID: id, Plan: req.Plan, Locale: req.Locale}
	if err := a.subscribers.SetSubscriber(r.Context(), sub); err != nil {
		a.logger.Error("admin: set subscriber failed", "subscriber_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	a.logger.Info("admin: subscriber updated", "subscriber_id", id, "plan", req.Plan, "locale", req.Locale)
	writeJSON(w, http.StatusOK, sub)
}

func (a *AdminAPI) handleDeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.subscribers.DeleteSubscriber(r.Context(), id); err != nil {
		a.logger.Error("admin: delete subscriber failed", "subscriber_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	a.logger.Info("admin: subscriber removed", "subscriber_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func scopeOf(conversationID string) guard.Scope {
	if conversationID == "" {
		return guard.Global
	}
	return guard.Conversation(conversationID)
}

// decodeBody parses a JSON body into v. An empty body leaves v zero.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
