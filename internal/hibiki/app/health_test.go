package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Hibiki/internal/hibiki/app"
	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
	"github.com/bdobrica/Hibiki/internal/hibiki/store"
)

type fakeSession struct {
	snap     session.Session
	artifact string
	connects int
	resets   int
}

func (f *fakeSession) Snapshot() session.Session { return f.snap }

func (f *fakeSession) PairingArtifact() (string, bool) { return f.artifact, f.artifact != "" }

func (f *fakeSession) Connect(context.Context) session.Session {
	f.connects++
	f.snap.State = session.Connecting
	return f.snap
}

func (f *fakeSession) Reset(context.Context) error {
	f.resets++
	return nil
}

type fakeConversations struct{ convs []*store.Conversation }

func (f *fakeConversations) ListConversations(_ context.Context, limit int) ([]*store.Conversation, error) {
	if limit < len(f.convs) {
		return f.convs[:limit], nil
	}
	return f.convs, nil
}

func (f *fakeConversations) ConversationCount(context.Context) (int, error) { return len(f.convs), nil }

type fakePairing struct{ nonce, token string }

func (f *fakePairing) CompletePairing(nonce, token string) error {
	if nonce != "n1" {
		return errors.New("unknown nonce")
	}
	f.nonce, f.token = nonce, token
	return nil
}

type fakePauses struct {
	paused map[string]time.Duration
}

func (f *fakePauses) Pause(_ context.Context, scope guard.Scope, d time.Duration) (guard.PauseRecord, error) {
	f.paused[scope.String()] = d
	rec := guard.PauseRecord{Scope: scope.String(), PausedAt: time.Unix(0, 0)}
	if d > 0 {
		rec.ResumeAt = rec.PausedAt.Add(d)
	}
	return rec, nil
}

func (f *fakePauses) Resume(_ context.Context, scope guard.Scope) (bool, error) {
	_, ok := f.paused[scope.String()]
	delete(f.paused, scope.String())
	return ok, nil
}

type fakeMemory struct{ cleared []string }

func (f *fakeMemory) Clear(_ context.Context, id string) error {
	f.cleared = append(f.cleared, id)
	return nil
}

type fakeSubscribers struct {
	subs map[string]store.Subscriber
}

func (f *fakeSubscribers) SetSubscriber(_ context.Context, sub store.Subscriber) error {
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeSubscribers) DeleteSubscriber(_ context.Context, id string) error {
	delete(f.subs, id)
	return nil
}

type fakePlans struct{}

func (fakePlans) Plan(name string) (guard.Plan, bool) {
	return guard.Plan{Name: name}, name == "free" || name == "plus"
}

type server struct {
	h        *app.HealthServer
	session  *fakeSession
	pairing  *fakePairing
	pauses   *fakePauses
	memory   *fakeMemory
	subs     *fakeSubscribers
	adminKey string
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{
		session:  &fakeSession{snap: session.Session{State: session.Open, ReconnectAttempts: 0}},
		pairing:  &fakePairing{},
		pauses:   &fakePauses{paused: map[string]time.Duration{}},
		memory:   &fakeMemory{},
		subs:     &fakeSubscribers{subs: map[string]store.Subscriber{}},
		adminKey: "s3cret-admin-token",
	}
	s.h = app.NewHealthServer("127.0.0.1:0", app.ServerDeps{
		Session: s.session,
		Conversations: &fakeConversations{convs: []*store.Conversation{
			{ID: "!a:hs.test", LastPreview: "hi", MessageCount: 3},
			{ID: "!b:hs.test", LastPreview: "[audio]", MessageCount: 1},
		}},
		Pairing:     s.pairing,
		Admin:       app.NewAdminAPI(s.pauses, s.memory, s.subs, fakePlans{}, nil),
		AdminToken:  s.adminKey,
		ProfileHash: "abc123",
	}, nil)
	return s
}

func (s *server) do(method, target, body string, admin bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+s.adminKey)
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHealthServer_Health(t *testing.T) {
	s := newServer(t)
	w := s.do(http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestHealthServer_Status(t *testing.T) {
	s := newServer(t)
	s.session.snap.ReconnectAttempts = 2
	s.session.snap.LastError = errors.New("sync: connection reset")

	w := s.do(http.MethodGet, "/status", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "open", resp["session"])
	assert.EqualValues(t, 2, resp["reconnect_attempts"])
	assert.Equal(t, "sync: connection reset", resp["last_error"])
	assert.Equal(t, "abc123", resp["profile_hash"])
	assert.EqualValues(t, 2, resp["conversation_count"])
}

func TestPairing(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/pairing", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.session.artifact = "https://hs.test/_matrix/client/v3/login/sso/redirect"
	w = s.do(http.MethodGet, "/pairing", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.NotEmpty(t, w.Body.String())

	w = s.do(http.MethodGet, "/pairing?format=png", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "\x89PNG"))

	w = s.do(http.MethodGet, "/pairing?format=bmp", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPairingRequiresToken(t *testing.T) {
	s := newServer(t)
	s.session.artifact = "https://hs.test/_matrix/client/v3/login/sso/redirect?nonce=n1"

	for _, format := range []string{"raw", "ascii", "png"} {
		w := s.do(http.MethodGet, "/pairing?format="+format, "", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, format)
		assert.NotContains(t, w.Body.String(), "nonce=n1", format)
	}
}

func TestPairCallback(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/pair/callback?nonce=n1", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/pair/callback?nonce=other&loginToken=tok", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/pair/callback?nonce=n1&loginToken=tok", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok", s.pairing.token)
}

func TestAdminRequiresToken(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/admin/pause", `{}`, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, s.pauses.paused)

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionRoutes(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/session/connect", "", true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "connecting", decode(t, w)["state"])
	assert.Equal(t, 1, s.session.connects)

	w = s.do(http.MethodPost, "/session/reset", "", true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, s.session.resets)
	assert.Equal(t, 2, s.session.connects)
}

func TestConversations(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/conversations?limit=1", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var convs []store.Conversation
	require.NoError(t, json.NewDecoder(w.Body).Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "!a:hs.test", convs[0].ID)

	w = s.do(http.MethodGet, "/conversations?limit=zero", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminPauseAndResume(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/admin/pause", `{"conversation_id":"!a:hs.test","seconds":60}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "conv:!a:hs.test", resp["scope"])
	assert.NotEmpty(t, resp["resume_at"])
	assert.Equal(t, time.Minute, s.pauses.paused["conv:!a:hs.test"])

	w = s.do(http.MethodPost, "/admin/pause", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Equal(t, "global", resp["scope"])
	assert.Nil(t, resp["resume_at"], "indefinite")

	w = s.do(http.MethodPost, "/admin/resume", `{}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["was_paused"])

	w = s.do(http.MethodPost, "/admin/pause", `{"seconds":-1}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/admin/pause", `{"minutes":5}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown fields are rejected")
}

func TestAdminClearMemory(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/admin/memory/clear", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/admin/memory/clear", `{"conversation_id":"!a:hs.test"}`, true)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"!a:hs.test"}, s.memory.cleared)
}

func TestAdminSubscribers(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPut, "/admin/subscribers/!a:hs.test", `{"plan":"plus","locale":"es"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.Subscriber{ID: "!a:hs.test", Plan: "plus", Locale: "es"}, s.subs.subs["!a:hs.test"])

	w = s.do(http.MethodPut, "/admin/subscribers/!a:hs.test", `{"plan":"platinum"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodDelete, "/admin/subscribers/!a:hs.test", "", true)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, s.subs.subs)
}

func TestAdminWithoutTokenIsOpen(t *testing.T) {
	h := app.NewHealthServer("127.0.0.1:0", app.ServerDeps{
		Admin: app.NewAdminAPI(&fakePauses{paused: map[string]time.Duration{}}, &fakeMemory{}, &fakeSubscribers{subs: map[string]store.Subscriber{}}, fakePlans{}, nil),
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/resume", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/pairing", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "session routes are not mounted without a session")
}
