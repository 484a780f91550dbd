// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kiroku/internal/config"
	"github.com/jeranaias/kiroku/internal/security"
	"github.com/jeranaias/kiroku/internal/storage"
)

// newTestServer builds a Server over an in-memory toolkit and returns
// both, without binding a listener.
func newTestServer(t *testing.T) (*Server, *security.Toolkit) {
	t.Helper()
	cfg := config.Default()
	cfg.Security.Lockout.MaxAttempts = 3
	tk, err := security.NewToolkit(cfg, security.WithToolkitStore(storage.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { tk.Close() })
	return New(tk, 0), tk
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestCSRFTokenIssuance(t *testing.T) {
	srv, tk := newTestServer(t)

	r := httptest.NewRequest("GET", "/csrf/token", nil)
	r.Header.Set(sessionHeader, "sess-1")
	w := httptest.NewRecorder()
	srv.handleCSRFToken(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body["token"], 64)
	require.Equal(t, body["token"], w.Header().Get(tk.CSRF.HeaderName()))
	require.True(t, tk.CSRF.ValidateToken("sess-1", body["token"]))

	// A second request gets its own token and the first stays usable,
	// so two open tabs do not race each other.
	r2 := httptest.NewRequest("GET", "/csrf/token", nil)
	r2.Header.Set(sessionHeader, "sess-1")
	w2 := httptest.NewRecorder()
	srv.handleCSRFToken(w2, r2)

	var body2 map[string]string
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &body2))
	require.NotEqual(t, body["token"], body2["token"])
	require.True(t, tk.CSRF.ValidateToken("sess-1", body["token"]))
	require.True(t, tk.CSRF.ValidateToken("sess-1", body2["token"]))
}

func TestCSRFTokenRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleCSRFToken(w, httptest.NewRequest("GET", "/csrf/token", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireCSRFRejectsAndAudits(t *testing.T) {
	srv, tk := newTestServer(t)

	handler := srv.requireCSRF(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a valid token")
	})

	r := httptest.NewRequest("POST", "/auth/attempt", strings.NewReader("{}"))
	r.Header.Set(sessionHeader, "sess-1")
	r.Header.Set(tk.CSRF.HeaderName(), "bogus")
	w := httptest.NewRecorder()
	handler(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	violations := tk.Audit.Search(security.AuditFilter{EventTypes: []string{security.EventSecurityViolation}})
	require.Len(t, violations, 1)
	require.Equal(t, "sess-1", violations[0].SessionID)
}

func TestAuthAttemptFlow(t *testing.T) {
	srv, tk := newTestServer(t)

	token, err := tk.CSRF.GenerateToken("sess-1")
	require.NoError(t, err)

	post := func(body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "/auth/attempt", strings.NewReader(body))
		r.Header.Set(sessionHeader, "sess-1")
		r.Header.Set(tk.CSRF.HeaderName(), token)
		w := httptest.NewRecorder()
		srv.requireCSRF(srv.handleAuthAttempt)(w, r)
		return w
	}

	// Two failures pass through with attempt accounting.
	for i := 0; i < 2; i++ {
		w := post(`{"identity":"alice","success":false,"client_ip":"203.0.113.7","user_agent":"journal-web"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// The third trips the lockout: 423.
	w := post(`{"identity":"alice","success":false,"client_ip":"203.0.113.7","user_agent":"journal-web"}`)
	require.Equal(t, http.StatusLocked, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, true, body["locked"])

	// And the trail shows the whole story, client address included.
	lockouts := tk.Audit.Search(security.AuditFilter{EventTypes: []string{security.EventSecurityLockout}})
	require.NotEmpty(t, lockouts)
	require.Equal(t, "203.0.113.7", lockouts[0].Details["ip"])
}

func TestAuthAttemptValidation(t *testing.T) {
	srv, tk := newTestServer(t)
	token, err := tk.CSRF.GenerateToken("sess-1")
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/auth/attempt", strings.NewReader(`{"success":false}`))
	r.Header.Set(sessionHeader, "sess-1")
	r.Header.Set(tk.CSRF.HeaderName(), token)
	w := httptest.NewRecorder()
	srv.requireCSRF(srv.handleAuthAttempt)(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleAuthStatus(w, httptest.NewRequest("GET", "/auth/status?identity=alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, false, body["locked"])
	require.Equal(t, float64(3), body["attempts_left"])
}

func TestAuditEndpoints(t *testing.T) {
	srv, tk := newTestServer(t)
	tk.Audit.Log(httptest.NewRequest("GET", "/", nil).Context(), security.EventAuthLogin, "alice", nil)

	w := httptest.NewRecorder()
	srv.handleAuditRecent(w, httptest.NewRequest("GET", "/audit/recent?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var entries []security.AuditLogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	w = httptest.NewRecorder()
	srv.handleAuditRecent(w, httptest.NewRequest("GET", "/audit/recent?limit=zero", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.handleAuditStats(w, httptest.NewRequest("GET", "/audit/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.handleAuditStats(w, httptest.NewRequest("GET", "/audit/stats?window=-1", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSecurityHeadersAndRecovery(t *testing.T) {
	srv, tk := newTestServer(t)

	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := chain(panicky, srv.recoverMiddleware, srv.securityHeadersMiddleware)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	require.NotEmpty(t, tk.Audit.Search(security.AuditFilter{EventTypes: []string{security.EventSystemError}}))
}
