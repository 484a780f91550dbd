// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the security engine to the journal frontend
// over localhost HTTP.
//
// Endpoints:
//   - GET  /health              - Health check
//   - GET  /csrf/token          - Issue the session's CSRF token
//   - POST /auth/attempt        - Record a login attempt (lockout aware)
//   - GET  /auth/status         - Lockout state for an identity
//   - GET  /audit/recent        - Recent audit entries
//   - GET  /audit/stats         - Audit statistics
//
// Mutating endpoints require a valid CSRF token; every request passes
// through the security-header, logging, and recovery middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jeranaias/kiroku/internal/security"
)

// DefaultPort is the default listen port.
const DefaultPort = 8736

// sessionHeader carries the frontend's session identifier.
const sessionHeader = "X-Session-ID"

// Server serves the security engine API on localhost only.
type Server struct {
	tk      *security.Toolkit
	port    int
	httpSrv *http.Server
}

// New creates a Server over the given toolkit.
func New(tk *security.Toolkit, port int) *Server {
	if port <= 0 {
		port = DefaultPort
	}
	return &Server{tk: tk, port: port}
}

// Start begins serving and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /csrf/token", s.handleCSRFToken)
	mux.HandleFunc("POST /auth/attempt", s.requireCSRF(s.handleAuthAttempt))
	mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	mux.HandleFunc("GET /audit/recent", s.handleAuditRecent)
	mux.HandleFunc("GET /audit/stats", s.handleAuditStats)

	handler := chain(mux,
		s.recoverMiddleware,
		s.securityHeadersMiddleware,
		s.loggingMiddleware,
	)

	s.httpSrv = &http.Server{
		// Localhost only: this API carries security state and has no
		// place on an external interface.
		Addr:         net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port)),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"encryption":    s.tk.Keys.IsInitialized(),
		"audit_entries": s.tk.Audit.Len(),
	})
}

// handleCSRFToken issues (or re-serves) the session's token. The
// token travels in the configured response header and the body.
func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing "+sessionHeader+" header")
		return
	}
	token, err := s.tk.CSRF.AddTokenToHeaders(w.Header(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":  token,
		"header": s.tk.CSRF.HeaderName(),
	})
}

type authAttemptRequest struct {
	Identity  string `json:"identity"`
	Success   bool   `json:"success"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
}

// handleAuthAttempt records one login attempt. Responds 423 (Locked)
// when the identity is locked out.
func (s *Server) handleAuthAttempt(w http.ResponseWriter, r *http.Request) {
	var req authAttemptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	// The frontend reports the end client when it knows it; fall back
	// to the connection peer.
	if req.ClientIP == "" {
		req.ClientIP = r.RemoteAddr
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	status, err := s.tk.RecordLogin(r.Context(), req.Identity, req.Success, req.ClientIP, req.UserAgent)
	if err != nil && !errors.Is(err, security.ErrAccountLocked) {
		writeError(w, http.StatusInternalServerError, "attempt recording failed")
		return
	}

	code := http.StatusOK
	if status.Locked {
		code = http.StatusLocked
	}
	writeJSON(w, code, statusPayload(status))
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity query parameter is required")
		return
	}
	status, err := s.tk.Lockout.CheckLockoutStatus(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lockout lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, statusPayload(status))
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	filter := security.AuditFilter{
		UserID: r.URL.Query().Get("user"),
		Limit:  limit,
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filter.EventTypes = []string{t}
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		filter.Severities = []string{sev}
	}
	writeJSON(w, http.StatusOK, s.tk.Audit.Search(filter))
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	window := 0
	if raw := r.URL.Query().Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "window must be a positive number of hours")
			return
		}
		window = n
	}
	writeJSON(w, http.StatusOK, s.tk.Audit.GetLogStatistics(window))
}

// =============================================================================
// RESPONSES
// =============================================================================

func statusPayload(status *security.LockoutStatus) map[string]any {
	payload := map[string]any{
		"locked":          status.Locked,
		"failed_attempts": status.FailedAttempts,
		"attempts_left":   status.AttemptsLeft,
		"lockout_level":   status.LockoutLevel,
	}
	if status.Locked {
		payload["locked_until"] = status.LockedUntil.Format(time.RFC3339)
		payload["remaining_seconds"] = int(status.Remaining.Seconds())
	}
	return payload
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "[SERVER] response encode failed: %v\n", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
