// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// middleware.go - request middleware: CSRF enforcement, security
// headers, request logging, and panic recovery.
package server

import (
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/jeranaias/kiroku/internal/security"
)

// middleware wraps a handler.
type middleware func(http.Handler) http.Handler

// chain applies middlewares outermost-first.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// requireCSRF gates a mutating handler on a valid session token. A
// missing or invalid token is a security violation worth auditing,
// not just a 403.
func (s *Server) requireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(sessionHeader)
		token := r.Header.Get(s.tk.CSRF.HeaderName())

		if sessionID == "" || !s.tk.CSRF.ValidateToken(sessionID, token) {
			s.tk.Audit.LogWithSession(r.Context(), security.EventSecurityViolation, "", sessionID,
				map[string]string{
					"reason": "csrf validation failed",
					"path":   r.URL.Path,
				})
			writeError(w, http.StatusForbidden, "csrf token missing or invalid")
			return
		}
		next(w, r)
	}
}

// securityHeadersMiddleware sets conservative response headers.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs one line per request with timing.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fmt.Fprintf(os.Stderr, "[SERVER] %s %s %d %s\n",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}

// recoverMiddleware converts handler panics into 500s and records
// them in the audit trail.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				fmt.Fprintf(os.Stderr, "[SERVER] panic on %s %s: %v\n%s",
					r.Method, r.URL.Path, rec, debug.Stack())
				s.tk.Audit.Log(r.Context(), security.EventSystemError, "", map[string]string{
					"component": "server",
					"path":      r.URL.Path,
				})
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
