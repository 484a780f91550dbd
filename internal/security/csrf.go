// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// csrf.go implements anti-forgery tokens: 32 bytes of entropy rendered
// as 64 hex characters, held in an in-memory set keyed by token value,
// expiring after a configurable lifetime, with a background sweeper
// for abandoned tokens.
package security

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// CSRFTokenBytes is the entropy per token (64 hex chars on the wire).
	CSRFTokenBytes = 32

	// DefaultCSRFLifetime is the token validity window.
	DefaultCSRFLifetime = time.Hour

	// DefaultCSRFHeader is the request header carrying the token.
	DefaultCSRFHeader = "X-CSRF-Token"
)

// ErrTokenInvalid indicates a missing, mismatched, or expired CSRF
// token. The three cases are deliberately indistinguishable.
var ErrTokenInvalid = errors.New("csrf token invalid")

// =============================================================================
// DATA MODEL
// =============================================================================

// CSRFToken is one issued token. Every issued token stays valid until
// it expires or is explicitly cleared; issuing another token never
// invalidates earlier ones, so concurrently rendered forms do not
// break each other.
type CSRFToken struct {
	Value     string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is past its lifetime at now.
// A token is invalid at exactly its expiry instant.
func (t *CSRFToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// =============================================================================
// CSRF MANAGER
// =============================================================================

// CSRFManager issues and validates CSRF tokens bound to a session. All
// state is in memory; tokens do not survive restarts, which is the
// intended behavior for session-scoped credentials.
type CSRFManager struct {
	mu       sync.RWMutex
	tokens   map[string]*CSRFToken // token value -> token
	lifetime time.Duration
	header   string
	clock    Clock
}

// CSRFOption configures a CSRFManager.
type CSRFOption func(*CSRFManager)

// WithCSRFLifetime sets the token validity window.
func WithCSRFLifetime(d time.Duration) CSRFOption {
	return func(m *CSRFManager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithCSRFHeader sets the header name used by AddTokenToHeaders.
func WithCSRFHeader(name string) CSRFOption {
	return func(m *CSRFManager) {
		if name != "" {
			m.header = name
		}
	}
}

// WithCSRFClock sets the time source.
func WithCSRFClock(clock Clock) CSRFOption {
	return func(m *CSRFManager) { m.clock = clock }
}

// NewCSRFManager creates a CSRFManager with a 1 hour lifetime and the
// X-CSRF-Token header unless overridden.
func NewCSRFManager(opts ...CSRFOption) *CSRFManager {
	m := &CSRFManager{
		tokens:   make(map[string]*CSRFToken),
		lifetime: DefaultCSRFLifetime,
		header:   DefaultCSRFHeader,
		clock:    SystemClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateToken issues a fresh token for the session and adds it to
// the token set. Earlier tokens for the same session remain valid
// until they expire or are cleared.
func (m *CSRFManager) GenerateToken(sessionID string) (string, error) {
	value, err := RandomHex(CSRFTokenBytes)
	if err != nil {
		return "", err
	}

	now := m.clock.Now()
	token := &CSRFToken{
		Value:     value,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.lifetime),
	}

	m.mu.Lock()
	m.tokens[value] = token
	m.mu.Unlock()

	return value, nil
}

// ValidateToken checks a presented token for membership in the set and
// for session binding. Unknown, mismatched-session, and expired tokens
// all return false; expired tokens are evicted on the spot.
func (m *CSRFManager) ValidateToken(sessionID, presented string) bool {
	if presented == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[presented]
	if !ok {
		return false
	}
	if token.Expired(m.clock.Now()) {
		delete(m.tokens, presented)
		return false
	}
	return token.SessionID == sessionID
}

// TokenFor returns the session's newest live token, or nil when the
// session has none.
func (m *CSRFManager) TokenFor(sessionID string) *CSRFToken {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *CSRFToken
	for _, token := range m.tokens {
		if token.SessionID != sessionID || token.Expired(now) {
			continue
		}
		if newest == nil || token.IssuedAt.After(newest.IssuedAt) {
			newest = token
		}
	}
	if newest == nil {
		return nil
	}
	copied := *newest
	return &copied
}

// AddTokenToHeaders mints a fresh token for the session, sets it on
// the header map, and returns it. A new token is generated on every
// call; tokens are not meant to be reused across unrelated requests.
func (m *CSRFManager) AddTokenToHeaders(headers http.Header, sessionID string) (string, error) {
	value, err := m.GenerateToken(sessionID)
	if err != nil {
		return "", err
	}
	headers.Set(m.header, value)
	return value, nil
}

// HeaderName returns the configured token header.
func (m *CSRFManager) HeaderName() string {
	return m.header
}

// RemoveToken drops every token issued to the session, typically on
// logout.
func (m *CSRFManager) RemoveToken(sessionID string) {
	m.mu.Lock()
	for value, token := range m.tokens {
		if token.SessionID == sessionID {
			delete(m.tokens, value)
		}
	}
	m.mu.Unlock()
}

// ClearAllTokens drops every token, typically on mass logout.
func (m *CSRFManager) ClearAllTokens() {
	m.mu.Lock()
	m.tokens = make(map[string]*CSRFToken)
	m.mu.Unlock()
}

// CleanupExpiredTokens removes expired tokens and returns how many
// were dropped. Memory stays bounded even when the sweeper never runs,
// since validation also evicts expired tokens.
func (m *CSRFManager) CleanupExpiredTokens() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for value, token := range m.tokens {
		if token.Expired(now) {
			delete(m.tokens, value)
			removed++
		}
	}
	return removed
}

// ActiveTokenCount returns the number of unexpired tokens.
func (m *CSRFManager) ActiveTokenCount() int {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, token := range m.tokens {
		if !token.Expired(now) {
			count++
		}
	}
	return count
}

// StartSweeper cleans expired tokens on a fixed interval until ctx is
// cancelled.
func (m *CSRFManager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpiredTokens()
			}
		}
	}()
}
