// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var hexToken = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestGenerateTokenFormat(t *testing.T) {
	m := NewCSRFManager()

	token, err := m.GenerateToken("session-1")
	require.NoError(t, err)
	require.Regexp(t, hexToken, token)
}

func TestTokenUniqueness(t *testing.T) {
	m := NewCSRFManager()

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		token, err := m.GenerateToken("session-1")
		require.NoError(t, err)
		if _, dup := seen[token]; dup {
			t.Fatalf("token collision at iteration %d", i)
		}
		seen[token] = struct{}{}
	}
}

func TestValidateToken(t *testing.T) {
	m := NewCSRFManager()

	token, err := m.GenerateToken("session-1")
	require.NoError(t, err)

	require.True(t, m.ValidateToken("session-1", token))
	require.False(t, m.ValidateToken("session-1", ""))
	require.False(t, m.ValidateToken("session-1", "deadbeef"))
	require.False(t, m.ValidateToken("session-2", token), "token must be bound to its session")
}

func TestIssuedTokensStayValidTogether(t *testing.T) {
	m := NewCSRFManager()

	first, err := m.GenerateToken("session-1")
	require.NoError(t, err)
	second, err := m.GenerateToken("session-1")
	require.NoError(t, err)

	require.True(t, m.ValidateToken("session-1", first),
		"an earlier token stays valid until expiry even after another is issued")
	require.True(t, m.ValidateToken("session-1", second))
	require.Equal(t, 2, m.ActiveTokenCount())

	// Two forms rendered in one session each carry their own token;
	// submitting either must succeed.
	require.True(t, m.ValidateToken("session-1", first))
	require.True(t, m.ValidateToken("session-1", second))
}

func TestTokenExpiryBoundary(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewCSRFManager(WithCSRFClock(clock), WithCSRFLifetime(time.Hour))

	token, err := m.GenerateToken("session-1")
	require.NoError(t, err)

	// One millisecond before expiry: still valid.
	clock.Advance(time.Hour - time.Millisecond)
	require.True(t, m.ValidateToken("session-1", token))

	// At exactly the expiry instant: invalid.
	clock.Advance(time.Millisecond)
	require.False(t, m.ValidateToken("session-1", token))

	// The expired token was dropped on validation.
	require.Nil(t, m.TokenFor("session-1"))
}

func TestAddTokenToHeaders(t *testing.T) {
	m := NewCSRFManager(WithCSRFHeader("X-Journal-CSRF"))
	headers := make(http.Header)

	token, err := m.AddTokenToHeaders(headers, "session-1")
	require.NoError(t, err)
	require.Equal(t, token, headers.Get("X-Journal-CSRF"))

	// Every call mints a fresh token; the earlier one stays valid.
	again, err := m.AddTokenToHeaders(headers, "session-1")
	require.NoError(t, err)
	require.NotEqual(t, token, again)
	require.Equal(t, again, headers.Get("X-Journal-CSRF"))
	require.True(t, m.ValidateToken("session-1", token))
	require.True(t, m.ValidateToken("session-1", again))
}

func TestCleanupExpiredTokens(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewCSRFManager(WithCSRFClock(clock), WithCSRFLifetime(10*time.Minute))

	_, err := m.GenerateToken("stale-1")
	require.NoError(t, err)
	_, err = m.GenerateToken("stale-2")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	fresh, err := m.GenerateToken("fresh")
	require.NoError(t, err)

	removed := m.CleanupExpiredTokens()
	require.Equal(t, 2, removed)
	require.Equal(t, 1, m.ActiveTokenCount())
	require.True(t, m.ValidateToken("fresh", fresh))
}

func TestClearAllTokens(t *testing.T) {
	m := NewCSRFManager()

	token, err := m.GenerateToken("session-1")
	require.NoError(t, err)

	m.ClearAllTokens()
	require.False(t, m.ValidateToken("session-1", token))
	require.Equal(t, 0, m.ActiveTokenCount())
}

func TestRemoveToken(t *testing.T) {
	m := NewCSRFManager()

	token, err := m.GenerateToken("session-1")
	require.NoError(t, err)
	keep, err := m.GenerateToken("session-2")
	require.NoError(t, err)

	m.RemoveToken("session-1")
	require.False(t, m.ValidateToken("session-1", token))
	require.True(t, m.ValidateToken("session-2", keep))
}
