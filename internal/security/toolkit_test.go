// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kiroku/internal/config"
	"github.com/jeranaias/kiroku/internal/storage"
)

func newTestToolkit(t *testing.T, cfg *config.Config) *Toolkit {
	t.Helper()
	tk, err := NewToolkit(cfg, WithToolkitStore(storage.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { tk.Close() })
	return tk
}

func TestNewToolkitDefaults(t *testing.T) {
	tk := newTestToolkit(t, nil)

	require.NotNil(t, tk.Keys)
	require.NotNil(t, tk.CSRF)
	require.NotNil(t, tk.Lockout)
	require.NotNil(t, tk.Audit)
	require.NotNil(t, tk.MFA)
	require.Equal(t, "X-CSRF-Token", tk.CSRF.HeaderName())
}

func TestNewToolkitRejectsInvalidPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Security.Lockout.MaxAttempts = 0

	_, err := NewToolkit(cfg, WithToolkitStore(storage.NewMemoryStore()))
	require.ErrorIs(t, err, config.ErrInvalidPolicy)
}

func TestToolkitInstancesAreIndependent(t *testing.T) {
	ctx := context.Background()
	tk1 := newTestToolkit(t, nil)
	tk2 := newTestToolkit(t, nil)

	_, err := tk1.Lockout.LockAccount(ctx, "alice", 0)
	require.NoError(t, err)

	require.True(t, tk1.Lockout.IsLocked(ctx, "alice"))
	require.False(t, tk2.Lockout.IsLocked(ctx, "alice"), "instances must not share state")
}

func TestStartInitializesKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tk := newTestToolkit(t, nil)
	require.NoError(t, tk.Start(ctx))
	require.True(t, tk.Keys.IsInitialized())
}

func TestRecordLoginAuditTrail(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Security.Lockout.MaxAttempts = 3
	tk := newTestToolkit(t, cfg)

	// Failures leave MEDIUM entries; the lockout leaves a HIGH one.
	for i := 0; i < 2; i++ {
		_, err := tk.RecordLogin(ctx, "alice", false, "203.0.113.7", "test-agent")
		require.NoError(t, err)
	}
	status, err := tk.RecordLogin(ctx, "alice", false, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrAccountLocked)
	require.True(t, status.Locked)

	require.Len(t, tk.Audit.Search(AuditFilter{EventTypes: []string{EventAuthFailedLogin}}), 2)
	lockouts := tk.Audit.Search(AuditFilter{EventTypes: []string{EventSecurityLockout}})
	require.Len(t, lockouts, 1)
	require.Equal(t, "alice", lockouts[0].UserID)
	require.Equal(t, "1", lockouts[0].Details["level"])

	// A later successful login (after unlock) leaves a LOW entry.
	require.NoError(t, tk.Lockout.Unlock(ctx, "alice"))
	_, err = tk.RecordLogin(ctx, "alice", true, "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.Len(t, tk.Audit.Search(AuditFilter{EventTypes: []string{EventAuthLogin}}), 1)
}

func TestRotateKeyNowAudits(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	tk, err := NewToolkit(nil,
		WithToolkitStore(storage.NewMemoryStore()),
		WithToolkitClock(clock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { tk.Close() })
	require.NoError(t, tk.Keys.Initialize(ctx))

	rotated, err := tk.RotateKeyNow(ctx)
	require.NoError(t, err)
	require.False(t, rotated, "fresh key must not rotate")
	require.Empty(t, tk.Audit.Search(AuditFilter{EventTypes: []string{EventKeyRotation}}))

	clock.Advance(91 * 24 * time.Hour)
	rotated, err = tk.RotateKeyNow(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Len(t, tk.Audit.Search(AuditFilter{EventTypes: []string{EventKeyRotation}}), 1)
}

func TestSuspiciousFloodFeedsAudit(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Security.Lockout.MaxAttempts = 100
	tk := newTestToolkit(t, cfg)

	for i := 0; i < suspiciousAttemptCount; i++ {
		_, err := tk.RecordLogin(ctx, "alice", false, "203.0.113.7", "test-agent")
		require.NoError(t, err)
	}

	alerts := tk.Audit.Search(AuditFilter{EventTypes: []string{EventSecurityAlert}})
	require.NotEmpty(t, alerts, "attempt flood must reach the audit trail")
	require.Equal(t, "alice", alerts[0].UserID)
}
