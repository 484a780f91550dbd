// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kiroku/internal/storage"
)

func TestEnrollAndVerify(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewMFAManager(storage.NewMemoryStore(), WithMFAClock(clock), WithMFAIssuer("kiroku-test"))

	enrollment, err := m.Enroll(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.OTPAuthURL, "kiroku-test")
	require.Len(t, enrollment.BackupCodes, BackupCodeCount)
	require.True(t, m.IsEnrolled(ctx, "alice"))

	code, err := totp.GenerateCode(enrollment.Secret, clock.Now())
	require.NoError(t, err)
	require.NoError(t, m.VerifyCode(ctx, "alice", code))

	// A code from far outside the accepted skew fails.
	stale, err := totp.GenerateCode(enrollment.Secret, clock.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.ErrorIs(t, m.VerifyCode(ctx, "alice", stale), ErrMFACodeInvalid)
}

func TestVerifyWithoutEnrollment(t *testing.T) {
	ctx := context.Background()
	m := NewMFAManager(storage.NewMemoryStore())

	require.ErrorIs(t, m.VerifyCode(ctx, "ghost", "123456"), ErrMFANotEnrolled)
	require.False(t, m.IsEnrolled(ctx, "ghost"))
}

func TestBackupCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	m := NewMFAManager(storage.NewMemoryStore())

	enrollment, err := m.Enroll(ctx, "alice")
	require.NoError(t, err)

	code := enrollment.BackupCodes[0]
	require.NoError(t, m.ConsumeBackupCode(ctx, "alice", code))

	remaining, err := m.BackupCodesRemaining(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, BackupCodeCount-1, remaining)

	// Burned codes never verify again.
	require.ErrorIs(t, m.ConsumeBackupCode(ctx, "alice", code), ErrMFACodeInvalid)

	// Codes are matched case-insensitively with surrounding whitespace
	// tolerated, since users retype them from paper.
	require.NoError(t, m.ConsumeBackupCode(ctx, "alice", "  "+strings.ToUpper(enrollment.BackupCodes[1])+" "))
}

func TestUnenroll(t *testing.T) {
	ctx := context.Background()
	m := NewMFAManager(storage.NewMemoryStore())

	_, err := m.Enroll(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.Unenroll(ctx, "alice"))
	require.False(t, m.IsEnrolled(ctx, "alice"))

	// Unenrolling an unknown user is a no-op.
	require.NoError(t, m.Unenroll(ctx, "ghost"))
}
