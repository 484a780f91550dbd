// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// mfa.go implements TOTP two-factor enrollment and verification, plus
// single-use backup codes for device loss. Secrets are persisted via
// the encryption-key-store namespace so they ride the same storage
// degradation rules as key material.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jeranaias/kiroku/internal/storage"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

const (
	// BackupCodeCount is how many single-use codes an enrollment gets.
	BackupCodeCount = 10

	// backupCodeBytes is the entropy per code (16 hex chars).
	backupCodeBytes = 8

	mfaStorageKeyPrefix = "mfa:"
)

var (
	// ErrMFANotEnrolled indicates no TOTP enrollment exists for the user.
	ErrMFANotEnrolled = errors.New("two-factor not enrolled")

	// ErrMFACodeInvalid indicates a TOTP or backup code that did not
	// verify.
	ErrMFACodeInvalid = errors.New("two-factor code invalid")
)

// =============================================================================
// DATA MODEL
// =============================================================================

// mfaRecord is the persisted per-user enrollment. Backup codes are
// stored as SHA-256 digests only.
type mfaRecord struct {
	Secret           string    `json:"secret"`
	BackupCodeHashes []string  `json:"backup_code_hashes"`
	EnrolledAt       time.Time `json:"enrolled_at"`
}

// Enrollment is the result of starting TOTP setup. BackupCodes are
// shown exactly once; only their hashes persist.
type Enrollment struct {
	Secret      string
	OTPAuthURL  string
	BackupCodes []string
}

// =============================================================================
// MFA MANAGER
// =============================================================================

// MFAManager handles TOTP enrollment and verification.
type MFAManager struct {
	store  storage.Store
	clock  Clock
	issuer string
}

// MFAOption configures an MFAManager.
type MFAOption func(*MFAManager)

// WithMFAClock sets the time source.
func WithMFAClock(clock Clock) MFAOption {
	return func(m *MFAManager) { m.clock = clock }
}

// WithMFAIssuer sets the issuer shown in authenticator apps.
func WithMFAIssuer(issuer string) MFAOption {
	return func(m *MFAManager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

// NewMFAManager creates an MFAManager backed by the given store.
func NewMFAManager(store storage.Store, opts ...MFAOption) *MFAManager {
	m := &MFAManager{
		store:  store,
		clock:  SystemClock(),
		issuer: "kiroku",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enroll generates a TOTP secret and backup codes for the user and
// persists the enrollment. Re-enrolling replaces any previous secret.
func (m *MFAManager) Enroll(ctx context.Context, userID string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: userID,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: totp generation: %v", ErrCryptoUnavailable, err)
	}

	codes := make([]string, 0, BackupCodeCount)
	hashes := make([]string, 0, BackupCodeCount)
	for i := 0; i < BackupCodeCount; i++ {
		code, err := RandomHex(backupCodeBytes)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}

	record := mfaRecord{
		Secret:           key.Secret(),
		BackupCodeHashes: hashes,
		EnrolledAt:       m.clock.Now(),
	}
	if err := m.save(ctx, userID, &record); err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		BackupCodes: codes,
	}, nil
}

// VerifyCode checks a 6-digit TOTP code against the user's enrollment
// at the current time.
func (m *MFAManager) VerifyCode(ctx context.Context, userID, code string) error {
	record, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), record.Secret, m.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrMFACodeInvalid
	}
	return nil
}

// ConsumeBackupCode verifies and burns a single-use backup code.
func (m *MFAManager) ConsumeBackupCode(ctx context.Context, userID, code string) error {
	record, err := m.load(ctx, userID)
	if err != nil {
		return err
	}

	target := hashBackupCode(strings.TrimSpace(strings.ToLower(code)))
	for i, h := range record.BackupCodeHashes {
		if h == target {
			record.BackupCodeHashes = append(record.BackupCodeHashes[:i], record.BackupCodeHashes[i+1:]...)
			return m.save(ctx, userID, record)
		}
	}
	return ErrMFACodeInvalid
}

// BackupCodesRemaining reports unburned backup codes for the user.
func (m *MFAManager) BackupCodesRemaining(ctx context.Context, userID string) (int, error) {
	record, err := m.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(record.BackupCodeHashes), nil
}

// IsEnrolled reports whether the user has a TOTP enrollment.
func (m *MFAManager) IsEnrolled(ctx context.Context, userID string) bool {
	_, err := m.load(ctx, userID)
	return err == nil
}

// Unenroll removes the user's enrollment and backup codes.
func (m *MFAManager) Unenroll(ctx context.Context, userID string) error {
	if m.store == nil {
		return nil
	}
	err := m.store.Remove(ctx, storage.NamespaceEncryptionKey, mfaStorageKeyPrefix+userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (m *MFAManager) load(ctx context.Context, userID string) (*mfaRecord, error) {
	if m.store == nil {
		return nil, ErrMFANotEnrolled
	}
	raw, err := m.store.Get(ctx, storage.NamespaceEncryptionKey, mfaStorageKeyPrefix+userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrMFANotEnrolled
		}
		return nil, err
	}
	var record mfaRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("corrupted enrollment for %q: %w", userID, err)
	}
	return &record, nil
}

func (m *MFAManager) save(ctx context.Context, userID string, record *mfaRecord) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment: %w", err)
	}
	return m.store.Set(ctx, storage.NamespaceEncryptionKey, mfaStorageKeyPrefix+userID, string(data))
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
