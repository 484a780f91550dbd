// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kiroku/internal/storage"
)

func newTestKeyManager(t *testing.T, opts ...KeyManagerOption) *KeyManager {
	t.Helper()
	m := NewKeyManager(opts...)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := newTestKeyManager(t)

	cases := map[string]string{
		"empty":   "",
		"short":   "dear diary",
		"unicode": "今日はとても良い一日だった 🎉 café naïve",
		"large":   strings.Repeat("a very long reflection. ", 500), // ~12 KB
	}

	for name, plaintext := range cases {
		t.Run(name, func(t *testing.T) {
			payload, err := m.EncryptField(plaintext)
			require.NoError(t, err)
			require.Equal(t, AlgorithmAESGCM, payload.Algorithm)
			require.Equal(t, PayloadVersion, payload.Version)
			require.Len(t, payload.IV, NonceSize*2) // hex

			got, err := m.DecryptField(payload)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)
		})
	}
}

func TestEncryptNonceUniqueness(t *testing.T) {
	m := newTestKeyManager(t)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		payload, err := m.EncryptField("same plaintext every time")
		require.NoError(t, err)
		if _, dup := seen[payload.IV]; dup {
			t.Fatalf("nonce %s reused at iteration %d", payload.IV, i)
		}
		seen[payload.IV] = struct{}{}
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	m := newTestKeyManager(t)

	payload, err := m.EncryptField("untouchable")
	require.NoError(t, err)

	t.Run("ciphertext flipped", func(t *testing.T) {
		mangled := *payload
		b := []byte(mangled.Ciphertext)
		if b[0] == 'a' {
			b[0] = 'b'
		} else {
			b[0] = 'a'
		}
		mangled.Ciphertext = string(b)
		_, err := m.DecryptField(&mangled)
		require.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("iv flipped", func(t *testing.T) {
		mangled := *payload
		b := []byte(mangled.IV)
		if b[0] == 'a' {
			b[0] = 'b'
		} else {
			b[0] = 'a'
		}
		mangled.IV = string(b)
		_, err := m.DecryptField(&mangled)
		require.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("iv not hex", func(t *testing.T) {
		mangled := *payload
		mangled.IV = "zz" + mangled.IV[2:]
		_, err := m.DecryptField(&mangled)
		require.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		mangled := *payload
		mangled.Algorithm = "AES-CBC"
		_, err := m.DecryptField(&mangled)
		require.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("nil payload", func(t *testing.T) {
		_, err := m.DecryptField(nil)
		require.ErrorIs(t, err, ErrDecryptionFailed)
	})
}

func TestEncryptRequiresKey(t *testing.T) {
	m := NewKeyManager() // no Initialize

	_, err := m.EncryptField("nope")
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = m.ExportKey()
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	m1 := newTestKeyManager(t)

	payload, err := m1.EncryptField("carried across managers")
	require.NoError(t, err)

	material, err := m1.ExportKey()
	require.NoError(t, err)
	require.Equal(t, "oct", material.Kty)
	require.Equal(t, 256, material.KeyLengthBits)

	m2 := NewKeyManager()
	require.NoError(t, m2.ImportKey(ctx, material))

	got, err := m2.DecryptField(payload)
	require.NoError(t, err)
	require.Equal(t, "carried across managers", got)
}

func TestImportRejectsBadMaterial(t *testing.T) {
	ctx := context.Background()
	m := NewKeyManager()

	cases := map[string]*KeyMaterial{
		"nil":       nil,
		"wrong alg": {Kty: "oct", Alg: "RSA-OAEP", KeyLengthBits: 256, K: "AAAA"},
		"wrong len": {Kty: "oct", Alg: AlgorithmAESGCM, KeyLengthBits: 128, K: "AAAA"},
		"bad bytes": {Kty: "oct", Alg: AlgorithmAESGCM, KeyLengthBits: 256, K: "!!!not-base64!!!"},
	}
	for name, material := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, m.ImportKey(ctx, material), ErrInvalidKeyMaterial)
		})
	}
}

func TestKeyPersistsAcrossManagers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	m1 := newTestKeyManager(t, WithKeyStore(store))
	payload, err := m1.EncryptField("survives restart")
	require.NoError(t, err)

	m2 := NewKeyManager(WithKeyStore(store))
	require.NoError(t, m2.Initialize(ctx))

	got, err := m2.DecryptField(payload)
	require.NoError(t, err)
	require.Equal(t, "survives restart", got)
}

func TestPassphraseWrappedPersistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	m1 := newTestKeyManager(t, WithKeyStore(store), WithPassphrase("hunter2"))
	payload, err := m1.EncryptField("wrapped at rest")
	require.NoError(t, err)

	// Without the passphrase the stored envelope must not open.
	locked := NewKeyManager(WithKeyStore(store))
	require.ErrorIs(t, locked.Initialize(ctx), ErrInvalidKeyMaterial)

	m2 := NewKeyManager(WithKeyStore(store), WithPassphrase("hunter2"))
	require.NoError(t, m2.Initialize(ctx))
	got, err := m2.DecryptField(payload)
	require.NoError(t, err)
	require.Equal(t, "wrapped at rest", got)
}

func TestInitializeDegradedStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.FailNext()

	m := NewKeyManager(WithKeyStore(store))
	err := m.Initialize(ctx)
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)

	// Memory-only mode still encrypts.
	require.True(t, m.IsInitialized())
	payload, err := m.EncryptField("still works")
	require.NoError(t, err)
	got, err := m.DecryptField(payload)
	require.NoError(t, err)
	require.Equal(t, "still works", got)
}

func TestRotateIfDue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()

	m := NewKeyManager(
		WithKeyStore(store),
		WithKeyClock(clock),
		WithRotationInterval(90*24*time.Hour),
	)
	require.NoError(t, m.Initialize(ctx))

	before, err := m.ExportKey()
	require.NoError(t, err)
	oldPayload, err := m.EncryptField("written under the old key")
	require.NoError(t, err)

	// Under the threshold: nothing happens.
	clock.Advance(89 * 24 * time.Hour)
	rotated, err := m.RotateIfDue(ctx)
	require.NoError(t, err)
	require.False(t, rotated)

	// 91 days old: rotates.
	clock.Advance(2 * 24 * time.Hour)
	rotated, err = m.RotateIfDue(ctx)
	require.NoError(t, err)
	require.True(t, rotated)

	after, err := m.ExportKey()
	require.NoError(t, err)
	require.NotEqual(t, before.K, after.K)

	// Old payloads still decrypt; new payloads use the new key.
	got, err := m.DecryptField(oldPayload)
	require.NoError(t, err)
	require.Equal(t, "written under the old key", got)

	// Retired keys survive a restart too.
	m2 := NewKeyManager(WithKeyStore(store), WithKeyClock(clock))
	require.NoError(t, m2.Initialize(ctx))
	got, err = m2.DecryptField(oldPayload)
	require.NoError(t, err)
	require.Equal(t, "written under the old key", got)
}

func TestKeyAgeTracksRotation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	m := NewKeyManager(WithKeyClock(clock), WithRotationInterval(time.Hour))
	require.NoError(t, m.Initialize(ctx))
	require.Equal(t, time.Duration(0), m.KeyAge())

	clock.Advance(2 * time.Hour)
	require.Equal(t, 2*time.Hour, m.KeyAge())

	rotated, err := m.RotateIfDue(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, time.Duration(0), m.KeyAge())
}

func TestSensitiveFieldsBatch(t *testing.T) {
	m := newTestKeyManager(t)

	record := map[string]any{
		"id":      "entry-42",
		"title":   "a private title",
		"content": "the private body",
		"mood":    7,
		"note":    "",
	}

	encrypted, err := m.EncryptSensitiveFields(record)
	require.NoError(t, err)

	// Non-listed and empty fields pass through.
	require.Equal(t, "entry-42", encrypted["id"])
	require.Equal(t, 7, encrypted["mood"])
	require.Equal(t, "", encrypted["note"])

	// Listed string fields become payloads.
	_, isPayload := encrypted["title"].(*EncryptedPayload)
	require.True(t, isPayload, "title should be encrypted")
	_, isPayload = encrypted["content"].(*EncryptedPayload)
	require.True(t, isPayload, "content should be encrypted")

	decrypted, err := m.DecryptSensitiveFields(encrypted)
	require.NoError(t, err)
	require.Equal(t, "a private title", decrypted["title"])
	require.Equal(t, "the private body", decrypted["content"])
}

func TestDecryptSensitiveFieldsFromGenericMap(t *testing.T) {
	// After a JSON round trip payloads arrive as map[string]any.
	m := newTestKeyManager(t)

	payload, err := m.EncryptField("round-tripped")
	require.NoError(t, err)

	record := map[string]any{
		"title": map[string]any{
			"ciphertext":     payload.Ciphertext,
			"iv":             payload.IV,
			"algorithm":      payload.Algorithm,
			"created_at":     payload.CreatedAt.Format(time.RFC3339Nano),
			"format_version": payload.Version,
		},
	}

	decrypted, err := m.DecryptSensitiveFields(record)
	require.NoError(t, err)
	require.Equal(t, "round-tripped", decrypted["title"])
}

func TestDeleteKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	m := newTestKeyManager(t, WithKeyStore(store))
	require.NoError(t, m.DeleteKey(ctx))
	require.False(t, m.IsInitialized())

	_, err := store.Get(ctx, storage.NamespaceEncryptionKey, "master")
	require.True(t, errors.Is(err, storage.ErrNotFound))
}
