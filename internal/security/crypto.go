// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// crypto.go implements field-level encryption for sensitive journal
// data: AES-256-GCM with a rotating master key, JWK-style export for
// cross-session persistence, and batch helpers over an allow-list of
// record fields.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/kiroku/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// AlgorithmAESGCM identifies the only supported payload algorithm.
	AlgorithmAESGCM = "AES-256-GCM"

	// KeySize is the AES-256 key size (32 bytes / 256 bits).
	KeySize = 32

	// NonceSize is the AES-GCM nonce size (12 bytes / 96 bits).
	NonceSize = 12

	// PayloadVersion is the EncryptedPayload format version.
	PayloadVersion = "1.0"

	// KeyMaterialVersion is the KeyMaterial format version.
	KeyMaterialVersion = "1.0"

	// PBKDF2Iterations for deriving the key-wrapping key from a
	// device passphrase. OWASP 2023 floor for PBKDF2-SHA-256.
	PBKDF2Iterations = 600000

	// wrapSaltSize is the salt size for the wrapping-key derivation.
	wrapSaltSize = 32

	// Storage keys within the encryption-key-store namespace.
	activeKeyStorageKey   = "master"
	retiredKeyStorageKey  = "retired"
	defaultRotationPeriod = 90 * 24 * time.Hour
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCryptoUnavailable indicates the host lacks a required
	// cryptographic primitive (entropy source, cipher construction).
	ErrCryptoUnavailable = errors.New("cryptographic primitive unavailable")

	// ErrNotInitialized indicates no master key is loaded.
	ErrNotInitialized = errors.New("encryption not initialized: no master key")

	// ErrDecryptionFailed indicates authentication-tag mismatch: wrong
	// key, corrupted data, or tampering. No partial plaintext leaks.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrInvalidKeyMaterial indicates imported key material with a
	// mismatched algorithm or length.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)

// =============================================================================
// DATA MODEL
// =============================================================================

// EncryptedPayload is the wire form of one encrypted field. Produced
// once per plaintext, consumed exactly once by the matching decrypt.
type EncryptedPayload struct {
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"created_at"`
	Version    string    `json:"format_version"`
}

// KeyMaterial is the exportable (JWK-like) form of a master key.
// Exactly one active KeyMaterial exists per KeyManager at a time.
type KeyMaterial struct {
	Kty           string    `json:"kty"` // always "oct"
	K             string    `json:"k"`   // base64url raw key
	Alg           string    `json:"alg"` // always AlgorithmAESGCM
	KeyLengthBits int       `json:"key_length_bits"`
	CreatedAt     time.Time `json:"created_at"`
	Version       string    `json:"format_version"`
}

// keyEnvelope is the persisted form of key material: plain JSON or,
// when a device passphrase is configured, wrapped under a PBKDF2
// derived key.
type keyEnvelope struct {
	Wrapped bool              `json:"wrapped"`
	Salt    string            `json:"salt,omitempty"`
	Payload *EncryptedPayload `json:"payload,omitempty"`
	Plain   json.RawMessage   `json:"plain,omitempty"`
}

// loadedKey pairs a ready cipher with its material.
type loadedKey struct {
	aead     cipher.AEAD
	material KeyMaterial
}

// =============================================================================
// KEY MANAGER
// =============================================================================

// KeyManager owns the master encryption key lifecycle: generation,
// persistence, rotation, export/import, and field encryption.
//
// Sensitive-data operations fail closed: a storage or crypto fault is
// surfaced as a typed error, never silently skipped. After a persist
// failure the in-memory key keeps working (memory-only mode) so the
// caller decides whether to block.
type KeyManager struct {
	mu sync.RWMutex

	store storage.Store // nil means memory-only
	clock Clock

	active  *loadedKey
	retired []*loadedKey // decrypt-only, newest first

	// usedNonces guards against nonce reuse under the active key.
	// Reset on every rotation since uniqueness is per key.
	usedNonces map[string]struct{}

	sensitiveFields  []string
	rotationInterval time.Duration
	passphrase       []byte // optional wrapping passphrase
}

// KeyManagerOption configures a KeyManager.
type KeyManagerOption func(*KeyManager)

// WithKeyStore sets the persistence backend. Without one the manager
// runs memory-only and keys do not survive restarts.
func WithKeyStore(store storage.Store) KeyManagerOption {
	return func(m *KeyManager) { m.store = store }
}

// WithKeyClock sets the time source.
func WithKeyClock(clock Clock) KeyManagerOption {
	return func(m *KeyManager) { m.clock = clock }
}

// WithSensitiveFields sets the allow-list for the batch helpers.
func WithSensitiveFields(fields []string) KeyManagerOption {
	return func(m *KeyManager) {
		if len(fields) > 0 {
			m.sensitiveFields = fields
		}
	}
}

// WithRotationInterval sets the master key age threshold.
func WithRotationInterval(d time.Duration) KeyManagerOption {
	return func(m *KeyManager) {
		if d > 0 {
			m.rotationInterval = d
		}
	}
}

// WithPassphrase sets the device passphrase that wraps key material at
// rest. Without one the envelope is stored unwrapped.
func WithPassphrase(passphrase string) KeyManagerOption {
	return func(m *KeyManager) {
		if passphrase != "" {
			m.passphrase = []byte(passphrase)
		}
	}
}

// NewKeyManager creates a KeyManager. No key exists until Initialize,
// GenerateMasterKey, or ImportKey is called.
func NewKeyManager(opts ...KeyManagerOption) *KeyManager {
	m := &KeyManager{
		clock:      SystemClock(),
		usedNonces: make(map[string]struct{}),
		sensitiveFields: []string{
			"title", "content", "note", "personal_note", "reflection",
		},
		rotationInterval: defaultRotationPeriod,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// KEY LIFECYCLE
// =============================================================================

// Initialize loads the persisted master key, or generates and persists
// a fresh one when none exists. A storage fault leaves the manager in
// memory-only mode and is returned as a typed error; the in-memory key
// (if any) remains usable.
func (m *KeyManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		raw, err := m.store.Get(ctx, storage.NamespaceEncryptionKey, activeKeyStorageKey)
		switch {
		case err == nil:
			key, openErr := m.openEnvelope(raw)
			if openErr != nil {
				return openErr
			}
			m.active = key
			m.usedNonces = make(map[string]struct{})
			m.loadRetiredLocked(ctx)
			return nil
		case errors.Is(err, storage.ErrNotFound):
			// First use: fall through and generate.
		default:
			// Backend fault: generate in memory, surface the fault.
			if genErr := m.generateLocked(); genErr != nil {
				return genErr
			}
			return fmt.Errorf("master key running memory-only: %w", err)
		}
	}

	if err := m.generateLocked(); err != nil {
		return err
	}
	return m.persistActiveLocked(ctx)
}

// GenerateMasterKey creates a fresh AES-256 master key, replaces the
// active key without retiring it, and returns its exportable material.
func (m *KeyManager) GenerateMasterKey(ctx context.Context) (*KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.generateLocked(); err != nil {
		return nil, err
	}
	material := m.active.material
	if err := m.persistActiveLocked(ctx); err != nil {
		return &material, err
	}
	return &material, nil
}

// generateLocked creates a new active key (caller must hold lock).
func (m *KeyManager) generateLocked() error {
	raw, err := RandomBytes(KeySize)
	if err != nil {
		return err
	}
	defer ZeroBytes(raw)

	aead, err := newAEAD(raw)
	if err != nil {
		return err
	}

	m.active = &loadedKey{
		aead: aead,
		material: KeyMaterial{
			Kty:           "oct",
			K:             base64.RawURLEncoding.EncodeToString(raw),
			Alg:           AlgorithmAESGCM,
			KeyLengthBits: KeySize * 8,
			CreatedAt:     m.clock.Now(),
			Version:       KeyMaterialVersion,
		},
	}
	m.usedNonces = make(map[string]struct{})
	return nil
}

// newAEAD builds the AES-GCM cipher for a raw key.
func newAEAD(raw []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return aead, nil
}

// IsInitialized reports whether a master key is loaded.
func (m *KeyManager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != nil
}

// KeyAge returns the active key's age. Zero when uninitialized.
func (m *KeyManager) KeyAge() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return 0
	}
	return m.clock.Now().Sub(m.active.material.CreatedAt)
}

// DeleteKey wipes the active and retired keys from memory and from the
// store. Payloads encrypted under them become unrecoverable.
func (m *KeyManager) DeleteKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = nil
	m.retired = nil
	m.usedNonces = make(map[string]struct{})

	if m.store == nil {
		return nil
	}
	if err := m.store.Remove(ctx, storage.NamespaceEncryptionKey, activeKeyStorageKey); err != nil {
		return err
	}
	return m.store.Remove(ctx, storage.NamespaceEncryptionKey, retiredKeyStorageKey)
}

// =============================================================================
// EXPORT / IMPORT
// =============================================================================

// ExportKey returns a copy of the active key's exportable material.
func (m *KeyManager) ExportKey() (*KeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, ErrNotInitialized
	}
	material := m.active.material
	return &material, nil
}

// ImportKey restores a previously exported key as the active key.
// Fails with ErrInvalidKeyMaterial on algorithm or length mismatch.
func (m *KeyManager) ImportKey(ctx context.Context, material *KeyMaterial) error {
	if material == nil {
		return fmt.Errorf("%w: nil material", ErrInvalidKeyMaterial)
	}
	if material.Kty != "oct" || material.Alg != AlgorithmAESGCM {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKeyMaterial, material.Alg)
	}
	if material.KeyLengthBits != KeySize*8 {
		return fmt.Errorf("%w: key length %d bits, want %d", ErrInvalidKeyMaterial, material.KeyLengthBits, KeySize*8)
	}

	raw, err := base64.RawURLEncoding.DecodeString(material.K)
	if err != nil || len(raw) != KeySize {
		return fmt.Errorf("%w: malformed key bytes", ErrInvalidKeyMaterial)
	}
	defer ZeroBytes(raw)

	aead, err := newAEAD(raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = &loadedKey{aead: aead, material: *material}
	m.usedNonces = make(map[string]struct{})
	return m.persistActiveLocked(ctx)
}

// =============================================================================
// FIELD ENCRYPTION
// =============================================================================

// EncryptField encrypts one plaintext field under the active key with
// a fresh random nonce. A nonce is never reused with the same key.
func (m *KeyManager) EncryptField(plaintext string) (*EncryptedPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNotInitialized
	}

	nonce, err := m.uniqueNonceLocked()
	if err != nil {
		return nil, err
	}

	ciphertext := m.active.aead.Seal(nil, nonce, []byte(plaintext), nil)

	return &EncryptedPayload{
		Ciphertext: hex.EncodeToString(ciphertext),
		IV:         hex.EncodeToString(nonce),
		Algorithm:  AlgorithmAESGCM,
		CreatedAt:  m.clock.Now(),
		Version:    PayloadVersion,
	}, nil
}

// uniqueNonceLocked draws a random nonce, retrying on the
// astronomically unlikely collision with a nonce already used under
// the active key (caller must hold lock).
func (m *KeyManager) uniqueNonceLocked() ([]byte, error) {
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		nonce, err := RandomBytes(NonceSize)
		if err != nil {
			return nil, err
		}
		key := string(nonce)
		if _, used := m.usedNonces[key]; used {
			continue
		}
		m.usedNonces[key] = struct{}{}
		return nonce, nil
	}
	return nil, fmt.Errorf("%w: nonce generation exhausted", ErrCryptoUnavailable)
}

// DecryptField decrypts a payload produced by EncryptField. Payloads
// encrypted before a rotation decrypt via the retired keys. Any
// tampering fails with ErrDecryptionFailed and leaks nothing.
func (m *KeyManager) DecryptField(payload *EncryptedPayload) (string, error) {
	if payload == nil || payload.Ciphertext == "" || payload.IV == "" {
		return "", ErrDecryptionFailed
	}
	if payload.Algorithm != AlgorithmAESGCM {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrDecryptionFailed, payload.Algorithm)
	}

	nonce, err := hex.DecodeString(payload.IV)
	if err != nil || len(nonce) != NonceSize {
		return "", ErrDecryptionFailed
	}
	ciphertext, err := hex.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return "", ErrNotInitialized
	}

	if plaintext, err := m.active.aead.Open(nil, nonce, ciphertext, nil); err == nil {
		return string(plaintext), nil
	}
	for _, key := range m.retired {
		if plaintext, err := key.aead.Open(nil, nonce, ciphertext, nil); err == nil {
			return string(plaintext), nil
		}
	}
	return "", ErrDecryptionFailed
}

// =============================================================================
// BATCH HELPERS
// =============================================================================

// EncryptSensitiveFields encrypts every allow-listed string field of
// record, returning a new map. Non-listed fields pass through; missing
// or non-string listed fields are skipped silently.
func (m *KeyManager) EncryptSensitiveFields(record map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(record))
	for k, v := range record {
		result[k] = v
	}

	for _, field := range m.SensitiveFields() {
		value, ok := result[field]
		if !ok {
			continue
		}
		plaintext, ok := value.(string)
		if !ok || plaintext == "" {
			continue
		}
		payload, err := m.EncryptField(plaintext)
		if err != nil {
			// Fail closed: never return a record with some fields
			// silently left in plaintext.
			return nil, err
		}
		result[field] = payload
	}
	return result, nil
}

// DecryptSensitiveFields reverses EncryptSensitiveFields. Fields that
// are not encrypted payloads pass through untouched.
func (m *KeyManager) DecryptSensitiveFields(record map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(record))
	for k, v := range record {
		result[k] = v
	}

	for _, field := range m.SensitiveFields() {
		value, ok := result[field]
		if !ok {
			continue
		}
		payload := asPayload(value)
		if payload == nil {
			continue
		}
		plaintext, err := m.DecryptField(payload)
		if err != nil {
			return nil, err
		}
		result[field] = plaintext
	}
	return result, nil
}

// asPayload coerces a value into an EncryptedPayload. Handles both the
// typed form and the generic map produced by JSON round-trips.
func asPayload(value any) *EncryptedPayload {
	switch v := value.(type) {
	case *EncryptedPayload:
		return v
	case EncryptedPayload:
		return &v
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var p EncryptedPayload
		if err := json.Unmarshal(data, &p); err != nil || p.Ciphertext == "" || p.IV == "" {
			return nil
		}
		return &p
	default:
		return nil
	}
}

// SensitiveFields returns a copy of the configured allow-list.
func (m *KeyManager) SensitiveFields() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields := make([]string, len(m.sensitiveFields))
	copy(fields, m.sensitiveFields)
	return fields
}

// =============================================================================
// ROTATION
// =============================================================================

// RotateIfDue rotates the master key when its age exceeds the rotation
// interval. The outgoing key is retired decrypt-only; historical
// payloads are not re-encrypted (accepted trade-off). Returns whether
// a rotation happened.
func (m *KeyManager) RotateIfDue(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return false, ErrNotInitialized
	}
	if m.clock.Now().Sub(m.active.material.CreatedAt) < m.rotationInterval {
		return false, nil
	}

	outgoing := m.active
	if err := m.generateLocked(); err != nil {
		m.active = outgoing
		return false, err
	}
	m.retired = append([]*loadedKey{outgoing}, m.retired...)

	if err := m.persistActiveLocked(ctx); err != nil {
		return true, err
	}
	return true, m.persistRetiredLocked(ctx)
}

// StartRotation runs the rotation check on a fixed interval until ctx
// is cancelled. Safe to skip or invoke redundantly; each check is
// idempotent.
func (m *KeyManager) StartRotation(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RotateIfDue(ctx); err != nil && !errors.Is(err, ErrNotInitialized) {
					fmt.Fprintf(os.Stderr, "[CRYPTO] rotation check failed: %v\n", err)
				}
			}
		}
	}()
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persistActiveLocked writes the active key envelope (caller holds lock).
func (m *KeyManager) persistActiveLocked(ctx context.Context) error {
	if m.store == nil || m.active == nil {
		return nil
	}
	envelope, err := m.sealEnvelope(&m.active.material)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, storage.NamespaceEncryptionKey, activeKeyStorageKey, envelope)
}

// persistRetiredLocked writes the retired key list (caller holds lock).
func (m *KeyManager) persistRetiredLocked(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	materials := make([]KeyMaterial, 0, len(m.retired))
	for _, key := range m.retired {
		materials = append(materials, key.material)
	}
	data, err := json.Marshal(materials)
	if err != nil {
		return fmt.Errorf("failed to marshal retired keys: %w", err)
	}
	envelope, err := m.sealEnvelopeRaw(data)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, storage.NamespaceEncryptionKey, retiredKeyStorageKey, envelope)
}

// loadRetiredLocked restores retired keys; faults are non-fatal since
// retired keys only serve backward-compatible decryption.
func (m *KeyManager) loadRetiredLocked(ctx context.Context) {
	raw, err := m.store.Get(ctx, storage.NamespaceEncryptionKey, retiredKeyStorageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "[CRYPTO] retired keys unavailable: %v\n", err)
		}
		return
	}
	plain, err := m.openEnvelopeRaw(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[CRYPTO] retired keys unreadable: %v\n", err)
		return
	}
	var materials []KeyMaterial
	if err := json.Unmarshal(plain, &materials); err != nil {
		fmt.Fprintf(os.Stderr, "[CRYPTO] retired keys malformed: %v\n", err)
		return
	}

	m.retired = nil
	for i := range materials {
		rawKey, err := base64.RawURLEncoding.DecodeString(materials[i].K)
		if err != nil || len(rawKey) != KeySize {
			continue
		}
		aead, err := newAEAD(rawKey)
		ZeroBytes(rawKey)
		if err != nil {
			continue
		}
		m.retired = append(m.retired, &loadedKey{aead: aead, material: materials[i]})
	}
}

// sealEnvelope serializes and (when a passphrase is set) wraps key
// material for storage.
func (m *KeyManager) sealEnvelope(material *KeyMaterial) (string, error) {
	plain, err := json.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key material: %w", err)
	}
	return m.sealEnvelopeRaw(plain)
}

func (m *KeyManager) sealEnvelopeRaw(plain []byte) (string, error) {
	env := keyEnvelope{}

	if len(m.passphrase) == 0 {
		env.Plain = plain
	} else {
		salt, err := RandomBytes(wrapSaltSize)
		if err != nil {
			return "", err
		}
		wrapKey := pbkdf2.Key(m.passphrase, salt, PBKDF2Iterations, KeySize, sha256.New)
		defer ZeroBytes(wrapKey)

		aead, err := newAEAD(wrapKey)
		if err != nil {
			return "", err
		}
		nonce, err := RandomBytes(NonceSize)
		if err != nil {
			return "", err
		}
		ciphertext := aead.Seal(nil, nonce, plain, nil)

		env.Wrapped = true
		env.Salt = hex.EncodeToString(salt)
		env.Payload = &EncryptedPayload{
			Ciphertext: hex.EncodeToString(ciphertext),
			IV:         hex.EncodeToString(nonce),
			Algorithm:  AlgorithmAESGCM,
			CreatedAt:  m.clock.Now(),
			Version:    PayloadVersion,
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key envelope: %w", err)
	}
	return string(data), nil
}

// openEnvelope reverses sealEnvelope into a ready key.
func (m *KeyManager) openEnvelope(raw string) (*loadedKey, error) {
	plain, err := m.openEnvelopeRaw(raw)
	if err != nil {
		return nil, err
	}
	var material KeyMaterial
	if err := json.Unmarshal(plain, &material); err != nil {
		return nil, fmt.Errorf("%w: stored material malformed", ErrInvalidKeyMaterial)
	}
	rawKey, err := base64.RawURLEncoding.DecodeString(material.K)
	if err != nil || len(rawKey) != KeySize {
		return nil, fmt.Errorf("%w: stored key bytes malformed", ErrInvalidKeyMaterial)
	}
	defer ZeroBytes(rawKey)

	aead, err := newAEAD(rawKey)
	if err != nil {
		return nil, err
	}
	return &loadedKey{aead: aead, material: material}, nil
}

func (m *KeyManager) openEnvelopeRaw(raw string) ([]byte, error) {
	var env keyEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: stored envelope malformed", ErrInvalidKeyMaterial)
	}

	if !env.Wrapped {
		return env.Plain, nil
	}
	if len(m.passphrase) == 0 {
		return nil, fmt.Errorf("%w: envelope is wrapped but no passphrase configured", ErrInvalidKeyMaterial)
	}
	if env.Payload == nil {
		return nil, fmt.Errorf("%w: wrapped envelope missing payload", ErrInvalidKeyMaterial)
	}

	salt, err := hex.DecodeString(env.Salt)
	if err != nil || len(salt) != wrapSaltSize {
		return nil, fmt.Errorf("%w: wrap salt malformed", ErrInvalidKeyMaterial)
	}
	wrapKey := pbkdf2.Key(m.passphrase, salt, PBKDF2Iterations, KeySize, sha256.New)
	defer ZeroBytes(wrapKey)

	aead, err := newAEAD(wrapKey)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(env.Payload.IV)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrDecryptionFailed
	}
	ciphertext, err := hex.DecodeString(env.Payload.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
