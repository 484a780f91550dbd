// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// lockout.go implements brute-force protection for login: a sliding
// window of failed attempts per identity, automatic lockout at the
// configured threshold, progressive lockout escalation for repeat
// offenders, and suspicious-activity detection for attempt floods.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/kiroku/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultMaxAttempts is the failed-attempt threshold that triggers
	// a lockout.
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is the base lockout length.
	DefaultLockoutDuration = 15 * time.Minute

	// DefaultAttemptWindow is the sliding window over which failures
	// accumulate.
	DefaultAttemptWindow = 30 * time.Minute

	// suspiciousAttemptCount within suspiciousAttemptSpan flags an
	// attempt flood regardless of lockout state.
	suspiciousAttemptCount = 10
	suspiciousAttemptSpan  = 5 * time.Minute

	// suspiciousDistinctIPs distinct client addresses inside the span
	// flags a distributed attempt even below the flood count.
	suspiciousDistinctIPs = 3

	// maxLockoutLevel caps progressive escalation so the lockout
	// duration stays bounded (15m * 2^5 = 8h at the cap).
	maxLockoutLevel = 6
)

// ErrAccountLocked indicates the identity is currently locked out.
var ErrAccountLocked = errors.New("account locked")

// =============================================================================
// DATA MODEL
// =============================================================================

// LoginAttempt is one recorded login attempt.
type LoginAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// LockoutRecord is the persisted per-identity lockout state. LastIP
// and LastUserAgent track the most recent attempt's client.
type LockoutRecord struct {
	Identity      string         `json:"identity"`
	Attempts      []LoginAttempt `json:"attempts"`
	LockedUntil   time.Time      `json:"locked_until,omitzero"`
	LockoutLevel  int            `json:"lockout_level"`
	LastIP        string         `json:"last_ip,omitempty"`
	LastUserAgent string         `json:"last_user_agent,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LockoutStatus is the answer to a lockout query.
type LockoutStatus struct {
	Locked         bool
	LockedUntil    time.Time
	Remaining      time.Duration
	FailedAttempts int
	AttemptsLeft   int
	LockoutLevel   int
}

// =============================================================================
// LOCKOUT MANAGER
// =============================================================================

// LockoutManager tracks failed login attempts per identity and locks
// accounts that exceed the threshold. Records persist across restarts;
// when the store degrades the manager keeps enforcing from memory so
// an attacker cannot bypass lockout by breaking storage.
type LockoutManager struct {
	mu sync.Mutex

	store storage.Store // nil means memory-only
	clock Clock

	// records caches per-identity state; authoritative when the store
	// is degraded.
	records map[string]*LockoutRecord

	maxAttempts     int
	lockoutDuration time.Duration
	attemptWindow   time.Duration
	progressive     bool
	autoLock        bool

	// onSuspicious fires outside the lock when suspicious activity is
	// detected for an identity.
	onSuspicious func(identity string, attempts int, reasons []string)
}

// LockoutOption configures a LockoutManager.
type LockoutOption func(*LockoutManager)

// WithLockoutStore sets the persistence backend.
func WithLockoutStore(store storage.Store) LockoutOption {
	return func(m *LockoutManager) { m.store = store }
}

// WithLockoutClock sets the time source.
func WithLockoutClock(clock Clock) LockoutOption {
	return func(m *LockoutManager) { m.clock = clock }
}

// WithMaxAttempts sets the failed-attempt threshold.
func WithMaxAttempts(n int) LockoutOption {
	return func(m *LockoutManager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithLockoutDuration sets the base lockout length.
func WithLockoutDuration(d time.Duration) LockoutOption {
	return func(m *LockoutManager) {
		if d > 0 {
			m.lockoutDuration = d
		}
	}
}

// WithAttemptWindow sets the sliding window for failure accumulation.
func WithAttemptWindow(d time.Duration) LockoutOption {
	return func(m *LockoutManager) {
		if d > 0 {
			m.attemptWindow = d
		}
	}
}

// WithProgressiveLockout toggles duration doubling per lockout level.
func WithProgressiveLockout(enabled bool) LockoutOption {
	return func(m *LockoutManager) { m.progressive = enabled }
}

// WithAutoLock toggles locking inside RecordLoginAttempt when the
// threshold is reached. Disabled, the caller drives the two-step flow:
// ShouldLockAccount to detect, then LockAccount to enforce, with room
// to audit in between.
func WithAutoLock(enabled bool) LockoutOption {
	return func(m *LockoutManager) { m.autoLock = enabled }
}

// WithSuspiciousActivityHandler registers a callback for suspicious
// activity (attempt floods, multi-address bursts). Called without the
// manager lock held.
func WithSuspiciousActivityHandler(fn func(identity string, attempts int, reasons []string)) LockoutOption {
	return func(m *LockoutManager) { m.onSuspicious = fn }
}

// NewLockoutManager creates a LockoutManager with the 5-attempt /
// 15-minute / 30-minute-window policy unless overridden.
func NewLockoutManager(opts ...LockoutOption) *LockoutManager {
	m := &LockoutManager{
		clock:           SystemClock(),
		records:         make(map[string]*LockoutRecord),
		maxAttempts:     DefaultMaxAttempts,
		lockoutDuration: DefaultLockoutDuration,
		attemptWindow:   DefaultAttemptWindow,
		progressive:     true,
		autoLock:        true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NormalizeIdentity canonicalizes an identity so visually identical
// inputs share one lockout record: Unicode NFC, then lowercase, then
// surrounding whitespace trimmed.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(identity)))
}

// =============================================================================
// QUERIES
// =============================================================================

// CheckLockoutStatus reports the identity's current state. An expired
// lockout unlocks lazily here: the first check past the deadline
// clears the lock and the attempt history, leaving the lockout level
// for progressive escalation.
func (m *LockoutManager) CheckLockoutStatus(ctx context.Context, identity string) (*LockoutStatus, error) {
	identity = NormalizeIdentity(identity)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.loadLocked(ctx, identity)
	if record == nil {
		return &LockoutStatus{AttemptsLeft: m.maxAttempts}, nil
	}

	if !record.LockedUntil.IsZero() {
		if now.Before(record.LockedUntil) {
			return &LockoutStatus{
				Locked:         true,
				LockedUntil:    record.LockedUntil,
				Remaining:      record.LockedUntil.Sub(now),
				FailedAttempts: m.recentFailuresLocked(record, now),
				LockoutLevel:   record.LockoutLevel,
			}, nil
		}
		// Lockout expired: clear it and start a fresh window.
		record.LockedUntil = time.Time{}
		record.Attempts = nil
		record.UpdatedAt = now
		m.persistLocked(ctx, record)
	}

	failures := m.recentFailuresLocked(record, now)
	left := m.maxAttempts - failures
	if left < 0 {
		left = 0
	}
	return &LockoutStatus{
		FailedAttempts: failures,
		AttemptsLeft:   left,
		LockoutLevel:   record.LockoutLevel,
	}, nil
}

// IsLocked is a convenience wrapper over CheckLockoutStatus.
func (m *LockoutManager) IsLocked(ctx context.Context, identity string) bool {
	status, err := m.CheckLockoutStatus(ctx, identity)
	if err != nil {
		return false
	}
	return status.Locked
}

// ShouldLockAccount reports whether the identity has reached the
// failure threshold and is not already locked. It never mutates state;
// callers pair it with LockAccount so an audit entry can land between
// detection and enforcement.
func (m *LockoutManager) ShouldLockAccount(ctx context.Context, identity string) bool {
	identity = NormalizeIdentity(identity)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.loadLocked(ctx, identity)
	if record == nil {
		return false
	}
	if !record.LockedUntil.IsZero() && now.Before(record.LockedUntil) {
		return false
	}
	return m.recentFailuresLocked(record, now) >= m.maxAttempts
}

// LockedIdentities returns the identities currently locked out.
func (m *LockoutManager) LockedIdentities(ctx context.Context) []string {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.loadAllLocked(ctx)

	var locked []string
	for identity, record := range m.records {
		if !record.LockedUntil.IsZero() && now.Before(record.LockedUntil) {
			locked = append(locked, identity)
		}
	}
	return locked
}

// =============================================================================
// MUTATIONS
// =============================================================================

// RecordLoginAttempt records one attempt with its client address and
// user agent. A success clears the failure history and resets the
// lockout level. A failure accumulates in the sliding window and, when
// auto-lock is on, locks the account at the threshold. Returns the
// post-attempt status; the Locked flag tells the caller whether this
// attempt tripped (or found) a lockout.
func (m *LockoutManager) RecordLoginAttempt(ctx context.Context, identity string, success bool, clientIP, userAgent string) (*LockoutStatus, error) {
	identity = NormalizeIdentity(identity)
	now := m.clock.Now()

	var suspicious int
	var reasons []string

	m.mu.Lock()

	record := m.loadLocked(ctx, identity)
	if record == nil {
		record = &LockoutRecord{Identity: identity}
		m.records[identity] = record
	}

	// Attempts against a live lockout do not extend it, but they are
	// still recorded for the flood detector.
	locked := !record.LockedUntil.IsZero() && now.Before(record.LockedUntil)

	record.Attempts = append(record.Attempts, LoginAttempt{
		Timestamp: now,
		Success:   success,
		ClientIP:  clientIP,
		UserAgent: userAgent,
	})
	record.LastIP = clientIP
	record.LastUserAgent = userAgent
	record.UpdatedAt = now

	if success && !locked {
		record.Attempts = nil
		record.LockoutLevel = 0
		record.LockedUntil = time.Time{}
	}

	m.pruneLocked(record, now)

	if !success && !locked && m.autoLock {
		failures := m.recentFailuresLocked(record, now)
		if failures >= m.maxAttempts {
			m.lockLocked(record, now)
			locked = true
		}
	}

	suspicious, reasons = m.suspicionLocked(record, now)

	m.persistLocked(ctx, record)

	status := &LockoutStatus{
		Locked:         locked,
		LockedUntil:    record.LockedUntil,
		FailedAttempts: m.recentFailuresLocked(record, now),
		LockoutLevel:   record.LockoutLevel,
	}
	if locked {
		status.Remaining = record.LockedUntil.Sub(now)
	} else {
		status.AttemptsLeft = m.maxAttempts - status.FailedAttempts
		if status.AttemptsLeft < 0 {
			status.AttemptsLeft = 0
		}
	}
	onSuspicious := m.onSuspicious
	m.mu.Unlock()

	if len(reasons) > 0 && onSuspicious != nil {
		onSuspicious(identity, suspicious, reasons)
	}
	if locked && !success {
		return status, ErrAccountLocked
	}
	return status, nil
}

// LockAccount locks an identity immediately, bypassing the threshold.
// attemptCount is the failure count observed at detection time (as
// reported by ShouldLockAccount's check); pass 0 when locking
// administratively and the recorded window count is used instead.
func (m *LockoutManager) LockAccount(ctx context.Context, identity string, attemptCount int) (*LockoutStatus, error) {
	identity = NormalizeIdentity(identity)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.loadLocked(ctx, identity)
	if record == nil {
		record = &LockoutRecord{Identity: identity}
		m.records[identity] = record
	}
	m.lockLocked(record, now)
	record.UpdatedAt = now
	m.persistLocked(ctx, record)

	if attemptCount <= 0 {
		attemptCount = m.recentFailuresLocked(record, now)
	}
	return &LockoutStatus{
		Locked:         true,
		LockedUntil:    record.LockedUntil,
		Remaining:      record.LockedUntil.Sub(now),
		FailedAttempts: attemptCount,
		LockoutLevel:   record.LockoutLevel,
	}, nil
}

// Unlock clears the identity's lockout and failure history. The
// lockout level also resets; an explicit unlock is a clean slate.
func (m *LockoutManager) Unlock(ctx context.Context, identity string) error {
	identity = NormalizeIdentity(identity)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, identity)
	if m.store == nil {
		return nil
	}
	if err := m.store.Remove(ctx, storage.NamespaceLockout, identity); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// lockLocked applies a lockout to the record (caller holds lock).
// With progressive lockout each level doubles the duration.
func (m *LockoutManager) lockLocked(record *LockoutRecord, now time.Time) {
	if record.LockoutLevel < maxLockoutLevel {
		record.LockoutLevel++
	}
	duration := m.lockoutDuration
	if m.progressive {
		duration = m.lockoutDuration << (record.LockoutLevel - 1)
	}
	record.LockedUntil = now.Add(duration)
}

// =============================================================================
// WINDOW ACCOUNTING
// =============================================================================

// pruneLocked drops attempts older than the attempt window, keeping
// the record (and its persisted form) bounded.
func (m *LockoutManager) pruneLocked(record *LockoutRecord, now time.Time) {
	cutoff := now.Add(-m.attemptWindow)
	kept := record.Attempts[:0]
	for _, attempt := range record.Attempts {
		if attempt.Timestamp.After(cutoff) {
			kept = append(kept, attempt)
		}
	}
	record.Attempts = kept
}

// recentFailuresLocked counts failures inside the attempt window.
func (m *LockoutManager) recentFailuresLocked(record *LockoutRecord, now time.Time) int {
	cutoff := now.Add(-m.attemptWindow)
	count := 0
	for _, attempt := range record.Attempts {
		if !attempt.Success && attempt.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// suspicionLocked examines the short suspicion span and returns the
// attempt count plus the reasons that make it suspicious: a raw
// attempt flood, or a burst arriving from several distinct client
// addresses. Successes count too; probing does not have to fail.
func (m *LockoutManager) suspicionLocked(record *LockoutRecord, now time.Time) (int, []string) {
	cutoff := now.Add(-suspiciousAttemptSpan)
	count := 0
	ips := make(map[string]struct{})
	for _, attempt := range record.Attempts {
		if attempt.Timestamp.After(cutoff) {
			count++
			if attempt.ClientIP != "" {
				ips[attempt.ClientIP] = struct{}{}
			}
		}
	}

	var reasons []string
	if count >= suspiciousAttemptCount {
		reasons = append(reasons, "login attempt flood")
	}
	if len(ips) >= suspiciousDistinctIPs {
		reasons = append(reasons, "attempts from multiple addresses")
	}
	return count, reasons
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// loadLocked returns the identity's record, reading through to the
// store when not cached. A store fault degrades to the cache and is
// logged once per call, never propagated: lockout must keep working.
func (m *LockoutManager) loadLocked(ctx context.Context, identity string) *LockoutRecord {
	if record, ok := m.records[identity]; ok {
		return record
	}
	if m.store == nil {
		return nil
	}

	raw, err := m.store.Get(ctx, storage.NamespaceLockout, identity)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "[LOCKOUT] store read failed, using in-memory state: %v\n", err)
		}
		return nil
	}

	var record LockoutRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		// A corrupted record reads as empty rather than wedging login.
		fmt.Fprintf(os.Stderr, "[LOCKOUT] corrupted record for %q ignored: %v\n", identity, err)
		return nil
	}
	m.records[identity] = &record
	return &record
}

// loadAllLocked pulls every persisted record into the cache.
func (m *LockoutManager) loadAllLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	keys, err := m.store.Keys(ctx, storage.NamespaceLockout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[LOCKOUT] store scan failed: %v\n", err)
		return
	}
	for _, key := range keys {
		m.loadLocked(ctx, key)
	}
}

// persistLocked writes the record through to the store. Faults degrade
// to memory-only enforcement.
func (m *LockoutManager) persistLocked(ctx context.Context, record *LockoutRecord) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[LOCKOUT] record marshal failed: %v\n", err)
		return
	}
	if err := m.store.Set(ctx, storage.NamespaceLockout, record.Identity, string(data)); err != nil {
		fmt.Fprintf(os.Stderr, "[LOCKOUT] store write failed, state held in memory: %v\n", err)
	}
}
