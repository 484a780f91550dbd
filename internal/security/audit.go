// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit.go implements the security audit trail: a severity-classified,
// bounded in-memory log of security-relevant events with persistence,
// search, CSV export, aggregate statistics, and an optional
// rate-limited remote sink.
package security

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeranaias/kiroku/internal/storage"
)

// =============================================================================
// EVENT TYPES AND SEVERITY
// =============================================================================

// Event types. The string values are the persisted and exported form;
// changing one is a format break.
const (
	EventAuthLogin          = "auth_login"
	EventAuthLogout         = "auth_logout"
	EventAuthFailedLogin    = "auth_failed_login"
	EventAuthFailed2FA      = "auth_failed_2fa"
	EventAuthMassLogout     = "auth_mass_logout"
	EventSecurityLockout    = "security_lockout"
	EventSecurityUnlock     = "security_unlock"
	EventSecurityAlert      = "security_alert"
	EventSecurityViolation  = "security_violation"
	EventSecurity2FAEnabled = "security_2fa_enabled"
	EventSecurity2FADisable = "security_2fa_disabled"
	EventSecurityBackupCode = "security_backup_code_used"
	EventPasswordPolicy     = "password_policy_violation"
	EventKeyRotation        = "security_key_rotation"
	EventDataCreate         = "data_create"
	EventDataUpdate         = "data_update"
	EventDataDelete         = "data_delete"
	EventDataExport         = "data_export"
	EventLogsCleared        = "audit_logs_cleared"
	EventSystemError        = "system_error"
)

// Severity levels, ordered.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// severityRank orders severities for filtering.
var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// ClassifySeverity maps an event type to its severity. Unknown event
// types classify LOW so a new event type can never be dropped by a
// severity filter it was meant to pass.
func ClassifySeverity(eventType string) string {
	switch eventType {
	case EventSecurityViolation, EventSystemError:
		return SeverityCritical
	case EventAuthFailed2FA, EventSecurityLockout, EventSecurityAlert, EventPasswordPolicy:
		return SeverityHigh
	case EventAuthFailedLogin, EventSecurity2FADisable, EventSecurityBackupCode, EventAuthMassLogout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// =============================================================================
// DATA MODEL
// =============================================================================

// AuditLogEntry is one recorded event. Entries are immutable once
// appended.
type AuditLogEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Severity  string            `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditFilter selects entries for Search. Zero fields match anything;
// EventTypes and Severities match when the entry's value is any of the
// listed ones.
type AuditFilter struct {
	EventTypes []string
	Severities []string
	UserID     string
	From       time.Time
	To         time.Time
	Limit      int
}

// AuditStatistics summarizes the current log.
type AuditStatistics struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
	Oldest     time.Time      `json:"oldest,omitzero"`
	Newest     time.Time      `json:"newest,omitzero"`
}

// =============================================================================
// REDACTION
// =============================================================================

// redactedKeys are detail keys whose values never reach the log.
var redactedKeys = []string{
	"password", "passphrase", "secret", "token", "key",
	"authorization", "cookie", "credential",
}

// redactDetails replaces sensitive detail values. The audit trail
// records that something happened, never the credential involved.
func redactDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = v
		lower := strings.ToLower(k)
		for _, sensitive := range redactedKeys {
			if strings.Contains(lower, sensitive) {
				out[k] = "[REDACTED]"
				break
			}
		}
	}
	return out
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

// auditStorageKey holds the serialized entry ring in the audit store.
const auditStorageKey = "entries"

// DefaultAuditCapacity bounds the in-memory ring.
const DefaultAuditCapacity = 10000

// AuditLogger records security events into a bounded ring. Appends
// never fail: a storage or sink fault degrades persistence, not
// recording.
type AuditLogger struct {
	mu sync.RWMutex

	store storage.Store // nil means memory-only
	clock Clock

	entries  []AuditLogEntry // oldest first
	capacity int

	sink *remoteSink
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditStore sets the persistence backend.
func WithAuditStore(store storage.Store) AuditOption {
	return func(l *AuditLogger) { l.store = store }
}

// WithAuditClock sets the time source.
func WithAuditClock(clock Clock) AuditOption {
	return func(l *AuditLogger) { l.clock = clock }
}

// WithAuditCapacity bounds the ring.
func WithAuditCapacity(n int) AuditOption {
	return func(l *AuditLogger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithRemoteSink forwards entries to an HTTP endpoint, rate-limited
// to ratePerSecond posts. Delivery is best-effort and asynchronous.
func WithRemoteSink(url string, ratePerSecond float64) AuditOption {
	return func(l *AuditLogger) {
		if url != "" {
			l.sink = newRemoteSink(url, ratePerSecond)
		}
	}
}

// NewAuditLogger creates an AuditLogger and restores persisted entries
// when a store is configured. A corrupted store reads as empty.
func NewAuditLogger(opts ...AuditOption) *AuditLogger {
	l := &AuditLogger{
		clock:    SystemClock(),
		capacity: DefaultAuditCapacity,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.restore()
	return l
}

// restore loads persisted entries into the ring.
func (l *AuditLogger) restore() {
	if l.store == nil {
		return
	}
	raw, err := l.store.Get(context.Background(), storage.NamespaceAudit, auditStorageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "[AUDIT] persisted log unavailable: %v\n", err)
		}
		return
	}
	var entries []AuditLogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		fmt.Fprintf(os.Stderr, "[AUDIT] persisted log corrupted, starting empty: %v\n", err)
		return
	}
	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}
	l.entries = entries
}

// =============================================================================
// RECORDING
// =============================================================================

// Log records one event. Severity is derived from the event type,
// sensitive detail values are redacted, and the oldest entry falls off
// when the ring is full. Returns the recorded entry.
func (l *AuditLogger) Log(ctx context.Context, eventType, userID string, details map[string]string) AuditLogEntry {
	return l.LogWithSession(ctx, eventType, userID, "", details)
}

// LogWithSession is Log with a session identifier attached.
func (l *AuditLogger) LogWithSession(ctx context.Context, eventType, userID, sessionID string, details map[string]string) AuditLogEntry {
	entry := AuditLogEntry{
		ID:        uuid.NewString(),
		Timestamp: l.clock.Now(),
		EventType: eventType,
		Severity:  ClassifySeverity(eventType),
		UserID:    userID,
		SessionID: sessionID,
		Details:   redactDetails(details),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	l.persistLocked(ctx)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink.enqueue(entry)
	}
	if entry.Severity == SeverityCritical {
		fmt.Fprintf(os.Stderr, "[AUDIT] CRITICAL %s user=%s\n", entry.EventType, entry.UserID)
	}
	return entry
}

// persistLocked writes the ring through to the store (caller holds
// lock). Faults degrade to memory-only.
func (l *AuditLogger) persistLocked(ctx context.Context) {
	if l.store == nil {
		return
	}
	data, err := json.Marshal(l.entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[AUDIT] log marshal failed: %v\n", err)
		return
	}
	if err := l.store.Set(ctx, storage.NamespaceAudit, auditStorageKey, string(data)); err != nil {
		fmt.Fprintf(os.Stderr, "[AUDIT] log write failed, entries held in memory: %v\n", err)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Search returns entries matching the filter, newest first.
func (l *AuditLogger) Search(filter AuditFilter) []AuditLogEntry {
	severities := make(map[string]bool, len(filter.Severities))
	for _, s := range filter.Severities {
		severities[strings.ToUpper(s)] = true
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []AuditLogEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]
		if len(filter.EventTypes) > 0 && !containsString(filter.EventTypes, entry.EventType) {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if len(severities) > 0 && !severities[entry.Severity] {
			continue
		}
		if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
			continue
		}
		matched = append(matched, entry)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// GetUserLogs returns all of one user's entries, newest first.
func (l *AuditLogger) GetUserLogs(userID string) []AuditLogEntry {
	return l.Search(AuditFilter{UserID: userID})
}

// securityEventTypes is the fixed subset GetSecurityLogs reports on.
var securityEventTypes = []string{
	EventAuthFailedLogin,
	EventAuthFailed2FA,
	EventSecurityLockout,
	EventSecurityViolation,
	EventSecurityAlert,
}

// GetSecurityLogs returns entries from the security-relevant event
// subset (failed logins, failed 2FA, lockouts, violations, alerts),
// newest first.
func (l *AuditLogger) GetSecurityLogs() []AuditLogEntry {
	return l.Search(AuditFilter{EventTypes: securityEventTypes})
}

// Recent returns the newest n entries, newest first.
func (l *AuditLogger) Recent(n int) []AuditLogEntry {
	return l.Search(AuditFilter{Limit: n})
}

// Len returns the number of recorded entries.
func (l *AuditLogger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// GetLogStatistics aggregates the log. A positive windowHours limits
// the aggregation to entries newer than that many hours; zero (or
// negative) aggregates everything. Empty input yields a zeroed
// structure, never an error.
func (l *AuditLogger) GetLogStatistics(windowHours int) AuditStatistics {
	var cutoff time.Time
	if windowHours > 0 {
		cutoff = l.clock.Now().Add(-time.Duration(windowHours) * time.Hour)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := AuditStatistics{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}
	for _, entry := range l.entries {
		if !cutoff.IsZero() && !entry.Timestamp.After(cutoff) {
			continue
		}
		stats.Total++
		stats.BySeverity[entry.Severity]++
		stats.ByType[entry.EventType]++
		if stats.Oldest.IsZero() || entry.Timestamp.Before(stats.Oldest) {
			stats.Oldest = entry.Timestamp
		}
		if entry.Timestamp.After(stats.Newest) {
			stats.Newest = entry.Timestamp
		}
	}
	return stats
}

// =============================================================================
// EXPORT AND CLEARING
// =============================================================================

// csvHeader is the export column layout.
var csvHeader = []string{"id", "timestamp", "event_type", "severity", "user_id", "session_id", "source", "details"}

// ExportCSV writes all entries, oldest first, as CSV with a header
// row. Details serialize as JSON in the final column.
func (l *AuditLogger) ExportCSV(w io.Writer) error {
	l.mu.RLock()
	entries := make([]AuditLogEntry, len(l.entries))
	copy(entries, l.entries)
	l.mu.RUnlock()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, entry := range entries {
		details := ""
		if len(entry.Details) > 0 {
			data, err := json.Marshal(entry.Details)
			if err != nil {
				return fmt.Errorf("failed to marshal details for %s: %w", entry.ID, err)
			}
			details = string(data)
		}
		record := []string{
			entry.ID,
			entry.Timestamp.Format(time.RFC3339Nano),
			entry.EventType,
			entry.Severity,
			entry.UserID,
			entry.SessionID,
			entry.Source,
			details,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSVString is ExportCSV into a string.
func (l *AuditLogger) ExportCSVString() (string, error) {
	var buf bytes.Buffer
	if err := l.ExportCSV(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ClearLogs drops entries and immediately records the clearing itself,
// so a wiped trail is never silent. A zero before clears everything;
// otherwise only entries older than before are removed. Returns how
// many entries were dropped (the self-logged entry excluded).
func (l *AuditLogger) ClearLogs(ctx context.Context, actor string, before time.Time) int {
	l.mu.Lock()
	var dropped int
	if before.IsZero() {
		dropped = len(l.entries)
		l.entries = nil
	} else {
		kept := l.entries[:0]
		for _, entry := range l.entries {
			if entry.Timestamp.Before(before) {
				dropped++
				continue
			}
			kept = append(kept, entry)
		}
		l.entries = kept
	}
	l.persistLocked(ctx)
	l.mu.Unlock()

	details := map[string]string{
		"entries_dropped": fmt.Sprintf("%d", dropped),
	}
	if !before.IsZero() {
		details["before"] = before.Format(time.RFC3339)
	}
	l.Log(ctx, EventLogsCleared, actor, details)
	return dropped
}

// EventTypes returns the distinct event types present, sorted.
func (l *AuditLogger) EventTypes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, entry := range l.entries {
		seen[entry.EventType] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Close flushes and stops the remote sink, if any.
func (l *AuditLogger) Close() {
	if l.sink != nil {
		l.sink.close()
	}
}

// =============================================================================
// REMOTE SINK
// =============================================================================

// remoteSink posts entries to an HTTP collector, dropping rather than
// blocking when the collector cannot keep up.
type remoteSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	queue   chan AuditLogEntry
	done    chan struct{}
	once    sync.Once
}

func newRemoteSink(url string, ratePerSecond float64) *remoteSink {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	s := &remoteSink{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
		queue:   make(chan AuditLogEntry, 256),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// enqueue hands off an entry without blocking the logging path.
func (s *remoteSink) enqueue(entry AuditLogEntry) {
	select {
	case s.queue <- entry:
	default:
		// Queue full: local recording already succeeded, drop the copy.
	}
}

func (s *remoteSink) run() {
	for {
		select {
		case <-s.done:
			return
		case entry := <-s.queue:
			if err := s.limiter.Wait(context.Background()); err != nil {
				return
			}
			s.post(entry)
		}
	}
}

func (s *remoteSink) post(entry AuditLogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[AUDIT] remote sink post failed: %v\n", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (s *remoteSink) close() {
	s.once.Do(func() { close(s.done) })
}
