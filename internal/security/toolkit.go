// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// toolkit.go wires the security managers together from configuration.
// The Toolkit is the composition root: callers construct one per
// process (or per test) instead of reaching for package globals, so
// two instances never share hidden state.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/kiroku/internal/config"
	"github.com/jeranaias/kiroku/internal/storage"
)

// Toolkit bundles the four security managers over one shared store.
type Toolkit struct {
	Keys    *KeyManager
	CSRF    *CSRFManager
	Lockout *LockoutManager
	Audit   *AuditLogger
	MFA     *MFAManager

	store storage.Store
	cfg   *config.Config
}

// ToolkitOption adjusts Toolkit construction.
type ToolkitOption func(*toolkitParams)

type toolkitParams struct {
	store      storage.Store
	clock      Clock
	passphrase string
}

// WithToolkitStore overrides the store built from config. Tests pass a
// MemoryStore here.
func WithToolkitStore(store storage.Store) ToolkitOption {
	return func(p *toolkitParams) { p.store = store }
}

// WithToolkitClock sets one time source for every manager.
func WithToolkitClock(clock Clock) ToolkitOption {
	return func(p *toolkitParams) { p.clock = clock }
}

// WithToolkitPassphrase sets the key-wrapping passphrase.
func WithToolkitPassphrase(passphrase string) ToolkitOption {
	return func(p *toolkitParams) { p.passphrase = passphrase }
}

// NewToolkit builds the managers from cfg. The lockout manager's
// suspicious-activity hook feeds the audit log, so an attempt flood
// leaves a trail even when no lockout trips.
func NewToolkit(cfg *config.Config, opts ...ToolkitOption) (*Toolkit, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	params := toolkitParams{clock: SystemClock()}
	for _, opt := range opts {
		opt(&params)
	}

	store := params.store
	if store == nil {
		path := cfg.Storage.Path
		if path == "" {
			path = storage.DefaultPath()
		}
		var err error
		store, err = storage.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open security store: %w", err)
		}
	}

	audit := NewAuditLogger(
		WithAuditStore(store),
		WithAuditClock(params.clock),
		WithAuditCapacity(cfg.Security.Audit.MaxEntries),
		WithRemoteSink(cfg.Security.Audit.RemoteSinkURL, cfg.Security.Audit.SinkRatePerSecond),
	)

	lockout := NewLockoutManager(
		WithLockoutStore(store),
		WithLockoutClock(params.clock),
		WithMaxAttempts(cfg.Security.Lockout.MaxAttempts),
		WithLockoutDuration(cfg.Security.Lockout.LockoutDuration()),
		WithAttemptWindow(cfg.Security.Lockout.AttemptWindow()),
		WithProgressiveLockout(cfg.Security.Lockout.Progressive),
		WithSuspiciousActivityHandler(func(identity string, attempts int, reasons []string) {
			audit.Log(context.Background(), EventSecurityAlert, identity, map[string]string{
				"reasons":  strings.Join(reasons, "; "),
				"attempts": fmt.Sprintf("%d", attempts),
			})
		}),
	)

	keyOpts := []KeyManagerOption{
		WithKeyStore(store),
		WithKeyClock(params.clock),
		WithSensitiveFields(cfg.Security.Encryption.SensitiveFields),
		WithRotationInterval(cfg.Security.Encryption.RotationInterval()),
	}
	if params.passphrase != "" {
		keyOpts = append(keyOpts, WithPassphrase(params.passphrase))
	}

	tk := &Toolkit{
		Keys: NewKeyManager(keyOpts...),
		CSRF: NewCSRFManager(
			WithCSRFClock(params.clock),
			WithCSRFLifetime(cfg.Security.CSRF.Lifetime()),
			WithCSRFHeader(cfg.Security.CSRF.HeaderName),
		),
		Lockout: lockout,
		Audit:   audit,
		MFA: NewMFAManager(store,
			WithMFAClock(params.clock),
			WithMFAIssuer(cfg.Security.MFA.Issuer),
		),
		store: store,
		cfg:   cfg,
	}
	return tk, nil
}

// Start initializes the master key and launches the background loops:
// key rotation checks and CSRF sweeping. It returns after launching;
// the loops stop when ctx is cancelled.
func (tk *Toolkit) Start(ctx context.Context) error {
	if err := tk.Keys.Initialize(ctx); err != nil {
		// Memory-only degradation is survivable; anything else is not.
		if !errors.Is(err, storage.ErrStorageUnavailable) {
			return err
		}
		tk.Audit.Log(ctx, EventSystemError, "", map[string]string{
			"component": "encryption",
			"error":     err.Error(),
		})
	}

	tk.Keys.StartRotation(ctx, tk.cfg.Security.Encryption.CheckInterval())
	tk.CSRF.StartSweeper(ctx, tk.cfg.Security.CSRF.SweepInterval())
	return nil
}

// RecordLogin bridges lockout and audit: it records the attempt with
// its client address and user agent, enforces lockout, and writes the
// matching audit entries. Returns ErrAccountLocked when the attempt
// found or tripped a lockout.
func (tk *Toolkit) RecordLogin(ctx context.Context, identity string, success bool, clientIP, userAgent string) (*LockoutStatus, error) {
	status, err := tk.Lockout.RecordLoginAttempt(ctx, identity, success, clientIP, userAgent)

	details := func(extra map[string]string) map[string]string {
		out := map[string]string{}
		if clientIP != "" {
			out["ip"] = clientIP
		}
		if userAgent != "" {
			out["user_agent"] = userAgent
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	switch {
	case err != nil && errors.Is(err, ErrAccountLocked):
		tk.Audit.Log(ctx, EventSecurityLockout, identity, details(map[string]string{
			"locked_until": status.LockedUntil.Format(time.RFC3339),
			"level":        fmt.Sprintf("%d", status.LockoutLevel),
		}))
	case success:
		tk.Audit.Log(ctx, EventAuthLogin, identity, details(nil))
	default:
		tk.Audit.Log(ctx, EventAuthFailedLogin, identity, details(map[string]string{
			"attempts_left": fmt.Sprintf("%d", status.AttemptsLeft),
		}))
	}
	return status, err
}

// RotateKeyNow forces a rotation check and audits a completed rotation.
func (tk *Toolkit) RotateKeyNow(ctx context.Context) (bool, error) {
	rotated, err := tk.Keys.RotateIfDue(ctx)
	if rotated {
		tk.Audit.Log(ctx, EventKeyRotation, "", nil)
	}
	return rotated, err
}

// Store exposes the shared backing store.
func (tk *Toolkit) Store() storage.Store {
	return tk.store
}

// Close releases the sink and the backing store.
func (tk *Toolkit) Close() error {
	tk.Audit.Close()
	if tk.store != nil {
		return tk.store.Close()
	}
	return nil
}
