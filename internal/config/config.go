// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidPolicy indicates a malformed security policy value.
	ErrInvalidPolicy = errors.New("config: invalid security policy")
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete kiroku configuration.
type Config struct {
	Version string `toml:"version"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Security policy (lockout, encryption, CSRF, audit, MFA)
	Security SecurityConfig `toml:"security"`
}

// StorageConfig configures the durable key/value backend.
type StorageConfig struct {
	// Path is the SQLite database path. Default: ~/.kiroku/kiroku.db
	Path string `toml:"path"`
}

// SecurityConfig is the unified security policy. All managers read
// their knobs from here; nothing is hard-coded per component.
type SecurityConfig struct {
	Lockout    LockoutConfig    `toml:"lockout"`
	Encryption EncryptionConfig `toml:"encryption"`
	CSRF       CSRFConfig       `toml:"csrf"`
	Audit      AuditConfig      `toml:"audit"`
	MFA        MFAConfig        `toml:"mfa"`
}

// LockoutConfig configures the account lockout manager.
type LockoutConfig struct {
	// MaxAttempts is the number of failed attempts before lockout.
	MaxAttempts int `toml:"max_attempts"`

	// LockoutMinutes is the base lockout duration.
	LockoutMinutes int `toml:"lockout_minutes"`

	// AttemptWindowMinutes bounds how long failed attempts count
	// against the threshold.
	AttemptWindowMinutes int `toml:"attempt_window_minutes"`

	// Progressive doubles the lockout duration on each consecutive
	// lockout of the same identity.
	Progressive bool `toml:"progressive"`
}

// LockoutDuration returns the base lockout duration.
func (c LockoutConfig) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutMinutes) * time.Minute
}

// AttemptWindow returns the failed-attempt counting window.
func (c LockoutConfig) AttemptWindow() time.Duration {
	return time.Duration(c.AttemptWindowMinutes) * time.Minute
}

// EncryptionConfig configures the field encryption key manager.
type EncryptionConfig struct {
	// RotationDays is the master key age threshold before rotation.
	RotationDays int `toml:"rotation_days"`

	// CheckIntervalHours is how often the rotation scheduler polls.
	CheckIntervalHours int `toml:"check_interval_hours"`

	// SensitiveFields is the allow-list of record fields that
	// EncryptSensitiveFields / DecryptSensitiveFields act on.
	SensitiveFields []string `toml:"sensitive_fields"`
}

// RotationInterval returns the key age threshold.
func (c EncryptionConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationDays) * 24 * time.Hour
}

// CheckInterval returns the rotation polling interval.
func (c EncryptionConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalHours) * time.Hour
}

// CSRFConfig configures the anti-forgery token manager.
type CSRFConfig struct {
	// LifetimeMinutes is the token validity window.
	LifetimeMinutes int `toml:"lifetime_minutes"`

	// SweepIntervalMinutes is how often expired tokens are swept.
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`

	// HeaderName is the request header the token travels in.
	HeaderName string `toml:"header_name"`
}

// Lifetime returns the token validity window.
func (c CSRFConfig) Lifetime() time.Duration {
	return time.Duration(c.LifetimeMinutes) * time.Minute
}

// SweepInterval returns the sweeper polling interval.
func (c CSRFConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	// MaxEntries caps the ring buffer (oldest evicted first).
	MaxEntries int `toml:"max_entries"`

	// RemoteSinkURL, when set, receives a best-effort POST per entry.
	RemoteSinkURL string `toml:"remote_sink_url"`

	// SinkRatePerSecond throttles remote sink deliveries.
	SinkRatePerSecond float64 `toml:"sink_rate_per_second"`
}

// MFAConfig configures TOTP two-factor enrollment.
type MFAConfig struct {
	// Issuer appears in authenticator apps next to the account name.
	Issuer string `toml:"issuer"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Storage: StorageConfig{
			Path: "", // resolved to ~/.kiroku/kiroku.db by the caller
		},
		Security: SecurityConfig{
			Lockout: LockoutConfig{
				MaxAttempts:          5,
				LockoutMinutes:       15,
				AttemptWindowMinutes: 30,
				Progressive:          true,
			},
			Encryption: EncryptionConfig{
				RotationDays:       90,
				CheckIntervalHours: 24,
				SensitiveFields: []string{
					"title", "content", "note", "personal_note", "reflection",
				},
			},
			CSRF: CSRFConfig{
				LifetimeMinutes:      60,
				SweepIntervalMinutes: 10,
				HeaderName:           "X-CSRF-Token",
			},
			Audit: AuditConfig{
				MaxEntries:        10000,
				SinkRatePerSecond: 5,
			},
			MFA: MFAConfig{
				Issuer: "kiroku",
			},
		},
	}
}

// DefaultPath returns the default config file path (~/.kiroku/config.toml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".kiroku", "config.toml")
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration from path, falling back to defaults for
// anything unset. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the security policy for nonsense values.
func (c *Config) Validate() error {
	l := c.Security.Lockout
	if l.MaxAttempts < 1 {
		return fmt.Errorf("%w: lockout.max_attempts must be >= 1, got %d", ErrInvalidPolicy, l.MaxAttempts)
	}
	if l.LockoutMinutes < 1 {
		return fmt.Errorf("%w: lockout.lockout_minutes must be >= 1, got %d", ErrInvalidPolicy, l.LockoutMinutes)
	}
	if l.AttemptWindowMinutes < 1 {
		return fmt.Errorf("%w: lockout.attempt_window_minutes must be >= 1, got %d", ErrInvalidPolicy, l.AttemptWindowMinutes)
	}

	e := c.Security.Encryption
	if e.RotationDays < 1 {
		return fmt.Errorf("%w: encryption.rotation_days must be >= 1, got %d", ErrInvalidPolicy, e.RotationDays)
	}
	if e.CheckIntervalHours < 1 {
		return fmt.Errorf("%w: encryption.check_interval_hours must be >= 1, got %d", ErrInvalidPolicy, e.CheckIntervalHours)
	}

	s := c.Security.CSRF
	if s.LifetimeMinutes < 1 {
		return fmt.Errorf("%w: csrf.lifetime_minutes must be >= 1, got %d", ErrInvalidPolicy, s.LifetimeMinutes)
	}
	if s.SweepIntervalMinutes < 1 {
		return fmt.Errorf("%w: csrf.sweep_interval_minutes must be >= 1, got %d", ErrInvalidPolicy, s.SweepIntervalMinutes)
	}
	if s.HeaderName == "" {
		return fmt.Errorf("%w: csrf.header_name must not be empty", ErrInvalidPolicy)
	}

	a := c.Security.Audit
	if a.MaxEntries < 1 {
		return fmt.Errorf("%w: audit.max_entries must be >= 1, got %d", ErrInvalidPolicy, a.MaxEntries)
	}
	if a.SinkRatePerSecond < 0 {
		return fmt.Errorf("%w: audit.sink_rate_per_second must be >= 0, got %f", ErrInvalidPolicy, a.SinkRatePerSecond)
	}

	return nil
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config for writing: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
