// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for kiroku.
//
// The security policy knobs that historically lived as per-component
// constants (lockout attempts, rotation interval, CSRF lifetime, audit
// cap) are unified here into one externally supplied policy struct.
//
// Configuration file locations (in order of precedence):
//   - path passed to Load
//   - ~/.kiroku/config.toml
//   - Built-in defaults
package config
