// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the kiroku command line: argument parsing,
// dispatch, and the audit, lockout, encrypt, totp, and config command
// handlers.
package cli
