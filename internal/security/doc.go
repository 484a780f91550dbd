// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the kiroku security state engine: the
// four cooperating managers that protect journal data and the login
// flow on the client side.
//
//   - KeyManager: AES-256-GCM field encryption with key rotation
//   - CSRFManager: short-lived anti-forgery tokens (memory only)
//   - LockoutManager: failed-attempt tracking and timed lockout
//   - AuditLogger: bounded, queryable trail of security events
//
// The managers share a theme: mutable security state with time-based
// invalidation under failure-tolerant persistence. Sensitive-data
// operations fail closed; lockout and audit favor availability and
// degrade to in-memory operation when the store misbehaves.
//
// None of the managers is a package-level singleton. The Toolkit type
// is the composition root: construct one per application (or per test)
// and pass it down.
package security
