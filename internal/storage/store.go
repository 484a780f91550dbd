// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
)

// =============================================================================
// NAMESPACES
// =============================================================================

// Logical store names. Components must not share namespaces; isolation
// between the security managers is by construction, not by convention.
const (
	// NamespaceEncryptionKey holds the single wrapped KeyMaterial blob.
	NamespaceEncryptionKey = "encryption-key-store"

	// NamespaceLockout holds one LockoutRecord per identity.
	NamespaceLockout = "lockout-store"

	// NamespaceAudit holds the bounded audit entry list.
	NamespaceAudit = "audit-log-store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the requested key does not exist in the namespace.
	ErrNotFound = errors.New("storage: key not found")

	// ErrStorageUnavailable indicates the backend failed (quota, I/O, corruption).
	// Callers are expected to catch this and degrade rather than crash.
	ErrStorageUnavailable = errors.New("storage: backend unavailable")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("storage: store closed")
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the persistence contract consumed by the security managers.
//
// All methods may return a wrapped ErrStorageUnavailable; Get returns
// ErrNotFound for an absent key. Implementations must serialize
// read-modify-write against a single key so same-record operations
// observe each other's effects in call order.
type Store interface {
	// Get returns the value for key within namespace.
	Get(ctx context.Context, namespace, key string) (string, error)

	// Set writes the value for key within namespace, replacing any
	// previous value.
	Set(ctx context.Context, namespace, key, value string) error

	// Remove deletes the key from the namespace. Removing an absent
	// key is not an error.
	Remove(ctx context.Context, namespace, key string) error

	// Keys lists all keys present in the namespace.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
