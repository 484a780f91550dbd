// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides namespaced key/value persistence for kiroku.
//
// Each security component owns a distinct namespace, so the three
// logical stores never interfere with each other:
//
//   - encryption-key-store: one wrapped KeyMaterial blob
//   - lockout-store:        one record per identity
//   - audit-log-store:      the bounded audit entry list
//
// # Key Types
//
//   - Store: the storage interface consumed by every security manager
//   - SQLiteStore: durable backend on a single kv table (pure Go driver)
//   - MemoryStore: map-backed store for tests and degraded operation
//
// # Usage
//
// Open a durable store and read a value:
//
//	store, err := storage.OpenSQLite(path)
//	val, err := store.Get(ctx, storage.NamespaceLockout, "user@example.com")
//
// Every backend fault is surfaced as a wrapped ErrStorageUnavailable so
// callers can degrade to in-memory operation instead of crashing.
package storage
