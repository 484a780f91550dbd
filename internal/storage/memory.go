// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is a map-backed Store. It backs tests and the degraded
// in-memory-only mode entered when the durable backend is unavailable.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string

	// failNext forces the next operation to fail. Test hook for
	// exercising storage-degradation paths.
	failNext bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]string),
	}
}

// Get returns the value for key within namespace.
func (m *MemoryStore) Get(ctx context.Context, namespace, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return "", ErrStorageUnavailable
	}
	ns, ok := m.data[namespace]
	if !ok {
		return "", ErrNotFound
	}
	value, ok := ns[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set writes the value for key within namespace.
func (m *MemoryStore) Set(ctx context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return ErrStorageUnavailable
	}
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]string)
		m.data[namespace] = ns
	}
	ns[key] = value
	return nil
}

// Remove deletes the key from the namespace.
func (m *MemoryStore) Remove(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return ErrStorageUnavailable
	}
	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// Keys lists all keys present in the namespace.
func (m *MemoryStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// FailNext makes the next Get/Set/Remove return ErrStorageUnavailable.
func (m *MemoryStore) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}
