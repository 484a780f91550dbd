// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the shared contract suite against any Store.
func storeUnderTest(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, NamespaceAudit, "absent")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set get roundtrip", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, NamespaceAudit, "k1", "v1"))
		got, err := store.Get(ctx, NamespaceAudit, "k1")
		require.NoError(t, err)
		require.Equal(t, "v1", got)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, NamespaceAudit, "k1", "v2"))
		got, err := store.Get(ctx, NamespaceAudit, "k1")
		require.NoError(t, err)
		require.Equal(t, "v2", got)
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, NamespaceLockout, "k1", "lockout-value"))
		got, err := store.Get(ctx, NamespaceAudit, "k1")
		require.NoError(t, err)
		require.Equal(t, "v2", got, "audit namespace must not see lockout writes")
	})

	t.Run("keys", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, NamespaceLockout, "alice", "a"))
		require.NoError(t, store.Set(ctx, NamespaceLockout, "bob", "b"))
		keys, err := store.Keys(ctx, NamespaceLockout)
		require.NoError(t, err)
		require.Contains(t, keys, "alice")
		require.Contains(t, keys, "bob")
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.Remove(ctx, NamespaceAudit, "k1"))
		_, err := store.Get(ctx, NamespaceAudit, "k1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("remove missing is a no-op", func(t *testing.T) {
		require.NoError(t, store.Remove(ctx, NamespaceAudit, "never-existed"))
	})

	t.Run("unicode values survive", func(t *testing.T) {
		value := `{"title":"今日の日記 🌸"}`
		require.NoError(t, store.Set(ctx, NamespaceEncryptionKey, "uni", value))
		got, err := store.Get(ctx, NamespaceEncryptionKey, "uni")
		require.NoError(t, err)
		require.Equal(t, value, got)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "kiroku.db"))
	require.NoError(t, err)
	defer store.Close()

	storeUnderTest(t, store)
}

func TestSQLitePersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiroku.db")

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, NamespaceLockout, "alice", "locked"))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, NamespaceLockout, "alice")
	require.NoError(t, err)
	require.Equal(t, "locked", got)
}

func TestClosedStoreReportsUnavailable(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "kiroku.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Get(ctx, NamespaceAudit, "k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, store.Set(ctx, NamespaceAudit, "k", "v"), ErrClosed)
}

func TestMemoryStoreFailNext(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.FailNext()
	_, err := store.Get(ctx, NamespaceAudit, "k")
	require.ErrorIs(t, err, ErrStorageUnavailable)

	// The failure is one-shot.
	require.NoError(t, store.Set(ctx, NamespaceAudit, "k", "v"))
}
