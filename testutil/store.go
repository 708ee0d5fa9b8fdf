// Package testutil provides shared helpers for package tests: a throwaway
// SQLite store, an optional Postgres-backed store, and a mock Telegram
// Bot API server.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mognev/recipebot/store"
)

// SetupTestStore opens a SQLite store backed by a temp file that is removed
// with the test's temp directory.
func SetupTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
