package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/mognev/recipebot/store"
)

// SetupTestPostgres opens a Postgres-backed store and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestPostgres(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	st, err := store.OpenPostgres(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
