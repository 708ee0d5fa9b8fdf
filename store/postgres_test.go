package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// openTestPostgres connects to the database named by TEST_PG_DSN and skips
// when it is unset, so the suite stays runnable without a server.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresReserveUse(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	// Unique id per run keeps reruns independent without truncating.
	userID := time.Now().UnixNano()
	const limit = 2

	for i := 0; i < limit; i++ {
		if err := s.ReserveUse(ctx, userID, limit); err != nil {
			t.Fatalf("reserve %d: %v", i+1, err)
		}
	}
	if err := s.ReserveUse(ctx, userID, limit); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("over-cap reserve err = %v, want ErrQuotaExceeded", err)
	}
	used, _, err := s.Usage(ctx, userID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if used != limit {
		t.Errorf("used = %d, want %d", used, limit)
	}
}

func TestPostgresReserveUseConcurrent(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	userID := time.Now().UnixNano()
	const limit = 1
	const attempts = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	var allowed int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ReserveUse(ctx, userID, limit); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != limit {
		t.Errorf("%d concurrent reservations succeeded, want exactly %d", allowed, limit)
	}
}

func TestPostgresRequestJournal(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	id := uuid.NewString()
	r := &Request{ID: id, UserID: 1, ChatID: 1, URL: "https://youtu.be/abc"}
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.SetRequestStage(ctx, id, StageDownloading); err != nil {
		t.Fatalf("SetRequestStage: %v", err)
	}
	if err := s.FailRequest(ctx, id, "downloading: network failure"); err != nil {
		t.Fatalf("FailRequest: %v", err)
	}
	got, err := s.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Stage != StageFailed || got.Error == "" || got.FinishedAt == nil {
		t.Errorf("row = %+v", got)
	}
}
