package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mognev/recipebot/crypto"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReserveUseLifetimeCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const limit = 3
	const userID = int64(42)

	for i := 0; i < limit; i++ {
		if err := s.ReserveUse(ctx, userID, limit); err != nil {
			t.Fatalf("reserve %d: %v", i+1, err)
		}
	}
	if err := s.ReserveUse(ctx, userID, limit); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("reserve beyond cap: err = %v, want ErrQuotaExceeded", err)
	}
	used, _, err := s.Usage(ctx, userID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if used != limit {
		t.Errorf("used = %d, want %d (counter must never exceed the cap)", used, limit)
	}
	// Denials repeat; the counter stays put.
	if err := s.ReserveUse(ctx, userID, limit); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second over-cap reserve err = %v", err)
	}
	if used, _, _ = s.Usage(ctx, userID); used != limit {
		t.Errorf("used after denial = %d, want %d", used, limit)
	}
}

func TestReserveUseConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const limit = 3
	const attempts = 12
	const userID = int64(7)

	var wg sync.WaitGroup
	allowed := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ReserveUse(ctx, userID, limit); err == nil {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	var got int
	for range allowed {
		got++
	}
	if got != limit {
		t.Errorf("%d concurrent reservations succeeded, want exactly %d", got, limit)
	}
	used, _, _ := s.Usage(ctx, userID)
	if used != limit {
		t.Errorf("used = %d, want %d", used, limit)
	}
}

func TestReserveUsePerUserIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ReserveUse(ctx, 1, 1); err != nil {
		t.Fatalf("user 1 reserve: %v", err)
	}
	if err := s.ReserveUse(ctx, 1, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("user 1 second reserve err = %v", err)
	}
	// A different user is unaffected.
	if err := s.ReserveUse(ctx, 2, 1); err != nil {
		t.Errorf("user 2 reserve: %v", err)
	}
}

func TestGrantBonusExtendsAllowance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const userID = int64(9)

	if err := s.ReserveUse(ctx, userID, 0); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("zero-limit reserve err = %v, want ErrQuotaExceeded", err)
	}
	if err := s.GrantBonus(ctx, userID, 2); err != nil {
		t.Fatalf("GrantBonus: %v", err)
	}
	if err := s.ReserveUse(ctx, userID, 0); err != nil {
		t.Fatalf("reserve after grant: %v", err)
	}
	if err := s.ReserveUse(ctx, userID, 0); err != nil {
		t.Fatalf("second reserve after grant: %v", err)
	}
	if err := s.ReserveUse(ctx, userID, 0); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("reserve beyond bonus err = %v, want ErrQuotaExceeded", err)
	}
	if err := s.GrantBonus(ctx, userID, 0); err == nil {
		t.Error("GrantBonus(0) should be rejected")
	}
	if err := s.GrantBonus(ctx, userID, -1); err == nil {
		t.Error("negative grant should be rejected")
	}
}

func TestRequestJournalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &Request{ID: "req-1", UserID: 42, ChatID: 100, URL: "https://youtu.be/abc"}
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.SetRequestPlatform(ctx, "req-1", "youtube"); err != nil {
		t.Fatalf("SetRequestPlatform: %v", err)
	}
	for _, stage := range []string{StageReserving, StageDownloading, StageExtracting, StageAssembling} {
		if err := s.SetRequestStage(ctx, "req-1", stage); err != nil {
			t.Fatalf("SetRequestStage(%s): %v", stage, err)
		}
	}
	if err := s.FinishRequest(ctx, "req-1", "Zucchini Fritters", 1<<20, 95); err != nil {
		t.Fatalf("FinishRequest: %v", err)
	}

	got, err := s.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Stage != StageDone {
		t.Errorf("stage = %s, want %s", got.Stage, StageDone)
	}
	if got.Platform != "youtube" || got.RecipeTitle != "Zucchini Fritters" {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.MediaBytes != 1<<20 || got.DurationSeconds != 95 {
		t.Errorf("media fields = %d/%d, want %d/95", got.MediaBytes, got.DurationSeconds, int64(1<<20))
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not round-tripped")
	}

	list, err := s.ListRequests(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(list) != 1 || list[0].ID != "req-1" {
		t.Errorf("list = %+v, want the one request", list)
	}

	counts, err := s.CountRequestsByStage(ctx)
	if err != nil {
		t.Fatalf("CountRequestsByStage: %v", err)
	}
	if counts[StageDone] != 1 {
		t.Errorf("counts = %v, want done:1", counts)
	}
}

func TestFailRequestRecordsReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &Request{ID: "req-2", UserID: 1, URL: "https://vm.tiktok.com/x/"}
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.FailRequest(ctx, "req-2", "downloading: auth required"); err != nil {
		t.Fatalf("FailRequest: %v", err)
	}
	got, err := s.GetRequest(ctx, "req-2")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Stage != StageFailed || got.Error != "downloading: auth required" {
		t.Errorf("row = stage %q error %q", got.Stage, got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("failed request should carry finished_at")
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRequest(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCredentialsPlaintext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetCredential(ctx, "instagram")
	if err != nil || got != "" {
		t.Fatalf("missing credential = %q, %v; want empty, nil", got, err)
	}
	const payload = "# Netscape HTTP Cookie File\n.instagram.com\tTRUE\t/\tTRUE\t0\tsessionid\tabc"
	if err := s.UpsertCredential(ctx, "instagram", payload); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	got, err = s.GetCredential(ctx, "instagram")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got != payload {
		t.Errorf("round trip = %q, want %q", got, payload)
	}
}

func TestCredentialsEncrypted(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "enc.db"), enc)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	const payload = ".tiktok.com\tTRUE\t/\tTRUE\t0\tsid\txyz"
	if err := s.UpsertCredential(ctx, "tiktok", payload); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	// The stored column must not contain the plaintext.
	var stored string
	if err := s.db.QueryRow(`SELECT cookies FROM credentials WHERE platform = 'tiktok'`).Scan(&stored); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if stored == payload {
		t.Error("credential stored in plaintext despite encryptor")
	}
	got, err := s.GetCredential(ctx, "tiktok")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got != payload {
		t.Errorf("round trip = %q, want %q", got, payload)
	}
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if v, err := s.GetKV(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("missing key = %q, %v; want empty, nil", v, err)
	}
	if err := s.SetKV(ctx, "cfg:LOG_LEVEL", "debug"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := s.SetKV(ctx, "cfg:LOG_LEVEL", "info"); err != nil {
		t.Fatalf("SetKV overwrite: %v", err)
	}
	v, err := s.GetKV(ctx, "cfg:LOG_LEVEL")
	if err != nil {
		t.Fatalf("GetKV: %v", err)
	}
	if v != "info" {
		t.Errorf("value = %q, want %q", v, "info")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Setenv("CREDENTIALS_ENC_KEY", "")
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "sel.db"))
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	_ = s.Close()

	if _, err := Open(context.Background(), "oracle", ""); err == nil {
		t.Error("Open with unknown driver should fail")
	}
}
