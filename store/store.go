// Package store provides durable state: per-user quota counters, the
// request journal, credential material, and a small kv table. Two backends
// implement the same interface, SQLite (default, single file) and Postgres,
// selected by DB_DRIVER. The quota table location is fixed by DB_DSN and
// must stay stable across restarts; entitlement is only enforceable when
// every reservation reads and writes the same counters.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mognev/recipebot/crypto"
)

// Pipeline stages as recorded in the request journal.
const (
	StageClassifying = "classifying"
	StageReserving   = "reserving"
	StageDownloading = "downloading"
	StageExtracting  = "extracting"
	StageAssembling  = "assembling"
	StageDone        = "done"
	StageFailed      = "failed"
)

var (
	// ErrQuotaExceeded means the user's lifetime allowance is spent. It is
	// distinct from storage failures: callers must not confuse the two.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNotFound means no row matched.
	ErrNotFound = errors.New("not found")
)

// Request is one journal row tracking a pipeline invocation.
type Request struct {
	ID              string     `json:"id"`
	UserID          int64      `json:"user_id"`
	ChatID          int64      `json:"chat_id"`
	URL             string     `json:"url"`
	Platform        string     `json:"platform"`
	Stage           string     `json:"stage"`
	Error           string     `json:"error,omitempty"`
	RecipeTitle     string     `json:"recipe_title,omitempty"`
	MediaBytes      int64      `json:"media_bytes"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Store is the durable-state surface passed explicitly to every component
// that needs it. No package-level handle exists; tests substitute a
// temp-file SQLite store.
type Store interface {
	// ReserveUse atomically checks and increments the user's counter against
	// limit+bonus. Reservation and increment are one unit: of two concurrent
	// calls with one unit left, exactly one succeeds. The counter never
	// decreases; failed pipeline stages do not refund.
	ReserveUse(ctx context.Context, userID int64, limit int) error
	// Usage reports the user's counter and bonus allowance, creating no row.
	Usage(ctx context.Context, userID int64) (used, bonus int, err error)
	// GrantBonus raises the user's allowance by n. Additive only.
	GrantBonus(ctx context.Context, userID int64, n int) error

	CreateRequest(ctx context.Context, r *Request) error
	SetRequestStage(ctx context.Context, id, stage string) error
	SetRequestPlatform(ctx context.Context, id, platform string) error
	FinishRequest(ctx context.Context, id, recipeTitle string, mediaBytes int64, durationSeconds int) error
	FailRequest(ctx context.Context, id, reason string) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, limit, offset int) ([]Request, error)
	CountRequestsByStage(ctx context.Context) (map[string]int, error)

	// UpsertCredential stores a platform's cookie payload, encrypted when an
	// encryption key is configured. GetCredential transparently decrypts.
	UpsertCredential(ctx context.Context, platform, cookies string) error
	GetCredential(ctx context.Context, platform string) (string, error)

	SetKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend by driver name ("sqlite" or "postgres") and applies
// idempotent migrations. Empty driver defaults to sqlite.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	enc, err := encryptorFromEnv()
	if err != nil {
		return nil, err
	}
	switch driver {
	case "", "sqlite":
		return OpenSQLite(ctx, dsn, enc)
	case "postgres":
		return OpenPostgres(ctx, dsn, enc)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (want sqlite or postgres)", driver)
	}
}

// encryptorFromEnv builds the credential encryptor from CREDENTIALS_ENC_KEY.
// Unset key means plaintext storage; a present but invalid key is fatal.
func encryptorFromEnv() (crypto.Encryptor, error) {
	key := os.Getenv("CREDENTIALS_ENC_KEY")
	if key == "" {
		slog.Warn("CREDENTIALS_ENC_KEY not set, cookie payloads will be stored in plaintext", slog.String("component", "store"))
		return nil, nil
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("init credential encryption: %w", err)
	}
	slog.Info("credential encryption enabled (AES-256-GCM)", slog.String("component", "store"))
	return enc, nil
}

// encryptCredential prepares a cookie payload for storage. Returns the value
// to store and the encryption version written alongside it (1 = encrypted).
func encryptCredential(enc crypto.Encryptor, cookies string) (string, int, error) {
	if enc == nil || cookies == "" {
		return cookies, 0, nil
	}
	out, err := crypto.EncryptString(enc, cookies)
	if err != nil {
		return "", 0, fmt.Errorf("encrypt credential: %w", err)
	}
	return out, 1, nil
}

// decryptCredential reverses encryptCredential based on the stored version.
// Plaintext rows (version 0) pass through so pre-encryption rows stay
// readable after a key is introduced.
func decryptCredential(enc crypto.Encryptor, stored string, version int) (string, error) {
	if version == 0 || stored == "" {
		return stored, nil
	}
	if enc == nil {
		return "", fmt.Errorf("credential is encrypted but CREDENTIALS_ENC_KEY not configured")
	}
	out, err := crypto.DecryptString(enc, stored)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return out, nil
}
