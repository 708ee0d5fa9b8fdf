package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // cgo-free sqlite driver registered as 'sqlite'

	"github.com/mognev/recipebot/crypto"
)

// SQLiteStore keeps all state in a single database file. The connection pool
// is capped at one so every statement, including the reserve transaction,
// runs serialized through a single writer.
type SQLiteStore struct {
	db   *sql.DB
	path string
	enc  crypto.Encryptor
}

// OpenSQLite opens (creating if needed) the database file at path and
// applies migrations. The resolved absolute path is logged once: quota
// counts live here, and a silently different location would make the
// entitlement checks meaningless.
func OpenSQLite(ctx context.Context, path string, enc crypto.Encryptor) (*SQLiteStore, error) {
	if path == "" {
		path = filepath.Join("data", "recipebot.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	s := &SQLiteStore{db: db, path: path, enc: enc}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	abs, _ := filepath.Abs(path)
	slog.Info("sqlite store ready", slog.String("component", "store"), slog.String("path", abs))
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		// Timestamps are RFC3339 strings in TEXT columns.
		`CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			used INTEGER NOT NULL DEFAULT 0,
			bonus INTEGER NOT NULL DEFAULT 0,
			created_at TEXT,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL,
			platform TEXT,
			stage TEXT NOT NULL,
			error TEXT,
			recipe_title TEXT,
			media_bytes INTEGER DEFAULT 0,
			duration_seconds INTEGER DEFAULT 0,
			created_at TEXT,
			updated_at TEXT,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			platform TEXT PRIMARY KEY,
			cookies TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_user ON requests(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_stage ON requests(stage)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at)`,
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// ReserveUse implements the atomic check-and-increment. The insert creates
// the row on first use (used=0); the conditional update only lands while
// used < limit+bonus. Zero rows affected means the allowance is spent.
func (s *SQLiteStore) ReserveUse(ctx context.Context, userID int64, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := sqliteNow()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (user_id, used, bonus, created_at) VALUES (?, 0, 0, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, now); err != nil {
		return fmt.Errorf("ensure user row: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET used = used + 1, updated_at = ? WHERE user_id = ? AND used < ? + bonus`,
		now, userID, limit)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrQuotaExceeded
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Usage(ctx context.Context, userID int64) (int, int, error) {
	var used, bonus int
	err := s.db.QueryRowContext(ctx, `SELECT used, bonus FROM users WHERE user_id = ?`, userID).Scan(&used, &bonus)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query usage: %w", err)
	}
	return used, bonus, nil
}

func (s *SQLiteStore) GrantBonus(ctx context.Context, userID int64, n int) error {
	if n <= 0 {
		return fmt.Errorf("bonus grant must be positive, got %d", n)
	}
	now := sqliteNow()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, used, bonus, created_at, updated_at) VALUES (?, 0, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET bonus = bonus + excluded.bonus, updated_at = excluded.updated_at`,
		userID, n, now, now)
	if err != nil {
		return fmt.Errorf("grant bonus: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, r *Request) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Stage == "" {
		r.Stage = StageClassifying
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, user_id, chat_id, url, platform, stage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.ChatID, r.URL, r.Platform, r.Stage, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetRequestStage(ctx context.Context, id, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET stage = ?, updated_at = ? WHERE id = ?`,
		stage, sqliteNow(), id)
	if err != nil {
		return fmt.Errorf("set request stage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetRequestPlatform(ctx context.Context, id, platform string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET platform = ?, updated_at = ? WHERE id = ?`,
		platform, sqliteNow(), id)
	if err != nil {
		return fmt.Errorf("set request platform: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishRequest(ctx context.Context, id, recipeTitle string, mediaBytes int64, durationSeconds int) error {
	now := sqliteNow()
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET stage = ?, recipe_title = ?, media_bytes = ?, duration_seconds = ?, error = '', updated_at = ?, finished_at = ? WHERE id = ?`,
		StageDone, recipeTitle, mediaBytes, durationSeconds, now, now, id)
	if err != nil {
		return fmt.Errorf("finish request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailRequest(ctx context.Context, id, reason string) error {
	now := sqliteNow()
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET stage = ?, error = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		StageFailed, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return nil
}

const sqliteRequestCols = `id, user_id, chat_id, url, COALESCE(platform,''), stage, COALESCE(error,''), COALESCE(recipe_title,''), COALESCE(media_bytes,0), COALESCE(duration_seconds,0), COALESCE(created_at,''), COALESCE(updated_at,''), COALESCE(finished_at,'')`

func sqliteNow() string { return time.Now().UTC().Format(time.RFC3339) }

func sqliteScanRequest(row interface{ Scan(...any) error }) (*Request, error) {
	var r Request
	var created, updated, finished string
	if err := row.Scan(&r.ID, &r.UserID, &r.ChatID, &r.URL, &r.Platform, &r.Stage, &r.Error,
		&r.RecipeTitle, &r.MediaBytes, &r.DurationSeconds, &created, &updated, &finished); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	if finished != "" {
		if t, err := time.Parse(time.RFC3339, finished); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRequestCols+` FROM requests WHERE id = ?`, id)
	r, err := sqliteScanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, limit, offset int) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRequestCols+` FROM requests ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]Request, 0, limit)
	for rows.Next() {
		r, err := sqliteScanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountRequestsByStage(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM requests GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := map[string]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[stage] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertCredential(ctx context.Context, platform, cookies string) error {
	stored, version, err := encryptCredential(s.enc, cookies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (platform, cookies, encryption_version, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(platform) DO UPDATE SET cookies = excluded.cookies, encryption_version = excluded.encryption_version, updated_at = excluded.updated_at`,
		platform, stored, version, sqliteNow())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, platform string) (string, error) {
	var stored string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(cookies,''), COALESCE(encryption_version,0) FROM credentials WHERE platform = ?`, platform).
		Scan(&stored, &version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	return decryptCredential(s.enc, stored, version)
}

func (s *SQLiteStore) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, sqliteNow())
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(value,'') FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }
