// Command rotate-credentials re-encrypts the cookie payloads stored in the
// credentials table. It covers two maintenance jobs:
//
//   - Initial encryption: rows written before CREDENTIALS_ENC_KEY was
//     configured (encryption_version=0) are encrypted with the current key.
//   - Key rotation: rows encrypted under a previous key are decrypted with
//     CREDENTIALS_ENC_KEY_OLD and re-encrypted under CREDENTIALS_ENC_KEY.
//
// Usage:
//
//	rotate-credentials [--dry-run] [--platform PLATFORM]
//
// Flags:
//
//	--dry-run: Show what would be rotated without making changes
//	--platform: Rotate a single platform's payload (default: all platforms)
//
// Environment Variables:
//
//	DB_DRIVER: "sqlite" (default) or "postgres"
//	DB_DSN: database location (default: data/recipebot.db for sqlite)
//	CREDENTIALS_ENC_KEY: base64-encoded 32-byte AES key to encrypt with (required)
//	CREDENTIALS_ENC_KEY_OLD: key the existing rows were encrypted with
//	  (omit when the rows are still plaintext)
//
// Example:
//
//	export CREDENTIALS_ENC_KEY="$(openssl rand -base64 32)"
//	./rotate-credentials --dry-run
//	./rotate-credentials
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mognev/recipebot/crypto"
)

// credentialRow is one row of the credentials table.
type credentialRow struct {
	Platform          string
	Cookies           string
	EncryptionVersion int
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be rotated without making changes")
	platform := flag.String("platform", "", "Rotate a single platform's payload (default: all platforms)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	newKey := os.Getenv("CREDENTIALS_ENC_KEY")
	if newKey == "" {
		slog.Error("CREDENTIALS_ENC_KEY environment variable is required")
		os.Exit(1)
	}
	newEnc, err := crypto.NewAESEncryptor(newKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	var oldEnc crypto.Encryptor
	if oldKey := os.Getenv("CREDENTIALS_ENC_KEY_OLD"); oldKey != "" {
		oldAES, err := crypto.NewAESEncryptor(oldKey)
		if err != nil {
			slog.Error("failed to initialize old-key encryptor", slog.Any("error", err))
			os.Exit(1)
		}
		oldEnc = oldAES
	}

	database, pgPlaceholders, err := openDB(os.Getenv("DB_DRIVER"), os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if err := rotateCredentials(ctx, database, pgPlaceholders, oldEnc, newEnc, *dryRun, *platform); err != nil {
		slog.Error("rotation failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("rotation completed successfully")
}

// openDB opens the same database the bot uses. The second return value is
// true when the driver expects $N placeholders instead of ?.
func openDB(driver, dsn string) (*sql.DB, bool, error) {
	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dsn = filepath.Join("data", "recipebot.db")
		}
		db, err := sql.Open("sqlite", dsn)
		return db, false, err
	case "postgres":
		if dsn == "" {
			return nil, true, fmt.Errorf("DB_DSN is required when DB_DRIVER=postgres")
		}
		db, err := sql.Open("pgx", dsn)
		return db, true, err
	default:
		return nil, false, fmt.Errorf("unsupported DB_DRIVER %q (want sqlite or postgres)", driver)
	}
}

func rotateCredentials(ctx context.Context, database *sql.DB, pgPlaceholders bool, oldEnc, newEnc crypto.Encryptor, dryRun bool, platformFilter string) error {
	query := `SELECT platform, COALESCE(cookies, ''), COALESCE(encryption_version, 0) FROM credentials`
	var args []any
	if platformFilter != "" {
		if pgPlaceholders {
			query += ` WHERE platform = $1`
		} else {
			query += ` WHERE platform = ?`
		}
		args = append(args, platformFilter)
	}
	query += ` ORDER BY platform`

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []credentialRow
	for rows.Next() {
		var c credentialRow
		if err := rows.Scan(&c.Platform, &c.Cookies, &c.EncryptionVersion); err != nil {
			return fmt.Errorf("failed to scan credential row: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating credential rows: %w", err)
	}

	if len(creds) == 0 {
		slog.Info("no credentials found to rotate")
		return nil
	}

	slog.Info("found credentials to rotate",
		slog.Int("count", len(creds)),
		slog.Bool("dry_run", dryRun))

	rotatedCount := 0
	errorCount := 0
	for i, cred := range creds {
		logger := slog.With(
			slog.String("platform", cred.Platform),
			slog.Int("index", i+1),
			slog.Int("total", len(creds)))

		if cred.Cookies == "" {
			logger.Info("skipping empty payload")
			continue
		}

		if dryRun {
			logger.Info("would rotate credential (dry-run)")
			rotatedCount++
			continue
		}

		if err := rotateCredential(ctx, database, pgPlaceholders, oldEnc, newEnc, cred); err != nil {
			logger.Error("failed to rotate credential", slog.Any("error", err))
			errorCount++
			continue
		}

		logger.Info("rotated credential")
		rotatedCount++
	}

	slog.Info("rotation summary",
		slog.Int("total", len(creds)),
		slog.Int("rotated", rotatedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return fmt.Errorf("rotation completed with %d errors", errorCount)
	}
	return nil
}

// rotateCredential re-encrypts a single row inside a transaction. The WHERE
// clause repeats the encryption_version we read so that a row modified
// concurrently fails the update instead of being encrypted twice.
func rotateCredential(ctx context.Context, database *sql.DB, pgPlaceholders bool, oldEnc, newEnc crypto.Encryptor, cred credentialRow) error {
	plaintext := cred.Cookies
	if cred.EncryptionVersion > 0 {
		if oldEnc == nil {
			return fmt.Errorf("row is already encrypted; set CREDENTIALS_ENC_KEY_OLD to rotate it")
		}
		var err error
		plaintext, err = crypto.DecryptString(oldEnc, cred.Cookies)
		if err != nil {
			return fmt.Errorf("failed to decrypt with old key: %w", err)
		}
	}

	ciphertext, err := crypto.EncryptString(newEnc, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt: %w", err)
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort

	updateQuery := `UPDATE credentials SET cookies = ?, encryption_version = 1, updated_at = ? WHERE platform = ? AND encryption_version = ?`
	if pgPlaceholders {
		updateQuery = `UPDATE credentials SET cookies = $1, encryption_version = 1, updated_at = $2 WHERE platform = $3 AND encryption_version = $4`
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := tx.ExecContext(ctx, updateQuery, ciphertext, now, cred.Platform, cred.EncryptionVersion)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (row may have been modified concurrently)", rowsAffected)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
