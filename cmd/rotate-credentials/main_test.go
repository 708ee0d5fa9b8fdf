package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mognev/recipebot/crypto"
)

// setupTestDB opens a throwaway sqlite database containing only the
// credentials table, using the same schema the store creates.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, _, err := openDB("sqlite", filepath.Join(t.TempDir(), "rotate.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	_, err = database.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		platform TEXT PRIMARY KEY,
		cookies TEXT,
		encryption_version INTEGER DEFAULT 0,
		updated_at TEXT
	)`)
	if err != nil {
		t.Fatalf("failed to create credentials table: %v", err)
	}
	return database
}

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func insertCredential(t *testing.T, database *sql.DB, platform, cookies string, version int) {
	t.Helper()
	_, err := database.Exec(
		`INSERT INTO credentials (platform, cookies, encryption_version, updated_at) VALUES (?, ?, ?, ?)`,
		platform, cookies, version, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("failed to insert credential: %v", err)
	}
}

func readCredential(t *testing.T, database *sql.DB, platform string) credentialRow {
	t.Helper()
	var c credentialRow
	err := database.QueryRow(
		`SELECT platform, COALESCE(cookies, ''), COALESCE(encryption_version, 0) FROM credentials WHERE platform = ?`,
		platform).Scan(&c.Platform, &c.Cookies, &c.EncryptionVersion)
	if err != nil {
		t.Fatalf("failed to read credential %s: %v", platform, err)
	}
	return c
}

func TestRotateCredentials_EncryptsPlaintext(t *testing.T) {
	database := setupTestDB(t)
	insertCredential(t, database, "instagram", "sessionid=abc123", 0)
	insertCredential(t, database, "tiktok", "sid_tt=def456", 0)

	newEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	if err := rotateCredentials(context.Background(), database, false, nil, newEnc, false, ""); err != nil {
		t.Fatalf("rotateCredentials failed: %v", err)
	}

	for platform, want := range map[string]string{
		"instagram": "sessionid=abc123",
		"tiktok":    "sid_tt=def456",
	} {
		row := readCredential(t, database, platform)
		if row.EncryptionVersion != 1 {
			t.Errorf("%s: encryption_version = %d, want 1", platform, row.EncryptionVersion)
		}
		if row.Cookies == want {
			t.Errorf("%s: cookies still stored as plaintext", platform)
		}
		got, err := crypto.DecryptString(newEnc, row.Cookies)
		if err != nil {
			t.Fatalf("%s: failed to decrypt rotated payload: %v", platform, err)
		}
		if got != want {
			t.Errorf("%s: decrypted payload = %q, want %q", platform, got, want)
		}
	}
}

func TestRotateCredentials_DryRun(t *testing.T) {
	database := setupTestDB(t)
	insertCredential(t, database, "instagram", "sessionid=abc123", 0)

	newEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	if err := rotateCredentials(context.Background(), database, false, nil, newEnc, true, ""); err != nil {
		t.Fatalf("rotateCredentials failed: %v", err)
	}

	row := readCredential(t, database, "instagram")
	if row.Cookies != "sessionid=abc123" {
		t.Errorf("dry-run modified cookies: %q", row.Cookies)
	}
	if row.EncryptionVersion != 0 {
		t.Errorf("dry-run modified encryption_version: %d", row.EncryptionVersion)
	}
}

func TestRotateCredentials_KeyRotation(t *testing.T) {
	database := setupTestDB(t)

	oldEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create old encryptor: %v", err)
	}
	newEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create new encryptor: %v", err)
	}

	sealed, err := crypto.EncryptString(oldEnc, "sessionid=rotate-me")
	if err != nil {
		t.Fatalf("failed to encrypt fixture: %v", err)
	}
	insertCredential(t, database, "youtube", sealed, 1)

	if err := rotateCredentials(context.Background(), database, false, oldEnc, newEnc, false, ""); err != nil {
		t.Fatalf("rotateCredentials failed: %v", err)
	}

	row := readCredential(t, database, "youtube")
	if row.EncryptionVersion != 1 {
		t.Errorf("encryption_version = %d, want 1", row.EncryptionVersion)
	}
	got, err := crypto.DecryptString(newEnc, row.Cookies)
	if err != nil {
		t.Fatalf("new key cannot decrypt rotated payload: %v", err)
	}
	if got != "sessionid=rotate-me" {
		t.Errorf("decrypted payload = %q, want %q", got, "sessionid=rotate-me")
	}
	if _, err := crypto.DecryptString(oldEnc, row.Cookies); err == nil {
		t.Error("old key still decrypts the payload after rotation")
	}
}

func TestRotateCredentials_EncryptedWithoutOldKey(t *testing.T) {
	database := setupTestDB(t)

	oldEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create old encryptor: %v", err)
	}
	newEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create new encryptor: %v", err)
	}

	sealed, err := crypto.EncryptString(oldEnc, "sessionid=locked")
	if err != nil {
		t.Fatalf("failed to encrypt fixture: %v", err)
	}
	insertCredential(t, database, "instagram", sealed, 1)

	err = rotateCredentials(context.Background(), database, false, nil, newEnc, false, "")
	if err == nil {
		t.Fatal("expected error for encrypted row without CREDENTIALS_ENC_KEY_OLD")
	}

	row := readCredential(t, database, "instagram")
	if row.Cookies != sealed {
		t.Error("failed rotation modified the stored payload")
	}
}

func TestRotateCredentials_PlatformFilter(t *testing.T) {
	database := setupTestDB(t)
	insertCredential(t, database, "instagram", "sessionid=abc123", 0)
	insertCredential(t, database, "youtube", "cookie=keep-me", 0)

	newEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	if err := rotateCredentials(context.Background(), database, false, nil, newEnc, false, "instagram"); err != nil {
		t.Fatalf("rotateCredentials failed: %v", err)
	}

	if row := readCredential(t, database, "instagram"); row.EncryptionVersion != 1 {
		t.Errorf("instagram encryption_version = %d, want 1", row.EncryptionVersion)
	}
	row := readCredential(t, database, "youtube")
	if row.EncryptionVersion != 0 || row.Cookies != "cookie=keep-me" {
		t.Errorf("youtube row modified despite filter: version=%d cookies=%q", row.EncryptionVersion, row.Cookies)
	}
}

func TestRotateCredentials_SkipsEmptyPayload(t *testing.T) {
	database := setupTestDB(t)
	insertCredential(t, database, "tiktok", "", 0)

	newEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	if err := rotateCredentials(context.Background(), database, false, nil, newEnc, false, ""); err != nil {
		t.Fatalf("rotateCredentials failed: %v", err)
	}

	row := readCredential(t, database, "tiktok")
	if row.Cookies != "" || row.EncryptionVersion != 0 {
		t.Errorf("empty payload was modified: version=%d cookies=%q", row.EncryptionVersion, row.Cookies)
	}
}

func TestRotateCredentials_NoRows(t *testing.T) {
	database := setupTestDB(t)

	newEnc, err := crypto.NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	if err := rotateCredentials(context.Background(), database, false, nil, newEnc, false, ""); err != nil {
		t.Fatalf("rotateCredentials on empty table failed: %v", err)
	}
}
