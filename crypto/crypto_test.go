package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg != "" {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %v, want containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enc == nil {
				t.Fatal("returned nil encryptor")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	tests := []struct {
		name      string
		plaintext string
	}{
		{"short string", "hello"},
		{"cookie line", ".instagram.com\tTRUE\t/\tTRUE\t1999999999\tsessionid\tabc123"},
		{"long payload", strings.Repeat("a", 4096)},
		{"unicode", "печенье 🍪"},
		{"special characters", "!@#$%^&*()_+-={}[]|\\:;\"'<>,.?/~`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt([]byte(tt.plaintext))
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if bytes.Equal(ciphertext, []byte(tt.plaintext)) {
				t.Error("ciphertext equals plaintext")
			}
			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if string(decrypted) != tt.plaintext {
				t.Errorf("Decrypt = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptNonceVaries(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	plaintext := []byte("same input")
	c1, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	c2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("identical ciphertexts for same plaintext; nonce not randomized")
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	tests := []struct {
		name       string
		ciphertext []byte
		errorMsg   string
	}{
		{"empty", nil, "ciphertext is empty"},
		{"shorter than nonce", []byte{1, 2, 3}, "ciphertext too short"},
		{"garbage", make([]byte, 50), "authentication or integrity check failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.ciphertext)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ciphertext, err := enc.Encrypt([]byte("sensitive cookies"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[20] ^= 0x01
	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	enc2, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ciphertext, err := enc1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("decryption with wrong key should fail")
	}
}

func TestStringHelpers(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	t.Run("empty passthrough", func(t *testing.T) {
		out, err := EncryptString(enc, "")
		if err != nil || out != "" {
			t.Errorf("EncryptString(\"\") = %q, %v; want empty, nil", out, err)
		}
		out, err = DecryptString(enc, "")
		if err != nil || out != "" {
			t.Errorf("DecryptString(\"\") = %q, %v; want empty, nil", out, err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		plaintext := "# Netscape HTTP Cookie File\n.tiktok.com\tTRUE\t/\tTRUE\t0\tsid\txyz"
		encrypted, err := EncryptString(enc, plaintext)
		if err != nil {
			t.Fatalf("EncryptString: %v", err)
		}
		if _, err := base64.StdEncoding.DecodeString(encrypted); err != nil {
			t.Errorf("result is not valid base64: %v", err)
		}
		decrypted, err := DecryptString(enc, encrypted)
		if err != nil {
			t.Fatalf("DecryptString: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("round trip = %q, want %q", decrypted, plaintext)
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := DecryptString(enc, "not-valid-base64!@#"); err == nil {
			t.Error("expected error for invalid base64")
		}
	})
}
