// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (bot token, model API key), use ValidateBotReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Telegram
	TelegramToken   string
	TelegramBaseURL string
	AdminUserID     int64
	FreeLimit       int

	// Model service
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	// Database
	DBDriver string
	DBDsn    string

	// Storage
	DataDir string

	// Download
	MaxVideoSeconds        int
	MaxConcurrentDownloads int
	DownloadTimeout        time.Duration

	// Extraction
	ExtractTimeout    time.Duration
	TranscribeTimeout time.Duration

	// Chat loop
	ChatWorkers     int
	PollTimeoutSecs int

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if
// the bot token is missing; use ValidateBotReady() when the chat loop must
// actually start. Malformed numeric or duration values are errors.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// Telegram
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramBaseURL = os.Getenv("TELEGRAM_BASE_URL")
	if cfg.AdminUserID, err = envInt64("ADMIN_USER_ID", 0); err != nil {
		return nil, err
	}
	if cfg.FreeLimit, err = envInt("FREE_LIMIT", 6); err != nil {
		return nil, err
	}
	if cfg.FreeLimit <= 0 {
		return nil, fmt.Errorf("FREE_LIMIT must be positive, got %d", cfg.FreeLimit)
	}

	// Model service
	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = os.Getenv("OPENAI_BASE_URL")
	cfg.OpenAIModel = os.Getenv("OPENAI_MODEL")
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	// DB. Empty driver means sqlite; empty DSN lets the store pick its
	// fixed default path so quota counts stay in one place across restarts.
	cfg.DBDriver = os.Getenv("DB_DRIVER")
	cfg.DBDsn = os.Getenv("DB_DSN")

	// Storage
	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	// Download
	if cfg.MaxVideoSeconds, err = envInt("MAX_VIDEO_SECONDS", 120); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentDownloads, err = envInt("MAX_CONCURRENT_DOWNLOADS", 2); err != nil {
		return nil, err
	}
	if cfg.DownloadTimeout, err = envDuration("DOWNLOAD_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}

	// Extraction
	if cfg.ExtractTimeout, err = envDuration("EXTRACT_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.TranscribeTimeout, err = envDuration("TRANSCRIBE_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}

	// Chat loop
	if cfg.ChatWorkers, err = envInt("CHAT_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.PollTimeoutSecs, err = envInt("CHAT_POLL_TIMEOUT", 30); err != nil {
		return nil, err
	}

	// HTTP
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateBotReady checks required fields when the Telegram loop is enabled.
func (c *Config) ValidateBotReady() error {
	if c.TelegramToken == "" || c.OpenAIKey == "" {
		return fmt.Errorf("missing bot env: require TELEGRAM_BOT_TOKEN, OPENAI_API_KEY")
	}
	return nil
}

func envInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envInt64(name string, def int64) (int64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
