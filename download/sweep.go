package download

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StartSweeper runs a background job that removes download scopes orphaned
// by a crash. Live scopes belong to an in-flight fetch and are always
// younger than the cutoff.
func StartSweeper(ctx context.Context) {
	maxAge := 2 * time.Hour
	if s := os.Getenv("SCOPE_MAX_AGE"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			maxAge = d
		}
	}
	interval := 30 * time.Minute
	if s := os.Getenv("SWEEP_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	slog.Info("scope sweeper starting",
		slog.String("dir", dataDir),
		slog.Duration("max_age", maxAge),
		slog.Duration("interval", interval))

	// Run immediately on start to reclaim anything left by the last crash
	SweepScopes(dataDir, maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scope sweeper stopped")
			return
		case <-ticker.C:
			SweepScopes(dataDir, maxAge)
		}
	}
}

// SweepScopes removes dl-* scope directories under dataDir older than
// maxAge.
func SweepScopes(dataDir string, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		slog.Warn("failed to read data dir for scope sweep", slog.String("dir", dataDir), slog.Any("err", err))
		return
	}

	now := time.Now()
	var removed, failed int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), scopePrefix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) <= maxAge {
			continue
		}
		path := filepath.Join(dataDir, e.Name())
		if err := os.RemoveAll(path); err == nil {
			removed++
			slog.Debug("removed stale download scope", slog.String("path", path), slog.Duration("age", now.Sub(fi.ModTime())))
		} else {
			failed++
			slog.Warn("failed to remove stale download scope", slog.String("path", path), slog.Any("err", err))
		}
	}

	if removed > 0 || failed > 0 {
		slog.Info("scope sweep completed", slog.Int("removed", removed), slog.Int("failed", failed))
	}
}
