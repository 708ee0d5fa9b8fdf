// Package download fetches short-form videos with yt-dlp into per-request
// temp scopes, with cookie injection, bounded retries, and a fixed failure
// taxonomy for user-facing replies.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mognev/recipebot/platform"
	"github.com/mognev/recipebot/retry"
	"github.com/mognev/recipebot/store"
	"github.com/mognev/recipebot/telemetry"
)

// formatSelector caps video at 720p and prefers a merged mp4; yt-dlp walks
// the slash-separated alternatives itself when a platform lacks split
// streams.
const formatSelector = "bestvideo[height<=720]+bestaudio/best[height<=720]/best"

// Short-form hosts serve different (sometimes broken) manifests to
// unrecognized clients.
const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Media is a downloaded video owned by the caller. Discard releases the
// underlying scope and must be called on every path once the caller is done
// with the file.
type Media struct {
	Path            string
	Title           string
	Description     string
	Bytes           int64
	DurationSeconds float64

	scope *Scope
}

// Discard releases the media's working directory. Safe on nil and safe to
// call more than once.
func (m *Media) Discard() {
	if m != nil && m.scope != nil {
		m.scope.Close()
	}
}

// fetch cancellation registry, keyed by request id
var (
	activeMu      sync.Mutex
	activeCancels = map[string]context.CancelFunc{}
)

// Cancel aborts the in-flight fetch for a request id and reports whether one
// was active.
func Cancel(requestID string) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if c, ok := activeCancels[requestID]; ok {
		c()
		delete(activeCancels, requestID)
		return true
	}
	return false
}

func registerCancel(requestID string, cancel context.CancelFunc) {
	if requestID == "" {
		return
	}
	activeMu.Lock()
	activeCancels[requestID] = cancel
	activeMu.Unlock()
}

func unregisterCancel(requestID string) {
	if requestID == "" {
		return
	}
	activeMu.Lock()
	delete(activeCancels, requestID)
	activeMu.Unlock()
}

// Fetch downloads the video behind rawURL into a fresh scope and returns it
// as Media. The scope is created before any network I/O; on every error path
// it is removed before returning, and on success its ownership moves to the
// returned Media. The cookie file never outlives the call.
func Fetch(ctx context.Context, st store.Store, requestID, rawURL string, plat platform.Platform) (*Media, error) {
	if !acquireFetchSlot(ctx) {
		return nil, ctx.Err()
	}
	telemetry.SetActiveDownloads(ActiveFetches())
	defer func() {
		releaseFetchSlot()
		telemetry.SetActiveDownloads(ActiveFetches())
	}()

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	scope, err := NewScope(dataDir)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			scope.Close()
		}
	}()

	cookiePath := ""
	if payload := resolveCookies(ctx, st, plat); payload != "" {
		cookiePath, err = writeCookieFile(scope, payload)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		if cookiePath == "" {
			return
		}
		if err := os.Remove(cookiePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove cookie file", slog.String("path", cookiePath), slog.Any("err", err))
		}
	}()

	start := time.Now()
	slog.Info("fetch starting",
		slog.String("request_id", requestID),
		slog.String("platform", string(plat)))

	// Metadata probe first so oversized media is rejected before any
	// bandwidth is spent on the transfer.
	info, err := probe(ctx, rawURL, cookiePath)
	if err != nil {
		return nil, asTaxonomy(err)
	}
	if maxSec := maxVideoSeconds(); maxSec > 0 && info.Duration > float64(maxSec) {
		return nil, fmt.Errorf("%w: %.0fs (cap %ds)", ErrTooLong, info.Duration, maxSec)
	}

	outPath := scope.Path("media.mp4")
	if err := run(ctx, requestID, rawURL, cookiePath, outPath); err != nil {
		return nil, asTaxonomy(err)
	}
	fi, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("downloaded file missing: %w", err)
	}

	slog.Info("fetch complete",
		slog.String("request_id", requestID),
		slog.String("platform", string(plat)),
		slog.Int64("bytes", fi.Size()),
		slog.Duration("took", time.Since(start)))

	handedOff = true
	return &Media{
		Path:            outPath,
		Title:           info.Title,
		Description:     info.Description,
		Bytes:           fi.Size(),
		DurationSeconds: info.Duration,
		scope:           scope,
	}, nil
}

type mediaInfo struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
}

// probe asks yt-dlp for the media's metadata without downloading anything.
func probe(ctx context.Context, rawURL, cookiePath string) (*mediaInfo, error) {
	args := []string{"--dump-json", "--no-download", "--no-playlist", "--user-agent", browserUA}
	if cookiePath != "" {
		args = append(args, "--cookies", cookiePath)
	}
	args = append(args, rawURL)

	var info mediaInfo
	err := fetchPolicy("probe").Do(ctx, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "yt-dlp", args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return classifyRun(err, stderr.String())
		}
		if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &info); err != nil {
			return fmt.Errorf("%w: parse media metadata: %v", ErrUnsupportedFormat, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// run performs the actual transfer. Each attempt registers a cancel func so
// the ops surface can abort it by request id.
func run(ctx context.Context, requestID, rawURL, cookiePath, outPath string) error {
	args := []string{
		"--no-playlist",
		"--merge-output-format", "mp4",
		"-f", formatSelector,
		"--user-agent", browserUA,
		"-o", outPath,
	}
	if cookiePath != "" {
		args = append(args, "--cookies", cookiePath)
	}
	args = append(args, rawURL)

	return fetchPolicy("download").Do(ctx, func(ctx context.Context) error {
		dlCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		registerCancel(requestID, cancel)
		defer unregisterCancel(requestID)

		cmd := exec.CommandContext(dlCtx, "yt-dlp", args...)
		var stderr bytes.Buffer
		cmd.Stdout = io.Discard
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if dlCtx.Err() != nil {
				// aborted via the cancel registry
				return fmt.Errorf("download canceled: %w", context.Canceled)
			}
			return classifyRun(err, stderr.String())
		}
		return nil
	})
}

// fetchPolicy builds the shared retry policy for yt-dlp invocations.
// DOWNLOAD_MAX_ATTEMPTS and DOWNLOAD_BACKOFF_BASE override the defaults.
func fetchPolicy(name string) retry.Policy {
	maxAttempts := 5
	if s := os.Getenv("DOWNLOAD_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	baseBackoff := 2 * time.Second
	if s := os.Getenv("DOWNLOAD_BACKOFF_BASE"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			baseBackoff = d
		}
	}
	return retry.Policy{
		Name:        name,
		MaxAttempts: maxAttempts,
		BaseBackoff: baseBackoff,
		Retryable:   isTransient,
	}
}

func maxVideoSeconds() int {
	if s := os.Getenv("MAX_VIDEO_SECONDS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return 120
}
