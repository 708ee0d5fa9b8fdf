package download

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// fetchSemaphore limits concurrent yt-dlp runs globally across all pipeline
// workers. Sized once from MAX_CONCURRENT_DOWNLOADS (default: 2).
var (
	fetchSemaphore     chan struct{}
	fetchSemaphoreOnce sync.Once
)

func initFetchSemaphore() {
	fetchSemaphoreOnce.Do(func() {
		maxConcurrent := 2
		if s := os.Getenv("MAX_CONCURRENT_DOWNLOADS"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				maxConcurrent = n
			}
		}
		fetchSemaphore = make(chan struct{}, maxConcurrent)
		slog.Info("download concurrency limit initialized", slog.Int("max_concurrent", maxConcurrent))
	})
}

// acquireFetchSlot blocks until a slot is available or the context is
// canceled. Returns false on cancellation.
func acquireFetchSlot(ctx context.Context) bool {
	initFetchSemaphore()
	select {
	case fetchSemaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func releaseFetchSlot() {
	initFetchSemaphore()
	select {
	case <-fetchSemaphore:
	default:
		// Should not happen unless mismatched acquire/release
		slog.Warn("fetch slot release called without corresponding acquire")
	}
}

// ActiveFetches returns the number of downloads currently holding a slot.
func ActiveFetches() int {
	initFetchSemaphore()
	return len(fetchSemaphore)
}

// MaxConcurrentFetches returns the configured slot count.
func MaxConcurrentFetches() int {
	initFetchSemaphore()
	return cap(fetchSemaphore)
}
