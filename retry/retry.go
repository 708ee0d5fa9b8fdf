// Package retry provides the bounded retry policy used by the downloader
// and by the orchestrator's single extraction retry. One policy object per
// call site instead of ad hoc loops.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Policy runs an operation up to MaxAttempts times, sleeping an exponential
// backoff with jitter between attempts. Only errors the Retryable predicate
// accepts are retried; everything else surfaces immediately. Context
// cancellation always stops the loop and is never fed to the predicate.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseBackoff time.Duration
	Retryable   func(error) bool
}

// Do executes op under the policy and returns the last error when attempts
// are exhausted.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	base := p.BaseBackoff
	if base <= 0 {
		base = 2 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		// A canceled parent wins over any classification of the failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := base * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(base)))
		sleep := backoff + jitter
		slog.Warn("retrying after failure",
			slog.String("op", p.Name),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("sleep", sleep),
			slog.Any("err", lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return lastErr
}
