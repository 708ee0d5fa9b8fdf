package download

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the fetch failure taxonomy. Callers branch on these to
// pick the user-facing reply; NetworkError covers everything transient that
// survived the retry budget.
var (
	ErrAuthRequired      = errors.New("download: authentication required")
	ErrNotFound          = errors.New("download: media not found")
	ErrUnsupportedFormat = errors.New("download: unsupported format")
	ErrTooLong           = errors.New("download: media exceeds duration limit")
)

// NetworkError marks a transient transport failure that exhausted its
// retries.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "download: network failure: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// classifyRun maps a failed yt-dlp invocation to a sentinel error using the
// stderr text. Patterns are checked fatal-first so an auth wall is never
// retried; anything unrecognized is left as-is and treated as transient.
//
// Fatal:
//   - auth walls (login required, bot checks, private or subscriber content)
//   - missing content (404, removed, deleted)
//   - extractor failures (unsupported URL, no usable format)
//
// Transient:
//   - network errors (reset, refused, timeout, DNS)
//   - server errors (5xx) and rate limiting (429)
//   - incomplete fragment downloads
func classifyRun(runErr error, stderr string) error {
	lower := strings.ToLower(stderr)
	if lower == "" {
		lower = strings.ToLower(runErr.Error())
	}

	// Server-side errors first so "503 service unavailable" is not swallowed
	// by the unavailable-content patterns below.
	serverPatterns := []string{
		"500", "502", "503", "504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
	}
	for _, p := range serverPatterns {
		if strings.Contains(lower, p) {
			return transientRun(runErr, stderr)
		}
	}

	authPatterns := []string{
		"login required",
		"logged in",
		"sign in to confirm",
		"authentication",
		"401",
		"403",
		"private video",
		"private account",
		"this post is private",
		"only available for registered users",
		"subscriber",
		"cookies",
		"account has been",
		"rate-limit reached",
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: %s", ErrAuthRequired, firstLine(stderr))
		}
	}

	notFoundPatterns := []string{
		"404",
		"not found",
		"video unavailable",
		"content isn't available",
		"no longer available",
		"does not exist",
		"has been removed",
		"deleted",
		"page does not",
	}
	for _, p := range notFoundPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: %s", ErrNotFound, firstLine(stderr))
		}
	}

	formatPatterns := []string{
		"unsupported url",
		"no video formats found",
		"requested format is not available",
		"unable to extract",
		"not a video",
		"no suitable",
		"is not a valid url",
	}
	for _, p := range formatPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: %s", ErrUnsupportedFormat, firstLine(stderr))
		}
	}

	return transientRun(runErr, stderr)
}

// transientRun keeps the original error retryable while preserving the most
// useful line of stderr for logs.
func transientRun(runErr error, stderr string) error {
	if line := firstLine(stderr); line != "" {
		return fmt.Errorf("yt-dlp: %w: %s", runErr, line)
	}
	return fmt.Errorf("yt-dlp: %w", runErr)
}

// firstLine returns the first non-empty ERROR line of yt-dlp output, or the
// first non-empty line when none is marked.
func firstLine(s string) string {
	var fallback string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "ERROR") {
			return line
		}
		if fallback == "" {
			fallback = line
		}
	}
	return fallback
}

// asTaxonomy normalizes a fetch failure: taxonomy sentinels and context
// errors pass through, anything still transient has exhausted its retries
// and becomes a NetworkError.
func asTaxonomy(err error) error {
	if err == nil || !isTransient(err) {
		return err
	}
	return &NetworkError{Err: err}
}

// isTransient is the retry predicate: fatal taxonomy errors and context
// cancellation stop the loop, everything else gets another attempt.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuthRequired),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrTooLong),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
