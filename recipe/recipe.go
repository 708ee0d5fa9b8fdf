// Package recipe turns downloaded cooking videos into structured recipes via
// the model service: transcription, a versioned chat prompt, and layered
// output parsing.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/mognev/recipebot/download"
	"github.com/mognev/recipebot/openaiapi"
)

// promptVersion tags the extraction prompt so logged requests can be
// compared across prompt changes.
const promptVersion = "v2"

// v1 asked for ingredient objects and normalized them after the fact; v2
// asks for the flat strings directly. parseJSON still accepts both shapes.
const systemPrompt = "You are a culinary assistant. Return strict JSON " +
	`{"title", "ingredients", "steps", "extra"}. ` +
	`"ingredients" is an array of strings, each "name — quantity". ` +
	`"steps" is an array of short imperative strings, one per step. ` +
	`"extra" is optional serving or storage notes. ` +
	"Answer in the language of the source text. Output JSON only, no markdown."

// Recipe is the structured result delivered to the user. RawText keeps the
// unparsed model output for the request journal.
type Recipe struct {
	Title       string   `json:"title"`
	Ingredients []string `json:"ingredients"`
	Steps       []string `json:"steps"`
	Extra       string   `json:"extra,omitempty"`
	RawText     string   `json:"-"`
}

// Extraction failure taxonomy. The orchestrator retries once on
// ErrRateLimited; everything else surfaces immediately.
var (
	ErrRateLimited        = errors.New("recipe: model rate limited")
	ErrTimeout            = errors.New("recipe: extraction timed out")
	ErrParseFailure       = errors.New("recipe: model output unusable")
	ErrServiceUnavailable = errors.New("recipe: model service unavailable")
)

// Extractor drives the two model calls for one media item. It never writes
// to the media.
type Extractor struct {
	Client *openaiapi.Client
}

// Extract transcribes the media, asks for a structured recipe, and parses
// the reply. A transcript-less video still works off its caption; an
// unparseable reply is an error, never a degraded recipe.
func (e *Extractor) Extract(ctx context.Context, media *download.Media) (*Recipe, error) {
	transcript, err := e.transcribe(ctx, media.Path)
	if err != nil {
		var ae *openaiapi.APIError
		if errors.As(err, &ae) && ae.StatusCode >= 400 && ae.StatusCode < 500 && ae.StatusCode != http.StatusTooManyRequests {
			// e.g. no audio track; the caption alone is often enough
			slog.Warn("transcription rejected, continuing with caption only", slog.Int("status", ae.StatusCode), slog.String("msg", ae.Message))
			transcript = ""
		} else {
			return nil, mapServiceError(err)
		}
	}

	chatCtx, cancel := context.WithTimeout(ctx, extractTimeout())
	defer cancel()
	raw, err := e.Client.ChatJSON(chatCtx, systemPrompt, userMessage(media.Description, transcript))
	if err != nil {
		return nil, mapServiceError(err)
	}

	r, err := Parse(raw)
	if err != nil {
		slog.Warn("recipe parse failed", slog.String("prompt_version", promptVersion), slog.Int("raw_len", len(raw)))
		return nil, err
	}
	r.RawText = raw
	return r, nil
}

func (e *Extractor) transcribe(ctx context.Context, path string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, transcribeTimeout())
	defer cancel()
	return e.Client.Transcribe(tctx, path)
}

// userMessage mirrors the prompt layout the extraction was tuned on:
// caption first, separator, then transcript.
func userMessage(caption, transcript string) string {
	if transcript == "" {
		transcript = "[no audio]"
	}
	return "Caption:\n" + caption + "\n---\nTranscript:\n" + transcript
}

// mapServiceError folds transport and service failures into the extraction
// taxonomy.
func mapServiceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case openaiapi.IsRateLimited(err):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case openaiapi.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		// could not reach the service at all
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return err
}

func extractTimeout() time.Duration {
	if s := os.Getenv("EXTRACT_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return 90 * time.Second
}

func transcribeTimeout() time.Duration {
	if s := os.Getenv("TRANSCRIBE_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return 120 * time.Second
}
