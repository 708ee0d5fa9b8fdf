// Package pipeline sequences one chat request through classification,
// quota reservation, download, extraction, and delivery. Stage order is
// fixed, each stage runs at most once, and the media working directory is
// released before Handle returns on every path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mognev/recipebot/download"
	"github.com/mognev/recipebot/openaiapi"
	"github.com/mognev/recipebot/platform"
	"github.com/mognev/recipebot/recipe"
	"github.com/mognev/recipebot/store"
	"github.com/mognev/recipebot/telemetry"
)

// Request is the immutable unit of work created at pipeline entry.
type Request struct {
	ID     string
	UserID int64
	ChatID int64
	URL    string
}

// Response is the assembled result. Media is only valid inside the Deliver
// callback; the file is gone once Handle returns.
type Response struct {
	Platform platform.Platform
	Media    *download.Media
	Recipe   *recipe.Recipe
}

// DeliverFunc receives the response while the media scope is still alive,
// so the caller can stream the file out before it is released.
type DeliverFunc func(ctx context.Context, res *Response) error

// Fetcher abstracts media retrieval (for tests/mocks).
type Fetcher interface {
	Fetch(ctx context.Context, st store.Store, requestID, rawURL string, p platform.Platform) (*download.Media, error)
}

// Extractor abstracts recipe extraction.
type Extractor interface {
	Extract(ctx context.Context, media *download.Media) (*recipe.Recipe, error)
}

// default implementations wrap the real packages.
type ytDLPFetcher struct{}

func (ytDLPFetcher) Fetch(ctx context.Context, st store.Store, requestID, rawURL string, p platform.Platform) (*download.Media, error) {
	return download.Fetch(ctx, st, requestID, rawURL, p)
}

type modelExtractor struct{}

func (modelExtractor) Extract(ctx context.Context, media *download.Media) (*recipe.Recipe, error) {
	ex := &recipe.Extractor{Client: &openaiapi.Client{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
	}}
	return ex.Extract(ctx, media)
}

// configurable for tests
var (
	fetcher   Fetcher   = ytDLPFetcher{}
	extractor Extractor = modelExtractor{}
)

// Handle runs the full pipeline for one request. Expected failures come
// back as taxonomy sentinels wrapped with the stage that produced them;
// cancellation and storage faults propagate unchanged. Requests from the
// same user are serialized, different users run in parallel.
func Handle(ctx context.Context, st store.Store, req Request, deliver DeliverFunc) error {
	logger := slog.Default().With(
		slog.String("request_id", req.ID),
		slog.Int64("user_id", req.UserID),
		slog.String("component", "pipeline"),
	)

	unlock, err := lockUser(ctx, req.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	total := time.Now()
	if err := st.CreateRequest(ctx, &store.Request{
		ID:     req.ID,
		UserID: req.UserID,
		ChatID: req.ChatID,
		URL:    req.URL,
		Stage:  store.StageClassifying,
	}); err != nil {
		return fmt.Errorf("journal create: %w", err)
	}

	// Classifying
	stageStart := time.Now()
	p, err := platform.Classify(req.URL)
	if err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageClassifying, "unknown", err)
	}
	plat := string(p)
	if err := st.SetRequestPlatform(ctx, req.ID, plat); err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageClassifying, plat, err)
	}
	telemetry.ObserveStage(store.StageClassifying, time.Since(stageStart))
	logger = logger.With(slog.String("platform", plat))

	// Reserving. Quota is charged before any network work; a reservation is
	// never refunded when a later stage fails.
	stageStart = time.Now()
	if err := st.SetRequestStage(ctx, req.ID, store.StageReserving); err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageReserving, plat, err)
	}
	if admin := adminUserID(); admin != 0 && req.UserID == admin {
		logger.Info("quota reservation skipped for admin")
	} else if err := st.ReserveUse(ctx, req.UserID, freeLimit()); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			telemetry.CountQuotaDenied()
		}
		return failStage(ctx, st, logger, req.ID, store.StageReserving, plat, err)
	}
	telemetry.ObserveStage(store.StageReserving, time.Since(stageStart))

	// Downloading
	stageStart = time.Now()
	if err := st.SetRequestStage(ctx, req.ID, store.StageDownloading); err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageDownloading, plat, err)
	}
	dlCtx, cancelDL := context.WithTimeout(ctx, downloadTimeout())
	media, err := fetcher.Fetch(dlCtx, st, req.ID, req.URL, p)
	cancelDL()
	if err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageDownloading, plat, err)
	}
	defer media.Discard()
	dlDur := time.Since(stageStart)
	telemetry.ObserveStage(store.StageDownloading, dlDur)
	logger.Info("download complete",
		slog.String("path", media.Path),
		slog.Int64("bytes", media.Bytes),
		slog.Duration("download_duration", dlDur))

	// Extracting. One retry when the model rate limits, then surface.
	stageStart = time.Now()
	if err := st.SetRequestStage(ctx, req.ID, store.StageExtracting); err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageExtracting, plat, err)
	}
	rec, err := extractor.Extract(ctx, media)
	if errors.Is(err, recipe.ErrRateLimited) {
		delay := extractRetryDelay()
		telemetry.CountExtractRetry()
		logger.Warn("model rate limited, retrying once", slog.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return failStage(ctx, st, logger, req.ID, store.StageExtracting, plat, ctx.Err())
		}
		rec, err = extractor.Extract(ctx, media)
	}
	if err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageExtracting, plat, err)
	}
	telemetry.ObserveStage(store.StageExtracting, time.Since(stageStart))
	logger.Info("recipe extracted",
		slog.String("title", rec.Title),
		slog.Int("ingredients", len(rec.Ingredients)),
		slog.Int("steps", len(rec.Steps)))

	// Assembling
	stageStart = time.Now()
	if err := st.SetRequestStage(ctx, req.ID, store.StageAssembling); err != nil {
		return failStage(ctx, st, logger, req.ID, store.StageAssembling, plat, err)
	}
	if deliver != nil {
		res := &Response{Platform: p, Media: media, Recipe: rec}
		if err := deliver(ctx, res); err != nil {
			return failStage(ctx, st, logger, req.ID, store.StageAssembling, plat, err)
		}
	}
	telemetry.ObserveStage(store.StageAssembling, time.Since(stageStart))

	if err := st.FinishRequest(ctx, req.ID, rec.Title, media.Bytes, int(media.DurationSeconds)); err != nil {
		logger.Warn("failed to journal completion", slog.Any("err", err))
	}
	telemetry.RecordRequest(plat, "done")
	logger.Info("pipeline complete", slog.Duration("total_duration", time.Since(total)))
	return nil
}

// failStage journals the failure and wraps the stage error for the caller.
// The journal write runs on a detached context: a canceled request must
// still land in the failed stage instead of sticking at its last one.
func failStage(ctx context.Context, st store.Store, logger *slog.Logger, id, stage, plat string, err error) error {
	telemetry.RecordRequest(plat, "failed")
	reason := fmt.Sprintf("%s: %v", stage, err)
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := st.FailRequest(jctx, id, reason); ferr != nil {
		logger.Warn("failed to journal failure", slog.Any("err", ferr))
	}
	logger.Error("pipeline stage failed", slog.String("stage", stage), slog.Any("err", err))
	return fmt.Errorf("%s: %w", stage, err)
}

func freeLimit() int {
	if s := os.Getenv("FREE_LIMIT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 6
}

func adminUserID() int64 {
	if s := os.Getenv("ADMIN_USER_ID"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func downloadTimeout() time.Duration {
	if s := os.Getenv("DOWNLOAD_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return 10 * time.Minute
}

func extractRetryDelay() time.Duration {
	if s := os.Getenv("EXTRACT_RETRY_DELAY"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d >= 0 {
			return d
		}
	}
	return 5 * time.Second
}
