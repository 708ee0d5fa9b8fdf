// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RequestsTotal     *prometheus.CounterVec
	QuotaDenied       prometheus.Counter
	ExtractRetries    prometheus.Counter
	TelegramAPIErrors prometheus.Counter

	// Histograms (seconds)
	StageDuration *prometheus.HistogramVec

	// Gauges
	DownloadsActive prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recipebot_requests_total", Help: "Finished recipe requests by platform and outcome"}, []string{"platform", "outcome"})
		QuotaDenied = promauto.NewCounter(prometheus.CounterOpts{Name: "recipebot_quota_denied_total", Help: "Requests rejected by the lifetime quota"})
		ExtractRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "recipebot_extract_retries_total", Help: "Extraction retries after model rate limiting"})
		TelegramAPIErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "recipebot_telegram_api_errors_total", Help: "Failed Telegram Bot API calls"})
		StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "recipebot_stage_duration_seconds", Help: "Pipeline stage duration seconds", Buckets: prometheus.DefBuckets}, []string{"stage"})
		DownloadsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "recipebot_downloads_active", Help: "Downloads currently holding a slot"})
	})
}

// RecordRequest counts a finished request by platform and outcome.
func RecordRequest(platform, outcome string) {
	if RequestsTotal != nil {
		RequestsTotal.WithLabelValues(platform, outcome).Inc()
	}
}

// ObserveStage records one pipeline stage duration.
func ObserveStage(stage string, d time.Duration) {
	if StageDuration != nil {
		StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// SetActiveDownloads records the number of downloads holding a slot.
func SetActiveDownloads(n int) {
	if DownloadsActive != nil {
		DownloadsActive.Set(float64(n))
	}
}

// CountQuotaDenied increments the quota rejection counter.
func CountQuotaDenied() {
	if QuotaDenied != nil {
		QuotaDenied.Inc()
	}
}

// CountExtractRetry increments the extraction retry counter.
func CountExtractRetry() {
	if ExtractRetries != nil {
		ExtractRetries.Inc()
	}
}

// CountTelegramAPIError increments the Telegram API failure counter.
func CountTelegramAPIError() {
	if TelegramAPIErrors != nil {
		TelegramAPIErrors.Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
