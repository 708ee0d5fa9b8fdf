// Package server exposes the operations HTTP API: health and readiness
// probes, Prometheus metrics, the request journal, quota administration,
// and credential upload. It includes permissive CORS for development and
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mognev/recipebot/config"
	"github.com/mognev/recipebot/store"
	"github.com/mognev/recipebot/telemetry"
)

// getSensitiveEndpointPattern returns a compiled regex matching endpoints
// that mutate in-flight work and therefore sit behind the rate limiter.
// The pattern is lazily compiled on first use.
var getSensitiveEndpointPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^/requests/[^/]+/cancel$`)
})

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, st store.Store, cfg *config.Config) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(ctx, rateLimiterCfg)

	handlers := NewHandlers(st, cfg)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Config and status endpoints
	mux.HandleFunc("/config", handlers.HandleConfig)
	mux.HandleFunc("/status", handlers.HandleStatus)

	// Request journal endpoints
	mux.HandleFunc("/requests", handlers.HandleRequestsList)
	mux.HandleFunc("/requests/", handlers.HandleRequestsDispatcher)

	// Quota and credential administration
	mux.HandleFunc("/users/", handlers.HandleUsersDispatcher)
	mux.HandleFunc("/credentials/", handlers.HandleCredentials)

	// Selective middleware: auth plus rate limiting on the operator-only
	// surface, rate limiting alone on cancel.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requiresAdmin(r) {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}

		if getSensitiveEndpointPattern().MatchString(r.URL.Path) {
			rateLimitMiddleware(mux, rateLimiter).ServeHTTP(w, r)
			return
		}

		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// requiresAdmin reports whether the request hits an operator-only endpoint:
// quota grants, credential upload, and config writes.
func requiresAdmin(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/credentials/") {
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/users/") && strings.HasSuffix(r.URL.Path, "/grant") {
		return true
	}
	if r.URL.Path == "/config" && r.Method != http.MethodGet {
		return true
	}
	return false
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, st store.Store, cfg *config.Config) error {
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      NewMux(ctx, st, cfg),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// WithoutCancel inherits context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
