// Package api exposes the subscription runtime over HTTP JSON endpoints.
package api

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/subscriptions/observability/tracing"
)

// Config holds configuration for the API layer.
type Config struct {
	// RateLimit is the maximum number of requests per minute per client IP.
	// Defaults to 600 when zero.
	RateLimit int
	// Metrics, when set, is served at MetricsPath.
	Metrics     http.Handler
	MetricsPath string
	// TracerProvider creates the server spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

// Router is the HTTP handler of the service.
type Router struct {
	handler http.Handler
	limiter *RateLimiter
}

// NewRouter registers every route. Call Stop when the server is done.
func NewRouter(svc Service, cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	limiter := NewRateLimiter(cfg.RateLimit)
	rl := limiter.Middleware

	subH := NewSubscriptionHandler(svc, logger)
	mux.Handle("POST /api/subscription", rl(http.HandlerFunc(subH.Start)))
	mux.Handle("GET /api/subscription/{id}", rl(http.HandlerFunc(subH.Get)))
	mux.Handle("DELETE /api/subscription/{id}", rl(http.HandlerFunc(subH.Cancel)))
	mux.Handle("POST /api/subscription/{id}", rl(http.HandlerFunc(subH.Update)))
	mux.Handle("GET /api/subscription/{id}/history", rl(http.HandlerFunc(subH.History)))
	mux.Handle("GET /api/subscriptions", rl(http.HandlerFunc(subH.List)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, cfg.Metrics)
	}

	var h http.Handler = mux
	h = RequestLogger(logger)(h)
	h = tracing.Middleware(cfg.TracerProvider, "subscriptions.api")(h)
	return &Router{handler: h, limiter: limiter}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// Stop releases the rate limiter.
func (rt *Router) Stop() {
	rt.limiter.Stop()
}
