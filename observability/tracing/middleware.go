package tracing

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns HTTP middleware that creates a server span for each
// request and propagates trace context from incoming headers. A nil provider
// uses the global one.
func Middleware(tp trace.TracerProvider, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		opts := []otelhttp.Option{
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		}
		if tp != nil {
			opts = append(opts, otelhttp.WithTracerProvider(tp))
		}
		return otelhttp.NewHandler(next, operation, opts...)
	}
}
