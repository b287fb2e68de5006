package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterOptions configures the middleware shared by every route.
type RouterOptions struct {
	Logger *slog.Logger
	// MaxLogFieldLen truncates request-scoped log fields.
	MaxLogFieldLen int
	// TrustForwardedHeaders rewrites RemoteAddr from X-Forwarded-For / X-Real-IP.
	TrustForwardedHeaders bool
	// ServiceName names the otelhttp server spans.
	ServiceName string
}

// NewRouter returns a chi router with the base middleware stack applied.
func NewRouter(opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "mis-gateway"
	}

	r := chi.NewRouter()

	if opts.TrustForwardedHeaders {
		r.Use(middleware.RealIP)
	}

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger, opts.MaxLogFieldLen))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	})

	return r
}
