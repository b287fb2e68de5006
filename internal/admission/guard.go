// Package admission implements the guard chain that protects the inference
// backend: request size limits, a concurrency gate, a per-client rate limiter
// and a request deadline.
package admission

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
)

// Guard is one admission stage.
type Guard interface {
	// Name identifies the guard in logs and metrics.
	Name() string
	// Wrap returns a handler that enforces the guard before calling next.
	Wrap(next http.Handler) http.Handler
}

// Chain composes guards around h. The first guard sees the request first.
func Chain(h http.Handler, guards ...Guard) http.Handler {
	for i := len(guards) - 1; i >= 0; i-- {
		h = guards[i].Wrap(h)
	}
	return h
}

// Observer receives admission rejections.
type Observer interface {
	Rejected(guard, code string)
}

// Option configures the ambient dependencies of a guard.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used for rejection and failure logs.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver reports rejections to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// reject writes err to the client and reports it.
func (o options) reject(w http.ResponseWriter, r *http.Request, guard string, err *domain.APIError) {
	o.report(r, guard, err)
	domain.WriteError(w, err)
}

// report logs a rejection, tags the request span and notifies the observer.
func (o options) report(r *http.Request, guard string, err *domain.APIError) {
	trace.SpanFromContext(r.Context()).AddEvent("admission.rejected", trace.WithAttributes(
		attribute.String("admission.guard", guard),
		attribute.String("admission.code", string(err.Code)),
	))

	o.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected",
		slog.String("guard", guard),
		slog.String("client_ip", ClientIP(r)),
		slog.Int("status", err.HTTPStatusCode()),
		slog.String("reason", err.Message),
	)

	if o.observer != nil {
		o.observer.Rejected(guard, string(err.Code))
	}
}

// ClientIP returns the peer address of r without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr already rewritten to a bare IP (chi middleware.RealIP).
		return r.RemoteAddr
	}
	return host
}

// trackingWriter records whether a response has started.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(b)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		tw.wroteHeader = true
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
