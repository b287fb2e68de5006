package admission

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
)

// MaxRequestTimeout is the ceiling for a configured request timeout.
const MaxRequestTimeout = 2500 * time.Second

// drainWarnInterval is how often a slow drain after cancellation is logged.
const drainWarnInterval = 5 * time.Second

// DeadlineGuard bounds the wall-clock time of a request. At the deadline the
// handler's context is cancelled, further writes from it are refused, and the
// guard waits for the handler to return before answering 408.
type DeadlineGuard struct {
	timeout time.Duration
	opts    options
}

// NewDeadlineGuard returns a guard enforcing timeout.
func NewDeadlineGuard(timeout time.Duration, opts ...Option) (*DeadlineGuard, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive, got %s", timeout)
	}
	if timeout > MaxRequestTimeout {
		return nil, fmt.Errorf("request timeout cannot exceed %s, got %s", MaxRequestTimeout, timeout)
	}
	return &DeadlineGuard{timeout: timeout, opts: newOptions(opts)}, nil
}

func (g *DeadlineGuard) Name() string { return "deadline" }

// Timeout returns the configured deadline.
func (g *DeadlineGuard) Timeout() time.Duration { return g.timeout }

func (g *DeadlineGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		dw := &deadlineWriter{w: w}
		done := make(chan struct{})
		var panicVal any

		go func() {
			defer close(done)
			defer func() {
				panicVal = recover()
			}()
			next.ServeHTTP(dw, r.WithContext(ctx))
		}()

		timer := time.NewTimer(g.timeout)
		defer timer.Stop()

		select {
		case <-done:
			g.finish(w, r, dw, panicVal)

		case <-timer.C:
			// A handler that completed as the timer fired keeps its response.
			select {
			case <-done:
				g.finish(w, r, dw, panicVal)
				return
			default:
			}

			started := dw.fence()
			cancel()
			g.drain(r, done)

			if panicVal != nil && panicVal != http.ErrAbortHandler {
				g.opts.logger.LogAttrs(r.Context(), slog.LevelError, "handler panicked while cancelling",
					slog.String("client_ip", ClientIP(r)),
					slog.Any("panic", panicVal),
				)
				g.respond(w, r, started, domain.ErrCancellationFailed())
				return
			}

			if started {
				g.opts.logger.LogAttrs(r.Context(), slog.LevelWarn, "request timed out after response started",
					slog.String("client_ip", ClientIP(r)),
					slog.Duration("timeout", g.timeout),
				)
			}
			g.respond(w, r, started, domain.ErrTimeout())

		case <-r.Context().Done():
			dw.fence()
			cancel()
			g.drain(r, done)
			g.opts.logger.LogAttrs(context.WithoutCancel(r.Context()), slog.LevelInfo, "client disconnected",
				slog.String("client_ip", ClientIP(r)),
			)
		}
	})
}

// respond answers a request cancelled at its deadline. The handler has been
// drained, so w belongs to the guard. A started event stream gets a terminal
// error frame; any other started response is left as it is.
func (g *DeadlineGuard) respond(w http.ResponseWriter, r *http.Request, started bool, err *domain.APIError) {
	if !started {
		g.opts.reject(w, r, g.Name(), err)
		return
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream") {
		return
	}
	g.opts.report(r, g.Name(), err)
	domain.WriteStreamError(w, err)
}

// finish handles a handler that returned before the deadline.
func (g *DeadlineGuard) finish(w http.ResponseWriter, r *http.Request, dw *deadlineWriter, panicVal any) {
	if panicVal == nil {
		return
	}
	if panicVal == http.ErrAbortHandler {
		panic(panicVal)
	}
	g.opts.logger.LogAttrs(r.Context(), slog.LevelError, "handler panicked",
		slog.String("client_ip", ClientIP(r)),
		slog.Any("panic", panicVal),
		slog.String("stack", string(debug.Stack())),
	)
	if !dw.fence() {
		domain.WriteError(w, domain.ErrInternal())
	}
}

// drain blocks until the handler goroutine has returned.
func (g *DeadlineGuard) drain(r *http.Request, done <-chan struct{}) {
	ticker := time.NewTicker(drainWarnInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			g.opts.logger.LogAttrs(context.WithoutCancel(r.Context()), slog.LevelWarn, "waiting for cancelled request to finish",
				slog.String("client_ip", ClientIP(r)),
				slog.Duration("waited", time.Since(start)),
			)
		}
	}
}

// deadlineWriter passes writes through until it is fenced. Once fenced every
// write fails with http.ErrHandlerTimeout.
type deadlineWriter struct {
	w http.ResponseWriter

	mu          sync.Mutex
	wroteHeader bool
	fenced      bool
}

func (dw *deadlineWriter) Header() http.Header {
	return dw.w.Header()
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.fenced || dw.wroteHeader {
		return
	}
	dw.wroteHeader = true
	dw.w.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.fenced {
		return 0, http.ErrHandlerTimeout
	}
	dw.wroteHeader = true
	return dw.w.Write(b)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (dw *deadlineWriter) Flush() {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.fenced {
		return
	}
	if f, ok := dw.w.(http.Flusher); ok {
		dw.wroteHeader = true
		f.Flush()
	}
}

// fence blocks further writes and reports whether a response had started.
func (dw *deadlineWriter) fence() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.fenced = true
	return dw.wroteHeader
}
