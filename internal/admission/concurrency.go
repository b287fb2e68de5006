package admission

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
)

// MaxConcurrency is the ceiling for a configured concurrency capacity.
const MaxConcurrency = 512

// ConcurrencyGate bounds the number of requests in flight. Requests arriving
// while every slot is taken are rejected immediately instead of queueing.
type ConcurrencyGate struct {
	capacity int

	mu     sync.Mutex
	active int

	sem  *semaphore.Weighted
	opts options
}

// NewConcurrencyGate returns a gate with capacity slots.
func NewConcurrencyGate(capacity int, opts ...Option) (*ConcurrencyGate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("max concurrent requests must be positive, got %d", capacity)
	}
	if capacity > MaxConcurrency {
		return nil, fmt.Errorf("max concurrent requests cannot exceed %d, got %d", MaxConcurrency, capacity)
	}
	return &ConcurrencyGate{
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		opts:     newOptions(opts),
	}, nil
}

func (g *ConcurrencyGate) Name() string { return "concurrency" }

// Capacity returns the configured slot count.
func (g *ConcurrencyGate) Capacity() int { return g.capacity }

// Active returns the number of admitted requests that have not finished.
func (g *ConcurrencyGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *ConcurrencyGate) tryEnter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active >= g.capacity {
		return false
	}
	g.active++
	return true
}

func (g *ConcurrencyGate) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
}

// Wrap admits the request if a slot is free. The slot is released on every
// exit path, including a panic in next.
func (g *ConcurrencyGate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.tryEnter() {
			g.opts.reject(w, r, g.Name(), domain.ErrConcurrencyLimit(g.capacity))
			return
		}

		if err := g.sem.Acquire(r.Context(), 1); err != nil {
			// Client went away while waiting for a permit.
			g.exit()
			return
		}

		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			rec := recover()

			g.sem.Release(1)
			g.exit()

			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			g.opts.logger.LogAttrs(r.Context(), slog.LevelError, "handler panicked",
				slog.String("client_ip", ClientIP(r)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			if !tw.wroteHeader {
				domain.WriteError(w, domain.ErrInternal())
			}
		}()

		next.ServeHTTP(tw, r)
	})
}
