package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
	"github.com/Ascend/MindInferenceService-sub000/internal/server"
)

const (
	// RateWindow is the length of one counting window.
	RateWindow = time.Minute
	// RateRetention is how long an idle window entry is kept before the
	// janitor removes it.
	RateRetention = 300 * time.Second
	// DefaultCleanupInterval is how often the janitor runs.
	DefaultCleanupInterval = 300 * time.Second
)

// rateWindowEntry is the counter for one client window.
type rateWindowEntry struct {
	count int
	start time.Time
}

// RateLimiter allows each client a fixed number of requests per window.
// The window opens at the client's first request, so a client can fit up to
// twice the limit into any 60 second span that straddles a window boundary.
type RateLimiter struct {
	limit           int
	cleanupInterval time.Duration

	mu      sync.Mutex
	entries map[string]*rateWindowEntry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	opts options
}

// NewRateLimiter returns a limiter allowing requestsPerMinute per client.
// A non-positive cleanupInterval selects DefaultCleanupInterval.
func NewRateLimiter(requestsPerMinute int, cleanupInterval time.Duration, opts ...Option) (*RateLimiter, error) {
	if requestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be positive, got %d", requestsPerMinute)
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &RateLimiter{
		limit:           requestsPerMinute,
		cleanupInterval: cleanupInterval,
		entries:         make(map[string]*rateWindowEntry),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		opts:            newOptions(opts),
	}, nil
}

func (l *RateLimiter) Name() string { return "rate_limit" }

func windowKey(identifier string) string {
	return identifier + ":minute"
}

// Allow checks and records one request for identifier. When denied it
// returns the whole seconds the client should wait (at least 1).
func (l *RateLimiter) Allow(identifier string) (allowed bool, remaining int, retryAfter int) {
	now := l.opts.now()
	key := windowKey(identifier)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if ok && now.Sub(entry.start) < RateWindow && entry.count >= l.limit {
		wait := int(math.Ceil((RateWindow - now.Sub(entry.start)).Seconds()))
		if wait < 1 {
			wait = 1
		}
		return false, 0, wait
	}

	if !ok || now.Sub(entry.start) >= RateWindow {
		l.entries[key] = &rateWindowEntry{count: 1, start: now}
		return true, l.limit - 1, 0
	}

	entry.count++
	return true, l.limit - entry.count, 0
}

// Wrap rejects clients over their limit and publishes the remaining budget
// as x-ratelimit-* headers.
func (l *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, retryAfter := l.Allow(ClientIP(r))
		if !allowed {
			l.opts.reject(w, r, l.Name(), domain.ErrRateLimit(retryAfter))
			return
		}

		ctx := server.SetRateLimits(r.Context(), &server.RateLimitInfo{
			RequestsLimit:     l.limit,
			RequestsRemaining: remaining,
			RequestsReset:     strconv.Itoa(int(RateWindow.Seconds())) + "s",
		})
		server.RateLimitNormalizingMiddleware(next).ServeHTTP(w, r.WithContext(ctx))
	})
}

// Len returns the number of tracked windows.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Cleanup removes windows that started more than RateRetention ago.
func (l *RateLimiter) Cleanup() int {
	now := l.opts.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, entry := range l.entries {
		if now.Sub(entry.start) > RateRetention {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Start runs the janitor until ctx is done or Close is called.
func (l *RateLimiter) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.janitor(ctx)
	})
}

func (l *RateLimiter) janitor(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.opts.logger.Debug("removed expired rate limit windows", slog.Int("count", n))
			}
		}
	}
}

// Close stops the janitor and waits for it to exit.
func (l *RateLimiter) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.startOnce.Do(func() {
		// Never started: nothing to wait for.
		close(l.done)
	})
	<-l.done
	return nil
}
