package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rpm int, clock *fakeClock, opts ...Option) *RateLimiter {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger()), WithClock(clock.Now)}, opts...)
	l, err := NewRateLimiter(rpm, time.Hour, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	req.RemoteAddr = addr
	return req
}

func TestNewRateLimiter_Validation(t *testing.T) {
	_, err := NewRateLimiter(0, time.Minute)
	assert.Error(t, err)

	l, err := NewRateLimiter(10, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCleanupInterval, l.cleanupInterval)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 2, clock)

	handler := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:5000"))
		return rec
	}

	rec := serve()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("x-ratelimit-limit-requests"))
	assert.Equal(t, "1", rec.Header().Get("x-ratelimit-remaining-requests"))

	clock.Advance(10 * time.Second)
	rec = serve()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("x-ratelimit-remaining-requests"))

	clock.Advance(5 * time.Second)
	rec = serve()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Rate limit exceeded", body.Error.Message)
	assert.Equal(t, 45, body.Error.RetryAfter)
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))

	// Window opened at the first request; 60s later a new one starts.
	clock.Advance(45 * time.Second)
	rec = serve()
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_RetryAfterBounds(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 1, clock)

	allowed, _, _ := l.Allow("10.0.0.2")
	require.True(t, allowed)

	for _, step := range []time.Duration{0, 500 * time.Millisecond, 30 * time.Second, 29*time.Second + 400*time.Millisecond} {
		clock.Advance(step)
		allowed, _, retry := l.Allow("10.0.0.2")
		require.False(t, allowed)
		assert.GreaterOrEqual(t, retry, 1)
		assert.LessOrEqual(t, retry, 60)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 1, clock)

	a, _, _ := l.Allow("10.0.0.1")
	b, _, _ := l.Allow("10.0.0.2")
	again, _, _ := l.Allow("10.0.0.1")

	assert.True(t, a)
	assert.True(t, b)
	assert.False(t, again)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 5, clock)

	l.Allow("10.0.0.1")
	clock.Advance(200 * time.Second)
	l.Allow("10.0.0.2")

	clock.Advance(101 * time.Second)
	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.Len())
}

func TestRateLimiter_JanitorStops(t *testing.T) {
	clock := newFakeClock()
	l, err := NewRateLimiter(5, 5*time.Millisecond, WithLogger(discardLogger()), WithClock(clock.Now))
	require.NoError(t, err)

	l.Allow("10.0.0.1")
	clock.Advance(RateRetention + time.Second)

	l.Start(context.Background())
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() did not return")
	}

	// Close is idempotent.
	require.NoError(t, l.Close())
}

func TestRateLimiter_JanitorContextCancel(t *testing.T) {
	l, err := NewRateLimiter(5, time.Millisecond, WithLogger(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()

	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on context cancellation")
	}
	require.NoError(t, l.Close())
}

func TestRateLimiter_CloseWithoutStart(t *testing.T) {
	l, err := NewRateLimiter(5, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
