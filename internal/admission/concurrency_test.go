package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConcurrencyGate_Validation(t *testing.T) {
	_, err := NewConcurrencyGate(0)
	assert.Error(t, err)
	_, err = NewConcurrencyGate(MaxConcurrency + 1)
	assert.Error(t, err)

	g, err := NewConcurrencyGate(MaxConcurrency)
	require.NoError(t, err)
	assert.Equal(t, MaxConcurrency, g.Capacity())
}

func TestConcurrencyGate_RejectsOverCapacity(t *testing.T) {
	const capacity = 3

	obs := &recordingObserver{}
	g, err := NewConcurrencyGate(capacity, WithLogger(discardLogger()), WithObserver(obs))
	require.NoError(t, err)

	release := make(chan struct{})
	handler := g.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	codes := make([]int, capacity)
	for i := 0; i < capacity; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
			codes[i] = rec.Code
		}(i)
	}

	require.Eventually(t, func() bool { return g.Active() == capacity }, time.Second, time.Millisecond)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "concurrency_limit_exceeded", body.Error.Code)
	assert.Equal(t, "Too many requests. Maximum concurrent requests: 3", body.Error.Message)

	close(release)
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusOK, code, "request %d", i)
	}
	assert.Equal(t, 0, g.Active())
	assertPermitsReturned(t, g, capacity)
	assert.Equal(t, []string{"concurrency/concurrency_limit_exceeded"}, obs.all())
}

func TestConcurrencyGate_ReleasesOnPanic(t *testing.T) {
	g, err := NewConcurrencyGate(1, WithLogger(discardLogger()))
	require.NoError(t, err)

	handler := g.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error.", decodeError(t, rec).Error.Message)
	assert.Equal(t, 0, g.Active())
	assertPermitsReturned(t, g, 1)

	// The slot is usable again.
	ok := g.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec = httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConcurrencyGate_AbortHandlerPropagates(t *testing.T) {
	g, err := NewConcurrencyGate(1, WithLogger(discardLogger()))
	require.NoError(t, err)

	handler := g.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	})
	assert.Equal(t, 0, g.Active())
	assertPermitsReturned(t, g, 1)
}

func TestConcurrencyGate_ReleasesOnCancellation(t *testing.T) {
	g, err := NewConcurrencyGate(2, WithLogger(discardLogger()))
	require.NoError(t, err)

	entered := make(chan struct{})
	handler := g.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}()

	<-entered
	assert.Equal(t, 1, g.Active())
	cancel()
	<-done
	assert.Equal(t, 0, g.Active())
	assertPermitsReturned(t, g, 2)
}

// assertPermitsReturned checks that every semaphore permit is free again.
func assertPermitsReturned(t *testing.T, g *ConcurrencyGate, capacity int) {
	t.Helper()
	require.True(t, g.sem.TryAcquire(int64(capacity)), "semaphore permits leaked")
	g.sem.Release(int64(capacity))
}
