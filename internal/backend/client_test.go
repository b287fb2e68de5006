package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	statuses []int
}

func (o *recordingObserver) BackendResult(status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func TestClient_ChatCompletion(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	c := NewClient(srv.URL+"/", WithObserver(obs))

	body, err := c.ChatCompletion(context.Background(), []byte(`{"model":"m"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"choices":[]}`, string(body))
	assert.Equal(t, `{"model":"m"}`, gotBody)
	assert.Equal(t, []int{http.StatusOK}, obs.statuses)
	assert.Equal(t, srv.URL, c.BaseURL())
}

func TestClient_StreamChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	stream, err := NewClient(srv.URL).StreamChatCompletion(context.Background(), []byte(`{"stream":true}`))
	require.NoError(t, err)
	defer stream.Close()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "data: {}\n\ndata: [DONE]\n\n", string(data))
}

func TestClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	_, err := NewClient(srv.URL, WithObserver(obs)).StreamChatCompletion(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, IsError(err))

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusServiceUnavailable, be.StatusCode)
	assert.Contains(t, be.Body, "engine busy")
	assert.Equal(t, []int{http.StatusServiceUnavailable}, obs.statuses)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	obs := &recordingObserver{}
	err := NewClient(url, WithObserver(obs)).Health(context.Background())
	require.Error(t, err)

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Zero(t, be.StatusCode)
	assert.Contains(t, be.Error(), "backend request failed")
	assert.Equal(t, []int{0}, obs.statuses)
}

func TestClient_ModelsAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(&http.Client{Timeout: time.Second}))

	body, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"object":"list","data":[]}`, string(body))
	assert.NoError(t, c.Health(context.Background()))
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(srv.URL).ChatCompletion(ctx, []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
