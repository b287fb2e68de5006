package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ascend/MindInferenceService-sub000/pkg/gateway"
)

func TestEmbeddedGateway(t *testing.T) {
	cfg, err := gateway.LoadConfig("")
	require.NoError(t, err)
	cfg.Metrics.Enabled = false
	cfg.Auth.APIKey = "k"

	gw, err := gateway.New(cfg, gateway.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/openai/v1/chat/completions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
