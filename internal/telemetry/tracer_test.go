package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := InitTracer(TracerConfig{
		ServiceName:    "mis-gateway-test",
		ServiceVersion: "test",
		Writer:         &out,
		Synchronous:    true,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "admission-check")
	span.End()

	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, out.String(), "admission-check")
	assert.Contains(t, out.String(), "mis-gateway-test")
}
