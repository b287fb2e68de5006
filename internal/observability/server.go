package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// MetricsPath is where the metrics server exposes the registry.
const MetricsPath = "/v1/metrics"

// Server exposes metrics on a port separate from the API.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the metrics server bound to host:port.
func NewServer(m *Metrics, host string, port int, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, MetricsPath, m.Handler())

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves metrics in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", slog.String("addr", s.server.Addr), slog.String("path", MetricsPath))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
