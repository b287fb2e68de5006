package gateway

import (
	"errors"
	"log/slog"
	"time"

	"github.com/Ascend/MindInferenceService-sub000/internal/backend"
	"github.com/Ascend/MindInferenceService-sub000/internal/observability"
	"github.com/Ascend/MindInferenceService-sub000/internal/storage"
	"github.com/Ascend/MindInferenceService-sub000/internal/tokens"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithLogger sets the logger shared by the router, guards and handlers.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithMetrics uses an existing metrics registry instead of a fresh one.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithBackend replaces the engine client built from config.
func WithBackend(c *backend.Client) Option {
	return func(g *Gateway) error {
		g.backend = c
		return nil
	}
}

// WithStore records admissions into store instead of the one selected by
// storage.type. The gateway closes it on Shutdown.
func WithStore(store storage.AdmissionStore) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithTokenCounter sets the counter used for usage estimation.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(g *Gateway) error {
		g.counter = c
		return nil
	}
}

// WithClock replaces time.Now for the guards and the normalizer.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		g.now = now
		return nil
	}
}
