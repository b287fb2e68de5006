// Package gateway assembles the MIS inference gateway: the admission guard
// chain in front of the engine, the response normalizer, and the HTTP and
// metrics servers.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Ascend/MindInferenceService-sub000/internal/admission"
	"github.com/Ascend/MindInferenceService-sub000/internal/backend"
	"github.com/Ascend/MindInferenceService-sub000/internal/observability"
	"github.com/Ascend/MindInferenceService-sub000/internal/pkg/config"
	"github.com/Ascend/MindInferenceService-sub000/internal/server"
	"github.com/Ascend/MindInferenceService-sub000/internal/storage"
	"github.com/Ascend/MindInferenceService-sub000/internal/storage/memory"
	"github.com/Ascend/MindInferenceService-sub000/internal/storage/sqlite"
	"github.com/Ascend/MindInferenceService-sub000/internal/tokens"
)

const (
	// BackendMindIE needs its responses normalized.
	BackendMindIE = "mindie"
	// BackendVLLM already speaks the canonical schema.
	BackendVLLM = "vllm"

	healthTimeout     = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Gateway owns every piece of shared state: the guard instances (and with
// them the concurrency counter and rate windows), the engine client, the
// audit store and the servers.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	backend *backend.Client
	store   storage.AdmissionStore
	counter *tokens.Counter
	now     func() time.Time

	// Admission guards, in chain order. Nil when admission is disabled.
	size     *admission.SizeGuard
	gate     *admission.ConcurrencyGate
	limiter  *admission.RateLimiter
	deadline *admission.DeadlineGuard
	guards   []admission.Guard

	router        *chi.Mux
	server        *http.Server
	metricsServer *observability.Server

	// Lifecycle management
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New builds a gateway from cfg. Invalid admission settings fail here,
// before anything is served.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}

	g := &Gateway{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if g.metrics == nil {
		g.metrics = observability.NewMetrics()
	}
	if g.backend == nil {
		g.backend = backend.NewClient(cfg.Backend.BaseURL(),
			backend.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					Proxy:                 nil,
					ResponseHeaderTimeout: cfg.Backend.Timeout,
					MaxIdleConnsPerHost:   cfg.Admission.MaxConcurrentRequests,
				},
			}),
			backend.WithObserver(g.metrics),
		)
	}
	if g.counter == nil && cfg.Normalizer.EstimateUsage {
		g.counter = tokens.NewCounter()
	}
	if g.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		g.store = store
	}

	if cfg.Admission.Enabled {
		if err := g.initGuards(); err != nil {
			if g.store != nil {
				_ = g.store.Close()
			}
			return nil, err
		}
	}

	g.router = g.routes()
	return g, nil
}

// openStore selects the audit store named by storage.type.
func openStore(cfg config.StorageConfig) (storage.AdmissionStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.MemoryCapacity), nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

// initGuards builds the guard chain once: size, concurrency, rate, deadline.
func (g *Gateway) initGuards() error {
	a := g.cfg.Admission
	guardOpts := []admission.Option{
		admission.WithLogger(g.logger),
		admission.WithObserver(g.metrics),
		admission.WithClock(g.now),
	}

	var err error
	if g.size, err = admission.NewSizeGuard(a.MaxHeaderSize, a.MaxBodySize, guardOpts...); err != nil {
		return fmt.Errorf("size guard: %w", err)
	}
	if g.gate, err = admission.NewConcurrencyGate(a.MaxConcurrentRequests, guardOpts...); err != nil {
		return fmt.Errorf("concurrency gate: %w", err)
	}
	if g.limiter, err = admission.NewRateLimiter(a.RequestsPerMinute, a.CleanupInterval, guardOpts...); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if g.deadline, err = admission.NewDeadlineGuard(a.RequestTimeout, guardOpts...); err != nil {
		return fmt.Errorf("deadline guard: %w", err)
	}

	g.guards = []admission.Guard{g.size, g.gate, g.limiter, g.deadline}
	g.metrics.TrackActive(g.gate.Active)

	g.logger.Info("admission control enabled",
		slog.Int("max_header_size", a.MaxHeaderSize),
		slog.Int64("max_body_size", a.MaxBodySize),
		slog.Int("max_concurrent_requests", a.MaxConcurrentRequests),
		slog.Int("requests_per_minute", a.RequestsPerMinute),
		slog.Duration("request_timeout", a.RequestTimeout))
	return nil
}

// Handler returns the API router.
func (g *Gateway) Handler() http.Handler { return g.router }

// Metrics returns the gateway collectors.
func (g *Gateway) Metrics() *observability.Metrics { return g.metrics }

// Store returns the audit store, nil when auditing is disabled.
func (g *Gateway) Store() storage.AdmissionStore { return g.store }

// ActiveRequests returns the number of requests holding a gate slot.
func (g *Gateway) ActiveRequests() int {
	if g.gate == nil {
		return 0
	}
	return g.gate.Active()
}

// Start binds the API (and metrics) listeners and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.New("gateway already started")
	}

	tlsConfig, err := g.tlsConfig()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(g.cfg.Server.Host, fmt.Sprint(g.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, g.cancel = context.WithCancel(ctx)
	if g.limiter != nil {
		g.limiter.Start(ctx)
	}

	g.server = &http.Server{
		Handler:           g.router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    max(http.DefaultMaxHeaderBytes, g.cfg.Admission.MaxHeaderSize+4096),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	srv := g.server
	go func() {
		g.logger.Info("HTTP server listening",
			slog.String("addr", ln.Addr().String()),
			slog.Bool("tls", tlsConfig != nil),
			slog.String("backend", g.cfg.Backend.Type))

		var err error
		if tlsConfig != nil {
			err = srv.ServeTLS(ln, g.cfg.Server.TLS.CertFile, g.cfg.Server.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	if g.cfg.Metrics.Enabled {
		g.metricsServer = observability.NewServer(g.metrics, g.cfg.Server.Host, g.cfg.Metrics.Port, g.logger)
		g.metricsServer.Start()
	}

	return nil
}

// tlsConfig returns nil when TLS is not configured.
func (g *Gateway) tlsConfig() (*tls.Config, error) {
	t := g.cfg.Server.TLS
	if !t.Enabled() {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if t.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

// Shutdown gracefully stops the servers, the rate limiter janitor and the
// audit store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if g.metricsServer != nil {
		if err := g.metricsServer.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown metrics server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.cancel != nil {
		g.cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// routes builds the API router. The guard chain is composed here, once.
func (g *Gateway) routes() *chi.Mux {
	r := server.NewRouter(server.RouterOptions{
		Logger:                g.logger,
		MaxLogFieldLen:        g.cfg.Log.MaxLength,
		TrustForwardedHeaders: g.cfg.Server.TrustForwardedHeaders,
		ServiceName:           g.cfg.Telemetry.ServiceName,
	})

	r.With(server.TimeoutMiddleware(healthTimeout)).Get("/health", g.handleHealth)

	r.Route("/openai/v1", func(r chi.Router) {
		r.Use(g.metrics.Middleware)
		r.Use(g.recordAdmission)
		r.Use(g.admit)
		r.Use(server.AuthMiddleware(g.cfg.Auth.APIKey))

		r.Post("/chat/completions", g.handleChatCompletions)
		r.Get("/models", g.handleModels)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(server.AuthMiddleware(g.cfg.Auth.APIKey))
		r.Get("/admissions", g.handleAdmissions)
	})

	return r
}

// admit wraps next in the guard chain.
func (g *Gateway) admit(next http.Handler) http.Handler {
	if len(g.guards) == 0 {
		return next
	}
	return admission.Chain(next, g.guards...)
}
