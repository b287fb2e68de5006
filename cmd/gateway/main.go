package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/Ascend/MindInferenceService-sub000/internal/gateway"
	"github.com/Ascend/MindInferenceService-sub000/internal/pkg/config"
	"github.com/Ascend/MindInferenceService-sub000/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mis-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	port := pflag.IntP("port", "p", 0, "listen port (overrides server.port)")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	backendType := pflag.String("backend", "", "inference engine: mindie or vllm (overrides backend.type)")
	pflag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.TracerConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
		}, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		_ = gw.Shutdown(context.Background())
		return fmt.Errorf("start gateway: %w", err)
	}

	logger.Info("gateway started",
		slog.String("version", version),
		slog.String("backend", cfg.Backend.BaseURL()),
		slog.Bool("admission", cfg.Admission.Enabled),
		slog.String("storage", cfg.Storage.Type))

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
