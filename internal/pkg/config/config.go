package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Hard ceilings for the admission settings. Configured values above these
// are rejected at startup.
const (
	MaxHeaderCount        = 200
	MaxRequestBodySize    = 50 * 1024 * 1024
	MaxConcurrentRequests = 512
	MaxRequestTimeout     = 2500 * time.Second
)

// EnvPrefix is the prefix shared by every environment override.
const EnvPrefix = "MIS_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Admission  AdmissionConfig  `koanf:"admission"`
	Backend    BackendConfig    `koanf:"backend"`
	Normalizer NormalizerConfig `koanf:"normalizer"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Storage    StorageConfig    `koanf:"storage"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Log        LogConfig        `koanf:"log"`
}

type ServerConfig struct {
	Host string    `koanf:"host"`
	Port int       `koanf:"port"`
	TLS  TLSConfig `koanf:"tls"`
	// TrustForwardedHeaders takes the client IP from X-Forwarded-For /
	// X-Real-IP instead of the socket peer.
	TrustForwardedHeaders bool `koanf:"trust_forwarded_headers"`
}

type TLSConfig struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CAFile   string `koanf:"ca_file"`
	// RequireClientCert enables mutual TLS against CAFile.
	RequireClientCert bool `koanf:"require_client_cert"`
}

// Enabled reports whether a certificate pair was configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type AuthConfig struct {
	APIKey string `koanf:"api_key"`
}

// AdmissionConfig holds the limits enforced by the guard chain.
type AdmissionConfig struct {
	Enabled               bool          `koanf:"enabled"`
	MaxHeaderSize         int           `koanf:"max_header_size"`
	MaxBodySize           int64         `koanf:"max_body_size"`
	MaxConcurrentRequests int           `koanf:"max_concurrent_requests"`
	RequestsPerMinute     int           `koanf:"requests_per_minute"`
	CleanupInterval       time.Duration `koanf:"cleanup_interval"`
	RequestTimeout        time.Duration `koanf:"request_timeout"`
}

type BackendConfig struct {
	Type    string        `koanf:"type"` // mindie, vllm
	Address string        `koanf:"address"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// BaseURL is the loopback URL the gateway forwards to.
func (b BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Address, b.Port)
}

type NormalizerConfig struct {
	EstimateUsage bool `koanf:"estimate_usage"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
	// MemoryCapacity bounds the in-memory audit ring.
	MemoryCapacity int `koanf:"memory_capacity"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	// MaxLength truncates logged request bodies and error details.
	MaxLength int `koanf:"max_length"`
}

var defaults = map[string]any{
	"server.host":                       "0.0.0.0",
	"server.port":                       8000,
	"admission.enabled":                 true,
	"admission.max_header_size":         64 * 1024,
	"admission.max_body_size":           MaxRequestBodySize,
	"admission.max_concurrent_requests": MaxConcurrentRequests,
	"admission.requests_per_minute":     60,
	"admission.cleanup_interval":        "300s",
	"admission.request_timeout":         "2500s",
	"backend.type":                      "mindie",
	"backend.address":                   "127.0.0.1",
	"backend.port":                      1025,
	"backend.timeout":                   "2500s",
	"metrics.enabled":                   true,
	"metrics.port":                      9090,
	"storage.type":                      "memory",
	"storage.sqlite.path":               "./data/mis.db",
	"storage.memory_capacity":           1000,
	"telemetry.service_name":            "mis-gateway",
	"log.level":                         "info",
	"log.max_length":                    2048,
}

// Load reads config.yaml from the working directory.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile reads the given YAML file (a missing file is fine) and then
// applies MIS_ environment overrides, e.g. MIS_ADMISSION__REQUEST_TIMEOUT.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the gateway must not start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
	}
	if c.Server.TLS.RequireClientCert && c.Server.TLS.CAFile == "" {
		errs = append(errs, errors.New("server.tls.require_client_cert needs server.tls.ca_file"))
	}

	a := c.Admission
	if a.MaxHeaderSize <= 0 {
		errs = append(errs, fmt.Errorf("admission.max_header_size must be positive, got %d", a.MaxHeaderSize))
	}
	if a.MaxBodySize <= 0 || a.MaxBodySize > MaxRequestBodySize {
		errs = append(errs, fmt.Errorf("admission.max_body_size must be in (0, %d], got %d", MaxRequestBodySize, a.MaxBodySize))
	}
	if a.MaxConcurrentRequests <= 0 || a.MaxConcurrentRequests > MaxConcurrentRequests {
		errs = append(errs, fmt.Errorf("admission.max_concurrent_requests must be in (0, %d], got %d", MaxConcurrentRequests, a.MaxConcurrentRequests))
	}
	if a.RequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("admission.requests_per_minute must be positive, got %d", a.RequestsPerMinute))
	}
	if a.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("admission.cleanup_interval must be positive, got %s", a.CleanupInterval))
	}
	if a.RequestTimeout <= 0 || a.RequestTimeout > MaxRequestTimeout {
		errs = append(errs, fmt.Errorf("admission.request_timeout must be in (0, %s], got %s", MaxRequestTimeout, a.RequestTimeout))
	}

	switch c.Backend.Type {
	case "mindie", "vllm":
	default:
		errs = append(errs, fmt.Errorf("backend.type %q is not supported", c.Backend.Type))
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		errs = append(errs, fmt.Errorf("backend.port %d out of range", c.Backend.Port))
	}

	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		errs = append(errs, errors.New("metrics.port must differ from server.port"))
	}

	switch c.Storage.Type {
	case "memory", "none", "":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for sqlite storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not supported", c.Storage.Type))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}

	return errors.Join(errs...)
}
