// Package gateway is the public API for embedding the MIS gateway in
// another program.
package gateway

import (
	"github.com/Ascend/MindInferenceService-sub000/internal/gateway"
	"github.com/Ascend/MindInferenceService-sub000/internal/pkg/config"
)

// Gateway is the inference gateway. See internal/gateway.Gateway.
type Gateway = gateway.Gateway

// Option configures a Gateway.
type Option = gateway.Option

// Config is the full gateway configuration.
type Config = config.Config

// New creates a gateway from cfg.
//
//	cfg, _ := gateway.LoadConfig("config.yaml")
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
var New = gateway.New

// LoadConfig reads a YAML file and MIS_ environment overrides.
var LoadConfig = config.LoadFile

var (
	WithLogger       = gateway.WithLogger
	WithMetrics      = gateway.WithMetrics
	WithBackend      = gateway.WithBackend
	WithStore        = gateway.WithStore
	WithTokenCounter = gateway.WithTokenCounter
	WithClock        = gateway.WithClock
)
