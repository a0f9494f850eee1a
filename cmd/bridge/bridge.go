package main

import (
	"fmt"

	"github.com/mcpguard/mcpbridge/internal/config"
	"github.com/mcpguard/mcpbridge/internal/detection"
	"github.com/mcpguard/mcpbridge/internal/gateway"
	"github.com/mcpguard/mcpbridge/internal/health"
	"github.com/mcpguard/mcpbridge/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type bridge struct {
	gateway *gateway.Gateway
	monitor *health.Monitor
}

func (b *bridge) Close() {
	b.monitor.Close()
}

func newLogger(level string) (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		loggerConfig.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// newBridge wires the adapter, health monitor and gateway described by cfg.
func newBridge(cfg *config.Config, logger *zap.Logger) (*bridge, error) {
	adapter, err := newAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}

	var prober health.Prober = &health.HTTPProber{URL: cfg.HealthURL()}
	if cfg.HealthMode == config.HealthModeRPC {
		prober = &health.RPCProber{Adapter: adapter}
	}

	monitor := health.NewMonitor(
		health.NewConnection(logger),
		prober,
		health.WithProbeTimeout(cfg.ProbeTimeout),
		health.WithRetryDelay(cfg.RetryDelay),
		health.WithCapabilityCheck(gateway.CapabilityCheck(adapter, cfg.ProbeTimeout, logger)),
		health.WithLogger(logger),
	)

	opts := []gateway.Option{
		gateway.WithDispatch(gateway.Dispatch(cfg.Dispatch)),
		gateway.WithLogger(logger),
	}
	if cfg.SecretGuard {
		engine, err := detection.NewEngine(cfg.GitleaksConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create detection engine: %w", err)
		}
		opts = append(opts, gateway.WithGuard(engine))
	}

	return &bridge{
		gateway: gateway.New(adapter, monitor, opts...),
		monitor: monitor,
	}, nil
}

func newAdapter(cfg *config.Config, logger *zap.Logger) (transport.Adapter, error) {
	switch cfg.Transport {
	case config.TransportProcess:
		env, err := cfg.ProcessEnv(logger)
		if err != nil {
			return nil, err
		}
		return transport.NewProcessAdapter(transport.ProcessConfig{
			Command: cfg.Process.Command,
			Args:    cfg.Process.Args,
			Dir:     cfg.Process.Dir,
			Env:     env,
			Timeout: cfg.RequestTimeout,
		}, logger), nil
	case config.TransportHTTP:
		return transport.NewHTTPAdapter(transport.HTTPConfig{
			URL:     cfg.RPCURL(),
			Timeout: cfg.RequestTimeout,
		}, logger), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
