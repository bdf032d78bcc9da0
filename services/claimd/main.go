package claimd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"

	"claimengine/observability/logging"
	telemetry "claimengine/observability/otel"
)

// Main loads configuration, wires telemetry and runs the claim daemon until
// SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/claimd/config.yaml", "path to claimd configuration (YAML or TOML)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("CLAIMD_ENV"))
	}
	logger := logging.Setup("claimd", env)

	headers := telemetry.ParseHeaders(cfg.Telemetry.Headers)
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg, env, endpoint, headers))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer daemon.Close()

	logger.Info("claimd starting",
		"chain_id", cfg.ChainID,
		"engine", cfg.Engine,
		"storage", cfg.Storage.Backend,
		"paused", cfg.PauseOnStart)
	return daemon.Serve(ctx)
}

// telemetryConfig describes this daemon to the collector: which chain and
// engine it settles for, and which build and host it runs as.
func telemetryConfig(cfg Config, env, endpoint string, headers map[string]string) telemetry.Config {
	out := telemetry.Config{
		ServiceName: "claimd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Attributes: map[string]string{
			"chain_id": strconv.FormatUint(cfg.ChainID, 10),
			"engine":   strings.ToLower(cfg.Engine),
			"storage":  cfg.Storage.Backend,
		},
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		out.ServiceVersion = info.Main.Version
	}
	if host, err := os.Hostname(); err == nil {
		out.InstanceID = host
	}
	return out
}
