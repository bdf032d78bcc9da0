package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes the tracer and meter used by claimengine code.
const InstrumentationName = "claimengine"

// AttributePrefix namespaces the deployment attributes attached to the
// resource, e.g. claimengine.chain_id.
const AttributePrefix = "claimengine."

const (
	defaultCollector      = "localhost:4318"
	defaultMetricInterval = 15 * time.Second
)

// Config captures the knobs for wiring OpenTelemetry exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	Environment    string
	// Endpoint is either host:port or an http(s) URL. A URL scheme decides
	// transport security and overrides Insecure.
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// Attributes describe the engine deployment (chain id, engine address)
	// and are exported under AttributePrefix.
	Attributes map[string]string
	// SampleRatio is the fraction of root spans kept. Zero or anything at or
	// above one samples everything.
	SampleRatio    float64
	MetricInterval time.Duration
	Metrics        bool
	Traces         bool
}

// Enabled reports whether any exporter is requested.
func (c Config) Enabled() bool {
	return c.Traces || c.Metrics
}

// Tracer returns the tracer for claimengine spans. It is a no-op until Init
// installs a provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Meter returns the meter for claimengine instruments.
func Meter() metric.Meter {
	return otel.Meter(InstrumentationName)
}

// Init configures the global OpenTelemetry providers. Callers should invoke the
// returned shutdown function during service teardown. With no exporter enabled
// only the propagators are installed.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name required for telemetry")
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled() {
		return func(context.Context) error { return nil }, nil
	}

	target, err := parseCollector(cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	var shutdowns []func(context.Context) error
	fail := func(err error) (func(context.Context) error, error) {
		_ = shutdownAll(shutdowns)(ctx)
		return nil, err
	}

	if cfg.Traces {
		exporter, err := otlptracehttp.New(ctx, target.traceOptions(cfg.Headers)...)
		if err != nil {
			return fail(fmt.Errorf("create trace exporter: %w", err))
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.SampleRatio)),
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if cfg.Metrics {
		exporter, err := otlpmetrichttp.New(ctx, target.metricOptions(cfg.Headers)...)
		if err != nil {
			return fail(fmt.Errorf("create metric exporter: %w", err))
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = defaultMetricInterval
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return shutdownAll(shutdowns), nil
}

// newResource describes the running daemon. Deployment attributes are added
// in key order so repeated starts export identical resources.
func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(cfg.InstanceID))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	keys := make([]string, 0, len(cfg.Attributes))
	for key := range cfg.Attributes {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, attribute.String(AttributePrefix+strings.TrimSpace(key), cfg.Attributes[key]))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return res, nil
}

// collector is the resolved OTLP/HTTP destination shared by both exporters.
type collector struct {
	host     string
	path     string
	insecure bool
}

// parseCollector accepts the forms operators put in OTEL_EXPORTER_OTLP_ENDPOINT:
// a bare host:port or a full URL with an optional base path.
func parseCollector(raw string, insecure bool) (collector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return collector{host: defaultCollector, insecure: insecure}, nil
	}
	if !strings.Contains(raw, "://") {
		return collector{host: raw, insecure: insecure}, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return collector{}, fmt.Errorf("parse telemetry endpoint: %w", err)
	}
	if parsed.Host == "" {
		return collector{}, fmt.Errorf("telemetry endpoint %q has no host", raw)
	}
	out := collector{host: parsed.Host, path: strings.TrimSuffix(parsed.Path, "/")}
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		out.insecure = true
	case "https":
	default:
		return collector{}, fmt.Errorf("unsupported telemetry endpoint scheme %q", parsed.Scheme)
	}
	return out, nil
}

func (c collector) traceOptions(headers map[string]string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.host)}
	if c.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(c.path+"/v1/traces"))
	}
	if c.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	return opts
}

func (c collector) metricOptions(headers map[string]string) []otlpmetrichttp.Option {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(c.host)}
	if c.path != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(c.path+"/v1/metrics"))
	}
	if c.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}
	return opts
}

// sampler keeps a parent's decision and samples new roots at ratio.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// shutdownAll stops providers in reverse start order and reports every failure.
func shutdownAll(fns []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// ParseHeaders converts a comma-separated OTEL header string (key=value,foo=bar)
// into a map suitable for the exporter configuration.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
