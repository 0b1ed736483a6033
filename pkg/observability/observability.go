// Package observability provides OpenTelemetry tracing and RED metrics for
// conformance runs. Telemetry is off unless an OTLP endpoint is configured;
// a disabled Provider still hands out working no-op tracers and meters.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "trqp-cts"

// Environment variables read by ConfigFromEnv.
const (
	EnvEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvInsecure = "OTEL_EXPORTER_OTLP_INSECURE"
)

// exportInterval is how often metrics are pushed during a run. Shutdown
// pushes whatever is left.
const exportInterval = 15 * time.Second

// durationBuckets cover a sub-millisecond local stage up to a case that
// runs into its HTTP timeout.
var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    instrumentationName,
		ServiceVersion: "0.1.0",
		Environment:    "local",
		SampleRate:     1.0,
		BatchTimeout:   time.Second,
	}
}

// ConfigFromEnv enables telemetry when endpoint (or the standard OTLP
// environment variable) is set.
func ConfigFromEnv(endpoint, version string) *Config {
	cfg := DefaultConfig()
	cfg.ServiceVersion = version
	if endpoint == "" {
		endpoint = os.Getenv(EnvEndpoint)
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	cfg.OTLPEndpoint = endpoint
	cfg.Enabled = endpoint != ""
	cfg.Insecure = strings.EqualFold(os.Getenv(EnvInsecure), "true")
	return cfg
}

// instruments are the RED metrics plus the verdict counter. All nil when
// telemetry is disabled.
type instruments struct {
	operations metric.Int64Counter
	errors     metric.Int64Counter
	active     metric.Int64UpDownCounter
	duration   metric.Float64Histogram
	verdicts   metric.Int64Counter
}

// Provider owns the trace and metric pipelines of one process.
type Provider struct {
	cfg    *Config
	logger *slog.Logger

	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter
	inst   instruments
}

// New creates a provider. logger may be nil.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{cfg: cfg, logger: logger.With("component", "observability")}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	if p.tp, err = newTracerProvider(ctx, cfg, res); err != nil {
		return nil, err
	}
	if p.mp, err = newMeterProvider(ctx, cfg, res); err != nil {
		_ = p.tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.inst, err = newInstruments(p.meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability enabled",
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(exportInterval))),
	), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newInstruments(m metric.Meter) (instruments, error) {
	var in instruments
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	in.operations, err = m.Int64Counter("trqp_cts.operations.total",
		metric.WithDescription("Cases and pipeline stages started"), metric.WithUnit("{operation}"))
	collect(err)
	in.errors, err = m.Int64Counter("trqp_cts.errors.total",
		metric.WithDescription("Cases and pipeline stages that failed"), metric.WithUnit("{error}"))
	collect(err)
	in.active, err = m.Int64UpDownCounter("trqp_cts.operations.active",
		metric.WithDescription("Operations in flight"), metric.WithUnit("{operation}"))
	collect(err)
	in.duration, err = m.Float64Histogram("trqp_cts.operation.duration",
		metric.WithDescription("Operation duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...))
	collect(err)
	in.verdicts, err = m.Int64Counter("trqp_cts.verdicts.total",
		metric.WithDescription("Case verdicts by result"), metric.WithUnit("{verdict}"))
	collect(err)

	if len(errs) > 0 {
		return instruments{}, fmt.Errorf("telemetry instruments: %w", errors.Join(errs...))
	}
	return in, nil
}

// Shutdown flushes and stops the pipelines. Flush failures are logged; a
// lost metric never fails a run.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			p.logger.WarnContext(ctx, "trace flush failed", "error", err)
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			p.logger.WarnContext(ctx, "metric flush failed", "error", err)
		}
	}
	return nil
}

// Enabled reports whether spans and metrics are exported.
func (p *Provider) Enabled() bool { return p.tp != nil }

// Tracer falls back to the global tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer != nil {
		return p.tracer
	}
	return otel.Tracer(instrumentationName)
}

// Meter falls back to the global meter when disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter != nil {
		return p.meter
	}
	return otel.Meter(instrumentationName)
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordVerdict counts one case verdict.
func (p *Provider) RecordVerdict(ctx context.Context, result string, attrs ...attribute.KeyValue) {
	if p.inst.verdicts == nil {
		return
	}
	set := append([]attribute.KeyValue{attribute.String("cts.result", result)}, attrs...)
	p.inst.verdicts.Add(ctx, 1, metric.WithAttributes(set...))
}

// RecordError counts a failed operation.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.inst.errors == nil {
		return
	}
	set := append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.inst.errors.Add(ctx, 1, metric.WithAttributes(set...))
}

// TrackOperation opens a span and the RED metrics for name. Call the
// returned function with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))

	set := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("cts.operation", name)}, attrs...)...)
	if p.inst.operations != nil {
		p.inst.operations.Add(ctx, 1, set)
		p.inst.active.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p.inst.operations != nil {
			p.inst.active.Add(ctx, -1, set)
			p.inst.duration.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.RecordError(ctx, err, append([]attribute.KeyValue{attribute.String("cts.operation", name)}, attrs...)...)
		}
		span.End()
	}
}
