// Package observability provides OpenTelemetry tracing and RED metrics for
// capability and plan execution.
//
// A disabled Provider is safe to use: spans come from the global (no-op)
// tracer and metric calls are dropped.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
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
	"google.golang.org/grpc/credentials"
)

const (
	instrumentationName = "ccos.core"
	metricInterval      = 15 * time.Second
)

// Latency buckets in seconds. Local capabilities finish in microseconds,
// sandboxed programs and remote providers in seconds.
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // host:port of the collector
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext gRPC
	CertFile       string
	KeyFile        string
	CAFile         string
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ccos-core",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// instruments are the RED metrics plus governance decision counts.
type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
	decisions  metric.Int64Counter
}

// Provider owns the trace and metric pipelines.
type Provider struct {
	config *Config
	logger *slog.Logger

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	tracer  trace.Tracer
	meter   metric.Meter
	inst    *instruments
}

// New creates a provider. With Enabled false it returns a disabled provider
// and never dials the collector.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}
	creds, err := p.transportCredentials()
	if err != nil {
		return nil, err
	}

	spanExporter, err := otlptracegrpc.New(ctx, p.traceOptions(creds)...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, p.metricOptions(creds)...)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(config.SampleRate))),
	)
	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricInterval))),
	)
	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.traces.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.metrics.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.inst, err = newInstruments(p.meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability enabled",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"tls", creds != nil,
	)
	return p, nil
}

// Disabled returns a provider that exports nothing.
func Disabled() *Provider {
	return &Provider{config: &Config{}, logger: slog.Default().With("component", "observability")}
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) traceOptions(creds credentials.TransportCredentials) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		return append(opts, otlptracegrpc.WithInsecure())
	}
	if creds != nil {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}
	return opts
}

func (p *Provider) metricOptions(creds credentials.TransportCredentials) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		return append(opts, otlpmetricgrpc.WithInsecure())
	}
	if creds != nil {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	return opts
}

// transportCredentials builds mutual or server-only TLS from the configured
// PEM files. It returns nil for plaintext and for system roots.
func (p *Provider) transportCredentials() (credentials.TransportCredentials, error) {
	c := p.config
	if c.Insecure || (c.CAFile == "" && c.CertFile == "") {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("otel ca: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("otel ca: no certificates found in %s", c.CAFile)
		}
		tlsCfg.RootCAs = roots
	}
	if c.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("otel client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}
	return credentials.NewTLS(tlsCfg), nil
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var inst instruments
	var errs []error
	var err error

	inst.operations, err = m.Int64Counter("ccos.operations", metric.WithDescription("Capability, plan and governance operations started"))
	errs = append(errs, err)
	inst.failures, err = m.Int64Counter("ccos.operations.failed", metric.WithDescription("Operations that returned an error, by error code"))
	errs = append(errs, err)
	inst.latency, err = m.Float64Histogram("ccos.operation.duration",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	errs = append(errs, err)
	inst.inflight, err = m.Int64UpDownCounter("ccos.operations.inflight")
	errs = append(errs, err)
	inst.decisions, err = m.Int64Counter("ccos.governance.decisions", metric.WithDescription("Plan and tool-call decisions, by outcome and stage"))
	errs = append(errs, err)

	return &inst, errors.Join(errs...)
}

// Shutdown flushes pending spans and metrics. Errors are logged, not returned,
// so shutdown always completes.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace shutdown", "error", err)
		}
	}
	if p.metrics != nil {
		if err := p.metrics.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric shutdown", "error", err)
		}
	}
	return nil
}

// Tracer returns the provider's tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the provider's meter, or the global one when disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest counts one started operation.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		p.inst.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts one failed operation, labelled with its error code.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		labelled := append(attrs[:len(attrs):len(attrs)], AttrErrorCode.String(ErrorCode(err)))
		p.inst.failures.Add(ctx, 1, metric.WithAttributes(labelled...))
	}
}

func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		p.inst.latency.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordDecision counts a governance outcome and marks it on the active span.
func (p *Provider) RecordDecision(ctx context.Context, planID, decision, stage string) {
	attrs := append(GovernanceOperation(planID, decision), AttrStage.String(stage))
	AddSpanEvent(ctx, "governance.decision", attrs...)
	if p.inst != nil {
		// plan ids are unbounded; keep them off the metric
		p.inst.decisions.Add(ctx, 1, metric.WithAttributes(AttrDecision.String(decision), AttrStage.String(stage)))
	}
}

// TrackOperation starts a span and RED bookkeeping for one operation. The
// returned function must be called exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	set := metric.WithAttributes(attrs...)
	if p.inst != nil {
		p.inst.inflight.Add(ctx, 1, set)
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		defer span.End()
		if p.inst != nil {
			p.inst.inflight.Add(ctx, -1, set)
		}
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.RecordError(ctx, err, attrs...)
	}
}
