// Package observability wires OpenTelemetry tracing and metrics for the
// screening engine. With telemetry disabled the provider falls back to the
// global (no-op) tracer and meter, so callers never branch on it.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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

const instrumentationName = "screening.engine"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns disabled telemetry with sensible exporter settings.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "screening",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers and the run metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runsTotal     metric.Int64Counter
	runsFailed    metric.Int64Counter
	layerDegraded metric.Int64Counter
	runDuration   metric.Float64Histogram
	activeRuns    metric.Int64UpDownCounter
}

// New creates a provider. A nil config means DefaultConfig.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initRunMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init run metrics: %w", err)
	}

	if config.Enabled {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
		)
	} else {
		p.logger.DebugContext(ctx, "observability disabled")
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initRunMetrics() error {
	var err error

	p.runsTotal, err = p.meter.Int64Counter("screening.runs.total",
		metric.WithDescription("Completed screening runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	p.runsFailed, err = p.meter.Int64Counter("screening.runs.failed",
		metric.WithDescription("Screening runs that ended in the Failed state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	p.layerDegraded, err = p.meter.Int64Counter("screening.layer.degraded",
		metric.WithDescription("Layer queries that failed or timed out"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	p.runDuration, err = p.meter.Float64Histogram("screening.run.duration",
		metric.WithDescription("Screening run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return err
	}

	p.activeRuns, err = p.meter.Int64UpDownCounter("screening.runs.active",
		metric.WithDescription("Runs currently in progress"),
		metric.WithUnit("{run}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span named name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordLayerDegraded counts one degraded layer query.
func (p *Provider) RecordLayerDegraded(ctx context.Context, layer string) {
	if p == nil || p.layerDegraded == nil {
		return
	}
	p.layerDegraded.Add(ctx, 1, metric.WithAttributes(AttrLayer.String(layer)))
}

// TrackRun opens the run span and returns a function that closes it and
// records the outcome. Pass the result on success, or the failed stage and
// error on failure.
func (p *Provider) TrackRun(ctx context.Context, runID, mode string) (context.Context, func(Outcome)) {
	start := time.Now()
	attrs := []attribute.KeyValue{AttrRunID.String(runID), AttrMode.String(mode)}

	ctx, span := p.StartSpan(ctx, "screening.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	modeAttr := metric.WithAttributes(AttrMode.String(mode))
	if p != nil && p.activeRuns != nil {
		p.activeRuns.Add(ctx, 1, modeAttr)
	}

	return ctx, func(o Outcome) {
		if p != nil && p.activeRuns != nil {
			p.activeRuns.Add(ctx, -1, modeAttr)
		}
		if p != nil && p.runDuration != nil {
			p.runDuration.Record(ctx, time.Since(start).Seconds(), modeAttr)
		}

		if o.Err != nil {
			span.RecordError(o.Err)
			span.SetAttributes(AttrStage.String(o.Stage))
			if p != nil && p.runsFailed != nil {
				p.runsFailed.Add(ctx, 1, metric.WithAttributes(AttrStage.String(o.Stage), AttrMode.String(mode)))
			}
		} else {
			span.SetAttributes(
				AttrPathway.String(o.Pathway),
				AttrBand.String(o.Band),
				AttrDegraded.Bool(o.Degraded),
			)
			if p != nil && p.runsTotal != nil {
				p.runsTotal.Add(ctx, 1, metric.WithAttributes(
					AttrMode.String(mode),
					AttrPathway.String(o.Pathway),
					AttrBand.String(o.Band),
				))
			}
		}
		span.End()
	}
}

// Outcome summarises a finished run for TrackRun.
type Outcome struct {
	Pathway  string
	Band     string
	Degraded bool
	Stage    string
	Err      error
}
