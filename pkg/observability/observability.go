// Package observability provides OpenTelemetry tracing and metrics for
// the runtime: OTLP export, RED metrics on the command path, and a
// staleness gauge bound to the sync-health cursor.
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

	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/publisher"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g., "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel-runtime",
		ServiceVersion: "1.2.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	commandCounter   metric.Int64Counter
	rejectionCounter metric.Int64Counter
	durationHist     metric.Float64Histogram
	reviewCounter    metric.Int64Counter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("keel.component", "runtime"),
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

	p.tracer = otel.Tracer("keel.runtime",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("keel.runtime",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initCommandMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init command metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
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
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initCommandMetrics() error {
	var err error

	p.commandCounter, err = p.meter.Int64Counter("keel.commands.total",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	p.rejectionCounter, err = p.meter.Int64Counter("keel.rejections.total",
		metric.WithDescription("Total number of rejected commands"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("keel.command.duration",
		metric.WithDescription("Command handling duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	p.reviewCounter, err = p.meter.Int64Counter("keel.reviews.selected.total",
		metric.WithDescription("Total number of actions selected for human review"),
		metric.WithUnit("{action}"),
	)
	return err
}

// ObserveSyncHealth registers staleness and cursor gauges over the sync
// cursor. Call once after the cursor exists.
func (p *Provider) ObserveSyncHealth(health *publisher.SyncHealth) error {
	if p.meter == nil || health == nil {
		return nil
	}
	staleness, err := p.meter.Float64ObservableGauge("keel.sync.staleness_seconds",
		metric.WithDescription("Seconds since the sync cursor last advanced"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	cursor, err := p.meter.Int64ObservableGauge("keel.sync.last_applied_seq",
		metric.WithDescription("Sequence of the last applied event"),
	)
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		status := health.Snapshot()
		o.ObserveFloat64(staleness, status.CursorLastAdvancedSecondsAgo)
		o.ObserveInt64(cursor, int64(status.LastAppliedEventSeq))
		return nil
	}, staleness, cursor)
	return err
}

// ObserveProjectors registers per-projector gauges: the highest applied
// sequence per projector and whether its last apply failed.
func (p *Provider) ObserveProjectors(statuses func() []projection.Status) error {
	if p.meter == nil || statuses == nil {
		return nil
	}
	watermark, err := p.meter.Int64ObservableGauge("keel.projection.watermark",
		metric.WithDescription("Highest event sequence applied by the projector"),
	)
	if err != nil {
		return err
	}
	broken, err := p.meter.Int64ObservableGauge("keel.projection.broken",
		metric.WithDescription("1 when the projector's last apply failed"),
	)
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, status := range statuses() {
			attrs := metric.WithAttributes(attribute.String("keel.projector", status.Name))
			var top uint64
			for _, seq := range status.Applied {
				if seq > top {
					top = seq
				}
			}
			o.ObserveInt64(watermark, int64(top), attrs)
			var failed int64
			if status.LastError != "" {
				failed = 1
			}
			o.ObserveInt64(broken, failed, attrs)
		}
		return nil
	}, watermark, broken)
	return err
}

// Shutdown gracefully shuts down the providers.
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
	if p.tracer == nil {
		return otel.Tracer("keel.runtime")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("keel.runtime")
	}
	return p.meter
}

// TrackCommand instruments one command's handling. The returned func
// takes whether the command was rejected and whether it was selected
// for review.
func (p *Provider) TrackCommand(ctx context.Context, lane, command string) (context.Context, func(rejected, reviewSelected bool)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("keel.lane", lane),
		attribute.String("keel.command", command),
	}

	ctx, span := p.Tracer().Start(ctx, "command "+command,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.commandCounter != nil {
		p.commandCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(rejected, reviewSelected bool) {
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if rejected && p.rejectionCounter != nil {
			p.rejectionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		if reviewSelected && p.reviewCounter != nil {
			p.reviewCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		span.End()
	}
}
