// Package telemetry provides OpenTelemetry tracing for skill executions,
// detection cycles and approval decisions.
package telemetry

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Sampler names accepted in Config.Sampler.
const (
	SamplerAlways = "always"
	SamplerNever  = "never"
	SamplerRatio  = "ratio"
)

// Config controls span export.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Sampler is one of always, never or ratio.
	Sampler string  `mapstructure:"sampler"`
	Ratio   float64 `mapstructure:"ratio"`
	// Endpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT when set.
	Endpoint string `mapstructure:"endpoint"`

	ServiceName    string `mapstructure:"-"`
	ServiceVersion string `mapstructure:"-"`
}

// DefaultConfig returns tracing disabled with full ratio sampling.
func DefaultConfig() Config {
	return Config{Sampler: SamplerRatio, Ratio: 1, ServiceName: TracerName}
}

// Validate checks the sampler settings.
func (c Config) Validate() error {
	switch c.Sampler {
	case SamplerAlways, SamplerNever:
	case SamplerRatio:
		if c.Ratio < 0 || c.Ratio > 1 {
			return pkgerrors.Errorf("tracing ratio must be between 0 and 1, got %g", c.Ratio)
		}
	default:
		return pkgerrors.Errorf("unknown tracing sampler %q", c.Sampler)
	}
	return nil
}

func (c Config) sampler() trace.Sampler {
	switch c.Sampler {
	case SamplerNever:
		return trace.NeverSample()
	case SamplerRatio:
		return trace.ParentBased(trace.TraceIDRatioBased(c.Ratio))
	default:
		return trace.AlwaysSample()
	}
}

// InitTracer installs a global OTLP/HTTP tracer provider and returns the
// function that flushes and stops it. When tracing is disabled nothing is
// installed and the returned function is a no-op.
func InitTracer(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create resource")
	}

	// Without an explicit endpoint the exporter reads
	// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_HEADERS.
	var exporterOpts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create trace exporter")
	}

	provider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(time.Second),
		)),
		trace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(exporter.Shutdown(ctx), provider.Shutdown(ctx))
	}, nil
}
