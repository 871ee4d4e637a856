// Package tracing installs the global OpenTelemetry tracer provider. Spans go
// to an OTLP/HTTP collector configured through the OTEL_EXPORTER_OTLP_*
// variables, or to stdout for debugging.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Config selects the exporter and sampling
type Config struct {
	Enabled     bool
	Stdout      bool
	ServiceName string
	Version     string
	SampleRatio float64

	// Writer overrides os.Stdout for the stdout exporter
	Writer io.Writer
}

// ShutdownFunc flushes pending spans and releases the exporter
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a tracer provider when tracing is enabled. The returned
// shutdown func is never nil.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if cfg.Stdout {
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err = stdouttrace.New(opts...)
	} else {
		exporter, err = otlptracehttp.New(ctx)
	}
	if err != nil {
		return noopShutdown, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		zap.Bool("stdout", cfg.Stdout),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)

	return tp.Shutdown, nil
}
