// Package tracing configures the global OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Options 描述 OTLP 导出配置
type Options struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Init installs an OTLP/HTTP tracer provider. When tracing is disabled the
// global no-op provider stays in place and Shutdown does nothing.
func Init(ctx context.Context, opts Options, logger *zap.Logger) (Shutdown, error) {
	if !opts.Enabled {
		logger.Info("OpenTelemetry tracing is disabled (set OTEL_ENABLED=true to enable)")
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(opts.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry tracer initialized", zap.String("endpoint", opts.Endpoint))
	return tp.Shutdown, nil
}
