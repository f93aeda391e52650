package otelobs

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"perimeter/pkg/structlog"
)

// InitTracer sets up an OTLP HTTP exporter and returns a shutdown func.
// With no endpoint tracing stays disabled and the shutdown func is a no-op.
func InitTracer(ctx context.Context, serviceName, endpoint string, logger *structlog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if endpoint == "" {
		logger.Info("tracing disabled", structlog.Fields{"reason": "no OTEL_EXPORTER_OTLP_ENDPOINT"})
		return noop
	}

	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		logger.Error("otel exporter init failed", structlog.Fields{"error": err})
		return noop
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		logger.Warn("otel resource init failed", structlog.Fields{"error": err})
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", structlog.Fields{"endpoint": endpoint})
	return tp.Shutdown
}
