package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"perimeter/pkg/structlog"
)

// OTelExporter pushes OpenTelemetry metrics over OTLP/HTTP.
type OTelExporter struct {
	provider *metric.MeterProvider
}

// NewOTelExporter installs a global meter provider exporting to endpoint,
// which is either host:port (plain HTTP) or a full URL.
func NewOTelExporter(ctx context.Context, serviceName, endpoint string) (*OTelExporter, error) {
	opts := []otlpmetrichttp.Option{}
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlpmetrichttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(60*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return &OTelExporter{provider: provider}, nil
}

// Shutdown flushes pending metrics.
func (e *OTelExporter) Shutdown(ctx context.Context) error {
	if e == nil || e.provider == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}

// StartOTelExporter starts the OTLP metric exporter when endpoint is set and
// returns its shutdown. A failed start is logged and yields a no-op shutdown.
func StartOTelExporter(ctx context.Context, serviceName, endpoint string, logger *structlog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop
	}
	exp, err := NewOTelExporter(ctx, serviceName, endpoint)
	if err != nil {
		logger.Warn("otel metrics exporter disabled", structlog.Fields{"error": err})
		return noop
	}
	logger.Info("otel metrics exporter started", structlog.Fields{"endpoint": endpoint})
	return exp.Shutdown
}
