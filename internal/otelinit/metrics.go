package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// InitMetrics sets up a global meter provider that fans out to both an OTLP
// push exporter (for a collector, if one is reachable) and a Prometheus
// pull exporter (for the broker's own /metrics endpoint). Returns a shutdown
// func and an http.Handler ready to mount at /metrics.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, metricsHandler http.Handler, meter metric.Meter) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	promExporter, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(promExporter))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", endpoint)

	return mp.Shutdown, promhttp.Handler(), otel.Meter("taskqueue-broker")
}
