// Package telemetry wires up the OpenTelemetry metrics pipeline for tandem:
// a Prometheus-exporting MeterProvider plus the HTTP endpoint that serves
// the scrape target.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// Config holds the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the telemetry system on or off.
	Enabled bool `toml:"enabled"`
	// ServiceName is the name attached to exported metrics.
	ServiceName string `toml:"service_name"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	PrometheusPort int `toml:"prometheus_port"`
}

// Telemetry exposes the active metric components.
type Telemetry struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
}

// ShutdownFunc gracefully shuts down the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes the metrics pipeline. With Enabled false it returns no-op
// components so callers never need to branch.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		provider := noop.NewMeterProvider()
		return &Telemetry{
			MeterProvider: provider,
			Meter:         provider.Meter("tandem"),
		}, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	server := serveMetrics(config.PrometheusPort)

	shutdown := func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return provider.Shutdown(shutdownCtx)
	}

	return &Telemetry{
		MeterProvider: provider,
		Meter:         provider.Meter(config.ServiceName),
	}, shutdown, nil
}

// serveMetrics starts the /metrics HTTP listener in the background.
func serveMetrics(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The process keeps running without a scrape target; the
			// coordinator itself is unaffected.
			fmt.Printf("telemetry: metrics endpoint failed: %v\n", err)
		}
	}()
	return server
}
