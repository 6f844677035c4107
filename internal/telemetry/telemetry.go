// Package telemetry wires OpenTelemetry metrics and traces for gridcalc and
// exposes them in the Prometheus format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vogtb/go-spreadsheet/packages/recalc"
)

// Provider owns the meter and tracer providers of a process together with
// the Prometheus registry their metrics are gathered into
type Provider struct {
	Registry       *prometheus.Registry
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

// New creates a provider for serviceName. metrics go to a dedicated
// Prometheus registry; spans are sampled but not exported.
func New(serviceName string) (*Provider, error) {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)

	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	return &Provider{
		Registry: registry,
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		),
		TracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		),
	}, nil
}

// Handler serves the metrics of the registry
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

// RegisterEngineGauges exposes the graph and cache sizes reported by stats.
// stats is called on every scrape and must be safe to call concurrently
// with the engine.
func (p *Provider) RegisterEngineGauges(stats func() recalc.Stats) {
	factory := promauto.With(p.Registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recalc_graph_nodes",
		Help: "Cells known to the dependency graph",
	}, func() float64 { return float64(stats().Nodes) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recalc_graph_edges",
		Help: "Installed dependency edges",
	}, func() float64 { return float64(stats().Edges) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recalc_formulas",
		Help: "Formula cells held by the engine",
	}, func() float64 { return float64(stats().Formulas) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recalc_cache_entries",
		Help: "Formula results held by the cache",
	}, func() float64 { return float64(stats().CacheEntries) })
}

// Shutdown flushes and stops both providers
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.MeterProvider.Shutdown(ctx),
		p.TracerProvider.Shutdown(ctx),
	)
}

// Serve runs an HTTP server exposing handler on /metrics until ctx is done
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
