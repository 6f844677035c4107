package recalc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vogtb/go-spreadsheet/packages/recalc"

// engineMetrics holds the instruments of one engine
type engineMetrics struct {
	tracer trace.Tracer

	passes       metric.Int64Counter
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	recomputed   metric.Int64Counter
	cycles       metric.Int64Counter
	passDuration metric.Float64Histogram
}

// newEngineMetrics creates the instruments. nil providers fall back to the
// global ones.
func newEngineMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*engineMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &engineMetrics{tracer: tp.Tracer(instrumentationName)}

	var err error
	if m.passes, err = meter.Int64Counter(
		"recalc_passes_total",
		metric.WithDescription("Total number of recalculation passes"),
	); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter(
		"recalc_cache_hits_total",
		metric.WithDescription("Total number of formula results served from the cache"),
	); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter(
		"recalc_cache_misses_total",
		metric.WithDescription("Total number of formula cache misses"),
	); err != nil {
		return nil, err
	}
	if m.recomputed, err = meter.Int64Counter(
		"recalc_cells_recomputed_total",
		metric.WithDescription("Total number of formula cells actually evaluated"),
	); err != nil {
		return nil, err
	}
	if m.cycles, err = meter.Int64Counter(
		"recalc_cycles_total",
		metric.WithDescription("Total number of rejected circular references"),
	); err != nil {
		return nil, err
	}
	if m.passDuration, err = meter.Float64Histogram(
		"recalc_pass_duration_seconds",
		metric.WithDescription("Duration of recalculation passes"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// startPassSpan creates a span for a recalculation pass
func (m *engineMetrics) startPassSpan(ctx context.Context, kind PassKind, passID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "Engine."+kind.String(),
		trace.WithAttributes(
			attribute.String("recalc.pass_id", passID),
			attribute.String("recalc.kind", kind.String()),
		),
	)
}

// recordPass records the outcome of a pass on the instruments and span
func (m *engineMetrics) recordPass(ctx context.Context, span trace.Span, stats PassStats, err error) {
	attrs := metric.WithAttributes(
		attribute.String("kind", stats.Kind.String()),
		attribute.Bool("completed", stats.Completed),
	)
	m.passes.Add(ctx, 1, attrs)
	m.cacheHits.Add(ctx, int64(stats.CacheHits))
	m.cacheMisses.Add(ctx, int64(stats.CacheMisses))
	m.recomputed.Add(ctx, int64(stats.Recomputed))
	if stats.Cycles > 0 {
		m.cycles.Add(ctx, int64(stats.Cycles))
	}
	m.passDuration.Record(ctx, stats.Duration.Seconds(), attrs)

	span.SetAttributes(
		attribute.Int("recalc.evaluated", stats.Evaluated),
		attribute.Int("recalc.recomputed", stats.Recomputed),
		attribute.Int("recalc.cache_hits", stats.CacheHits),
		attribute.Int("recalc.cache_misses", stats.CacheMisses),
		attribute.Int("recalc.errors", stats.Errors),
		attribute.Bool("recalc.completed", stats.Completed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

