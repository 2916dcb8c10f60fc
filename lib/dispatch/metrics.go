package dispatch

import (
	"context"
	"time"

	"github.com/buildmesh/controller/lib/catalog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments build lifecycle events and queue depth.
type Metrics struct {
	buildDuration metric.Float64Histogram
	buildTotal    metric.Int64Counter
	pendingGauge  metric.Int64ObservableGauge
	activeGauge   metric.Int64ObservableGauge
}

// NewMetrics creates the build lifecycle instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"buildmesh_build_duration_seconds",
		metric.WithDescription("Duration of builds in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildTotal, err := meter.Int64Counter(
		"buildmesh_builds_total",
		metric.WithDescription("Total number of builds by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	pendingGauge, err := meter.Int64ObservableGauge(
		"buildmesh_builds_pending",
		metric.WithDescription("Number of builds awaiting assignment"),
	)
	if err != nil {
		return nil, err
	}

	activeGauge, err := meter.Int64ObservableGauge(
		"buildmesh_builds_active",
		metric.WithDescription("Number of builds currently assigned or building"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		buildTotal:    buildTotal,
		pendingGauge:  pendingGauge,
		activeGauge:   activeGauge,
	}, nil
}

// RecordBuild records a terminal build outcome (status is "completed" or
// "failed").
func (m *Metrics) RecordBuild(ctx context.Context, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	m.buildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.buildTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RegisterQueueCallbacks wires the pending/active gauges to the Catalog's
// aggregate Stats, read on each metrics scrape.
func (m *Metrics) RegisterQueueCallbacks(meter metric.Meter, cat catalog.Catalog) error {
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			stats, err := cat.Stats(ctx)
			if err != nil {
				return err
			}
			observer.ObserveInt64(m.pendingGauge, int64(stats.PendingCount))
			observer.ObserveInt64(m.activeGauge, int64(stats.ActiveCount))
			return nil
		},
		m.pendingGauge,
		m.activeGauge,
	)
	return err
}
