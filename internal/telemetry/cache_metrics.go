// Package internaltelemetry defines the metric instruments recorded by the
// placement, migration and read-race components.
package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UsageFunc reports the used and total bytes of the bounded tiers.
type UsageFunc func() (fastUsed, fastCap, capacityUsed, capacityCap uint64)

// CacheMetrics holds the instruments for tier placement, eviction,
// migration and multi-source reads. A nil *CacheMetrics records nothing.
type CacheMetrics struct {
	PlacementsCounter  metric.Int64Counter
	EvictionsCounter   metric.Int64Counter
	MigrationsCounter  metric.Int64Counter
	RaceOutcomeCounter metric.Int64Counter
	RaceLatency        metric.Float64Histogram

	meter        metric.Meter
	registration metric.Registration
}

// NewCacheMetrics creates and registers the cache instruments on meter.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	placements, err := meter.Int64Counter(
		"hvac.cache.placements_total",
		metric.WithDescription("Files registered, by chosen tier."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"hvac.cache.evictions_total",
		metric.WithDescription("Fast tier victims, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	migrations, err := meter.Int64Counter(
		"hvac.mover.migrations_total",
		metric.WithDescription("Background migrations, by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	raceOutcomes, err := meter.Int64Counter(
		"hvac.msread.outcomes_total",
		metric.WithDescription("Multi-source reads, by winning tier."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	raceLatency, err := meter.Float64Histogram(
		"hvac.msread.duration",
		metric.WithDescription("Time until a multi-source read resolved."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		PlacementsCounter:  placements,
		EvictionsCounter:   evictions,
		MigrationsCounter:  migrations,
		RaceOutcomeCounter: raceOutcomes,
		RaceLatency:        raceLatency,
		meter:              meter,
	}, nil
}

// ObserveUsage registers gauges fed by fn. Calling it again replaces the
// previous callback.
func (m *CacheMetrics) ObserveUsage(fn UsageFunc) error {
	if m == nil {
		return nil
	}
	used, err := m.meter.Int64ObservableGauge(
		"hvac.cache.tier_used_bytes",
		metric.WithDescription("Bytes accounted to each bounded tier."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}
	capacity, err := m.meter.Int64ObservableGauge(
		"hvac.cache.tier_capacity_bytes",
		metric.WithDescription("Configured capacity of each bounded tier."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	if m.registration != nil {
		if err := m.registration.Unregister(); err != nil {
			return err
		}
	}
	m.registration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		fastUsed, fastCap, ssdUsed, ssdCap := fn()
		pm := metric.WithAttributes(attribute.String("tier", "pm"))
		ssd := metric.WithAttributes(attribute.String("tier", "ssd"))
		o.ObserveInt64(used, int64(fastUsed), pm)
		o.ObserveInt64(used, int64(ssdUsed), ssd)
		o.ObserveInt64(capacity, int64(fastCap), pm)
		o.ObserveInt64(capacity, int64(ssdCap), ssd)
		return nil
	}, used, capacity)
	return err
}

func (m *CacheMetrics) Placed(tier string) {
	if m == nil {
		return
	}
	m.PlacementsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *CacheMetrics) Evicted(from, outcome string) {
	if m == nil {
		return
	}
	m.EvictionsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tier", from),
		attribute.String("outcome", outcome),
	))
}

func (m *CacheMetrics) Migrated(result string) {
	if m == nil {
		return
	}
	m.MigrationsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// RaceResolved records the winner ("none" when every source failed).
func (m *CacheMetrics) RaceResolved(ctx context.Context, winner string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("winner", winner))
	m.RaceOutcomeCounter.Add(ctx, 1, attrs)
	m.RaceLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}
