package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RPCMetrics holds the metric instruments for the tier service.
type RPCMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewRPCMetrics creates and registers all the metrics for the tier service.
func NewRPCMetrics(meter metric.Meter) (*RPCMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"hvac.rpc.server.started_total",
		metric.WithDescription("Total number of tier RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"hvac.rpc.server.handled_total",
		metric.WithDescription("Total number of tier RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"hvac.rpc.server.duration",
		metric.WithDescription("The latency of tier RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"hvac.rpc.server.active_rpcs",
		metric.WithDescription("Number of in-flight tier RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &RPCMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// Begin records the start of an RPC and returns the function that ends it.
func (m *RPCMetrics) Begin(ctx context.Context, method string) func(code string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("rpc.method", method))
	m.RpcsStartedCounter.Add(ctx, 1, attrs)
	m.ActiveRpcsUpDownCounter.Add(ctx, 1, attrs)
	return func(code string) {
		m.ActiveRpcsUpDownCounter.Add(ctx, -1, attrs)
		done := metric.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("rpc.code", code),
		)
		m.RpcsHandledCounter.Add(ctx, 1, done)
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), done)
	}
}
