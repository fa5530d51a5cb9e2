package actors

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"

	"github.com/super-flat/flock/action"
)

// dispatchMetrics counts what the run loop does with every action
type dispatchMetrics struct {
	received metric.Int64Counter
	misses   metric.Int64Counter
	emitted  metric.Int64Counter
	duration metric.Float64Histogram
}

func newDispatchMetrics(provider metric.MeterProvider) (*dispatchMetrics, error) {
	meter := provider.Meter(instrumentationName)
	var err, e error
	m := &dispatchMetrics{}
	m.received, e = meter.Int64Counter("flock.process.actions.received",
		metric.WithDescription("Actions received by the process"))
	err = multierr.Append(err, e)
	m.misses, e = meter.Int64Counter("flock.process.actions.unhandled",
		metric.WithDescription("Actions without a registered handler"))
	err = multierr.Append(err, e)
	m.emitted, e = meter.Int64Counter("flock.process.actions.emitted",
		metric.WithDescription("Actions produced by handlers and pushed to the broker"))
	err = multierr.Append(err, e)
	m.duration, e = meter.Float64Histogram("flock.process.handler.duration",
		metric.WithDescription("Handler execution time, outputs included"),
		metric.WithUnit("ms"))
	err = multierr.Append(err, e)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func noopDispatchMetrics() *dispatchMetrics {
	m, _ := newDispatchMetrics(noop.NewMeterProvider())
	return m
}

func (m *dispatchMetrics) onReceived(ctx context.Context, process string, actionType action.Type) {
	m.received.Add(ctx, 1, attrs(process, actionType))
}

func (m *dispatchMetrics) onMiss(ctx context.Context, process string, actionType action.Type) {
	m.misses.Add(ctx, 1, attrs(process, actionType))
}

func (m *dispatchMetrics) onEmitted(ctx context.Context, process string, actionType action.Type) {
	m.emitted.Add(ctx, 1, attrs(process, actionType))
}

func (m *dispatchMetrics) onHandled(ctx context.Context, process string, actionType action.Type, since time.Time) {
	m.duration.Record(ctx, float64(time.Since(since).Microseconds())/1000, attrs(process, actionType))
}

func attrs(process string, actionType action.Type) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("process", process),
		attribute.String("action", string(actionType)),
	)
}
