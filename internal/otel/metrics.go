package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the fleet instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SagaDuration      metric.Float64Histogram
	SagaOutcomes      metric.Int64Counter
	CycleDuration     metric.Float64Histogram
	CycleTransitions  metric.Int64Counter
	CyclesSkipped     metric.Int64Counter
	OutboxDelivered   metric.Int64Counter
	OutboxFailed      metric.Int64Counter
	BusHandlerErrors  metric.Int64Counter
	ReconciledOrphans metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SagaDuration, err = meter.Float64Histogram("fleet.saga.duration",
		metric.WithDescription("Spawn saga duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SagaOutcomes, err = meter.Int64Counter("fleet.saga.outcomes",
		metric.WithDescription("Spawn saga results by outcome and failed step"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram("fleet.monitor.cycle.duration",
		metric.WithDescription("Monitor cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleTransitions, err = meter.Int64Counter("fleet.monitor.transitions",
		metric.WithDescription("State transitions applied by the monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.CyclesSkipped, err = meter.Int64Counter("fleet.monitor.cycles.skipped",
		metric.WithDescription("Monitor ticks coalesced because a cycle was still running"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDelivered, err = meter.Int64Counter("fleet.outbox.delivered",
		metric.WithDescription("Outbox entries delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxFailed, err = meter.Int64Counter("fleet.outbox.failed",
		metric.WithDescription("Outbox delivery attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.BusHandlerErrors, err = meter.Int64Counter("fleet.bus.handler_errors",
		metric.WithDescription("Event bus handler failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconciledOrphans, err = meter.Int64Counter("fleet.reconcile.orphans",
		metric.WithDescription("Live tasks failed by startup reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordSaga(ctx context.Context, success bool, failedStep string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.String("failed_step", failedStep),
	)
	m.SagaDuration.Record(ctx, d.Seconds(), attrs)
	m.SagaOutcomes.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordCycle(ctx context.Context, d time.Duration, transitions int) {
	if m == nil {
		return
	}
	m.CycleDuration.Record(ctx, d.Seconds())
	if transitions > 0 {
		m.CycleTransitions.Add(ctx, int64(transitions))
	}
}

func (m *Metrics) RecordSkippedCycle(ctx context.Context) {
	if m == nil {
		return
	}
	m.CyclesSkipped.Add(ctx, 1)
}

func (m *Metrics) RecordOutbox(ctx context.Context, eventType string, delivered bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	if delivered {
		m.OutboxDelivered.Add(ctx, 1, attrs)
		return
	}
	m.OutboxFailed.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordHandlerError(ctx context.Context, eventType, kind string) {
	if m == nil {
		return
	}
	m.BusHandlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordReconciled(ctx context.Context, orphans int) {
	if m == nil || orphans == 0 {
		return
	}
	m.ReconciledOrphans.Add(ctx, int64(orphans))
}
