// Package metrics holds the metric instruments of the coordination core.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Phase label values.
const (
	PhaseOne = "one"
	PhaseTwo = "two"
)

// Outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Action label values.
const (
	ActionRegister = "register"
	ActionReport   = "report"
	ActionCommit   = "commit"
	ActionRollback = "rollback"
)

// CoordinatorMetrics holds the metric instruments for branch registration,
// status reporting, and two-phase dispatch.
type CoordinatorMetrics struct {
	BranchOpsCounter    metric.Int64Counter
	DispatchCounter     metric.Int64Counter
	DispatchDurationMs  metric.Int64Histogram
	ActiveBranchesGauge metric.Int64UpDownCounter
}

// NewCoordinatorMetrics creates and registers the coordinator's instruments.
func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	branchOps, err := meter.Int64Counter(
		"tandem.coordinator.branch_ops_total",
		metric.WithDescription("Total branch register/report operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dispatch, err := meter.Int64Counter(
		"tandem.coordinator.dispatch_total",
		metric.WithDescription("Total phase-two directives dispatched."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dispatchDuration, err := meter.Int64Histogram(
		"tandem.coordinator.dispatch_duration",
		metric.WithDescription("Latency of phase-two dispatch calls."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeBranches, err := meter.Int64UpDownCounter(
		"tandem.coordinator.active_branches",
		metric.WithDescription("Branches currently attached to unresolved global sessions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		BranchOpsCounter:    branchOps,
		DispatchCounter:     dispatch,
		DispatchDurationMs:  dispatchDuration,
		ActiveBranchesGauge: activeBranches,
	}, nil
}

// NewNopCoordinatorMetrics returns instruments that record nothing. Used by
// tests and by embedders that run without telemetry.
func NewNopCoordinatorMetrics() *CoordinatorMetrics {
	m, _ := NewCoordinatorMetrics(noop.NewMeterProvider().Meter("tandem"))
	return m
}

// RecordBranchOp counts one register/report operation.
func (m *CoordinatorMetrics) RecordBranchOp(ctx context.Context, action, branchType, outcome string) {
	m.BranchOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("branch_type", branchType),
		attribute.String("outcome", outcome),
	))
}

// RecordDispatch counts one phase-two directive and its latency.
func (m *CoordinatorMetrics) RecordDispatch(ctx context.Context, action, branchType, outcome string, elapsedMs int64) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("branch_type", branchType),
		attribute.String("outcome", outcome),
		attribute.String("phase", PhaseTwo),
	)
	m.DispatchCounter.Add(ctx, 1, attrs)
	m.DispatchDurationMs.Record(ctx, elapsedMs, attrs)
}
