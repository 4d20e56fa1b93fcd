package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "arbiter"

// Metrics holds all Arbiter metric instruments.
type Metrics struct {
	WorkflowsStarted   metric.Int64Counter
	WorkflowsCompleted metric.Int64Counter
	WorkflowsRetried   metric.Int64Counter
	AgentTimeouts      metric.Int64Counter
	MessagesDelivered  metric.Int64Counter
	WorkflowDuration   metric.Float64Histogram
	QualityScore       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.WorkflowsStarted, err = meter.Int64Counter("arbiter.workflows.started",
		metric.WithDescription("Number of workflows started"))
	if err != nil {
		return nil, err
	}

	m.WorkflowsCompleted, err = meter.Int64Counter("arbiter.workflows.completed",
		metric.WithDescription("Number of workflows completed"))
	if err != nil {
		return nil, err
	}

	m.WorkflowsRetried, err = meter.Int64Counter("arbiter.workflows.retried",
		metric.WithDescription("Number of quality-gated retry rounds"))
	if err != nil {
		return nil, err
	}

	m.AgentTimeouts, err = meter.Int64Counter("arbiter.agents.timeouts",
		metric.WithDescription("Number of agent executions that timed out"))
	if err != nil {
		return nil, err
	}

	m.MessagesDelivered, err = meter.Int64Counter("arbiter.messages.delivered",
		metric.WithDescription("Number of messages delivered to mailboxes"))
	if err != nil {
		return nil, err
	}

	m.WorkflowDuration, err = meter.Float64Histogram("arbiter.workflow.duration_seconds",
		metric.WithDescription("Workflow duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.QualityScore, err = meter.Float64Histogram("arbiter.workflow.quality_score",
		metric.WithDescription("Final quality score per workflow"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
