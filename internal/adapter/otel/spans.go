package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "arbiter"

// StartWorkflowSpan starts a span covering one workflow pipeline run.
func StartWorkflowSpan(ctx context.Context, workflowID, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("user.id", userID),
		),
	)
}

// StartPhaseSpan starts a span for one workflow phase.
func StartPhaseSpan(ctx context.Context, workflowID, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.phase", phase),
		),
	)
}

// StartAgentSpan starts a span for one agent task execution.
func StartAgentSpan(ctx context.Context, workflowID, agentID, taskType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("agent.id", agentID),
			attribute.String("task.type", taskType),
		),
	)
}
