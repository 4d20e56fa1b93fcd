package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey string

const (
	workflowIDKey contextKey = "workflow_id"
	requestIDKey  contextKey = "request_id"
)

// WithWorkflowID returns a new context with the given workflow ID stored.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WorkflowID extracts the workflow ID from the context.
// Returns an empty string if no workflow ID is set.
func WorkflowID(ctx context.Context) string {
	id, _ := ctx.Value(workflowIDKey).(string)
	return id
}

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
