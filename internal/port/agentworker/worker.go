// Package agentworker defines the worker-agent invocation port and its
// self-registering factory registry.
package agentworker

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/domain/workflow"
)

// Result is the payload returned by one task execution.
type Result struct {
	Payload    map[string]any
	Confidence float64 // in [0,1]
}

// Worker is the port interface for one invokable analysis agent.
// Lifecycle: Start, one or more ExecuteTask calls, Stop.
type Worker interface {
	// ID returns the identifier the worker was created with.
	ID() string

	// Start prepares the worker for task execution.
	Start(ctx context.Context) error

	// ExecuteTask runs one task. Failures carry a workflow.ExecutionError
	// so callers can classify them structurally.
	ExecuteTask(ctx context.Context, taskType workflow.TaskType, params map[string]any) (*Result, error)

	// Stop releases the worker.
	Stop(ctx context.Context) error
}

// Options configure a worker instance at creation time.
type Options struct {
	TimeoutSeconds int
	MaxRetries     int
}
