// Package progress defines the port for pushing workflow progress to observers.
package progress

import "context"

// Update is one progress push for a workflow.
type Update struct {
	WorkflowID   string  `json:"workflow_id"`
	Status       string  `json:"status"`
	Percent      float64 `json:"percent"`
	Phase        string  `json:"phase"`
	AgentSummary string  `json:"agent_results_summary"`
	ErrorCount   int     `json:"error_count"`
}

// Sink receives progress pushes. Sends are fire-and-forget: implementations
// log failures, never return them to the workflow pipeline.
type Sink interface {
	SendProgress(ctx context.Context, u Update)
}

// Nop is a Sink that discards all updates.
type Nop struct{}

// SendProgress discards the update.
func (Nop) SendProgress(context.Context, Update) {}
