// Package coordination defines the coordination primitive envelope and the
// remote transport port.
package coordination

import "context"

// Primitive is one of the five abstract coordination operations.
type Primitive string

const (
	MessageRouting        Primitive = "message_routing"
	TaskDistribution      Primitive = "task_distribution"
	StateSynchronization  Primitive = "state_synchronization"
	WorkflowOrchestration Primitive = "workflow_orchestration"
	ResourceAllocation    Primitive = "resource_allocation"
)

// Request is the uniform envelope for one coordination call.
type Request struct {
	Primitive     Primitive      `json:"primitive"`
	Operation     string         `json:"operation"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Response is the uniform result envelope. Exactly one of Result or Error is
// meaningful depending on Success.
type Response struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Backend is the port interface for a remote coordination service.
// Transport failures are the caller's signal to degrade to simulation.
type Backend interface {
	// Execute performs one coordination call over the transport.
	Execute(ctx context.Context, req *Request) (*Response, error)

	// IsConnected reports whether the transport is currently usable.
	IsConnected() bool
}
