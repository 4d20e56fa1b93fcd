package workflow

import "fmt"

// ErrorKind is the structural classification of an agent execution failure.
// It replaces substring matching on error messages: retry-skip decisions rely
// on the kind, never on the text.
type ErrorKind string

const (
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindTask           ErrorKind = "task"
	ErrorKindInfrastructure ErrorKind = "infrastructure"
	ErrorKindCredential     ErrorKind = "credential"
)

// SkipsRetry reports whether the kind short-circuits the quality-gated retry
// loop. Infrastructure and credential failures will not improve on retry.
func (k ErrorKind) SkipsRetry() bool {
	return k == ErrorKindInfrastructure || k == ErrorKindCredential
}

// AllowsFallback reports whether the supervisor may substitute a tagged
// fallback result for this failure.
func (k ErrorKind) AllowsFallback() bool {
	return k == ErrorKindInfrastructure || k == ErrorKindCredential
}

// ExecutionError is a classified per-agent execution failure. It is captured
// into the workflow error log and never aborts sibling agents.
type ExecutionError struct {
	AgentID string
	Kind    ErrorKind
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.AgentID, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError wraps err with an agent id and kind.
func NewExecutionError(agentID string, kind ErrorKind, err error) *ExecutionError {
	return &ExecutionError{AgentID: agentID, Kind: kind, Err: err}
}
