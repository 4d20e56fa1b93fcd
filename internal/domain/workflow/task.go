package workflow

import "time"

// Priority ranks a task assignment.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight maps a priority to a sortable rank, highest first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// TaskType identifies one kind of analysis task in the catalog.
type TaskType string

const (
	TaskCompliance TaskType = "compliance"
	TaskFraud      TaskType = "fraud"
	TaskKYC        TaskType = "kyc"
	TaskRisk       TaskType = "risk"
	TaskCustomer   TaskType = "customer"
	TaskMarket     TaskType = "market"
	TaskRegulatory TaskType = "regulatory"
)

// Catalog maps each task type to the request parameters its agent requires.
var Catalog = map[TaskType][]string{
	TaskCompliance: {"jurisdiction", "entity_id"},
	TaskFraud:      {"entity_id", "transaction_window"},
	TaskKYC:        {"entity_id", "document_refs"},
	TaskRisk:       {"entity_id", "exposure_class"},
	TaskCustomer:   {"entity_id", "segment"},
	TaskMarket:     {"sector", "region"},
	TaskRegulatory: {"jurisdiction", "framework"},
}

// DefaultPriority is the static fallback ordering used when inference-based
// prioritization is unavailable. Compliance-class tasks rank high.
func DefaultPriority(t TaskType) Priority {
	switch t {
	case TaskCompliance, TaskFraud, TaskKYC, TaskRegulatory:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// DefaultDependencies is the static dependency table. Dependencies are
// informational metadata: the scheduler does not block on them.
var DefaultDependencies = map[TaskType][]TaskType{
	TaskRisk:     {TaskCompliance},
	TaskCustomer: {TaskKYC},
}

// TaskAssignment binds one task to one agent. Immutable once produced by a
// distribution round.
type TaskAssignment struct {
	AssignedTo   string         `json:"assigned_to"`
	TaskType     TaskType       `json:"task_type"`
	Parameters   map[string]any `json:"parameters"`
	Priority     Priority       `json:"priority"`
	Deadline     time.Time      `json:"deadline"`
	Dependencies []TaskType     `json:"dependencies,omitempty"`
}

// ResultStatus classifies the outcome of one agent execution.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultTimeout   ResultStatus = "timeout"
	ResultFailed    ResultStatus = "failed"
)

// AgentResult is the outcome of one agent execution. Fallback is a
// first-class flag: a synthetic substitute produced when the real execution
// path was unavailable is never distinguishable-by-omission from a genuine
// result.
type AgentResult struct {
	AgentID        string         `json:"agent_id"`
	TaskType       TaskType       `json:"task_type"`
	Status         ResultStatus   `json:"status"`
	Payload        map[string]any `json:"payload,omitempty"`
	Confidence     float64        `json:"confidence"`
	Fallback       bool           `json:"fallback"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	Error          string         `json:"error,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Synthesis aggregates the completed agent results of one round.
type Synthesis struct {
	MeanConfidence  float64  `json:"mean_confidence"`
	CompletedAgents int      `json:"completed_agents"`
	KeyInsights     []string `json:"key_insights"`
	Recommendation  string   `json:"recommendation"`
	DegradedData    bool     `json:"degraded_data"`
}
