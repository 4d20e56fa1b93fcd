// Package workflow defines the workflow state machine and its domain types.
package workflow

import "fmt"

// Phase is the lifecycle stage of a workflow. Transitions are restricted to
// the closed table below; anything else is rejected.
type Phase string

const (
	PhaseInitialization    Phase = "initialization"
	PhaseTaskDistribution  Phase = "task_distribution"
	PhaseParallelExecution Phase = "parallel_execution"
	PhaseDataSynthesis     Phase = "data_synthesis"
	PhaseQualityAssurance  Phase = "quality_assurance"
	PhaseCompletion        Phase = "completion"
)

// transitions is the closed edge set of the phase graph. The single back-edge
// from quality_assurance to task_distribution is the quality-gated retry.
var transitions = map[Phase][]Phase{
	PhaseInitialization:    {PhaseTaskDistribution, PhaseCompletion},
	PhaseTaskDistribution:  {PhaseParallelExecution, PhaseCompletion},
	PhaseParallelExecution: {PhaseDataSynthesis, PhaseCompletion},
	PhaseDataSynthesis:     {PhaseQualityAssurance, PhaseCompletion},
	PhaseQualityAssurance:  {PhaseTaskDistribution, PhaseCompletion},
	PhaseCompletion:        {},
}

// CanTransition reports whether moving from p to next is a valid edge.
func (p Phase) CanTransition(next Phase) bool {
	for _, n := range transitions[p] {
		if n == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompletion
}

// ErrInvalidTransition is returned when a phase change is not in the table.
type ErrInvalidTransition struct {
	From Phase
	To   Phase
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}
