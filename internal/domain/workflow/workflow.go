package workflow

import (
	"maps"
	"sync"
	"time"
)

// ErrorEntry records one captured failure with its phase context.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the full mutable record of one workflow run. It is exclusively
// owned by the supervisor goroutine driving it: all writes go through the
// methods below, and readers in other goroutines must use Snapshot.
type State struct {
	mu sync.RWMutex

	ID            string
	UserID        string
	Request       map[string]any
	Phase         Phase
	Assignments   map[string]TaskAssignment
	Results       map[string]AgentResult
	SharedContext map[string]any
	Messages      []string
	Errors        []ErrorEntry
	Progress      float64
	RetryCount    int
	QualityScore  float64
	QualityPassed bool
	DegradedData  bool
	StartedAt     time.Time
	LastUpdated   time.Time
}

// NewState allocates a workflow state in the initialization phase.
func NewState(id, userID string, request map[string]any) *State {
	now := time.Now().UTC()
	return &State{
		ID:            id,
		UserID:        userID,
		Request:       request,
		Phase:         PhaseInitialization,
		Assignments:   make(map[string]TaskAssignment),
		Results:       make(map[string]AgentResult),
		SharedContext: make(map[string]any),
		StartedAt:     now,
		LastUpdated:   now,
	}
}

// Transition moves the workflow to the next phase, rejecting edges outside
// the transition table.
func (s *State) Transition(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Phase.CanTransition(next) {
		return &ErrInvalidTransition{From: s.Phase, To: next}
	}
	s.Phase = next
	s.LastUpdated = time.Now().UTC()
	return nil
}

// CurrentPhase returns the phase under the read lock.
func (s *State) CurrentPhase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}

// RecordError appends a captured failure with the current phase context.
func (s *State) RecordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, ErrorEntry{
		Message:   msg,
		Phase:     s.Phase,
		Timestamp: time.Now().UTC(),
	})
	s.LastUpdated = time.Now().UTC()
}

// ErrorCount returns the number of recorded errors.
func (s *State) ErrorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Errors)
}

// SetAssignments replaces the assignment map for a distribution round.
func (s *State) SetAssignments(a map[string]TaskAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Assignments = a
	s.LastUpdated = time.Now().UTC()
}

// PutResult stores one agent result.
func (s *State) PutResult(agentID string, r AgentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results[agentID] = r
	if r.Fallback {
		s.DegradedData = true
	}
	s.LastUpdated = time.Now().UTC()
}

// SetProgress raises the progress value. Progress is monotonic: a lower
// value than the current one is ignored.
func (s *State) SetProgress(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.Progress {
		s.Progress = p
	}
	s.LastUpdated = time.Now().UTC()
}

// PutShared stores one value in the shared context.
func (s *State) PutShared(key string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SharedContext[key] = val
	s.LastUpdated = time.Now().UTC()
}

// AppendMessage adds one line to the ordered workflow log.
func (s *State) AppendMessage(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, line)
	s.LastUpdated = time.Now().UTC()
}

// SetQuality records the quality gate outcome for the last round.
func (s *State) SetQuality(score float64, passed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QualityScore = score
	s.QualityPassed = passed
	s.LastUpdated = time.Now().UTC()
}

// BumpRetry increments the retry counter and returns the new value.
func (s *State) BumpRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RetryCount++
	s.LastUpdated = time.Now().UTC()
	return s.RetryCount
}

// Snapshot is an immutable copy of a workflow state for status queries.
type Snapshot struct {
	ID            string                    `json:"workflow_id"`
	UserID        string                    `json:"user_id"`
	Request       map[string]any            `json:"request"`
	Phase         Phase                     `json:"phase"`
	Assignments   map[string]TaskAssignment `json:"agent_assignments"`
	Results       map[string]AgentResult    `json:"agent_results"`
	SharedContext map[string]any            `json:"shared_context"`
	Messages      []string                  `json:"messages"`
	Errors        []ErrorEntry              `json:"errors"`
	Progress      float64                   `json:"progress"`
	RetryCount    int                       `json:"retry_count"`
	QualityScore  float64                   `json:"quality_score"`
	QualityPassed bool                      `json:"quality_passed"`
	DegradedData  bool                      `json:"degraded_data"`
	StartedAt     time.Time                 `json:"started_at"`
	LastUpdated   time.Time                 `json:"last_updated"`
}

// Snapshot copies the state under the read lock. Maps and slices are
// shallow-copied one level deep; callers must not mutate nested values.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:            s.ID,
		UserID:        s.UserID,
		Request:       maps.Clone(s.Request),
		Phase:         s.Phase,
		Assignments:   maps.Clone(s.Assignments),
		Results:       maps.Clone(s.Results),
		SharedContext: maps.Clone(s.SharedContext),
		Messages:      append([]string(nil), s.Messages...),
		Errors:        append([]ErrorEntry(nil), s.Errors...),
		Progress:      s.Progress,
		RetryCount:    s.RetryCount,
		QualityScore:  s.QualityScore,
		QualityPassed: s.QualityPassed,
		DegradedData:  s.DegradedData,
		StartedAt:     s.StartedAt,
		LastUpdated:   s.LastUpdated,
	}
	return snap
}
