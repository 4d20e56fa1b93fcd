package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/adapter/otel"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/domain/workflow"
	"github.com/arbiterhq/arbiter/internal/logger"
	"github.com/arbiterhq/arbiter/internal/port/coordination"
	"github.com/arbiterhq/arbiter/internal/port/inference"
	"github.com/arbiterhq/arbiter/internal/port/progress"
)

// SupervisorService drives workflows through the phase state machine. Each
// workflow runs on its own detached goroutine; the supervisor goroutine is
// the sole writer of its workflow state.
type SupervisorService struct {
	cfg         config.Orchestrator
	sessions    *SessionService
	comms       *CommsService
	coordinator *CoordinatorService
	inference   inference.Client // nil disables inference prioritization
	progress    progress.Sink
	metrics     *otel.Metrics // nil disables instrument recording

	mu        sync.RWMutex
	workflows map[string]*workflow.State
	cancels   map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewSupervisorService wires the supervisor. sessions, comms and coordinator
// are required; inference, sink and metrics may be nil.
func NewSupervisorService(
	cfg config.Orchestrator,
	sessions *SessionService,
	comms *CommsService,
	coordinator *CoordinatorService,
	inf inference.Client,
	sink progress.Sink,
	metrics *otel.Metrics,
) *SupervisorService {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &SupervisorService{
		cfg:         cfg,
		sessions:    sessions,
		comms:       comms,
		coordinator: coordinator,
		inference:   inf,
		progress:    sink,
		metrics:     metrics,
		workflows:   make(map[string]*workflow.State),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// StartWorkflow validates the request, announces the workflow to the
// coordination layer, and launches the pipeline. It returns as soon as the
// pipeline goroutine is running; callers poll GetWorkflowStatus.
func (s *SupervisorService) StartWorkflow(ctx context.Context, userID string, request map[string]any) (workflow.Snapshot, error) {
	scope := stringSlice(request["analysis_scope"])
	if len(scope) == 0 {
		return workflow.Snapshot{}, fmt.Errorf("start workflow: request has no analysis_scope")
	}

	id := uuid.New().String()

	// Workflow registration with the coordination layer gates the start: a
	// workflow the coordinator refuses is never launched.
	resp, err := s.coordinator.Execute(ctx, &coordination.Request{
		Primitive:  coordination.WorkflowOrchestration,
		Operation:  "start",
		Parameters: map[string]any{"workflow_id": id, "user_id": userID},
	})
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("start workflow: coordination: %w", err)
	}
	if !resp.Success {
		return workflow.Snapshot{}, fmt.Errorf("start workflow: coordination rejected: %s", resp.Error)
	}

	st := workflow.NewState(id, userID, request)

	// The pipeline outlives the start request: it runs on its own context
	// bounded by the workflow timeout, not the caller's.
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkflowTimeout)
	runCtx = logger.WithWorkflowID(runCtx, id)

	s.mu.Lock()
	s.workflows[id] = st
	s.cancels[id] = cancel
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WorkflowsStarted.Add(ctx, 1)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runPipeline(runCtx, st)
	}()

	slog.Info("workflow started", "workflow_id", id, "user_id", userID, "scope", scope)
	return st.Snapshot(), nil
}

// runPipeline advances the workflow phase by phase until it terminates.
// Every phase handler runs under panic capture; any failure records the
// error and forces the completion edge, so a workflow always terminates.
func (s *SupervisorService) runPipeline(ctx context.Context, st *workflow.State) {
	ctx, span := otel.StartWorkflowSpan(ctx, st.ID, st.UserID)
	defer span.End()

	for {
		phase := st.CurrentPhase()
		if phase.IsTerminal() {
			s.finishWorkflow(ctx, st)
			return
		}

		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				st.RecordError(domain.ErrWorkflowCancelled.Error())
			} else {
				st.RecordError(domain.ErrWorkflowTimeout.Error())
			}
			s.forceCompletion(st)
			continue
		}

		next, err := s.runPhase(ctx, st, phase)
		if err != nil {
			st.RecordError(err.Error())
			slog.Error("phase failed", "workflow_id", st.ID, "phase", phase, "error", err)
			s.forceCompletion(st)
			continue
		}

		if err := st.Transition(next); err != nil {
			st.RecordError(err.Error())
			s.forceCompletion(st)
		}
	}
}

// runPhase dispatches to the phase handler, converting panics to errors.
func (s *SupervisorService) runPhase(ctx context.Context, st *workflow.State, phase workflow.Phase) (next workflow.Phase, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = "", fmt.Errorf("phase %s panicked: %v", phase, r)
		}
	}()

	ctx, span := otel.StartPhaseSpan(ctx, st.ID, string(phase))
	defer span.End()

	switch phase {
	case workflow.PhaseInitialization:
		return s.runInitialization(ctx, st)
	case workflow.PhaseTaskDistribution:
		return s.runTaskDistribution(ctx, st)
	case workflow.PhaseParallelExecution:
		return s.runParallelExecution(ctx, st)
	case workflow.PhaseDataSynthesis:
		return s.runDataSynthesis(ctx, st)
	case workflow.PhaseQualityAssurance:
		return s.runQualityAssurance(ctx, st)
	}
	return "", fmt.Errorf("no handler for phase %s", phase)
}

// forceCompletion takes the defensive completion edge available from every
// phase. It cannot fail: completion is reachable from anywhere.
func (s *SupervisorService) forceCompletion(st *workflow.State) {
	if st.CurrentPhase().IsTerminal() {
		return
	}
	if err := st.Transition(workflow.PhaseCompletion); err != nil {
		slog.Error("forced completion rejected", "workflow_id", st.ID, "error", err)
	}
}

// finishWorkflow runs terminal bookkeeping once the phase is completion.
func (s *SupervisorService) finishWorkflow(ctx context.Context, st *workflow.State) {
	st.SetProgress(1.0)

	snap := st.Snapshot()
	status := "completed"
	if len(snap.Results) == 0 && len(snap.Errors) > 0 {
		status = "failed"
	}
	s.pushProgress(ctx, st, status)

	for agentID := range snap.Assignments {
		s.comms.UnregisterAgent(ctx, agentID)
	}

	if _, err := s.coordinator.Execute(ctx, &coordination.Request{
		Primitive: coordination.WorkflowOrchestration,
		Operation: "complete",
		Parameters: map[string]any{
			"workflow_id":    st.ID,
			"quality_score":  snap.QualityScore,
			"quality_passed": snap.QualityPassed,
		},
	}); err != nil {
		slog.Debug("coordination completion notify failed", "workflow_id", st.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.WorkflowsCompleted.Add(ctx, 1)
		s.metrics.WorkflowDuration.Record(ctx, time.Since(snap.StartedAt).Seconds())
		s.metrics.QualityScore.Record(ctx, snap.QualityScore)
	}

	slog.Info("workflow finished",
		"workflow_id", st.ID,
		"status", status,
		"quality_score", snap.QualityScore,
		"quality_passed", snap.QualityPassed,
		"retries", snap.RetryCount,
		"errors", len(snap.Errors),
		"degraded", snap.DegradedData,
	)
}

// GetWorkflowStatus returns a snapshot of one workflow.
func (s *SupervisorService) GetWorkflowStatus(id string) (workflow.Snapshot, error) {
	s.mu.RLock()
	st, ok := s.workflows[id]
	s.mu.RUnlock()

	if !ok {
		return workflow.Snapshot{}, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return st.Snapshot(), nil
}

// ListWorkflows returns snapshots of every known workflow.
func (s *SupervisorService) ListWorkflows() []workflow.Snapshot {
	s.mu.RLock()
	states := make([]*workflow.State, 0, len(s.workflows))
	for _, st := range s.workflows {
		states = append(states, st)
	}
	s.mu.RUnlock()

	snaps := make([]workflow.Snapshot, 0, len(states))
	for _, st := range states {
		snaps = append(snaps, st.Snapshot())
	}
	return snaps
}

// CancelWorkflow cancels a running workflow. The pipeline observes the
// cancellation and drives the workflow to completion itself.
func (s *SupervisorService) CancelWorkflow(id string) error {
	s.mu.RLock()
	cancel, ok := s.cancels[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	cancel()
	slog.Info("workflow cancelled", "workflow_id", id)
	return nil
}

// DrainWorkflow evicts a completed workflow from the active map. Workflows
// that have not reached the completion phase are refused so status reads
// never race a live pipeline.
func (s *SupervisorService) DrainWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	if st.Snapshot().Phase != workflow.PhaseCompletion {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrWorkflowActive)
	}
	delete(s.workflows, id)
	delete(s.cancels, id)
	slog.Info("workflow drained", "workflow_id", id)
	return nil
}

// Drain cancels every running workflow and waits for their pipelines to
// finish, bounded by ctx.
func (s *SupervisorService) Drain(ctx context.Context) error {
	s.mu.RLock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain workflows: %w", ctx.Err())
	}
}

// pushProgress sends one fire-and-forget progress update.
func (s *SupervisorService) pushProgress(ctx context.Context, st *workflow.State, status string) {
	snap := st.Snapshot()
	completed := 0
	for _, r := range snap.Results {
		if r.Status == workflow.ResultCompleted {
			completed++
		}
	}
	s.progress.SendProgress(ctx, progress.Update{
		WorkflowID:   snap.ID,
		Status:       status,
		Percent:      snap.Progress,
		Phase:        string(snap.Phase),
		AgentSummary: fmt.Sprintf("%d/%d agents completed", completed, len(snap.Assignments)),
		ErrorCount:   len(snap.Errors),
	})
}
