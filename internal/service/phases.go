package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbiterhq/arbiter/internal/adapter/otel"
	"github.com/arbiterhq/arbiter/internal/domain/message"
	"github.com/arbiterhq/arbiter/internal/domain/session"
	"github.com/arbiterhq/arbiter/internal/domain/workflow"
	"github.com/arbiterhq/arbiter/internal/port/agentworker"
	"github.com/arbiterhq/arbiter/internal/port/coordination"
)

const (
	fallbackConfidence     = 0.5
	prioritizationTimeout  = 10 * time.Second
	sharedKeySynthesis     = "synthesis"
	sharedKeyRetryEligible = "retry_eligible"
)

// runInitialization validates the request and allocates coordination
// resources for the run.
func (s *SupervisorService) runInitialization(ctx context.Context, st *workflow.State) (workflow.Phase, error) {
	snap := st.Snapshot()
	scope := taskScope(snap.Request)
	if len(scope) == 0 {
		return "", fmt.Errorf("initialization: analysis_scope names no known task types")
	}

	resp, err := s.coordinator.Execute(ctx, &coordination.Request{
		Primitive: coordination.ResourceAllocation,
		Operation: "allocate",
		Parameters: map[string]any{
			"workflow_id": st.ID,
			"capacity":    len(scope),
		},
	})
	if err != nil {
		return "", fmt.Errorf("initialization: resource allocation: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("initialization: resource allocation rejected: %s", resp.Error)
	}

	st.AppendMessage(fmt.Sprintf("initialized with %d analysis tasks", len(scope)))
	st.SetProgress(0.1)
	s.pushProgress(ctx, st, "running")
	return workflow.PhaseTaskDistribution, nil
}

// runTaskDistribution builds one assignment per in-scope task type and
// announces each to its agent. On retry rounds only tasks without a passing
// result are redistributed; good results from earlier rounds are kept.
func (s *SupervisorService) runTaskDistribution(ctx context.Context, st *workflow.State) (workflow.Phase, error) {
	snap := st.Snapshot()
	scope := taskScope(snap.Request)
	retry := snap.RetryCount > 0

	pending := make([]workflow.TaskType, 0, len(scope))
	for _, t := range scope {
		if retry && hasPassingResult(snap, t, s.cfg.QualityThreshold) {
			continue
		}
		pending = append(pending, t)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	priorities := s.prioritizeTasks(ctx, pending)
	deadline := time.Now().UTC().Add(s.cfg.TaskDeadline)

	assignments := make(map[string]workflow.TaskAssignment, len(pending))
	for _, t := range pending {
		agentID := agentIDFor(st.ID, t)
		assignments[agentID] = workflow.TaskAssignment{
			AssignedTo:   agentID,
			TaskType:     t,
			Parameters:   taskParameters(snap.Request, t),
			Priority:     priorities[t],
			Deadline:     deadline,
			Dependencies: workflow.DefaultDependencies[t],
		}
	}

	// Keep assignments from earlier rounds so the final snapshot covers the
	// whole scope, then overlay this round's.
	merged := snap.Assignments
	for id, a := range assignments {
		merged[id] = a
	}
	st.SetAssignments(merged)

	for agentID, a := range assignments {
		if !s.comms.IsRegistered(agentID) {
			if err := s.comms.RegisterAgent(ctx, agentID, nil); err != nil {
				return "", fmt.Errorf("task distribution: %w", err)
			}
		}

		receipt, err := s.comms.SendMessage(ctx, &message.AgentMessage{
			SenderID:    "supervisor",
			RecipientID: agentID,
			Type:        message.TypeTaskAssignment,
			Priority:    messagePriority(a.Priority),
			Content: map[string]any{
				"workflow_id": st.ID,
				"task_type":   string(a.TaskType),
				"parameters":  a.Parameters,
				"deadline":    a.Deadline,
			},
		}, message.ProtocolDirect)
		if err != nil {
			return "", fmt.Errorf("task distribution: announce to %s: %w", agentID, err)
		}
		if receipt.Status != message.StatusDelivered {
			st.RecordError(fmt.Sprintf("assignment announce to %s not delivered: %s", agentID, receipt.Detail))
		} else if s.metrics != nil {
			s.metrics.MessagesDelivered.Add(ctx, 1)
		}

		if _, err := s.coordinator.Execute(ctx, &coordination.Request{
			Primitive: coordination.TaskDistribution,
			Operation: "assign",
			Parameters: map[string]any{
				"workflow_id": st.ID,
				"task_type":   string(a.TaskType),
				"targets":     []string{agentID},
			},
			AgentID: agentID,
		}); err != nil {
			slog.Debug("coordination assignment notify failed", "workflow_id", st.ID, "agent_id", agentID, "error", err)
		}
	}

	st.AppendMessage(fmt.Sprintf("distributed %d tasks (round %d)", len(assignments), snap.RetryCount+1))
	st.SetProgress(0.2)
	s.pushProgress(ctx, st, "running")
	return workflow.PhaseParallelExecution, nil
}

// runParallelExecution fans out every pending assignment to its worker. Each
// agent runs under its own timeout; one agent's failure never cancels its
// siblings, which is why the errgroup closures always return nil.
func (s *SupervisorService) runParallelExecution(ctx context.Context, st *workflow.State) (workflow.Phase, error) {
	snap := st.Snapshot()

	pending := make(map[string]workflow.TaskAssignment)
	for id, a := range snap.Assignments {
		if snap.RetryCount > 0 && hasPassingResult(snap, a.TaskType, s.cfg.QualityThreshold) {
			continue
		}
		pending[id] = a
	}
	if len(pending) == 0 {
		return workflow.PhaseDataSynthesis, nil
	}

	var done atomic.Int64
	total := int64(len(pending))

	g, gctx := errgroup.WithContext(ctx)
	for agentID, a := range pending {
		g.Go(func() error {
			result := s.executeAgent(gctx, st, agentID, a)
			st.PutResult(agentID, result)

			frac := float64(done.Add(1)) / float64(total)
			st.SetProgress(0.3 + 0.4*frac)
			s.pushProgress(gctx, st, "running")
			return nil
		})
	}
	_ = g.Wait()

	st.AppendMessage(fmt.Sprintf("executed %d agents", len(pending)))
	return workflow.PhaseDataSynthesis, nil
}

// executeAgent runs one assignment end to end: session, worker lifecycle,
// classified failure handling. It always produces a result.
func (s *SupervisorService) executeAgent(ctx context.Context, st *workflow.State, agentID string, a workflow.TaskAssignment) workflow.AgentResult {
	ctx, span := otel.StartAgentSpan(ctx, st.ID, agentID, string(a.TaskType))
	defer span.End()

	sess, err := s.sessions.CreateSession(ctx, string(a.TaskType), st.UserID, map[string]any{
		"workflow_id": st.ID,
		"agent_id":    agentID,
	})
	if err != nil {
		st.RecordError(fmt.Sprintf("agent %s: session: %v", agentID, err))
		return fallbackResult(agentID, a.TaskType, fmt.Sprintf("session unavailable: %v", err))
	}
	defer func() {
		if err := s.sessions.CleanupSession(ctx, sess.ID); err != nil {
			slog.Warn("session cleanup failed", "session_id", sess.ID, "error", err)
		}
	}()

	worker, err := agentworker.New(string(a.TaskType), agentID, agentworker.Options{
		TimeoutSeconds: int(s.cfg.AgentTimeout.Seconds()),
		MaxRetries:     s.cfg.MaxRetries,
	})
	if err != nil {
		st.RecordError(fmt.Sprintf("agent %s: %v", agentID, err))
		_ = s.sessions.UpdateStatus(ctx, sess.ID, session.StatusFailed)
		return fallbackResult(agentID, a.TaskType, fmt.Sprintf("no worker available: %v", err))
	}

	if err := worker.Start(ctx); err != nil {
		st.RecordError(fmt.Sprintf("agent %s: start: %v", agentID, err))
		_ = s.sessions.UpdateStatus(ctx, sess.ID, session.StatusFailed)
		return fallbackResult(agentID, a.TaskType, fmt.Sprintf("worker start failed: %v", err))
	}
	defer func() {
		if err := worker.Stop(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("worker stop failed", "agent_id", agentID, "error", err)
		}
	}()

	_ = s.sessions.UpdateStatus(ctx, sess.ID, session.StatusRunning)

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
	defer cancel()

	res, err := worker.ExecuteTask(execCtx, a.TaskType, a.Parameters)
	if err != nil {
		_ = s.sessions.UpdateStatus(ctx, sess.ID, session.StatusFailed)
		return s.classifyFailure(ctx, st, agentID, a.TaskType, err)
	}

	_ = s.sessions.UpdateStatus(ctx, sess.ID, session.StatusCompleted)
	return workflow.AgentResult{
		AgentID:     agentID,
		TaskType:    a.TaskType,
		Status:      workflow.ResultCompleted,
		Payload:     res.Payload,
		Confidence:  res.Confidence,
		CompletedAt: time.Now().UTC(),
	}
}

// classifyFailure maps one execution failure to a result by its kind.
// Timeouts become timeout results; infrastructure and credential failures
// become tagged fallback results; everything else is a plain failure.
func (s *SupervisorService) classifyFailure(ctx context.Context, st *workflow.State, agentID string, taskType workflow.TaskType, err error) workflow.AgentResult {
	st.RecordError(fmt.Sprintf("agent %s: %v", agentID, err))

	var execErr *workflow.ExecutionError
	kind := workflow.ErrorKindTask
	if errors.As(err, &execErr) {
		kind = execErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || kind == workflow.ErrorKindTimeout {
		if s.metrics != nil {
			s.metrics.AgentTimeouts.Add(ctx, 1)
		}
		return workflow.AgentResult{
			AgentID:     agentID,
			TaskType:    taskType,
			Status:      workflow.ResultTimeout,
			Error:       err.Error(),
			CompletedAt: time.Now().UTC(),
		}
	}

	if kind.AllowsFallback() {
		return fallbackResult(agentID, taskType, err.Error())
	}

	return workflow.AgentResult{
		AgentID:     agentID,
		TaskType:    taskType,
		Status:      workflow.ResultFailed,
		Error:       err.Error(),
		CompletedAt: time.Now().UTC(),
	}
}

// runDataSynthesis aggregates completed results and publishes the merged
// state to the coordination layer.
func (s *SupervisorService) runDataSynthesis(ctx context.Context, st *workflow.State) (workflow.Phase, error) {
	snap := st.Snapshot()
	syn := synthesize(snap)
	st.PutShared(sharedKeySynthesis, syn)
	st.PutShared(sharedKeyRetryEligible, retryEligible(snap))

	if _, err := s.coordinator.Execute(ctx, &coordination.Request{
		Primitive: coordination.StateSynchronization,
		Operation: "sync",
		Parameters: map[string]any{
			"scope": st.ID,
			"state": map[string]any{
				"mean_confidence":  syn.MeanConfidence,
				"completed_agents": syn.CompletedAgents,
				"degraded_data":    syn.DegradedData,
			},
		},
	}); err != nil {
		slog.Debug("coordination state sync failed", "workflow_id", st.ID, "error", err)
	}

	st.AppendMessage(fmt.Sprintf("synthesized %d results, mean confidence %.2f", syn.CompletedAgents, syn.MeanConfidence))
	st.SetProgress(0.8)
	s.pushProgress(ctx, st, "running")
	return workflow.PhaseQualityAssurance, nil
}

// runQualityAssurance applies the quality gate and decides between the retry
// back-edge and completion.
func (s *SupervisorService) runQualityAssurance(ctx context.Context, st *workflow.State) (workflow.Phase, error) {
	snap := st.Snapshot()
	syn := synthesize(snap)

	passed := syn.CompletedAgents > 0 && syn.MeanConfidence >= s.cfg.QualityThreshold
	st.SetQuality(syn.MeanConfidence, passed)
	st.SetProgress(0.9)
	s.pushProgress(ctx, st, "running")

	if passed {
		st.AppendMessage(fmt.Sprintf("quality gate passed at %.2f", syn.MeanConfidence))
		return workflow.PhaseCompletion, nil
	}

	if snap.RetryCount >= s.cfg.MaxRetries {
		st.AppendMessage(fmt.Sprintf("quality gate failed at %.2f, retries exhausted", syn.MeanConfidence))
		return workflow.PhaseCompletion, nil
	}
	if !retryEligible(snap) {
		st.AppendMessage("quality gate failed, failures are not retryable")
		return workflow.PhaseCompletion, nil
	}

	round := st.BumpRetry()
	if s.metrics != nil {
		s.metrics.WorkflowsRetried.Add(ctx, 1)
	}
	st.AppendMessage(fmt.Sprintf("quality gate failed at %.2f, retry round %d", syn.MeanConfidence, round))
	slog.Info("quality retry", "workflow_id", st.ID, "score", syn.MeanConfidence, "round", round)
	return workflow.PhaseTaskDistribution, nil
}

// prioritizeTasks ranks pending tasks, preferring the inference backend and
// degrading to the static table when inference is unavailable or returns
// something unparseable.
func (s *SupervisorService) prioritizeTasks(ctx context.Context, tasks []workflow.TaskType) map[workflow.TaskType]workflow.Priority {
	priorities := make(map[workflow.TaskType]workflow.Priority, len(tasks))
	for _, t := range tasks {
		priorities[t] = workflow.DefaultPriority(t)
	}
	if s.inference == nil || len(tasks) == 0 {
		return priorities
	}

	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = string(t)
	}
	prompt := fmt.Sprintf(
		"Rank these analysis tasks for a financial review. Reply with one line per task, formatted task:priority where priority is critical, high, medium or low. Tasks: %s",
		strings.Join(names, ", "),
	)

	infCtx, cancel := context.WithTimeout(ctx, prioritizationTimeout)
	defer cancel()

	reply, err := s.inference.Invoke(infCtx, prompt)
	if err != nil {
		slog.Warn("inference prioritization failed, using static priorities", "error", err)
		return priorities
	}

	for _, line := range strings.Split(reply, "\n") {
		name, prio, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		t := workflow.TaskType(strings.TrimSpace(name))
		if _, known := priorities[t]; !known {
			continue
		}
		switch workflow.Priority(strings.TrimSpace(strings.ToLower(prio))) {
		case workflow.PriorityCritical:
			priorities[t] = workflow.PriorityCritical
		case workflow.PriorityHigh:
			priorities[t] = workflow.PriorityHigh
		case workflow.PriorityMedium:
			priorities[t] = workflow.PriorityMedium
		case workflow.PriorityLow:
			priorities[t] = workflow.PriorityLow
		}
	}
	return priorities
}

// synthesize folds completed results into one Synthesis.
func synthesize(snap workflow.Snapshot) workflow.Synthesis {
	var (
		sum       float64
		completed int
		insights  []string
		degraded  bool
	)
	for _, r := range snap.Results {
		if r.Status != workflow.ResultCompleted {
			continue
		}
		completed++
		sum += r.Confidence
		if r.Fallback {
			degraded = true
		}
		if s, ok := r.Payload["summary"].(string); ok && s != "" {
			insights = append(insights, s)
		}
	}
	sort.Strings(insights)

	if completed == 0 {
		return workflow.Synthesis{
			Recommendation: "insufficient data: no agent completed",
			DegradedData:   snap.DegradedData,
		}
	}

	mean := sum / float64(completed)
	rec := "re-run analysis before acting"
	switch {
	case mean >= 0.8:
		rec = "proceed with findings"
	case mean >= 0.6:
		rec = "validate findings before acting"
	}
	if degraded {
		rec += " (degraded data)"
	}

	return workflow.Synthesis{
		MeanConfidence:  mean,
		CompletedAgents: completed,
		KeyInsights:     insights,
		Recommendation:  rec,
		DegradedData:    degraded,
	}
}

// retryEligible reports whether another round could improve the outcome.
// Any fallback result stands in for an infrastructure or credential failure;
// a single one disqualifies the whole round, so callers can tell an
// exhausted retry budget from an unavailable backing service.
func retryEligible(snap workflow.Snapshot) bool {
	for _, r := range snap.Results {
		if r.Fallback {
			return false
		}
	}
	for _, r := range snap.Results {
		if r.Status != workflow.ResultCompleted || r.Confidence < 1.0 {
			return true
		}
	}
	return false
}

// hasPassingResult reports whether a task already has a genuine completed
// result at or above the threshold.
func hasPassingResult(snap workflow.Snapshot, t workflow.TaskType, threshold float64) bool {
	for _, r := range snap.Results {
		if r.TaskType == t && r.Status == workflow.ResultCompleted && !r.Fallback && r.Confidence >= threshold {
			return true
		}
	}
	return false
}

// taskScope extracts the known task types named in the request scope,
// silently dropping unknown names.
func taskScope(request map[string]any) []workflow.TaskType {
	var scope []workflow.TaskType
	for _, name := range stringSlice(request["analysis_scope"]) {
		t := workflow.TaskType(name)
		if _, ok := workflow.Catalog[t]; ok {
			scope = append(scope, t)
		}
	}
	return scope
}

// taskParameters pulls the catalog-required parameters for a task out of the
// request. Missing parameters are passed through as nil so the agent can
// decide whether it can proceed without them.
func taskParameters(request map[string]any, t workflow.TaskType) map[string]any {
	params := make(map[string]any)
	for _, key := range workflow.Catalog[t] {
		params[key] = request[key]
	}
	return params
}

// fallbackResult builds the tagged synthetic substitute for an unavailable
// execution path.
func fallbackResult(agentID string, t workflow.TaskType, reason string) workflow.AgentResult {
	return workflow.AgentResult{
		AgentID:  agentID,
		TaskType: t,
		Status:   workflow.ResultCompleted,
		Payload: map[string]any{
			"summary": fmt.Sprintf("%s analysis unavailable, substituted conservative defaults", t),
		},
		Confidence:     fallbackConfidence,
		Fallback:       true,
		FallbackReason: reason,
		CompletedAt:    time.Now().UTC(),
	}
}

func agentIDFor(workflowID string, t workflow.TaskType) string {
	short := workflowID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-agent-%s", t, short)
}

func messagePriority(p workflow.Priority) message.Priority {
	switch p {
	case workflow.PriorityCritical:
		return message.PriorityCritical
	case workflow.PriorityHigh:
		return message.PriorityHigh
	case workflow.PriorityLow:
		return message.PriorityLow
	}
	return message.PriorityNormal
}
