package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/adapter/ristretto"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/domain/workflow"
	"github.com/arbiterhq/arbiter/internal/port/agentworker"
	"github.com/arbiterhq/arbiter/internal/service"
)

// Test workers dispatch through this table so each test can script per-task
// behavior. Factories register once for the whole package binary.
var (
	workerMu     sync.Mutex
	workerFns    = map[workflow.TaskType]func(ctx context.Context, params map[string]any) (*agentworker.Result, error){}
	workerCalls  = map[workflow.TaskType]int{}
	registerOnce sync.Once
)

type scriptedWorker struct {
	id string
}

func (w *scriptedWorker) ID() string                  { return w.id }
func (w *scriptedWorker) Start(context.Context) error { return nil }
func (w *scriptedWorker) Stop(context.Context) error  { return nil }

func (w *scriptedWorker) ExecuteTask(ctx context.Context, taskType workflow.TaskType, params map[string]any) (*agentworker.Result, error) {
	workerMu.Lock()
	fn := workerFns[taskType]
	workerCalls[taskType]++
	workerMu.Unlock()

	if fn == nil {
		return &agentworker.Result{
			Payload:    map[string]any{"summary": fmt.Sprintf("%s done", taskType)},
			Confidence: 0.9,
		}, nil
	}
	return fn(ctx, params)
}

func installTestWorkers() {
	registerOnce.Do(func() {
		for t := range workflow.Catalog {
			agentworker.Register(string(t), func(_, id string, _ agentworker.Options) (agentworker.Worker, error) {
				return &scriptedWorker{id: id}, nil
			})
		}
	})
}

// scriptWorker installs a behavior for one task type and restores the
// default when the test finishes.
func scriptWorker(t *testing.T, taskType workflow.TaskType, fn func(ctx context.Context, params map[string]any) (*agentworker.Result, error)) {
	t.Helper()
	workerMu.Lock()
	workerFns[taskType] = fn
	workerMu.Unlock()
	t.Cleanup(func() {
		workerMu.Lock()
		delete(workerFns, taskType)
		workerMu.Unlock()
	})
}

func callCount(taskType workflow.TaskType) int {
	workerMu.Lock()
	defer workerMu.Unlock()
	return workerCalls[taskType]
}

func resetCallCounts() {
	workerMu.Lock()
	defer workerMu.Unlock()
	for t := range workerCalls {
		delete(workerCalls, t)
	}
}

func fixedResult(confidence float64) func(context.Context, map[string]any) (*agentworker.Result, error) {
	return func(context.Context, map[string]any) (*agentworker.Result, error) {
		return &agentworker.Result{
			Payload:    map[string]any{"summary": "scripted result"},
			Confidence: confidence,
		}, nil
	}
}

func blockUntilCancelled(ctx context.Context, _ map[string]any) (*agentworker.Result, error) {
	<-ctx.Done()
	return nil, workflow.NewExecutionError("blocked", workflow.ErrorKindTimeout, ctx.Err())
}

func newTestSupervisor(t *testing.T, orch config.Orchestrator) *service.SupervisorService {
	t.Helper()
	installTestWorkers()
	resetCallCounts()

	receipts, err := ristretto.NewReceiptCache(16, time.Hour)
	if err != nil {
		t.Fatalf("receipt cache: %v", err)
	}
	t.Cleanup(receipts.Close)

	coordinator := service.NewCoordinatorService(nil, nil)
	comms := service.NewCommsService(config.Comms{
		MailboxSize:   100,
		SweepInterval: time.Minute,
		ReceiptTTL:    time.Hour,
	}, coordinator, receipts)
	sessions := service.NewSessionService(config.Session{
		MaxSessions:   50,
		SweepInterval: time.Minute,
	}, nil, time.Hour)

	return service.NewSupervisorService(orch, sessions, comms, coordinator, nil, nil, nil)
}

func defaultOrch() config.Orchestrator {
	return config.Orchestrator{
		QualityThreshold: 0.8,
		MaxRetries:       2,
		AgentTimeout:     2 * time.Second,
		WorkflowTimeout:  10 * time.Second,
		TaskDeadline:     time.Hour,
	}
}

func waitForCompletion(t *testing.T, sup *service.SupervisorService, id string, timeout time.Duration) workflow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := sup.GetWorkflowStatus(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.Phase.IsTerminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not complete within %s", id, timeout)
	return workflow.Snapshot{}
}

func TestWorkflowCompletesWhenQualityPasses(t *testing.T) {
	sup := newTestSupervisor(t, defaultOrch())
	scriptWorker(t, workflow.TaskCompliance, fixedResult(0.9))
	scriptWorker(t, workflow.TaskFraud, fixedResult(0.95))
	scriptWorker(t, workflow.TaskKYC, fixedResult(0.85))

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance", "fraud", "kyc"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)

	if !final.QualityPassed {
		t.Errorf("quality gate failed, score %.2f", final.QualityScore)
	}
	if final.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", final.RetryCount)
	}
	if final.Progress != 1.0 {
		t.Errorf("progress = %v, want 1.0", final.Progress)
	}
	if len(final.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(final.Results))
	}
	for _, r := range final.Results {
		if r.Status != workflow.ResultCompleted || r.Fallback {
			t.Errorf("result %s: status=%s fallback=%v", r.AgentID, r.Status, r.Fallback)
		}
	}
	want := (0.9 + 0.95 + 0.85) / 3
	if diff := final.QualityScore - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("quality score = %v, want %v", final.QualityScore, want)
	}
}

func TestLowQualityRetriesUntilExhausted(t *testing.T) {
	orch := defaultOrch()
	sup := newTestSupervisor(t, orch)
	scriptWorker(t, workflow.TaskCompliance, fixedResult(0.3))
	scriptWorker(t, workflow.TaskFraud, fixedResult(0.4))

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance", "fraud"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)

	if final.QualityPassed {
		t.Error("quality gate passed with low-confidence results")
	}
	if final.RetryCount != orch.MaxRetries {
		t.Errorf("retry count = %d, want %d", final.RetryCount, orch.MaxRetries)
	}
	// Initial round plus every retry round re-runs the failing tasks.
	if got := callCount(workflow.TaskCompliance); got != orch.MaxRetries+1 {
		t.Errorf("compliance executions = %d, want %d", got, orch.MaxRetries+1)
	}
}

func TestAgentTimeoutDoesNotCancelSiblings(t *testing.T) {
	orch := defaultOrch()
	orch.AgentTimeout = 50 * time.Millisecond
	orch.MaxRetries = 0
	sup := newTestSupervisor(t, orch)

	scriptWorker(t, workflow.TaskCompliance, blockUntilCancelled)
	scriptWorker(t, workflow.TaskFraud, fixedResult(0.9))

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance", "fraud"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)

	var sawTimeout, sawCompleted bool
	for _, r := range final.Results {
		switch r.TaskType {
		case workflow.TaskCompliance:
			sawTimeout = r.Status == workflow.ResultTimeout
		case workflow.TaskFraud:
			sawCompleted = r.Status == workflow.ResultCompleted && r.Confidence == 0.9
		}
	}
	if !sawTimeout {
		t.Error("blocked agent did not produce a timeout result")
	}
	if !sawCompleted {
		t.Error("sibling agent was disturbed by the timeout")
	}
	if len(final.Errors) == 0 {
		t.Error("timeout was not recorded in the workflow error log")
	}
}

func TestInfrastructureFailureSubstitutesFallback(t *testing.T) {
	orch := defaultOrch()
	orch.MaxRetries = 0
	sup := newTestSupervisor(t, orch)

	scriptWorker(t, workflow.TaskCompliance, func(context.Context, map[string]any) (*agentworker.Result, error) {
		return nil, workflow.NewExecutionError("agent", workflow.ErrorKindInfrastructure, errors.New("connection refused"))
	})
	scriptWorker(t, workflow.TaskFraud, fixedResult(0.9))

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance", "fraud"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)

	var fallback *workflow.AgentResult
	for _, r := range final.Results {
		if r.TaskType == workflow.TaskCompliance {
			fallback = &r
		}
	}
	if fallback == nil {
		t.Fatal("no result recorded for the failed agent")
	}
	if !fallback.Fallback || fallback.Status != workflow.ResultCompleted {
		t.Errorf("failed agent result = %+v, want completed fallback", fallback)
	}
	if fallback.FallbackReason == "" {
		t.Error("fallback result carries no reason")
	}
	if !final.DegradedData {
		t.Error("workflow not marked degraded despite a fallback result")
	}
}

func TestFallbackResultShortCircuitsRetry(t *testing.T) {
	orch := defaultOrch()
	sup := newTestSupervisor(t, orch)

	scriptWorker(t, workflow.TaskCompliance, func(context.Context, map[string]any) (*agentworker.Result, error) {
		return nil, workflow.NewExecutionError("agent", workflow.ErrorKindInfrastructure, errors.New("connection refused"))
	})
	scriptWorker(t, workflow.TaskFraud, fixedResult(0.3))

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance", "fraud"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)

	// One infrastructure fallback disqualifies the round: callers must be
	// able to tell an unavailable backing service from exhausted retries.
	if final.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", final.RetryCount)
	}
	if got := callCount(workflow.TaskCompliance); got != 1 {
		t.Errorf("infrastructure-failed task executed %d times, want 1", got)
	}
	if got := callCount(workflow.TaskFraud); got != 1 {
		t.Errorf("low-confidence task executed %d times, want 1", got)
	}
	if final.QualityPassed {
		t.Error("quality gate passed despite degraded, low-confidence results")
	}
	if !final.DegradedData {
		t.Error("workflow not marked degraded despite a fallback result")
	}
}

func TestDependenciesAreInformational(t *testing.T) {
	sup := newTestSupervisor(t, defaultOrch())

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"regulatory", "risk", "compliance", "kyc", "customer"},
		"entity_id":      "acme-corp",
		"jurisdiction":   "eu",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)

	if len(final.Results) != 5 {
		t.Fatalf("results = %d, want 5: dependencies must not block execution", len(final.Results))
	}

	// Assignments still carry the dependency metadata.
	var riskDeps, customerDeps []workflow.TaskType
	for _, a := range final.Assignments {
		switch a.TaskType {
		case workflow.TaskRisk:
			riskDeps = a.Dependencies
		case workflow.TaskCustomer:
			customerDeps = a.Dependencies
		}
	}
	if len(riskDeps) != 1 || riskDeps[0] != workflow.TaskCompliance {
		t.Errorf("risk dependencies = %v, want [compliance]", riskDeps)
	}
	if len(customerDeps) != 1 || customerDeps[0] != workflow.TaskKYC {
		t.Errorf("customer dependencies = %v, want [kyc]", customerDeps)
	}
}

func TestStartWorkflowRejectsEmptyScope(t *testing.T) {
	sup := newTestSupervisor(t, defaultOrch())

	if _, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{}); err == nil {
		t.Fatal("start with no scope succeeded")
	}
}

func TestUnknownScopeCompletesWithError(t *testing.T) {
	sup := newTestSupervisor(t, defaultOrch())

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"astrology"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)
	if len(final.Errors) == 0 {
		t.Error("unknown scope left no error trace")
	}
	if len(final.Results) != 0 {
		t.Errorf("results = %d, want 0", len(final.Results))
	}
}

func TestCancelWorkflowTerminates(t *testing.T) {
	orch := defaultOrch()
	orch.AgentTimeout = 10 * time.Second
	sup := newTestSupervisor(t, orch)

	scriptWorker(t, workflow.TaskCompliance, blockUntilCancelled)

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Give the pipeline a moment to enter execution, then cancel.
	time.Sleep(50 * time.Millisecond)
	if err := sup.CancelWorkflow(snap.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)
	if !final.Phase.IsTerminal() {
		t.Errorf("phase = %s after cancel", final.Phase)
	}

	// A user cancellation must not masquerade as a deadline expiry.
	var cancelled, timedOut bool
	for _, e := range final.Errors {
		switch e.Message {
		case domain.ErrWorkflowCancelled.Error():
			cancelled = true
		case domain.ErrWorkflowTimeout.Error():
			timedOut = true
		}
	}
	if !cancelled {
		t.Errorf("cancellation not recorded, errors: %v", final.Errors)
	}
	if timedOut {
		t.Errorf("cancellation recorded as timeout, errors: %v", final.Errors)
	}
}

func TestWorkflowTimeoutForcesCompletion(t *testing.T) {
	orch := defaultOrch()
	orch.WorkflowTimeout = 100 * time.Millisecond
	orch.AgentTimeout = 10 * time.Second
	sup := newTestSupervisor(t, orch)

	scriptWorker(t, workflow.TaskCompliance, blockUntilCancelled)

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForCompletion(t, sup, snap.ID, 5*time.Second)

	found := false
	for _, e := range final.Errors {
		if e.Message == domain.ErrWorkflowTimeout.Error() {
			found = true
		}
	}
	if !found {
		t.Errorf("workflow timeout not recorded, errors: %v", final.Errors)
	}
}

func TestDrainWorkflowEvictsCompletedOnly(t *testing.T) {
	orch := defaultOrch()
	orch.AgentTimeout = 10 * time.Second
	sup := newTestSupervisor(t, orch)

	blocked := make(chan struct{})
	scriptWorker(t, workflow.TaskCompliance, func(ctx context.Context, _ map[string]any) (*agentworker.Result, error) {
		select {
		case <-blocked:
			return &agentworker.Result{Confidence: 0.9, Payload: map[string]any{"summary": "ok"}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	snap, err := sup.StartWorkflow(context.Background(), "user-1", map[string]any{
		"analysis_scope": []string{"compliance"},
		"entity_id":      "acme-corp",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := sup.DrainWorkflow(snap.ID); !errors.Is(err, domain.ErrWorkflowActive) {
		t.Errorf("drain while running: err = %v, want ErrWorkflowActive", err)
	}

	close(blocked)
	waitForCompletion(t, sup, snap.ID, 5*time.Second)

	if err := sup.DrainWorkflow(snap.ID); err != nil {
		t.Fatalf("drain completed: %v", err)
	}
	if _, err := sup.GetWorkflowStatus(snap.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("status after drain: err = %v, want ErrNotFound", err)
	}
	if err := sup.DrainWorkflow(snap.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second drain: err = %v, want ErrNotFound", err)
	}
}

func TestGetWorkflowStatusUnknown(t *testing.T) {
	sup := newTestSupervisor(t, defaultOrch())

	if _, err := sup.GetWorkflowStatus("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := sup.CancelWorkflow("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cancel err = %v, want ErrNotFound", err)
	}
}
