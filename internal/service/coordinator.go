package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/port/coordination"
	"github.com/arbiterhq/arbiter/internal/resilience"
)

const coordinationMaxTries = 3

// CoordinatorService executes the five coordination primitives. Calls go to
// the remote backend when one is configured; transport failures degrade to a
// local in-process simulation that preserves the same contract, so a flaky
// coordination service never fails the caller outright.
type CoordinatorService struct {
	backend coordination.Backend // nil means simulation only
	breaker *resilience.Breaker

	mu          sync.Mutex
	routed      map[string]int            // recipient -> delivered count
	stateBlobs  map[string]map[string]any // scope -> latest synced state
	stateVers   map[string]int            // scope -> version
	workflows   map[string]string         // workflow id -> coordination status
	allocations map[string]map[string]any // allocation id -> descriptor
}

// NewCoordinatorService creates a CoordinatorService. backend may be nil for
// simulation-only operation; breaker may be nil to disable circuit breaking.
func NewCoordinatorService(backend coordination.Backend, breaker *resilience.Breaker) *CoordinatorService {
	return &CoordinatorService{
		backend:     backend,
		breaker:     breaker,
		routed:      make(map[string]int),
		stateBlobs:  make(map[string]map[string]any),
		stateVers:   make(map[string]int),
		workflows:   make(map[string]string),
		allocations: make(map[string]map[string]any),
	}
}

// Execute performs one coordination call, retrying transient transport errors
// with exponential backoff and falling back to simulation when the remote
// path is exhausted.
func (s *CoordinatorService) Execute(ctx context.Context, req *coordination.Request) (*coordination.Response, error) {
	if s.backend == nil || !s.backend.IsConnected() {
		return s.simulate(req), nil
	}

	resp, err := s.executeRemote(ctx, req)
	if err != nil {
		slog.Warn("coordination remote call failed, falling back to simulation",
			"primitive", req.Primitive,
			"operation", req.Operation,
			"error", err,
		)
		return s.simulate(req), nil
	}
	return resp, nil
}

func (s *CoordinatorService) executeRemote(ctx context.Context, req *coordination.Request) (*coordination.Response, error) {
	op := func() (*coordination.Response, error) {
		var resp *coordination.Response
		call := func() error {
			var err error
			resp, err = s.backend.Execute(ctx, req)
			return err
		}

		var err error
		if s.breaker != nil {
			err = s.breaker.Execute(call)
			if errors.Is(err, resilience.ErrCircuitOpen) {
				// No point retrying until the breaker half-opens.
				return nil, backoff.Permanent(err)
			}
		} else {
			err = call()
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(coordinationMaxTries),
	)
}

// simulate services the request from in-process state.
func (s *CoordinatorService) simulate(req *coordination.Request) *coordination.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Primitive {
	case coordination.MessageRouting:
		recipient, _ := req.Parameters["recipient_id"].(string)
		if recipient == "" {
			return failure("message_routing requires recipient_id")
		}
		s.routed[recipient]++
		return success(map[string]any{
			"recipient_id": recipient,
			"delivered":    s.routed[recipient],
		})

	case coordination.TaskDistribution:
		targets := stringSlice(req.Parameters["targets"])
		if len(targets) == 0 {
			return failure("task_distribution requires targets")
		}
		for _, t := range targets {
			s.routed[t]++
		}
		return success(map[string]any{
			"targets":     targets,
			"distributed": len(targets),
		})

	case coordination.StateSynchronization:
		scope, _ := req.Parameters["scope"].(string)
		if scope == "" {
			scope = req.AgentID
		}
		blob, _ := req.Parameters["state"].(map[string]any)
		s.stateVers[scope]++
		s.stateBlobs[scope] = blob
		return success(map[string]any{
			"scope":   scope,
			"version": s.stateVers[scope],
		})

	case coordination.WorkflowOrchestration:
		wfID, _ := req.Parameters["workflow_id"].(string)
		if wfID == "" {
			return failure("workflow_orchestration requires workflow_id")
		}
		s.workflows[wfID] = req.Operation
		return success(map[string]any{
			"workflow_id": wfID,
			"operation":   req.Operation,
		})

	case coordination.ResourceAllocation:
		id := uuid.New().String()
		desc, _ := req.Parameters["descriptor"].(map[string]any)
		s.allocations[id] = desc
		return success(map[string]any{
			"allocation_id": id,
		})
	}

	return failure(fmt.Sprintf("unknown primitive %q", req.Primitive))
}

// WorkflowRecord returns the last coordination operation recorded for a
// workflow in the simulation, for observability.
func (s *CoordinatorService) WorkflowRecord(workflowID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.workflows[workflowID]
	return op, ok
}

func success(result map[string]any) *coordination.Response {
	return &coordination.Response{Success: true, Result: result}
}

func failure(msg string) *coordination.Response {
	return &coordination.Response{Success: false, Error: msg}
}

// stringSlice coerces []string or []any-of-string parameter values.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		var out []string
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
