// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrSessionCapacity indicates the global cap on active sessions is reached.
// CreateSession reports it to the caller; requests are never silently queued.
var ErrSessionCapacity = errors.New("session capacity reached")

// ErrWorkflowTimeout indicates the workflow-level deadline expired. The
// workflow is force-completed with this error recorded; it is never retried.
var ErrWorkflowTimeout = errors.New("workflow timed out")

// ErrWorkflowCancelled indicates the workflow was cancelled by a caller.
// The pipeline force-completes with this error recorded.
var ErrWorkflowCancelled = errors.New("workflow cancelled")

// ErrWorkflowActive indicates an attempt to evict a workflow whose pipeline
// has not reached the completion phase yet.
var ErrWorkflowActive = errors.New("workflow still active")

// ErrMailboxFull indicates an enqueue against a mailbox at capacity.
var ErrMailboxFull = errors.New("mailbox full")

// ErrAgentNotRegistered indicates delivery to an agent without a mailbox.
// The communication layer records a failed receipt instead of propagating it.
var ErrAgentNotRegistered = errors.New("agent not registered")

// ErrCoordinationUnavailable indicates both the remote coordination backend
// and the local simulation failed. Transport failures alone never surface:
// they degrade to simulation.
var ErrCoordinationUnavailable = errors.New("coordination unavailable")
