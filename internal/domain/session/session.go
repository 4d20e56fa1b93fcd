// Package session defines the agent execution context lifecycle record.
package session

import (
	"maps"
	"time"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusCreated      Status = "created"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTerminated   Status = "terminated"
)

// Active reports whether the status counts against the global session cap.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusInitializing
}

// IsTerminal reports whether the session is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// AgentSession tracks the lifecycle of one agent execution context.
// Distinct from a workflow: a session is the container an agent runs in.
type AgentSession struct {
	ID        string         `json:"session_id"`
	AgentType string         `json:"agent_type"`
	UserID    string         `json:"user_id"`
	Status    Status         `json:"status"`
	StateData map[string]any `json:"state_data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Clone returns a copy safe to hand outside the manager's lock.
func (s *AgentSession) Clone() *AgentSession {
	c := *s
	c.StateData = maps.Clone(s.StateData)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Expired reports whether the session's expiry has passed.
func (s *AgentSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Filter selects sessions in list queries. Zero values match everything.
type Filter struct {
	UserID    string
	AgentType string
	Status    Status
}

// Matches reports whether the session satisfies the filter.
func (f Filter) Matches(s *AgentSession) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.AgentType != "" && s.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}
