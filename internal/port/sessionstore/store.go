// Package sessionstore defines the optional session persistence port.
package sessionstore

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/domain/session"
)

// Store persists agent sessions across restarts. The default is Nop,
// allowing fully in-memory operation.
type Store interface {
	// Save upserts one session.
	Save(ctx context.Context, s *session.AgentSession) error

	// LoadAll returns all persisted sessions.
	LoadAll(ctx context.Context) ([]*session.AgentSession, error)

	// Delete removes one session by id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// Nop is the no-op store used when persistence is not configured.
type Nop struct{}

// Save discards the session.
func (Nop) Save(context.Context, *session.AgentSession) error { return nil }

// LoadAll returns no sessions.
func (Nop) LoadAll(context.Context) ([]*session.AgentSession, error) { return nil, nil }

// Delete does nothing.
func (Nop) Delete(context.Context, string) error { return nil }
