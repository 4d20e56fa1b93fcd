package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbiterhq/arbiter/internal/domain/session"
)

// SessionStore implements sessionstore.Store on PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Save upserts one session.
func (s *SessionStore) Save(ctx context.Context, sess *session.AgentSession) error {
	stateJSON, err := json.Marshal(sess.StateData)
	if err != nil {
		return fmt.Errorf("marshal state_data: %w", err)
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, agent_type, user_id, status, state_data, metadata, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   state_data = EXCLUDED.state_data,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at,
		   expires_at = EXCLUDED.expires_at`,
		sess.ID, sess.AgentType, sess.UserID, string(sess.Status),
		stateJSON, metaJSON, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// LoadAll returns all persisted sessions.
func (s *SessionStore) LoadAll(ctx context.Context) ([]*session.AgentSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_type, user_id, status, state_data, metadata, created_at, updated_at, expires_at
		 FROM agent_sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.AgentSession
	for rows.Next() {
		var sess session.AgentSession
		var status string
		var stateJSON, metaJSON []byte
		if err := rows.Scan(&sess.ID, &sess.AgentType, &sess.UserID, &status,
			&stateJSON, &metaJSON, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = session.Status(status)
		if stateJSON != nil {
			_ = json.Unmarshal(stateJSON, &sess.StateData)
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &sess.Metadata)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// Delete removes one session by id. Deleting an unknown id is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
