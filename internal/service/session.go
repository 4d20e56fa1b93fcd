package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/domain/session"
	"github.com/arbiterhq/arbiter/internal/port/sessionstore"
)

// sessionEntry pairs one session with its own lock so state updates on
// different sessions never contend.
type sessionEntry struct {
	mu sync.Mutex
	s  *session.AgentSession
}

// SessionService manages agent session lifecycles under a global capacity
// limit. The capacity counts only active (running or initializing) sessions.
type SessionService struct {
	cfg   config.Session
	store sessionstore.Store
	ttl   time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewSessionService creates a SessionService. ttl is the lifetime granted to
// new sessions; store may be sessionstore.Nop for in-memory operation.
func NewSessionService(cfg config.Session, store sessionstore.Store, ttl time.Duration) *SessionService {
	if store == nil {
		store = sessionstore.Nop{}
	}
	return &SessionService{
		cfg:       cfg,
		store:     store,
		ttl:       ttl,
		sessions:  make(map[string]*sessionEntry),
		stopSweep: make(chan struct{}),
	}
}

// CreateSession allocates a new session in the initializing state. The new
// session counts against the capacity limit immediately, so a burst of
// concurrent creates cannot overshoot the cap.
func (s *SessionService) CreateSession(ctx context.Context, agentType, userID string, metadata map[string]any) (*session.AgentSession, error) {
	now := time.Now().UTC()
	sess := &session.AgentSession{
		ID:        uuid.New().String(),
		AgentType: agentType,
		UserID:    userID,
		Status:    session.StatusInitializing,
		StateData: make(map[string]any),
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	if s.activeLocked() >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return nil, fmt.Errorf("create session for %s: %w", agentType, domain.ErrSessionCapacity)
	}
	s.sessions[sess.ID] = &sessionEntry{s: sess}
	s.mu.Unlock()

	if err := s.store.Save(ctx, sess); err != nil {
		slog.Warn("session persist failed", "session_id", sess.ID, "error", err)
	}

	slog.Info("session created", "session_id", sess.ID, "agent_type", agentType, "user_id", userID)
	return sess.Clone(), nil
}

// GetSession returns a copy of the session, or domain.ErrNotFound.
func (s *SessionService) GetSession(id string) (*session.AgentSession, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Clone(), nil
}

// UpdateStatus moves the session to a new lifecycle status.
func (s *SessionService) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.s.Status = status
	entry.s.UpdatedAt = time.Now().UTC()
	snapshot := entry.s.Clone()
	entry.mu.Unlock()

	if err := s.store.Save(ctx, snapshot); err != nil {
		slog.Warn("session persist failed", "session_id", id, "error", err)
	}
	return nil
}

// UpdateState merges key/value pairs into the session's state data.
func (s *SessionService) UpdateState(ctx context.Context, id string, state map[string]any) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.s.StateData == nil {
		entry.s.StateData = make(map[string]any)
	}
	for k, v := range state {
		entry.s.StateData[k] = v
	}
	entry.s.UpdatedAt = time.Now().UTC()
	snapshot := entry.s.Clone()
	entry.mu.Unlock()

	if err := s.store.Save(ctx, snapshot); err != nil {
		slog.Warn("session persist failed", "session_id", id, "error", err)
	}
	return nil
}

// ExtendSession pushes the session expiry out by d from now.
func (s *SessionService) ExtendSession(ctx context.Context, id string, d time.Duration) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.s.ExpiresAt = time.Now().UTC().Add(d)
	entry.s.UpdatedAt = time.Now().UTC()
	snapshot := entry.s.Clone()
	entry.mu.Unlock()

	if err := s.store.Save(ctx, snapshot); err != nil {
		slog.Warn("session persist failed", "session_id", id, "error", err)
	}
	return nil
}

// CleanupSession removes the session from the manager and the store.
// Removing an unknown session is not an error.
func (s *SessionService) CleanupSession(ctx context.Context, id string) error {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !existed {
		return nil
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("cleanup session %s: %w", id, err)
	}
	slog.Info("session cleaned up", "session_id", id)
	return nil
}

// ListSessions returns copies of all sessions matching the filter.
func (s *SessionService) ListSessions(filter session.Filter) []*session.AgentSession {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*session.AgentSession
	for _, e := range entries {
		e.mu.Lock()
		if filter.Matches(e.s) {
			out = append(out, e.s.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// SessionCounts returns a histogram of sessions by status.
func (s *SessionService) SessionCounts() map[session.Status]int {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	counts := make(map[session.Status]int)
	for _, e := range entries {
		e.mu.Lock()
		counts[e.s.Status]++
		e.mu.Unlock()
	}
	return counts
}

// ActiveCount returns the number of sessions counting against the cap.
func (s *SessionService) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked()
}

// activeLocked requires s.mu held. Status reads here skip the per-session
// lock; a status flipping mid-count only shifts the cap check by one create.
func (s *SessionService) activeLocked() int {
	n := 0
	for _, e := range s.sessions {
		if e.s.Status.Active() {
			n++
		}
	}
	return n
}

// RestoreSessions reloads persisted sessions into the manager. Sessions that
// expired while the process was down are dropped from the store instead.
func (s *SessionService) RestoreSessions(ctx context.Context) error {
	persisted, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	now := time.Now().UTC()
	restored := 0
	for _, sess := range persisted {
		if sess.Expired(now) || sess.Status.IsTerminal() {
			if err := s.store.Delete(ctx, sess.ID); err != nil {
				slog.Warn("stale session delete failed", "session_id", sess.ID, "error", err)
			}
			continue
		}
		s.mu.Lock()
		s.sessions[sess.ID] = &sessionEntry{s: sess}
		s.mu.Unlock()
		restored++
	}

	slog.Info("sessions restored", "restored", restored, "persisted", len(persisted))
	return nil
}

// StartSweep launches the expired-session sweep.
func (s *SessionService) StartSweep(ctx context.Context) {
	go func() {
		interval := s.cfg.SweepInterval
		if interval <= 0 {
			interval = 60 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweepExpired(ctx)
			case <-s.stopSweep:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("session sweep started", "interval", s.cfg.SweepInterval)
}

// sweepExpired terminates and removes sessions past their expiry.
func (s *SessionService) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []string
	for id, e := range s.sessions {
		if e.s.Expired(now) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if err := s.store.Delete(ctx, id); err != nil {
			slog.Warn("expired session delete failed", "session_id", id, "error", err)
		}
	}

	if len(expired) > 0 {
		slog.Info("expired sessions swept", "count", len(expired))
	}
}

// Stop halts the sweep and persists every remaining session.
func (s *SessionService) Stop(ctx context.Context) {
	s.sweepOnce.Do(func() {
		close(s.stopSweep)
	})

	for _, sess := range s.ListSessions(session.Filter{}) {
		if err := s.store.Save(ctx, sess); err != nil {
			slog.Warn("session persist failed", "session_id", sess.ID, "error", err)
		}
	}
}

// entry fetches the live entry for a session id.
func (s *SessionService) entry(id string) (*sessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}
