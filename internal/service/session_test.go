package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/domain/session"
	"github.com/arbiterhq/arbiter/internal/service"
	"github.com/arbiterhq/arbiter/internal/port/sessionstore"
)

// memStore is a mutex-guarded in-memory sessionstore.Store for tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.AgentSession
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*session.AgentSession)}
}

func (m *memStore) Save(_ context.Context, s *session.AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) LoadAll(_ context.Context) ([]*session.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.AgentSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func newTestSessions(maxSessions int, store sessionstore.Store) *service.SessionService {
	cfg := config.Session{
		MaxSessions:   maxSessions,
		SweepInterval: time.Minute,
	}
	return service.NewSessionService(cfg, store, time.Hour)
}

func TestCreateSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(10, nil)

	sess, err := svc.CreateSession(ctx, "compliance", "user-1", map[string]any{"workflow_id": "wf-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != session.StatusInitializing {
		t.Errorf("new session status = %s, want initializing", sess.Status)
	}
	if sess.ExpiresAt.Before(sess.CreatedAt) {
		t.Error("session expires before it was created")
	}

	if err := svc.UpdateStatus(ctx, sess.ID, session.StatusRunning); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := svc.UpdateState(ctx, sess.ID, map[string]any{"step": 3}); err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, err := svc.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.StateData["step"] != 3 {
		t.Errorf("state data not merged: %v", got.StateData)
	}

	if err := svc.CleanupSession(ctx, sess.ID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := svc.GetSession(sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get after cleanup = %v, want ErrNotFound", err)
	}

	// Cleaning up twice is not an error.
	if err := svc.CleanupSession(ctx, sess.ID); err != nil {
		t.Errorf("second cleanup: %v", err)
	}
}

func TestConcurrentCreatesRespectCapacity(t *testing.T) {
	const limit = 5
	ctx := context.Background()
	svc := newTestSessions(limit, nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < limit+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSession(ctx, "fraud", "user-1", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrSessionCapacity):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != limit || rejected != 1 {
		t.Fatalf("created=%d rejected=%d, want %d/1", created, rejected, limit)
	}
	if n := svc.ActiveCount(); n != limit {
		t.Errorf("active count = %d, want %d", n, limit)
	}
}

func TestTerminalSessionsFreeCapacity(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(1, nil)

	first, err := svc.CreateSession(ctx, "kyc", "user-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateSession(ctx, "kyc", "user-1", nil); !errors.Is(err, domain.ErrSessionCapacity) {
		t.Fatalf("second create = %v, want ErrSessionCapacity", err)
	}

	if err := svc.UpdateStatus(ctx, first.ID, session.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.CreateSession(ctx, "kyc", "user-1", nil); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
}

func TestListSessionsFilter(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(10, nil)

	for _, c := range []struct{ agentType, userID string }{
		{"compliance", "alice"},
		{"compliance", "bob"},
		{"fraud", "alice"},
	} {
		if _, err := svc.CreateSession(ctx, c.agentType, c.userID, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	if got := len(svc.ListSessions(session.Filter{})); got != 3 {
		t.Errorf("unfiltered list = %d, want 3", got)
	}
	if got := len(svc.ListSessions(session.Filter{UserID: "alice"})); got != 2 {
		t.Errorf("alice list = %d, want 2", got)
	}
	if got := len(svc.ListSessions(session.Filter{AgentType: "compliance", UserID: "bob"})); got != 1 {
		t.Errorf("compliance/bob list = %d, want 1", got)
	}

	counts := svc.SessionCounts()
	if counts[session.StatusInitializing] != 3 {
		t.Errorf("initializing count = %d, want 3", counts[session.StatusInitializing])
	}
}

func TestRestoreSkipsStaleSessions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	now := time.Now().UTC()
	store.sessions["live"] = &session.AgentSession{
		ID: "live", AgentType: "risk", Status: session.StatusRunning,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	store.sessions["expired"] = &session.AgentSession{
		ID: "expired", AgentType: "risk", Status: session.StatusRunning,
		CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	store.sessions["done"] = &session.AgentSession{
		ID: "done", AgentType: "risk", Status: session.StatusCompleted,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}

	svc := newTestSessions(10, store)
	if err := svc.RestoreSessions(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if _, err := svc.GetSession("live"); err != nil {
		t.Errorf("live session not restored: %v", err)
	}
	for _, id := range []string{"expired", "done"} {
		if _, err := svc.GetSession(id); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("stale session %s restored", id)
		}
	}
}

func TestStopPersistsSessions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestSessions(10, store)

	sess, err := svc.CreateSession(ctx, "market", "user-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.Stop(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.sessions[sess.ID]; !ok {
		t.Error("session not persisted on stop")
	}
}
