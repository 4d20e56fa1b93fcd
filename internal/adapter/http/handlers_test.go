package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	arbhttp "github.com/arbiterhq/arbiter/internal/adapter/http"
	"github.com/arbiterhq/arbiter/internal/adapter/ristretto"
	"github.com/arbiterhq/arbiter/internal/adapter/simworker"
	"github.com/arbiterhq/arbiter/internal/adapter/ws"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/service"
)

var registerWorkers sync.Once

func newTestServer(t *testing.T) (*httptest.Server, *service.SupervisorService) {
	t.Helper()
	registerWorkers.Do(simworker.Register)

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
	supervisor := service.NewSupervisorService(config.Orchestrator{
		QualityThreshold: 0.8,
		MaxRetries:       1,
		AgentTimeout:     2 * time.Second,
		WorkflowTimeout:  10 * time.Second,
		TaskDeadline:     time.Hour,
	}, sessions, comms, coordinator, nil, nil, nil)
	monitor := service.NewMonitorService(config.Monitor{
		ScanInterval:   time.Minute,
		StuckAfter:     30 * time.Minute,
		MaxErrors:      5,
		DriftThreshold: 0.10,
	}, supervisor)

	handlers := &arbhttp.Handlers{
		Supervisor: supervisor,
		Sessions:   sessions,
		Monitor:    monitor,
		Hub:        ws.NewHub(),
	}

	r := chi.NewRouter()
	r.Use(arbhttp.RequestID)
	arbhttp.MountRoutes(r, handlers)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, supervisor
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, into any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var health map[string]any
	if code := getJSON(t, srv.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	srv, sup := newTestServer(t)

	var started struct {
		ID string `json:"workflow_id"`
	}
	code := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{
		"user_id": "alice",
		"request": map[string]any{
			"analysis_scope": []string{"compliance", "fraud"},
			"entity_id":      "acme-corp",
		},
	}, &started)
	if code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", code)
	}
	if started.ID == "" {
		t.Fatal("no workflow id returned")
	}

	// Wait for the pipeline to finish, then read the final status.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := sup.GetWorkflowStatus(started.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.Phase.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("workflow did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var detail struct {
		Workflow struct {
			Phase    string  `json:"phase"`
			Progress float64 `json:"progress"`
		} `json:"workflow"`
		Health string `json:"health"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/workflows/"+started.ID, &detail); code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", code)
	}
	if detail.Workflow.Phase != "completion" || detail.Workflow.Progress != 1.0 {
		t.Errorf("workflow detail = %+v", detail.Workflow)
	}
	if detail.Health != "finished" {
		t.Errorf("health = %q, want finished", detail.Health)
	}

	var list []json.RawMessage
	if code := getJSON(t, srv.URL+"/api/v1/workflows", &list); code != http.StatusOK || len(list) != 1 {
		t.Errorf("list status = %d len = %d", code, len(list))
	}

	if code := getJSON(t, srv.URL+"/api/v1/workflows/unknown", nil); code != http.StatusNotFound {
		t.Errorf("unknown workflow status = %d, want 404", code)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/workflows/"+started.ID, nil)
	if err != nil {
		t.Fatalf("build drain request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("drain status = %d, want 204", resp.StatusCode)
	}
	if code := getJSON(t, srv.URL+"/api/v1/workflows/"+started.ID, nil); code != http.StatusNotFound {
		t.Errorf("status after drain = %d, want 404", code)
	}
}

func TestStartWorkflowValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	code := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{
		"request": map[string]any{"analysis_scope": []string{"compliance"}},
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d, want 400", code)
	}

	code = postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{
		"user_id": "alice",
		"request": map[string]any{},
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing scope status = %d, want 400", code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var alerts []json.RawMessage
	if code := getJSON(t, srv.URL+"/api/v1/alerts", &alerts); code != http.StatusOK || len(alerts) != 0 {
		t.Errorf("alerts status = %d len = %d, want 200/0", code, len(alerts))
	}

	code := postJSON(t, srv.URL+"/api/v1/signals/market", map[string]any{
		"name":        "rate-shock",
		"description": "sudden repricing",
		"severity":    "critical",
	}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("signal status = %d, want 202", code)
	}

	if code := getJSON(t, srv.URL+"/api/v1/alerts", &alerts); code != http.StatusOK || len(alerts) != 1 {
		t.Fatalf("alerts after signal status = %d len = %d, want 200/1", code, len(alerts))
	}

	resp, err := http.Post(srv.URL+"/api/v1/alerts/unknown/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("resolve unknown status = %d, want 404", resp.StatusCode)
	}
}
