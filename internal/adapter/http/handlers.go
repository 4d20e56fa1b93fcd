package http

import (
	"net/http"

	"github.com/arbiterhq/arbiter/internal/adapter/ws"
	"github.com/arbiterhq/arbiter/internal/domain/alert"
	"github.com/arbiterhq/arbiter/internal/domain/session"
	"github.com/arbiterhq/arbiter/internal/service"
)

const maxBodySize = 1 << 20 // 1 MiB

// Handlers bundles the service dependencies for the status API.
type Handlers struct {
	Supervisor *service.SupervisorService
	Sessions   *service.SessionService
	Monitor    *service.MonitorService
	Hub        *ws.Hub
}

// Health reports process liveness and a few load indicators.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.Sessions.ActiveCount(),
		"ws_connections":  h.Hub.ConnectionCount(),
	})
}

type startWorkflowRequest struct {
	UserID  string         `json:"user_id"`
	Request map[string]any `json:"request"`
}

// StartWorkflow launches a workflow and returns its initial snapshot.
func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startWorkflowRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	snap, err := h.Supervisor.StartWorkflow(r.Context(), req.UserID, req.Request)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

// ListWorkflows returns snapshots of every known workflow.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Supervisor.ListWorkflows())
}

// GetWorkflow returns one workflow snapshot with its health classification.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Supervisor.GetWorkflowStatus(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow": snap,
		"health":   h.Monitor.CheckWorkflowHealth(snap),
	})
}

// CancelWorkflow cancels a running workflow.
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.Supervisor.CancelWorkflow(urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DrainWorkflow evicts a completed workflow from the supervisor.
func (h *Handlers) DrainWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.Supervisor.DrainWorkflow(urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns sessions matching the query filters.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.Filter{
		UserID:    q.Get("user_id"),
		AgentType: q.Get("agent_type"),
		Status:    session.Status(q.Get("status")),
	}
	writeJSON(w, http.StatusOK, h.Sessions.ListSessions(filter))
}

// SessionCounts returns the session count histogram by status.
func (h *Handlers) SessionCounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Sessions.SessionCounts())
}

// ListAlerts returns all unresolved alerts.
func (h *Handlers) ListAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := h.Monitor.ActiveAlerts()
	if alerts == nil {
		alerts = []*alert.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// ResolveAlert explicitly resolves one alert.
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.Monitor.ResolveAlert(urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type marketSignalRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// RecordMarketSignal ingests an external market condition signal.
func (h *Handlers) RecordMarketSignal(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[marketSignalRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	severity := alert.Severity(req.Severity)
	switch severity {
	case alert.SeverityInfo, alert.SeverityWarning, alert.SeverityError, alert.SeverityCritical:
	default:
		severity = alert.SeverityInfo
	}

	h.Monitor.RecordMarketSignal(r.Context(), req.Name, req.Description, severity)
	w.WriteHeader(http.StatusAccepted)
}
