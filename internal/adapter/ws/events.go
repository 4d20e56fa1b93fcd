package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/arbiterhq/arbiter/internal/domain/alert"
	"github.com/arbiterhq/arbiter/internal/port/progress"
)

// Event type constants for WebSocket messages.
const (
	EventWorkflowProgress = "workflow.progress"
	EventAlertRaised      = "alert.raised"
	EventAlertResolved    = "alert.resolved"
)

// AlertEvent is broadcast when an alert is raised or resolved.
type AlertEvent struct {
	AlertID     string   `json:"alert_id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Severity    string   `json:"severity"`
	WorkflowIDs []string `json:"workflow_ids,omitempty"`
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// SendProgress implements progress.Sink: workflow progress pushes go out as
// workflow.progress events, fire-and-forget.
func (h *Hub) SendProgress(ctx context.Context, u progress.Update) {
	h.BroadcastEvent(ctx, EventWorkflowProgress, u)
}

// NotifyAlert broadcasts a raised alert. Usable as a monitor alert handler.
func (h *Hub) NotifyAlert(ctx context.Context, a *alert.Alert) {
	h.BroadcastEvent(ctx, EventAlertRaised, AlertEvent{
		AlertID:     a.ID,
		Type:        string(a.Type),
		Title:       a.Title,
		Severity:    string(a.Severity),
		WorkflowIDs: a.WorkflowIDs,
	})
}
