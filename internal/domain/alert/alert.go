// Package alert defines monitoring alerts and their resolution policy.
package alert

import "time"

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AutoResolveAfter returns how long an alert of this severity lives before
// auto-resolution. Zero means it requires explicit resolution.
func (s Severity) AutoResolveAfter() time.Duration {
	switch s {
	case SeverityInfo:
		return time.Hour
	case SeverityWarning:
		return 4 * time.Hour
	}
	return 0
}

// Type identifies what a scan or signal detected.
type Type string

const (
	TypeWorkflowStuck   Type = "workflow_stuck"
	TypeHighErrorRate   Type = "high_error_rate"
	TypeMarketCondition Type = "market_condition"
	TypeAssumptionDrift Type = "assumption_drift"
)

// Alert is one raised monitoring event, delivered to all registered handlers.
type Alert struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	WorkflowIDs []string  `json:"workflow_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the alert has been resolved, explicitly or by expiry.
func (a *Alert) Resolved() bool {
	return !a.ResolvedAt.IsZero()
}
