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
	"github.com/arbiterhq/arbiter/internal/domain/alert"
	"github.com/arbiterhq/arbiter/internal/domain/workflow"
)

// AlertHandler receives each raised alert. Handlers run synchronously under
// panic capture; a broken handler never stops alert delivery to the rest.
type AlertHandler func(ctx context.Context, a *alert.Alert)

// assumption is one tracked baseline value watched for drift.
type assumption struct {
	baseline  float64
	current   float64
	updatedAt time.Time
}

// MonitorService wraps the supervisor with periodic health scans, market
// signal intake, and assumption drift tracking. It raises deduplicated
// alerts to registered handlers.
type MonitorService struct {
	cfg        config.Monitor
	supervisor *SupervisorService

	mu          sync.Mutex
	handlers    []AlertHandler
	alerts      map[string]*alert.Alert
	assumptions map[string]*assumption
	open        map[string]string // dedupe key -> alert id

	stopScan chan struct{}
	scanOnce sync.Once
}

// NewMonitorService creates a MonitorService over the supervisor.
func NewMonitorService(cfg config.Monitor, supervisor *SupervisorService) *MonitorService {
	return &MonitorService{
		cfg:         cfg,
		supervisor:  supervisor,
		alerts:      make(map[string]*alert.Alert),
		assumptions: make(map[string]*assumption),
		open:        make(map[string]string),
		stopScan:    make(chan struct{}),
	}
}

// RegisterHandler adds an alert handler. Handlers registered after an alert
// was raised do not receive it retroactively.
func (s *MonitorService) RegisterHandler(h AlertHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start launches the periodic workflow scan.
func (s *MonitorService) Start(ctx context.Context) {
	go func() {
		interval := s.cfg.ScanInterval
		if interval <= 0 {
			interval = 60 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.scan(ctx)
				s.autoResolve(ctx)
			case <-s.stopScan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("monitor started", "scan_interval", s.cfg.ScanInterval)
}

// Stop halts the scan loop.
func (s *MonitorService) Stop() {
	s.scanOnce.Do(func() {
		close(s.stopScan)
	})
}

// scan inspects every active workflow for stuck and high-error conditions.
func (s *MonitorService) scan(ctx context.Context) {
	now := time.Now().UTC()

	for _, snap := range s.supervisor.ListWorkflows() {
		if snap.Phase.IsTerminal() {
			continue
		}

		if now.Sub(snap.LastUpdated) > s.cfg.StuckAfter {
			s.raise(ctx, &alert.Alert{
				Type:        alert.TypeWorkflowStuck,
				Title:       "workflow stuck",
				Description: fmt.Sprintf("workflow %s idle in phase %s since %s", snap.ID, snap.Phase, snap.LastUpdated.Format(time.RFC3339)),
				Severity:    alert.SeverityError,
				WorkflowIDs: []string{snap.ID},
			}, dedupeKey(alert.TypeWorkflowStuck, snap.ID))
		}

		if len(snap.Errors) > s.cfg.MaxErrors {
			s.raise(ctx, &alert.Alert{
				Type:        alert.TypeHighErrorRate,
				Title:       "high workflow error rate",
				Description: fmt.Sprintf("workflow %s accumulated %d errors", snap.ID, len(snap.Errors)),
				Severity:    alert.SeverityWarning,
				WorkflowIDs: []string{snap.ID},
			}, dedupeKey(alert.TypeHighErrorRate, snap.ID))
		}
	}
}

// RecordMarketSignal ingests one external market condition signal. Severity
// at warning or above raises a market condition alert carrying the active
// workflow ids it may affect.
func (s *MonitorService) RecordMarketSignal(ctx context.Context, name, description string, severity alert.Severity) {
	slog.Info("market signal recorded", "signal", name, "severity", severity)
	if severity == alert.SeverityInfo {
		return
	}

	var affected []string
	for _, snap := range s.supervisor.ListWorkflows() {
		if !snap.Phase.IsTerminal() {
			affected = append(affected, snap.ID)
		}
	}

	s.raise(ctx, &alert.Alert{
		Type:        alert.TypeMarketCondition,
		Title:       fmt.Sprintf("market condition: %s", name),
		Description: description,
		Severity:    severity,
		WorkflowIDs: affected,
	}, dedupeKey(alert.TypeMarketCondition, name))
}

// TrackAssumption registers a named baseline value to watch for drift.
// Re-tracking an existing name resets its baseline.
func (s *MonitorService) TrackAssumption(name string, baseline float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assumptions[name] = &assumption{
		baseline:  baseline,
		current:   baseline,
		updatedAt: time.Now().UTC(),
	}
}

// UpdateAssumption records a new observation for a tracked assumption and
// raises a drift alert when the relative deviation crosses the threshold.
func (s *MonitorService) UpdateAssumption(ctx context.Context, name string, value float64) error {
	s.mu.Lock()
	a, ok := s.assumptions[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("assumption %s: %w", name, domain.ErrNotFound)
	}
	a.current = value
	a.updatedAt = time.Now().UTC()
	baseline := a.baseline
	s.mu.Unlock()

	drift := relativeDrift(baseline, value)
	if drift <= s.cfg.DriftThreshold {
		return nil
	}

	s.raise(ctx, &alert.Alert{
		Type:        alert.TypeAssumptionDrift,
		Title:       fmt.Sprintf("assumption drift: %s", name),
		Description: fmt.Sprintf("assumption %s drifted %.1f%% from baseline %.4f to %.4f", name, drift*100, baseline, value),
		Severity:    alert.SeverityWarning,
	}, dedupeKey(alert.TypeAssumptionDrift, name))
	return nil
}

// ResolveAlert explicitly resolves an alert by id.
func (s *MonitorService) ResolveAlert(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if !a.Resolved() {
		a.ResolvedAt = time.Now().UTC()
		s.clearDedupeLocked(id)
	}
	return nil
}

// ActiveAlerts returns all unresolved alerts.
func (s *MonitorService) ActiveAlerts() []*alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*alert.Alert
	for _, a := range s.alerts {
		if !a.Resolved() {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

// CheckWorkflowHealth classifies one workflow for ad-hoc status queries.
func (s *MonitorService) CheckWorkflowHealth(snap workflow.Snapshot) string {
	now := time.Now().UTC()
	switch {
	case snap.Phase.IsTerminal():
		return "finished"
	case now.Sub(snap.LastUpdated) > s.cfg.StuckAfter:
		return "stuck"
	case len(snap.Errors) > s.cfg.MaxErrors:
		return "degraded"
	}
	return "healthy"
}

// raise records one alert and fans it out to handlers. An open alert with
// the same dedupe key suppresses the new one.
func (s *MonitorService) raise(ctx context.Context, a *alert.Alert, key string) {
	s.mu.Lock()
	if existingID, dup := s.open[key]; dup {
		if existing, ok := s.alerts[existingID]; ok && !existing.Resolved() {
			s.mu.Unlock()
			return
		}
	}
	a.ID = uuid.New().String()
	a.CreatedAt = time.Now().UTC()
	s.alerts[a.ID] = a
	s.open[key] = a.ID
	handlers := append([]AlertHandler(nil), s.handlers...)
	s.mu.Unlock()

	slog.Warn("alert raised", "alert_id", a.ID, "type", a.Type, "severity", a.Severity, "title", a.Title)

	for _, h := range handlers {
		s.invokeHandler(ctx, h, a)
	}
}

func (s *MonitorService) invokeHandler(ctx context.Context, h AlertHandler, a *alert.Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("alert handler panicked", "alert_id", a.ID, "panic", r)
		}
	}()
	h(ctx, a)
}

// autoResolve expires alerts whose severity grants a bounded lifetime.
func (s *MonitorService) autoResolve(_ context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.alerts {
		if a.Resolved() {
			continue
		}
		ttl := a.Severity.AutoResolveAfter()
		if ttl > 0 && now.Sub(a.CreatedAt) > ttl {
			a.ResolvedAt = now
			s.clearDedupeLocked(id)
			slog.Info("alert auto-resolved", "alert_id", id, "type", a.Type)
		}
	}
}

// clearDedupeLocked requires s.mu held.
func (s *MonitorService) clearDedupeLocked(alertID string) {
	for key, id := range s.open {
		if id == alertID {
			delete(s.open, key)
			return
		}
	}
}

func dedupeKey(t alert.Type, subject string) string {
	return string(t) + "/" + subject
}

// relativeDrift returns |value-baseline| / |baseline|; a zero baseline
// drifts on any nonzero observation.
func relativeDrift(baseline, value float64) float64 {
	if baseline == 0 {
		if value == 0 {
			return 0
		}
		return 1
	}
	d := (value - baseline) / baseline
	if d < 0 {
		d = -d
	}
	return d
}
