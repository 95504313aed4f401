package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry owns the installation-to-monitor map. One monitor goroutine per
// installation; starting an already-monitored installation is an error so
// two loops can never race on one installation's state.
type Registry struct {
	cfg      MonitorConfig
	checker  Checker
	sessions OfflineSessions
	audit    AuditSink
	logger   *slog.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewRegistry creates a monitor registry.
func NewRegistry(cfg MonitorConfig, checker Checker, sessions OfflineSessions, audit AuditSink, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		checker:  checker,
		sessions: sessions,
		audit:    audit,
		logger:   logger.With(slog.String("component", "monitor_registry")),
		monitors: make(map[string]*Monitor),
	}
}

// Start begins monitoring an installation. token, which may be empty, is
// bound into offline sessions the monitor opens so restoration can refresh
// it.
func (r *Registry) Start(ctx context.Context, installationID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.monitors[installationID]; exists {
		return fmt.Errorf("installation %s is already monitored", installationID)
	}

	monitor := NewMonitor(installationID, token, r.cfg, r.checker, r.sessions, r.audit, r.logger)
	// The loop must outlive the caller's context (typically one HTTP
	// request); only Stop or StopAll ends it.
	monitor.Start(context.WithoutCancel(ctx))
	r.monitors[installationID] = monitor

	r.logger.InfoContext(ctx, "monitoring started",
		slog.String("installation_id", installationID),
	)
	return nil
}

// Stop ends monitoring for an installation and joins its loop.
func (r *Registry) Stop(installationID string) error {
	r.mu.Lock()
	monitor, exists := r.monitors[installationID]
	delete(r.monitors, installationID)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("installation %s is not monitored", installationID)
	}
	monitor.Stop()
	return nil
}

// Status returns the state snapshot for a monitored installation.
func (r *Registry) Status(installationID string) (*State, error) {
	r.mu.Lock()
	monitor, exists := r.monitors[installationID]
	r.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("installation %s is not monitored", installationID)
	}
	return monitor.Status(), nil
}

// StopAll stops every monitor. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	monitors := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}
	r.monitors = make(map[string]*Monitor)
	r.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
}
