package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

// Status values for an installation's connectivity.
const (
	StatusUnknown  = "unknown"
	StatusOnline   = "online"
	StatusUnstable = "unstable"
	StatusOffline  = "offline"
)

// EventConnectionLost is audited exactly once per transition to offline.
const EventConnectionLost = "connection_lost"

// Checker is the probe surface the monitor drives.
type Checker interface {
	Check(ctx context.Context) *Outcome
}

// OfflineSessions is the session lifecycle the monitor feeds: a session
// opens when the installation drops offline and closes when connectivity
// returns.
type OfflineSessions interface {
	StartSession(ctx context.Context, installationID, token string) (*store.OfflineSession, error)
	EndSession(ctx context.Context, installationID string, onlineValidationSuccess bool) error
}

// AuditSink records connectivity events.
type AuditSink interface {
	Log(ctx context.Context, eventType, severity string, payload map[string]any, installationID string)
}

// CheckRecord is one entry of the bounded check history.
type CheckRecord struct {
	CheckedAt time.Time     `json:"checked_at"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
}

// State is a point-in-time snapshot of a monitor.
type State struct {
	InstallationID      string        `json:"installation_id"`
	Status              string        `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalChecks         int           `json:"total_checks"`
	SuccessfulChecks    int           `json:"successful_checks"`
	LastCheckAt         time.Time     `json:"last_check_at"`
	LastError           string        `json:"last_error,omitempty"`
	History             []CheckRecord `json:"history,omitempty"`
}

// MonitorConfig holds the per-installation loop parameters.
type MonitorConfig struct {
	CheckInterval   time.Duration
	MaxFailures     int
	HistorySize     int
	StopJoinTimeout time.Duration
}

// Monitor owns the connectivity state of one installation. All state is
// written by the single loop goroutine; Status reads take the mutex and
// copy.
type Monitor struct {
	installationID string
	token          string
	cfg            MonitorConfig
	checker        Checker
	sessions       OfflineSessions
	audit          AuditSink
	logger         *slog.Logger
	now            func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	// history is a ring; head points at the next slot to overwrite.
	history []CheckRecord
	head    int
	filled  bool
}

// NewMonitor creates a monitor for one installation. token is the license
// token bound into offline sessions opened by this monitor; it may be empty.
// sessions and audit may be nil.
func NewMonitor(installationID, token string, cfg MonitorConfig, checker Checker, sessions OfflineSessions, audit AuditSink, logger *slog.Logger) *Monitor {
	return &Monitor{
		installationID: installationID,
		token:          token,
		cfg:            cfg,
		checker:        checker,
		sessions:       sessions,
		audit:          audit,
		logger: logger.With(
			slog.String("component", "connectivity_monitor"),
			slog.String("installation_id", installationID),
		),
		now:     time.Now,
		done:    make(chan struct{}),
		history: make([]CheckRecord, cfg.HistorySize),
		state: State{
			InstallationID: installationID,
			Status:         StatusUnknown,
		},
	}
}

// SetNowFunc overrides the clock. Tests only.
func (m *Monitor) SetNowFunc(now func() time.Time) {
	m.now = now
}

// Start launches the check loop. The first check runs immediately so a
// freshly started monitor classifies without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop cancels the loop and joins it with a bounded wait, then logs the
// final state either way.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	select {
	case <-m.done:
	case <-time.After(m.cfg.StopJoinTimeout):
		m.logger.Warn("monitor loop did not stop in time",
			slog.Duration("timeout", m.cfg.StopJoinTimeout),
		)
	}

	state := m.Status()
	m.logger.Info("monitoring stopped",
		slog.String("status", state.Status),
		slog.Int("total_checks", state.TotalChecks),
		slog.Int("successful_checks", state.SuccessfulChecks),
	)
}

// Status returns a snapshot of the monitor state with the history ordered
// oldest first.
func (m *Monitor) Status() *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state
	snapshot.History = m.historySnapshot()
	return &snapshot
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.performCheck(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCheck(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// performCheck runs one probe and applies the status transition rules:
// consecutive failures drive unknown/online -> unstable -> offline, and a
// single success returns the monitor to online with no cool-down.
func (m *Monitor) performCheck(ctx context.Context) {
	outcome := m.checker.Check(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	m.state.TotalChecks++
	m.state.LastCheckAt = outcome.CheckedAt
	m.recordHistory(CheckRecord{
		CheckedAt: outcome.CheckedAt,
		Success:   outcome.Success,
		Latency:   outcome.Latency,
	})

	var wentOffline, restored bool
	if outcome.Success {
		m.state.SuccessfulChecks++
		m.state.ConsecutiveFailures = 0
		m.state.LastError = ""
		restored = m.state.Status != StatusOnline &&
			m.state.SuccessfulChecks < m.state.TotalChecks
		m.state.Status = StatusOnline
	} else {
		m.state.ConsecutiveFailures++
		m.state.LastError = lastError(outcome)
		previous := m.state.Status
		if m.state.ConsecutiveFailures >= m.cfg.MaxFailures {
			m.state.Status = StatusOffline
		} else {
			m.state.Status = StatusUnstable
		}
		wentOffline = previous != StatusOffline && m.state.Status == StatusOffline
	}
	status := m.state.Status
	failures := m.state.ConsecutiveFailures
	m.mu.Unlock()

	switch {
	case wentOffline:
		m.onConnectionLost(ctx, failures)
	case restored:
		m.onConnectionRestored(ctx)
	default:
		m.logger.DebugContext(ctx, "connectivity check",
			slog.String("status", status),
			slog.Bool("success", outcome.Success),
			slog.Duration("latency", outcome.Latency),
		)
	}
}

func (m *Monitor) onConnectionLost(ctx context.Context, failures int) {
	m.logger.WarnContext(ctx, "connection lost",
		slog.Int("consecutive_failures", failures),
	)
	if m.audit != nil {
		m.audit.Log(ctx, EventConnectionLost, store.SeverityWarning, map[string]any{
			"consecutive_failures": failures,
		}, m.installationID)
	}
	if m.sessions != nil {
		if _, err := m.sessions.StartSession(ctx, m.installationID, m.token); err != nil {
			m.logger.WarnContext(ctx, "offline session not opened",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Monitor) onConnectionRestored(ctx context.Context) {
	m.logger.InfoContext(ctx, "connection restored")
	if m.sessions != nil {
		if err := m.sessions.EndSession(ctx, m.installationID, true); err != nil {
			m.logger.WarnContext(ctx, "offline session not closed",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Monitor) recordHistory(record CheckRecord) {
	if len(m.history) == 0 {
		return
	}
	m.history[m.head] = record
	m.head = (m.head + 1) % len(m.history)
	if m.head == 0 {
		m.filled = true
	}
}

func (m *Monitor) historySnapshot() []CheckRecord {
	if len(m.history) == 0 {
		return nil
	}
	if !m.filled {
		out := make([]CheckRecord, m.head)
		copy(out, m.history[:m.head])
		return out
	}
	out := make([]CheckRecord, 0, len(m.history))
	out = append(out, m.history[m.head:]...)
	out = append(out, m.history[:m.head]...)
	return out
}

func lastError(outcome *Outcome) string {
	for i := len(outcome.Results) - 1; i >= 0; i-- {
		if outcome.Results[i].Error != "" {
			return outcome.Results[i].Error
		}
	}
	return "connectivity check failed"
}
