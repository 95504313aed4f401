package store

import (
	"context"
	"log/slog"
	"time"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Auditor is the fire-and-forget audit sink. Persistence failures are logged
// locally and never propagated, so a broken sink cannot block licensing or
// rate limiting.
type Auditor struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditor creates an audit sink over the document store.
func NewAuditor(s *Store, logger *slog.Logger) *Auditor {
	return &Auditor{
		store:  s,
		logger: logger.With(slog.String("component", "audit_sink")),
		now:    time.Now,
	}
}

// Log records an audit event. Errors are swallowed.
func (a *Auditor) Log(ctx context.Context, eventType, severity string, payload map[string]any, installationID string) {
	event := &AuditEvent{
		EventType:      eventType,
		Severity:       severity,
		InstallationID: installationID,
		Payload:        payload,
		CreatedAt:      a.now(),
	}

	if err := a.store.InsertAuditEvent(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "audit event not persisted",
			slog.String("event_type", eventType),
			slog.String("installation_id", installationID),
			slog.String("error", err.Error()),
		)
		return
	}

	level := slog.LevelInfo
	switch severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	a.logger.Log(ctx, level, "audit event recorded",
		slog.String("event_type", eventType),
		slog.String("severity", severity),
		slog.String("installation_id", installationID),
	)
}

// CountEventsSince exposes the audit query interface used by threat scoring.
func (a *Auditor) CountEventsSince(ctx context.Context, installationID, eventType string, since time.Time) (int, error) {
	return a.store.CountEventsSince(ctx, installationID, eventType, since)
}
