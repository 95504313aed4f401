package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is a persisted security or licensing event.
type AuditEvent struct {
	ID             string
	EventType      string
	Severity       string
	InstallationID string
	Payload        map[string]any
	CreatedAt      time.Time
}

// MonitoringRecord is persisted when a threat assessment reaches HIGH.
type MonitoringRecord struct {
	ID             string
	InstallationID string
	RiskLevel      string
	RiskScore      int
	Reasons        []string
	CreatedAt      time.Time
}

// InsertAuditEvent persists an audit event.
func (s *Store) InsertAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, severity, installation_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.EventType, event.Severity, event.InstallationID,
		string(payload), formatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// CountEventsSince counts audit events of one type for an installation since
// the given time. This is the query surface the threat assessor scores from.
func (s *Store) CountEventsSince(ctx context.Context, installationID, eventType string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM audit_log
		WHERE installation_id = ? AND event_type = ? AND created_at >= ?
	`, installationID, eventType, formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

// InsertMonitoringRecord persists a high-risk assessment for review.
func (s *Store) InsertMonitoringRecord(ctx context.Context, rec *MonitoringRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal monitoring reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitoring_records (id, installation_id, risk_level, risk_score, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.InstallationID, rec.RiskLevel, rec.RiskScore,
		string(reasons), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert monitoring record: %w", err)
	}
	return nil
}
