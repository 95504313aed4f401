// Package threat scores installations for abusive issuance patterns by
// reading the audit log.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/license"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

// Risk levels in ascending severity.
const (
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Scoring signals with their lookback windows. Scores above highThreshold
// persist a monitoring record; at or below mediumThreshold the installation
// is unremarkable and the assessment is nil.
const (
	issuanceWindow    = 5 * time.Minute
	issuanceThreshold = 10
	issuanceScore     = 30

	mismatchWindow    = time.Hour
	mismatchThreshold = 3
	mismatchScore     = 50

	revocationWindow    = 24 * time.Hour
	revocationThreshold = 2
	revocationScore     = 25

	mediumThreshold = 50
	highThreshold   = 80
)

// AuditQuerier is the audit-log query surface assessments read from.
type AuditQuerier interface {
	CountEventsSince(ctx context.Context, installationID, eventType string, since time.Time) (int, error)
}

// MonitoringStore persists assessments that warrant review.
type MonitoringStore interface {
	InsertMonitoringRecord(ctx context.Context, rec *store.MonitoringRecord) error
}

// Assessment is returned only when the score crosses the medium threshold.
// Absence of an assessment, not a LOW record, is the no-risk signal.
type Assessment struct {
	InstallationID string    `json:"installation_id"`
	RiskLevel      string    `json:"risk_level"`
	RiskScore      int       `json:"risk_score"`
	Reasons        []string  `json:"reasons"`
	AssessedAt     time.Time `json:"assessed_at"`
}

// Assessor scores installations from recent audit activity.
type Assessor struct {
	audit      AuditQuerier
	monitoring MonitoringStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewAssessor creates a threat assessor over the audit log.
func NewAssessor(audit AuditQuerier, monitoring MonitoringStore, logger *slog.Logger) *Assessor {
	return &Assessor{
		audit:      audit,
		monitoring: monitoring,
		logger:     logger.With(slog.String("component", "threat_assessor")),
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (a *Assessor) SetNowFunc(now func() time.Time) {
	a.now = now
}

// Assess scores the installation's recent behavior from three independent
// signals: issuance rate, hardware mismatches and revocations. eventCtx is
// caller-supplied context carried into the assessment log for triage; it
// does not affect the score.
func (a *Assessor) Assess(ctx context.Context, installationID string, eventCtx map[string]any) (*Assessment, error) {
	now := a.now()
	score := 0
	var reasons []string

	issued, err := a.audit.CountEventsSince(ctx, installationID,
		license.EventTokenIssued, now.Add(-issuanceWindow))
	if err != nil {
		return nil, fmt.Errorf("count issuance events: %w", err)
	}
	if issued > issuanceThreshold {
		score += issuanceScore
		reasons = append(reasons,
			fmt.Sprintf("%d tokens issued in the last %s", issued, issuanceWindow))
	}

	mismatches, err := a.audit.CountEventsSince(ctx, installationID,
		license.EventHardwareMismatch, now.Add(-mismatchWindow))
	if err != nil {
		return nil, fmt.Errorf("count mismatch events: %w", err)
	}
	if mismatches > mismatchThreshold {
		score += mismatchScore
		reasons = append(reasons,
			fmt.Sprintf("%d hardware mismatches in the last %s", mismatches, mismatchWindow))
	}

	revoked, err := a.audit.CountEventsSince(ctx, installationID,
		license.EventTokenRevoked, now.Add(-revocationWindow))
	if err != nil {
		return nil, fmt.Errorf("count revocation events: %w", err)
	}
	if revoked > revocationThreshold {
		score += revocationScore
		reasons = append(reasons,
			fmt.Sprintf("%d tokens revoked in the last %s", revoked, revocationWindow))
	}

	if score <= mediumThreshold {
		return nil, nil
	}

	assessment := &Assessment{
		InstallationID: installationID,
		RiskLevel:      RiskMedium,
		RiskScore:      score,
		Reasons:        reasons,
		AssessedAt:     now,
	}
	if score > highThreshold {
		assessment.RiskLevel = RiskHigh
		if err := a.monitoring.InsertMonitoringRecord(ctx, &store.MonitoringRecord{
			InstallationID: installationID,
			RiskLevel:      assessment.RiskLevel,
			RiskScore:      score,
			Reasons:        reasons,
			CreatedAt:      now,
		}); err != nil {
			a.logger.WarnContext(ctx, "monitoring record not persisted",
				slog.String("installation_id", installationID),
				slog.String("error", err.Error()),
			)
		}
	}

	attrs := []any{
		slog.String("installation_id", installationID),
		slog.String("risk_level", assessment.RiskLevel),
		slog.Int("risk_score", score),
	}
	if len(eventCtx) > 0 {
		attrs = append(attrs, slog.Any("event_context", eventCtx))
	}
	a.logger.WarnContext(ctx, "installation flagged", attrs...)

	return assessment, nil
}

// RequiresAdditionalVerification adapts assessments to the token service's
// issuance gate: only HIGH risk blocks issuance.
func (a *Assessor) RequiresAdditionalVerification(ctx context.Context, installationID string) (bool, error) {
	assessment, err := a.Assess(ctx, installationID, nil)
	if err != nil {
		return false, err
	}
	return assessment != nil && assessment.RiskLevel == RiskHigh, nil
}
