package threat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/license"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

type recordingMonitoringStore struct {
	records []*store.MonitoringRecord
}

func (m *recordingMonitoringStore) InsertMonitoringRecord(_ context.Context, rec *store.MonitoringRecord) error {
	m.records = append(m.records, rec)
	return nil
}

type assessorFixture struct {
	assessor   *Assessor
	store      *store.Store
	monitoring *recordingMonitoringStore
	now        time.Time
}

func newAssessorFixture(t *testing.T) *assessorFixture {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	monitoring := &recordingMonitoringStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assessor := NewAssessor(st, monitoring, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assessor.SetNowFunc(func() time.Time { return now })

	return &assessorFixture{assessor: assessor, store: st, monitoring: monitoring, now: now}
}

func (fx *assessorFixture) insertEvents(t *testing.T, eventType string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, fx.store.InsertAuditEvent(context.Background(), &store.AuditEvent{
			EventType:      eventType,
			Severity:       store.SeverityInfo,
			InstallationID: "ws-001",
			Payload:        map[string]any{},
			CreatedAt:      at,
		}))
	}
}

func TestAssessQuietInstallationIsNil(t *testing.T) {
	fx := newAssessorFixture(t)

	assessment, err := fx.assessor.Assess(context.Background(), "ws-001", nil)
	require.NoError(t, err)
	assert.Nil(t, assessment)
}

func TestAssessSingleSignalStaysBelowMedium(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		count     int
		age       time.Duration
	}{
		{"issuance burst alone scores 30", license.EventTokenIssued, 11, time.Minute},
		{"mismatches alone score exactly 50", license.EventHardwareMismatch, 4, 10 * time.Minute},
		{"revocations alone score 25", license.EventTokenRevoked, 3, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newAssessorFixture(t)
			fx.insertEvents(t, tt.eventType, tt.count, fx.now.Add(-tt.age))

			assessment, err := fx.assessor.Assess(context.Background(), "ws-001", nil)
			require.NoError(t, err)
			assert.Nil(t, assessment)
		})
	}
}

func TestAssessMediumRisk(t *testing.T) {
	fx := newAssessorFixture(t)
	fx.insertEvents(t, license.EventTokenIssued, 11, fx.now.Add(-time.Minute))
	fx.insertEvents(t, license.EventHardwareMismatch, 4, fx.now.Add(-10*time.Minute))

	assessment, err := fx.assessor.Assess(context.Background(), "ws-001", nil)
	require.NoError(t, err)
	require.NotNil(t, assessment)
	assert.Equal(t, RiskMedium, assessment.RiskLevel)
	assert.Equal(t, 80, assessment.RiskScore)
	assert.Len(t, assessment.Reasons, 2)

	// MEDIUM does not persist a monitoring record.
	assert.Empty(t, fx.monitoring.records)

	flagged, err := fx.assessor.RequiresAdditionalVerification(context.Background(), "ws-001")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestAssessHighRiskPersistsMonitoringRecord(t *testing.T) {
	fx := newAssessorFixture(t)
	fx.insertEvents(t, license.EventTokenIssued, 11, fx.now.Add(-time.Minute))
	fx.insertEvents(t, license.EventHardwareMismatch, 4, fx.now.Add(-10*time.Minute))
	fx.insertEvents(t, license.EventTokenRevoked, 3, fx.now.Add(-time.Hour))

	assessment, err := fx.assessor.Assess(context.Background(), "ws-001", map[string]any{"source": "test"})
	require.NoError(t, err)
	require.NotNil(t, assessment)
	assert.Equal(t, RiskHigh, assessment.RiskLevel)
	assert.Equal(t, 105, assessment.RiskScore)

	require.Len(t, fx.monitoring.records, 1)
	record := fx.monitoring.records[0]
	assert.Equal(t, "ws-001", record.InstallationID)
	assert.Equal(t, RiskHigh, record.RiskLevel)
	assert.Equal(t, 105, record.RiskScore)
	assert.Len(t, record.Reasons, 3)

	flagged, err := fx.assessor.RequiresAdditionalVerification(context.Background(), "ws-001")
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestAssessIgnoresEventsOutsideWindow(t *testing.T) {
	fx := newAssessorFixture(t)
	fx.insertEvents(t, license.EventTokenIssued, 11, fx.now.Add(-6*time.Minute))
	fx.insertEvents(t, license.EventHardwareMismatch, 4, fx.now.Add(-2*time.Hour))

	assessment, err := fx.assessor.Assess(context.Background(), "ws-001", nil)
	require.NoError(t, err)
	assert.Nil(t, assessment)
}

func TestAssessScopedToInstallation(t *testing.T) {
	fx := newAssessorFixture(t)
	fx.insertEvents(t, license.EventTokenIssued, 11, fx.now.Add(-time.Minute))
	fx.insertEvents(t, license.EventHardwareMismatch, 4, fx.now.Add(-10*time.Minute))

	assessment, err := fx.assessor.Assess(context.Background(), "ws-002", nil)
	require.NoError(t, err)
	assert.Nil(t, assessment)
}
