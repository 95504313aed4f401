package license

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub010/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

const testFingerprint = "a1b2c3d4e5f60718293a4b5c6d7e8f90"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIssueGate struct {
	mu     sync.Mutex
	err    error
	resets []string
}

func (g *fakeIssueGate) CheckIssue(_ context.Context, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *fakeIssueGate) ResetIssue(_ context.Context, installationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets = append(g.resets, installationID)
}

type fakeThreatGate struct {
	flagged bool
	err     error
}

func (g *fakeThreatGate) RequiresAdditionalVerification(_ context.Context, _ string) (bool, error) {
	return g.flagged, g.err
}

type serviceFixture struct {
	svc    *Service
	store  *store.Store
	clock  *fakeClock
	gate   *fakeIssueGate
	threat *fakeThreatGate
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := newFakeClock()
	gate := &fakeIssueGate{}
	threat := &fakeThreatGate{}

	svc := NewService(ServiceConfig{
		Issuer:            "universal-workshop-licensing",
		TokenTTL:          24 * time.Hour,
		RefreshWindow:     6 * time.Hour,
		ClockSkew:         time.Minute,
		OfflineGraceHours: 72,
	}, NewKeyStore(st, logger), st, store.NewAuditor(st, logger), gate, threat, logger)
	svc.SetNowFunc(clock.Now)

	return &serviceFixture{svc: svc, store: st, clock: clock, gate: gate, threat: threat}
}

func testProfile() InstallationProfile {
	return InstallationProfile{ID: "ws-001", Name: "Muscat Main Workshop"}
}

func testBusiness() BusinessData {
	return BusinessData{
		BusinessName:          "Al Dawadi Auto Services LLC",
		BusinessLicenseNumber: "CR-1234567",
		MaxUsers:              25,
		MaxVehicles:           500,
		EnabledFeatures:       []string{"billing", "inventory"},
		SecurityLevel:         "standard",
	}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := fx.svc.Validate(ctx, token, testFingerprint)
	require.NoError(t, err)

	assert.Equal(t, "universal-workshop-licensing", claims.Issuer)
	assert.Equal(t, "ws-001", claims.InstallationID)
	assert.Equal(t, "Muscat Main Workshop", claims.InstallationName)
	assert.Equal(t, testFingerprint, claims.HardwareFingerprint)
	assert.Equal(t, HashFingerprint(testFingerprint), claims.HardwareFingerprintHash)
	assert.Equal(t, "Al Dawadi Auto Services LLC", claims.BusinessName)
	assert.Equal(t, 25, claims.MaxUsers)
	assert.Equal(t, 500, claims.MaxVehicles)
	assert.NotEmpty(t, claims.TokenID)
	assert.Equal(t, fx.clock.Now().Add(24*time.Hour).Unix(), claims.ExpiresAt)

	// Well-behaved issuance clears the installation's issue counters.
	assert.Equal(t, []string{"ws-001"}, fx.gate.resets)
}

func TestIssueRejectsMalformedFingerprint(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		fingerprint string
	}{
		{"too short", "abcdef0123456789"},
		{"not hex", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.svc.Issue(ctx, testProfile(), tt.fingerprint, testBusiness())
			assert.ErrorIs(t, err, apperrors.ErrInvalidFingerprintFormat)
		})
	}
}

func TestIssueBlockedByRateGate(t *testing.T) {
	fx := newServiceFixture(t)
	fx.gate.err = apperrors.New(apperrors.KindRateLimitExceeded, "rate limit exceeded")

	_, err := fx.svc.Issue(context.Background(), testProfile(), testFingerprint, testBusiness())
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.Empty(t, fx.gate.resets)
}

func TestIssueBlockedWhenInstallationFlagged(t *testing.T) {
	fx := newServiceFixture(t)
	fx.threat.flagged = true

	_, err := fx.svc.Issue(context.Background(), testProfile(), testFingerprint, testBusiness())
	assert.ErrorIs(t, err, apperrors.ErrSecurityVerificationRequired)
}

func TestIssueContinuesWhenThreatGateUnavailable(t *testing.T) {
	fx := newServiceFixture(t)
	fx.threat.err = context.DeadlineExceeded

	token, err := fx.svc.Issue(context.Background(), testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestValidateHardwareMismatch(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	otherFingerprint := "ffffffffffffffffffffffffffffffff"
	_, err = fx.svc.Validate(ctx, token, otherFingerprint)
	assert.ErrorIs(t, err, apperrors.ErrHardwareMismatch)

	count, err := fx.store.CountEventsSince(ctx, "ws-001", EventHardwareMismatch,
		fx.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestValidateSkipsBindingWhenNoFingerprintPresented(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	claims, err := fx.svc.Validate(ctx, token, "")
	require.NoError(t, err)
	assert.Equal(t, "ws-001", claims.InstallationID)
}

func TestValidateExpiryBoundary(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	fx.clock.Advance(23*time.Hour + 59*time.Minute + 59*time.Second)
	_, err = fx.svc.Validate(ctx, token, testFingerprint)
	assert.NoError(t, err)

	fx.clock.Advance(2 * time.Second)
	_, err = fx.svc.Validate(ctx, token, testFingerprint)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestValidateRejectsTokenFromTheFuture(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	// Within skew tolerance the token is accepted.
	fx.clock.Advance(-30 * time.Second)
	_, err = fx.svc.Validate(ctx, token, testFingerprint)
	assert.NoError(t, err)

	// Beyond it the issue time is implausible.
	fx.clock.Advance(-2 * time.Minute)
	_, err = fx.svc.Validate(ctx, token, testFingerprint)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "AAAA"
	_, err = fx.svc.Validate(ctx, tampered, testFingerprint)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)

	_, err = fx.svc.Validate(ctx, "not.a.token", testFingerprint)
	assert.ErrorIs(t, err, apperrors.ErrMalformedToken)
}

func TestRefreshTooEarlyIsNoOp(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	// 17 hours in, 7 hours remain: outside the 6 hour window.
	fx.clock.Advance(17 * time.Hour)
	refreshed, err := fx.svc.Refresh(ctx, token, testFingerprint)
	require.NoError(t, err)
	assert.Empty(t, refreshed)
}

func TestRefreshWithinWindow(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)
	original, err := fx.svc.Validate(ctx, token, testFingerprint)
	require.NoError(t, err)

	// 19 hours in, 5 hours remain: inside the window.
	fx.clock.Advance(19 * time.Hour)
	refreshed, err := fx.svc.Refresh(ctx, token, testFingerprint)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed)

	fresh, err := fx.svc.Validate(ctx, refreshed, testFingerprint)
	require.NoError(t, err)
	assert.NotEqual(t, original.TokenID, fresh.TokenID)
	assert.Equal(t, original.HardwareFingerprint, fresh.HardwareFingerprint)
	assert.Equal(t, original.BusinessName, fresh.BusinessName)
	assert.Equal(t, fx.clock.Now().Add(24*time.Hour).Unix(), fresh.ExpiresAt)

	// The prior token stays valid until its own expiry.
	_, err = fx.svc.Validate(ctx, token, testFingerprint)
	assert.NoError(t, err)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	fx.clock.Advance(25 * time.Hour)
	_, err = fx.svc.Refresh(ctx, token, testFingerprint)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestRevokeThenValidate(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	revoked, err := fx.svc.IsRevoked(ctx, token)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, fx.svc.Revoke(ctx, token, RevokeReasonManual))

	_, err = fx.svc.Validate(ctx, token, testFingerprint)
	assert.ErrorIs(t, err, apperrors.ErrTokenRevoked)

	revoked, err = fx.svc.IsRevoked(ctx, token)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Revoking again is a no-op.
	assert.NoError(t, fx.svc.Revoke(ctx, token, RevokeReasonManual))
}

func TestKeyPairSurvivesRestart(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	token, err := fx.svc.Issue(ctx, testProfile(), testFingerprint, testBusiness())
	require.NoError(t, err)

	// A second service over the same store must verify tokens signed before
	// it started.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	second := NewService(ServiceConfig{
		Issuer:        "universal-workshop-licensing",
		TokenTTL:      24 * time.Hour,
		RefreshWindow: 6 * time.Hour,
		ClockSkew:     time.Minute,
	}, NewKeyStore(fx.store, logger), fx.store, store.NewAuditor(fx.store, logger), nil, nil, logger)
	second.SetNowFunc(fx.clock.Now)

	claims, err := second.Validate(ctx, token, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, "ws-001", claims.InstallationID)
}

type recordingPruner struct {
	calls chan time.Time
}

func (p *recordingPruner) PruneExpiredRevocations(_ context.Context, now time.Time) (int64, error) {
	select {
	case p.calls <- now:
	default:
	}
	return 1, nil
}

func TestRevocationSweeperRuns(t *testing.T) {
	pruner := &recordingPruner{calls: make(chan time.Time, 1)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweeper := NewRevocationSweeper(pruner, 10*time.Millisecond, logger)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	select {
	case <-pruner.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never pruned")
	}
}
