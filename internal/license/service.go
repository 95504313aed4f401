package license

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub010/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

// Audit event types emitted by the token service.
const (
	EventTokenIssued      = "token_issued"
	EventTokenRefreshed   = "token_refreshed"
	EventTokenRevoked     = "token_revoked"
	EventHardwareMismatch = "security_hardware_mismatch"
)

// Revocation reasons with their audit severities.
const (
	RevokeReasonManual    = "manual"
	RevokeReasonEmergency = "emergency"
)

// InstallationProfile identifies the installation a token is issued to.
type InstallationProfile struct {
	ID   string `json:"id" validate:"required,min=3"`
	Name string `json:"name" validate:"required"`
}

// BusinessData carries the business binding and entitlement limits baked
// into issued tokens.
type BusinessData struct {
	BusinessName          string   `json:"business_name"`
	BusinessLicenseNumber string   `json:"business_license_number"`
	MaxUsers              int      `json:"max_users" validate:"min=0"`
	MaxVehicles           int      `json:"max_vehicles" validate:"min=0"`
	EnabledFeatures       []string `json:"enabled_features"`
	SecurityLevel         string   `json:"security_level"`
}

// IssueGate is the rate-limit surface issuance consults.
type IssueGate interface {
	CheckIssue(ctx context.Context, installationID, ip string) error
	ResetIssue(ctx context.Context, installationID string)
}

// ThreatGate reports whether an installation needs out-of-band verification
// before any more tokens are issued to it.
type ThreatGate interface {
	RequiresAdditionalVerification(ctx context.Context, installationID string) (bool, error)
}

// AuditSink records licensing events; implementations must never fail the
// caller.
type AuditSink interface {
	Log(ctx context.Context, eventType, severity string, payload map[string]any, installationID string)
}

// RevocationStore persists and queries revocation entries.
type RevocationStore interface {
	InsertRevocation(ctx context.Context, entry *store.RevocationEntry) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// ServiceConfig holds the token issuance parameters.
type ServiceConfig struct {
	Issuer            string
	TokenTTL          time.Duration
	RefreshWindow     time.Duration
	ClockSkew         time.Duration
	OfflineGraceHours int
}

// Service issues, validates, refreshes and revokes license tokens bound to
// hardware fingerprints.
type Service struct {
	cfg         ServiceConfig
	keys        *KeyStore
	revocations RevocationStore
	audit       AuditSink
	issueGate   IssueGate
	threatGate  ThreatGate
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewService wires a token service from its collaborators. issueGate and
// threatGate may be nil, which disables the respective issuance precondition
// (useful for internal re-issuance paths and tests).
func NewService(cfg ServiceConfig, keys *KeyStore, revocations RevocationStore, audit AuditSink, issueGate IssueGate, threatGate ThreatGate, logger *slog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		keys:        keys,
		revocations: revocations,
		audit:       audit,
		issueGate:   issueGate,
		threatGate:  threatGate,
		logger:      logger.With(slog.String("component", "token_service")),
		tracer:      otel.Tracer("token-service"),
		now:         time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Issue validates the preconditions and returns a freshly signed token for
// the installation. Successful issuance clears the installation's issue
// rate-limit counters so well-behaved clients never accumulate penalties.
func (s *Service) Issue(ctx context.Context, profile InstallationProfile, fingerprint string, business BusinessData) (string, error) {
	ctx, span := s.tracer.Start(ctx, "license.issue",
		trace.WithAttributes(attribute.String("installation_id", profile.ID)))
	defer span.End()

	token, err := s.issue(ctx, profile, fingerprint, business)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "token issued")
	return token, nil
}

func (s *Service) issue(ctx context.Context, profile InstallationProfile, fingerprint string, business BusinessData) (string, error) {
	if err := ValidateFingerprintFormat(fingerprint); err != nil {
		return "", err
	}

	if s.issueGate != nil {
		if err := s.issueGate.CheckIssue(ctx, profile.ID, ""); err != nil {
			return "", err
		}
	}

	if s.threatGate != nil {
		flagged, err := s.threatGate.RequiresAdditionalVerification(ctx, profile.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "threat assessment unavailable, continuing issuance",
				slog.String("installation_id", profile.ID),
				slog.String("error", err.Error()),
			)
		} else if flagged {
			return "", apperrors.New(apperrors.KindSecurityVerificationRequired,
				"installation flagged for additional verification")
		}
	}

	now := s.now()
	claims := &Claims{
		Issuer:                  s.cfg.Issuer,
		Subject:                 profile.ID,
		IssuedAt:                now.Unix(),
		ExpiresAt:               now.Add(s.cfg.TokenTTL).Unix(),
		TokenID:                 uuid.New().String(),
		InstallationID:          profile.ID,
		InstallationName:        profile.Name,
		HardwareFingerprint:     fingerprint,
		HardwareFingerprintHash: HashFingerprint(fingerprint),
		BusinessName:            business.BusinessName,
		BusinessLicenseNumber:   business.BusinessLicenseNumber,
		MaxUsers:                business.MaxUsers,
		MaxVehicles:             business.MaxVehicles,
		EnabledFeatures:         business.EnabledFeatures,
		SecurityLevel:           business.SecurityLevel,
		OfflineGraceHours:       s.cfg.OfflineGraceHours,
	}

	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	token, err := encodeToken(claims, key)
	if err != nil {
		return "", err
	}

	if s.issueGate != nil {
		s.issueGate.ResetIssue(ctx, profile.ID)
	}

	s.audit.Log(ctx, EventTokenIssued, store.SeverityInfo, map[string]any{
		"token_id":         claims.TokenID,
		"expires_at":       claims.ExpiryTime().UTC().Format(time.RFC3339),
		"fingerprint_mask": maskFingerprint(fingerprint),
	}, profile.ID)

	s.logger.InfoContext(ctx, "license token issued",
		slog.String("installation_id", profile.ID),
		slog.String("token_id", claims.TokenID),
		slog.Time("expires_at", claims.ExpiryTime()),
	)

	return token, nil
}

// Validate verifies a token end to end: signature, issuer, expiry, issue
// time, required claims, optional hardware binding, and revocation. Any
// failed check fails the whole validation; there is no partial-trust result.
func (s *Service) Validate(ctx context.Context, token, fingerprint string) (*Claims, error) {
	ctx, span := s.tracer.Start(ctx, "license.validate")
	defer span.End()

	claims, err := s.validate(ctx, token, fingerprint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("installation_id", claims.InstallationID))
	span.SetStatus(codes.Ok, "token valid")
	return claims, nil
}

func (s *Service) validate(ctx context.Context, token, fingerprint string) (*Claims, error) {
	key, err := s.keys.VerificationKey(ctx)
	if err != nil {
		return nil, err
	}

	claims, err := verifyToken(token, key)
	if err != nil {
		return nil, err
	}

	if claims.Issuer != s.cfg.Issuer {
		return nil, apperrors.Newf(apperrors.KindInvalidSignature,
			"unexpected issuer %q", claims.Issuer)
	}
	if err := s.checkRequiredClaims(claims); err != nil {
		return nil, err
	}

	now := s.now()
	if !now.Before(claims.ExpiryTime()) {
		return nil, apperrors.Newf(apperrors.KindTokenExpired,
			"token expired at %s", claims.ExpiryTime().UTC().Format(time.RFC3339))
	}
	if claims.IssuedTime().After(now.Add(s.cfg.ClockSkew)) {
		return nil, apperrors.New(apperrors.KindInvalidSignature,
			"token issued in the future beyond clock-skew tolerance")
	}

	if fingerprint != "" {
		if claims.HardwareFingerprint != fingerprint ||
			claims.HardwareFingerprintHash != HashFingerprint(fingerprint) {
			s.audit.Log(ctx, EventHardwareMismatch, store.SeverityWarning, map[string]any{
				"token_id":       claims.TokenID,
				"presented_mask": maskFingerprint(fingerprint),
				"bound_mask":     maskFingerprint(claims.HardwareFingerprint),
			}, claims.InstallationID)
			return nil, apperrors.New(apperrors.KindHardwareMismatch,
				"hardware fingerprint does not match token binding")
		}
	}
	// A token whose embedded hash disagrees with its own fingerprint field
	// is corrupt or tampered regardless of what the caller presented.
	if claims.HardwareFingerprintHash != HashFingerprint(claims.HardwareFingerprint) {
		return nil, apperrors.New(apperrors.KindHardwareMismatch,
			"token fingerprint hash is inconsistent")
	}

	revoked, err := s.revocations.IsTokenRevoked(ctx, claims.TokenID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal,
			"revocation lookup failed", err)
	}
	if revoked {
		return nil, apperrors.New(apperrors.KindTokenRevoked,
			"license token has been revoked")
	}

	return claims, nil
}

func (s *Service) checkRequiredClaims(claims *Claims) error {
	switch {
	case claims.TokenID == "",
		claims.InstallationID == "",
		claims.HardwareFingerprint == "",
		claims.HardwareFingerprintHash == "",
		claims.IssuedAt == 0,
		claims.ExpiresAt == 0:
		return apperrors.New(apperrors.KindMalformedToken,
			"token is missing required claims")
	}
	return nil
}

// Refresh re-issues a token when it is within the refresh window. Outside
// the window it returns ("", nil): too early is a deliberate no-op, not an
// error. The prior token stays valid until its own expiry, so clients can
// roll over without a synchronized cutover.
func (s *Service) Refresh(ctx context.Context, token, fingerprint string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "license.refresh")
	defer span.End()

	claims, err := s.validate(ctx, token, fingerprint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	remaining := claims.ExpiryTime().Sub(s.now())
	if remaining > s.cfg.RefreshWindow {
		s.logger.DebugContext(ctx, "refresh requested too early",
			slog.String("installation_id", claims.InstallationID),
			slog.Duration("remaining", remaining),
		)
		span.SetStatus(codes.Ok, "refresh not yet due")
		return "", nil
	}

	now := s.now()
	fresh := *claims
	fresh.TokenID = uuid.New().String()
	fresh.IssuedAt = now.Unix()
	fresh.ExpiresAt = now.Add(s.cfg.TokenTTL).Unix()

	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	refreshed, err := encodeToken(&fresh, key)
	if err != nil {
		return "", err
	}

	s.audit.Log(ctx, EventTokenRefreshed, store.SeverityInfo, map[string]any{
		"previous_token_id": claims.TokenID,
		"token_id":          fresh.TokenID,
		"expires_at":        fresh.ExpiryTime().UTC().Format(time.RFC3339),
	}, claims.InstallationID)

	span.SetStatus(codes.Ok, "token refreshed")
	return refreshed, nil
}

// Revoke inserts a revocation entry for the token. The token is decoded
// without signature verification so revocation keeps working across key
// rotations.
func (s *Service) Revoke(ctx context.Context, token, reason string) error {
	ctx, span := s.tracer.Start(ctx, "license.revoke")
	defer span.End()

	claims, err := decodeToken(token)
	if err != nil {
		span.RecordError(err)
		return err
	}

	entry := &store.RevocationEntry{
		TokenID:        claims.TokenID,
		InstallationID: claims.InstallationID,
		Reason:         reason,
		RevokedAt:      s.now(),
		ExpiresAt:      claims.ExpiryTime(),
	}
	if err := s.revocations.InsertRevocation(ctx, entry); err != nil {
		span.RecordError(err)
		return apperrors.Wrap(apperrors.KindInternal, "persist revocation", err)
	}

	severity := store.SeverityWarning
	if reason == RevokeReasonEmergency {
		severity = store.SeverityCritical
	}
	s.audit.Log(ctx, EventTokenRevoked, severity, map[string]any{
		"token_id": claims.TokenID,
		"reason":   reason,
	}, claims.InstallationID)

	s.logger.WarnContext(ctx, "license token revoked",
		slog.String("installation_id", claims.InstallationID),
		slog.String("token_id", claims.TokenID),
		slog.String("reason", reason),
	)
	return nil
}

// IsRevoked reports whether the token has a revocation entry. Pure lookup.
func (s *Service) IsRevoked(ctx context.Context, token string) (bool, error) {
	claims, err := decodeToken(token)
	if err != nil {
		return false, err
	}
	return s.revocations.IsTokenRevoked(ctx, claims.TokenID)
}
