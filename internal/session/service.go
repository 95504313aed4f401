// Package session tracks offline operating periods per installation and
// rolls tokens over when connectivity returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

// TokenRefresher is the slice of the token service the session layer needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, token, fingerprint string) (string, error)
}

// SessionStore is the persistence surface for offline sessions.
type SessionStore interface {
	CreateOfflineSession(ctx context.Context, installationID, token string, startedAt time.Time) (*store.OfflineSession, error)
	ActiveOfflineSession(ctx context.Context, installationID string) (*store.OfflineSession, error)
	CloseOfflineSession(ctx context.Context, sessionID string, endedAt time.Time, validationSuccess bool, refreshedToken string) error
}

// Service manages offline sessions. The connectivity monitor opens a session
// when an installation drops offline and ends it on restoration; ending with
// a successful online validation attempts a token refresh so the
// installation returns with the freshest possible license.
type Service struct {
	store  SessionStore
	tokens TokenRefresher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a session service. tokens may be nil, which disables
// the refresh-on-restoration behavior.
func NewService(s SessionStore, tokens TokenRefresher, logger *slog.Logger) *Service {
	return &Service{
		store:  s,
		tokens: tokens,
		logger: logger.With(slog.String("component", "session_service")),
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.now = now
}

// StartSession opens an offline session for the installation. An already
// open session is reused rather than stacked.
func (s *Service) StartSession(ctx context.Context, installationID, token string) (*store.OfflineSession, error) {
	existing, err := s.store.ActiveOfflineSession(ctx, installationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNoActiveSession) {
		return nil, fmt.Errorf("look up active session: %w", err)
	}

	session, err := s.store.CreateOfflineSession(ctx, installationID, token, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "offline session opened",
		slog.String("installation_id", installationID),
		slog.String("session_id", session.ID),
	)
	return session, nil
}

// GetActiveSession returns the open session for the installation.
func (s *Service) GetActiveSession(ctx context.Context, installationID string) (*store.OfflineSession, error) {
	return s.store.ActiveOfflineSession(ctx, installationID)
}

// EndSession closes the installation's open session, recording the outcome
// of the online validation that ended it. On success the session's token is
// refreshed; a refresh that is not yet due keeps the existing token, and a
// failed refresh still closes the session so the installation is not stuck
// offline on paper.
func (s *Service) EndSession(ctx context.Context, installationID string, onlineValidationSuccess bool) error {
	session, err := s.store.ActiveOfflineSession(ctx, installationID)
	if errors.Is(err, store.ErrNoActiveSession) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up active session: %w", err)
	}

	refreshed := ""
	if onlineValidationSuccess && s.tokens != nil && session.Token != "" {
		refreshed, err = s.tokens.Refresh(ctx, session.Token, "")
		if err != nil {
			s.logger.WarnContext(ctx, "token refresh on restoration failed",
				slog.String("installation_id", installationID),
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
			refreshed = ""
		}
	}

	endedAt := s.now()
	if err := s.store.CloseOfflineSession(ctx, session.ID, endedAt, onlineValidationSuccess, refreshed); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "offline session closed",
		slog.String("installation_id", installationID),
		slog.String("session_id", session.ID),
		slog.Duration("offline_for", endedAt.Sub(session.StartedAt)),
		slog.Bool("online_validation_success", onlineValidationSuccess),
		slog.Bool("token_refreshed", refreshed != ""),
	)
	return nil
}
