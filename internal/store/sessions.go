package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OfflineSession tracks a period an installation operated without
// connectivity. An open session has no ended_at.
type OfflineSession struct {
	ID                      string
	InstallationID          string
	Token                   string
	StartedAt               time.Time
	EndedAt                 *time.Time
	OnlineValidationSuccess *bool
}

// ErrNoActiveSession is returned when an installation has no open session.
var ErrNoActiveSession = errors.New("no active offline session")

// CreateOfflineSession opens a new offline session for an installation.
func (s *Store) CreateOfflineSession(ctx context.Context, installationID, token string, startedAt time.Time) (*OfflineSession, error) {
	session := &OfflineSession{
		ID:             uuid.New().String(),
		InstallationID: installationID,
		Token:          token,
		StartedAt:      startedAt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_sessions (id, installation_id, token, started_at)
		VALUES (?, ?, ?, ?)
	`, session.ID, session.InstallationID, session.Token, formatTime(session.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("create offline session: %w", err)
	}
	return session, nil
}

// ActiveOfflineSession returns the open session for an installation.
func (s *Store) ActiveOfflineSession(ctx context.Context, installationID string) (*OfflineSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, installation_id, token, started_at
		FROM offline_sessions
		WHERE installation_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`, installationID)

	var session OfflineSession
	var startedAt string
	err := row.Scan(&session.ID, &session.InstallationID, &session.Token, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("scan offline session: %w", err)
	}
	session.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse session started_at: %w", err)
	}
	return &session, nil
}

// CloseOfflineSession marks a session ended with the validation outcome and
// optionally the refreshed token.
func (s *Store) CloseOfflineSession(ctx context.Context, sessionID string, endedAt time.Time, validationSuccess bool, refreshedToken string) error {
	token := sql.NullString{String: refreshedToken, Valid: refreshedToken != ""}
	var err error
	if token.Valid {
		_, err = s.db.ExecContext(ctx, `
			UPDATE offline_sessions
			SET ended_at = ?, online_validation_success = ?, token = ?
			WHERE id = ? AND ended_at IS NULL
		`, formatTime(endedAt), boolInt(validationSuccess), token.String, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE offline_sessions
			SET ended_at = ?, online_validation_success = ?
			WHERE id = ? AND ended_at IS NULL
		`, formatTime(endedAt), boolInt(validationSuccess), sessionID)
	}
	if err != nil {
		return fmt.Errorf("close offline session: %w", err)
	}
	return nil
}
