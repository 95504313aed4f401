package store

import (
	"context"
	"fmt"
	"time"
)

// RevocationEntry marks a token as revoked until its natural expiry, after
// which the entry is redundant and gets pruned.
type RevocationEntry struct {
	TokenID        string
	InstallationID string
	Reason         string
	RevokedAt      time.Time
	ExpiresAt      time.Time
}

// InsertRevocation records a revoked token. Re-revoking the same token is a
// no-op rather than an error.
func (s *Store) InsertRevocation(ctx context.Context, entry *RevocationEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO revocations (token_id, installation_id, reason, revoked_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.TokenID, entry.InstallationID, entry.Reason,
		formatTime(entry.RevokedAt), formatTime(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether a revocation entry exists for the token ID.
func (s *Store) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM revocations WHERE token_id = ?`, tokenID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup revocation: %w", err)
	}
	return count > 0, nil
}

// PruneExpiredRevocations removes entries whose tokens have expired on their
// own and returns the number removed.
func (s *Store) PruneExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revocations WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune revocations: %w", err)
	}
	return res.RowsAffected()
}
