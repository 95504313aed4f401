package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyPair is the persisted form of a signing key pair. The private key is
// stored PEM-encoded; exactly one row may be active at a time, enforced by a
// partial unique index.
type KeyPair struct {
	ID            string
	Algorithm     string
	PrivateKeyPEM string
	PublicKeyPEM  string
	CreatedAt     time.Time
	IsActive      bool
}

// ErrNoActiveKeyPair is returned when no active key pair exists yet.
var ErrNoActiveKeyPair = errors.New("no active key pair")

// ErrKeyPairConflict is returned when an insert races another creator; the
// caller should reread the active key pair.
var ErrKeyPairConflict = errors.New("active key pair already exists")

// ActiveKeyPair returns the single active key pair.
func (s *Store) ActiveKeyPair(ctx context.Context) (*KeyPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, algorithm, private_key_pem, public_key_pem, created_at, is_active
		FROM key_pairs WHERE is_active = 1
	`)
	return scanKeyPair(row)
}

// CreateKeyPair inserts a new active key pair. The unique index on the
// active flag turns a concurrent first-use race into ErrKeyPairConflict
// instead of a second active key.
func (s *Store) CreateKeyPair(ctx context.Context, kp *KeyPair) error {
	if kp.ID == "" {
		kp.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_pairs (id, algorithm, private_key_pem, public_key_pem, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kp.ID, kp.Algorithm, kp.PrivateKeyPEM, kp.PublicKeyPEM, formatTime(kp.CreatedAt), boolInt(kp.IsActive))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyPairConflict
		}
		return fmt.Errorf("insert key pair: %w", err)
	}
	return nil
}

// DeactivateKeyPair clears the active flag, making room for a rotated key.
func (s *Store) DeactivateKeyPair(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE key_pairs SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate key pair: %w", err)
	}
	return nil
}

func scanKeyPair(row *sql.Row) (*KeyPair, error) {
	var kp KeyPair
	var createdAt string
	var active int
	err := row.Scan(&kp.ID, &kp.Algorithm, &kp.PrivateKeyPEM, &kp.PublicKeyPEM, &createdAt, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveKeyPair
	}
	if err != nil {
		return nil, fmt.Errorf("scan key pair: %w", err)
	}
	kp.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse key pair created_at: %w", err)
	}
	kp.IsActive = active == 1
	return &kp, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
