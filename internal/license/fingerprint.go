package license

import (
	"crypto/sha256"
	"encoding/hex"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub010/internal/errors"
)

// minFingerprintLength is the structural floor for hardware fingerprints;
// anything shorter cannot be a digest of real hardware factors.
const minFingerprintLength = 32

// ValidateFingerprintFormat checks the structural shape of a hardware
// fingerprint: at least 32 characters of hex. It says nothing about whether
// the fingerprint matches any machine.
func ValidateFingerprintFormat(fingerprint string) error {
	if len(fingerprint) < minFingerprintLength {
		return apperrors.Newf(apperrors.KindInvalidFingerprintFormat,
			"hardware fingerprint must be at least %d characters", minFingerprintLength)
	}
	for _, r := range fingerprint {
		if !isHexRune(r) {
			return apperrors.New(apperrors.KindInvalidFingerprintFormat,
				"hardware fingerprint must be hex-encoded")
		}
	}
	return nil
}

func isHexRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'f':
		return true
	case r >= 'A' && r <= 'F':
		return true
	}
	return false
}

// HashFingerprint returns the SHA-256 hex digest of a fingerprint. Tokens
// carry both the fingerprint and this hash; the pair must stay consistent.
func HashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// maskFingerprint shortens a fingerprint for logging
func maskFingerprint(fingerprint string) string {
	if len(fingerprint) <= 8 {
		return "****"
	}
	return fingerprint[:4] + "****" + fingerprint[len(fingerprint)-4:]
}
