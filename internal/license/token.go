package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub010/internal/errors"
)

// tokenType identifies the envelope in the header segment.
const tokenType = "UWLT"

// Claims is the signed claim set of a license token. Tokens are not
// persisted; claims are reconstructed from the envelope on every validation.
type Claims struct {
	Issuer                  string   `json:"iss"`
	Subject                 string   `json:"sub"`
	IssuedAt                int64    `json:"iat"`
	ExpiresAt               int64    `json:"exp"`
	TokenID                 string   `json:"jti"`
	InstallationID          string   `json:"installation_id"`
	InstallationName        string   `json:"installation_name"`
	HardwareFingerprint     string   `json:"hardware_fingerprint"`
	HardwareFingerprintHash string   `json:"hardware_fingerprint_hash"`
	BusinessName            string   `json:"business_name,omitempty"`
	BusinessLicenseNumber   string   `json:"business_license_number,omitempty"`
	MaxUsers                int      `json:"max_users"`
	MaxVehicles             int      `json:"max_vehicles"`
	EnabledFeatures         []string `json:"enabled_features,omitempty"`
	SecurityLevel           string   `json:"security_level,omitempty"`
	OfflineGraceHours       int      `json:"offline_grace_hours"`
}

// ExpiryTime returns the expiry as a time.Time
func (c *Claims) ExpiryTime() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// IssuedTime returns the issue instant as a time.Time
func (c *Claims) IssuedTime() time.Time {
	return time.Unix(c.IssuedAt, 0)
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

// encodeToken signs the claims and assembles the three-part envelope
// header.claims.signature, each segment base64url without padding.
func encodeToken(claims *Claims, key *rsa.PrivateKey) (string, error) {
	headerJSON, err := json.Marshal(tokenHeader{Algorithm: SigningAlgorithm, Type: tokenType})
	if err != nil {
		return "", fmt.Errorf("marshal token header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// decodeToken parses the claims segment WITHOUT verifying the signature.
// Revocation must work even for tokens whose signing key has rotated, so
// the decoder is deliberately signature-blind.
func decodeToken(token string) (*Claims, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, apperrors.New(apperrors.KindMalformedToken,
			"token must have exactly three segments")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindMalformedToken,
			"claims segment is not valid base64url", err)
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, apperrors.Wrap(apperrors.KindMalformedToken,
			"claims segment is not valid JSON", err)
	}
	return &claims, nil
}

// verifyToken checks the envelope signature against the public key and
// returns the claims. Header algorithm must match exactly.
func verifyToken(token string, key *rsa.PublicKey) (*Claims, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, apperrors.New(apperrors.KindMalformedToken,
			"token must have exactly three segments")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindMalformedToken,
			"header segment is not valid base64url", err)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, apperrors.Wrap(apperrors.KindMalformedToken,
			"header segment is not valid JSON", err)
	}
	if header.Algorithm != SigningAlgorithm || header.Type != tokenType {
		return nil, apperrors.Newf(apperrors.KindInvalidSignature,
			"unexpected token header %s/%s", header.Algorithm, header.Type)
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindMalformedToken,
			"signature segment is not valid base64url", err)
	}

	signingInput := segments[0] + "." + segments[1]
	digest := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidSignature,
			"token signature verification failed", err)
	}

	return decodeToken(token)
}
