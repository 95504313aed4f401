package license

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

// SigningAlgorithm is the only algorithm the key store produces.
const SigningAlgorithm = "RS256"

const rsaKeyBits = 2048

// KeyPairStore is the persistence surface the key store needs.
type KeyPairStore interface {
	ActiveKeyPair(ctx context.Context) (*store.KeyPair, error)
	CreateKeyPair(ctx context.Context, kp *store.KeyPair) error
}

// KeyStore owns the single active RSA signing key pair. The pair is created
// lazily on first use and persisted so restarts reuse it. Concurrent first
// use is resolved by singleflight plus the store's uniqueness constraint, so
// two active key pairs can never coexist.
type KeyStore struct {
	store  KeyPairStore
	logger *slog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	active *activeKey
}

type activeKey struct {
	id        string
	private   *rsa.PrivateKey
	public    *rsa.PublicKey
	createdAt time.Time
}

// NewKeyStore creates a key store over the given persistence.
func NewKeyStore(s KeyPairStore, logger *slog.Logger) *KeyStore {
	return &KeyStore{
		store:  s,
		logger: logger.With(slog.String("component", "keystore")),
	}
}

// SigningKey returns the active private key, creating and persisting a key
// pair if none exists yet.
func (ks *KeyStore) SigningKey(ctx context.Context) (*rsa.PrivateKey, error) {
	key, err := ks.activeKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	return key.private, nil
}

// VerificationKey returns the active public key.
func (ks *KeyStore) VerificationKey(ctx context.Context) (*rsa.PublicKey, error) {
	key, err := ks.activeKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	return key.public, nil
}

func (ks *KeyStore) activeKeyPair(ctx context.Context) (*activeKey, error) {
	ks.mu.RLock()
	if ks.active != nil {
		key := ks.active
		ks.mu.RUnlock()
		return key, nil
	}
	ks.mu.RUnlock()

	// Collapse concurrent first-use into a single load-or-create.
	result, err, _ := ks.group.Do("active", func() (any, error) {
		return ks.loadOrCreate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*activeKey), nil
}

func (ks *KeyStore) loadOrCreate(ctx context.Context) (*activeKey, error) {
	ks.mu.RLock()
	if ks.active != nil {
		key := ks.active
		ks.mu.RUnlock()
		return key, nil
	}
	ks.mu.RUnlock()

	persisted, err := ks.store.ActiveKeyPair(ctx)
	switch {
	case err == nil:
		return ks.cacheParsed(persisted)
	case errors.Is(err, store.ErrNoActiveKeyPair):
		return ks.createAndPersist(ctx)
	default:
		return nil, fmt.Errorf("load active key pair: %w", err)
	}
}

func (ks *KeyStore) createAndPersist(ctx context.Context) (*activeKey, error) {
	start := time.Now()
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key pair: %w", err)
	}

	kp := &store.KeyPair{
		Algorithm:     SigningAlgorithm,
		PrivateKeyPEM: encodePrivateKeyPEM(privateKey),
		PublicKeyPEM:  encodePublicKeyPEM(&privateKey.PublicKey),
		CreatedAt:     time.Now(),
		IsActive:      true,
	}

	err = ks.store.CreateKeyPair(ctx, kp)
	if errors.Is(err, store.ErrKeyPairConflict) {
		// Another process won the race; use its key.
		persisted, loadErr := ks.store.ActiveKeyPair(ctx)
		if loadErr != nil {
			return nil, fmt.Errorf("reload key pair after conflict: %w", loadErr)
		}
		return ks.cacheParsed(persisted)
	}
	if err != nil {
		return nil, fmt.Errorf("persist key pair: %w", err)
	}

	ks.logger.Info("signing key pair created",
		slog.String("key_id", kp.ID),
		slog.String("algorithm", SigningAlgorithm),
		slog.Duration("generation_time", time.Since(start)),
	)

	key := &activeKey{
		id:        kp.ID,
		private:   privateKey,
		public:    &privateKey.PublicKey,
		createdAt: kp.CreatedAt,
	}
	ks.mu.Lock()
	ks.active = key
	ks.mu.Unlock()
	return key, nil
}

func (ks *KeyStore) cacheParsed(persisted *store.KeyPair) (*activeKey, error) {
	privateKey, err := decodePrivateKeyPEM(persisted.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("decode persisted private key: %w", err)
	}

	key := &activeKey{
		id:        persisted.ID,
		private:   privateKey,
		public:    &privateKey.PublicKey,
		createdAt: persisted.CreatedAt,
	}
	ks.mu.Lock()
	ks.active = key
	ks.mu.Unlock()
	return key, nil
}

func encodePrivateKeyPEM(key *rsa.PrivateKey) string {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

func encodePublicKeyPEM(key *rsa.PublicKey) string {
	block := &pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

func decodePrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key material")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
