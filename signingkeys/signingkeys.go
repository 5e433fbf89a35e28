// Package signingkeys owns the asymmetric keys used to sign and verify
// access tokens. Keys are generated lazily, persisted through the storage
// interface with a check-and-set so concurrent processes converge on one
// winner, and rotated on a configured interval. A superseded key stays in
// the verification set for one extra interval so access tokens signed just
// before a rotation remain verifiable until their own expiry has passed.
package signingkeys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-core/storage"
)

const (
	rsaKeyBits = 2048

	// createRetryCount bounds the check-and-set loop when racing another
	// process for key creation.
	createRetryCount = 5
)

// keyNeverExpires is the stored expiry when dynamic rotation is disabled.
var keyNeverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Config is the slice of core configuration the key manager needs.
type Config interface {
	GetAccessTokenSigningKeyDynamic() bool
	GetAccessTokenSigningKeyUpdateInterval() time.Duration
}

// Key is a usable signing key with parsed key material.
type Key struct {
	ID         string
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Manager caches per-tenant key state in an explicit map; there are no
// process-wide singletons. Safe for concurrent use.
type Manager struct {
	store   storage.Store
	config  Config
	log     zerolog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	tenants map[storage.TenantKey][]Key // newest first
}

// ManagerOption modifies a Manager at construction time.
type ManagerOption func(*Manager)

// WithNowFunc overrides the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func NewManager(store storage.Store, config Config, log zerolog.Logger, options ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		config:  config,
		log:     log.With().Str("component", "signingkeys").Logger(),
		nowFunc: time.Now,
		tenants: make(map[storage.TenantKey][]Key),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// CurrentKey returns the key new access tokens must be signed with,
// generating and persisting one if the tenant has none or the newest has
// expired.
func (m *Manager) CurrentKey(ctx context.Context, tenant storage.TenantKey) (*Key, error) {
	keys, err := m.usableKeys(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return &keys[0], nil
}

// VerificationKeys returns every key a token signature may validate
// against, most recently issued first: the current key plus any superseded
// key still inside its grace interval.
func (m *Manager) VerificationKeys(ctx context.Context, tenant storage.TenantKey) ([]Key, error) {
	keys, err := m.usableKeys(ctx, tenant)
	if err != nil {
		return nil, err
	}
	now := m.nowFunc()
	grace := m.config.GetAccessTokenSigningKeyUpdateInterval()
	verification := make([]Key, 0, len(keys))
	for _, k := range keys {
		if k.ExpiresAt.Add(grace).After(now) {
			verification = append(verification, k)
		}
	}
	return verification, nil
}

// KeyExpiryTime reports when the current key stops being used for signing.
func (m *Manager) KeyExpiryTime(ctx context.Context, tenant storage.TenantKey) (time.Time, error) {
	key, err := m.CurrentKey(ctx, tenant)
	if err != nil {
		return time.Time{}, err
	}
	return key.ExpiresAt, nil
}

// usableKeys returns the tenant's keys newest first, guaranteeing the first
// entry is valid for signing. The check-and-set on the key resource makes
// concurrent callers converge: a lost race re-reads instead of inserting a
// second "new" key.
func (m *Manager) usableKeys(ctx context.Context, tenant storage.TenantKey) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	cached := m.tenants[tenant]
	if len(cached) > 0 && cached[0].ExpiresAt.After(now) {
		return cached, nil
	}

	for attempt := 0; attempt < createRetryCount; attempt++ {
		stored, err := m.store.GetSigningKeys(ctx, tenant)
		if err != nil {
			return nil, errors.Wrap(err, "Manager.usableKeys GetSigningKeys")
		}

		keys, err := parseKeys(stored)
		if err != nil {
			return nil, err
		}

		if len(keys) > 0 && keys[0].ExpiresAt.After(now) {
			m.tenants[tenant] = keys
			return keys, nil
		}

		// Key generation failure is fatal to the request, never retried.
		fresh, err := m.generateKey(now)
		if err != nil {
			return nil, err
		}
		created, err := m.store.CreateSigningKeyIfAbsent(ctx, tenant, encodeKey(fresh), len(stored))
		if err != nil {
			return nil, errors.Wrap(err, "Manager.usableKeys CreateSigningKeyIfAbsent")
		}
		if !created {
			// Another worker minted the new key first; pick theirs up.
			continue
		}
		m.log.Info().
			Str("tenant", string(tenant)).
			Str("keyId", fresh.ID).
			Time("expiresAt", fresh.ExpiresAt).
			Msg("generated new access token signing key")
	}

	stored, err := m.store.GetSigningKeys(ctx, tenant)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.usableKeys GetSigningKeys")
	}
	keys, err := parseKeys(stored)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 || !keys[0].ExpiresAt.After(now) {
		return nil, errors.New("Manager.usableKeys could not obtain a current signing key")
	}
	m.tenants[tenant] = keys
	return keys, nil
}

func (m *Manager) generateKey(now time.Time) (*Key, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.generateKey rsa.GenerateKey")
	}
	expiresAt := keyNeverExpires
	if m.config.GetAccessTokenSigningKeyDynamic() {
		expiresAt = now.Add(m.config.GetAccessTokenSigningKeyUpdateInterval())
	}
	return &Key{
		ID:         uuid.New().String(),
		PublicKey:  &privateKey.PublicKey,
		PrivateKey: privateKey,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}, nil
}

func encodeKey(key *Key) storage.SigningKey {
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key.PrivateKey),
	})
	publicPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(key.PublicKey),
	})
	return storage.SigningKey{
		KeyID:         key.ID,
		PublicKey:     string(publicPEM),
		PrivateKey:    string(privatePEM),
		CreatedAtTime: key.CreatedAt,
		ExpiresAtTime: key.ExpiresAt,
	}
}

func parseKeys(stored []storage.SigningKey) ([]Key, error) {
	keys := make([]Key, 0, len(stored))
	for _, sk := range stored {
		key, err := parseKey(sk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, nil
}

func parseKey(sk storage.SigningKey) (*Key, error) {
	privateBlock, _ := pem.Decode([]byte(sk.PrivateKey))
	if privateBlock == nil {
		return nil, errors.Errorf("signing key %s: bad private key PEM", sk.KeyID)
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(privateBlock.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "signing key %s: parse private key", sk.KeyID)
	}
	publicBlock, _ := pem.Decode([]byte(sk.PublicKey))
	if publicBlock == nil {
		return nil, errors.Errorf("signing key %s: bad public key PEM", sk.KeyID)
	}
	publicKey, err := x509.ParsePKCS1PublicKey(publicBlock.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "signing key %s: parse public key", sk.KeyID)
	}
	return &Key{
		ID:         sk.KeyID,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		CreatedAt:  sk.CreatedAtTime,
		ExpiresAt:  sk.ExpiresAtTime,
	}, nil
}

// PublicKeyPEM exports the key's public half for handshake endpoints.
func (k *Key) PublicKeyPEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(k.PublicKey),
	}))
}
