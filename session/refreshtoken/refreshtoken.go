// Package refreshtoken issues and decodes the opaque refresh-token wire
// format. A refresh token is an AES-256-GCM sealed JSON payload (session
// handle, parent hash pointer, nonce, expiry) followed by a version suffix;
// only the core holds the encryption key, so clients see a single opaque
// string.
package refreshtoken

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/jrsteele09/go-session-core/storage"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// wireVersion suffixes every token; earlier systems shipped V0 (plain UUID)
// tokens, which are no longer issuable or decodable here.
const wireVersion = "V2"

var (
	ErrInvalidFormat   = errors.New("refresh token format is invalid")
	ErrVersionMismatch = errors.New("refresh token version not recognised")
)

// TokenInfo is the decrypted content of a refresh token.
type TokenInfo struct {
	SessionHandle           string          `json:"sessionHandle"`
	ParentRefreshTokenHash1 string          `json:"parentRefreshTokenHash1,omitempty"`
	Nonce                   string          `json:"nonce"`
	ExpiryTime              jsonMillisecond `json:"expiryTime"`
}

// jsonMillisecond serialises a time.Time as unix milliseconds to keep the
// wire format byte-stable across versions.
type jsonMillisecond time.Time

func (m jsonMillisecond) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(m).UnixMilli())
}

func (m *jsonMillisecond) UnmarshalJSON(data []byte) error {
	var millis int64
	if err := json.Unmarshal(data, &millis); err != nil {
		return err
	}
	*m = jsonMillisecond(time.UnixMilli(millis))
	return nil
}

func (m jsonMillisecond) Time() time.Time { return time.Time(m) }

// Config is the slice of core configuration the refresh-token manager needs.
type Config interface {
	GetRefreshTokenValidity() time.Duration
}

// Manager creates and decodes refresh tokens. The per-tenant master key is
// persisted through the storage interface with a set-if-absent, so every
// process of a deployment converges on the same key; the actual AES key is
// derived from it with HKDF and cached.
type Manager struct {
	store  storage.Store
	config Config

	mu   sync.Mutex
	keys map[storage.TenantKey][]byte
}

func NewManager(store storage.Store, config Config) *Manager {
	return &Manager{
		store:  store,
		config: config,
		keys:   make(map[storage.TenantKey][]byte),
	}
}

// Create issues a fresh refresh token for sessionHandle. parentHash1 is
// empty for the first token of a session and hash1 of the presented token
// on every rotation.
func (m *Manager) Create(ctx context.Context, tenant storage.TenantKey, sessionHandle, parentHash1 string) (string, *TokenInfo, error) {
	key, err := m.tenantKey(ctx, tenant)
	if err != nil {
		return "", nil, err
	}

	info := &TokenInfo{
		SessionHandle:           sessionHandle,
		ParentRefreshTokenHash1: parentHash1,
		Nonce:                   uuid.New().String(),
		ExpiryTime:              jsonMillisecond(NowTimeFunc().Add(m.config.GetRefreshTokenValidity())),
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return "", nil, errors.Wrap(err, "refreshtoken.Create marshal payload")
	}

	sealed, err := seal(payload, key)
	if err != nil {
		return "", nil, err
	}
	return sealed + "." + wireVersion, info, nil
}

// Decode decrypts a presented refresh token. Any structural or
// cryptographic failure comes back as ErrInvalidFormat; an unknown version
// suffix as ErrVersionMismatch.
func (m *Manager) Decode(ctx context.Context, tenant storage.TenantKey, token string) (*TokenInfo, error) {
	idx := strings.LastIndex(token, ".")
	if idx < 0 {
		return nil, ErrInvalidFormat
	}
	if token[idx+1:] != wireVersion {
		return nil, ErrVersionMismatch
	}

	key, err := m.tenantKey(ctx, tenant)
	if err != nil {
		return nil, err
	}
	payload, err := open(token[:idx], key)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	var info TokenInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, ErrInvalidFormat
	}
	if info.SessionHandle == "" || info.Nonce == "" {
		return nil, ErrInvalidFormat
	}
	return &info, nil
}

// tenantKey returns the derived AES key for tenant, creating and persisting
// a master key on first use. Lost set-if-absent races re-read the winner's
// key.
func (m *Manager) tenantKey(ctx context.Context, tenant storage.TenantKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.keys[tenant]; ok {
		return key, nil
	}

	var master string
	for {
		stored, err := m.store.GetRefreshTokenKey(ctx, tenant)
		if err != nil {
			return nil, errors.Wrap(err, "refreshtoken.tenantKey GetRefreshTokenKey")
		}
		if stored != "" {
			master = stored
			break
		}

		fresh := make([]byte, 32)
		if _, err := rand.Read(fresh); err != nil {
			return nil, errors.Wrap(err, "refreshtoken.tenantKey rand.Read")
		}
		created, err := m.store.SetRefreshTokenKeyIfAbsent(ctx, tenant, hex.EncodeToString(fresh))
		if err != nil {
			return nil, errors.Wrap(err, "refreshtoken.tenantKey SetRefreshTokenKeyIfAbsent")
		}
		if created {
			master = hex.EncodeToString(fresh)
			break
		}
	}

	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(master), nil, []byte("refresh-token-encryption"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, errors.Wrap(err, "refreshtoken.tenantKey hkdf")
	}
	m.keys[tenant] = derived
	return derived, nil
}

func seal(payload, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "refreshtoken.seal aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "refreshtoken.seal cipher.NewGCM")
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "refreshtoken.seal rand.Read")
	}
	sealed := gcm.Seal(iv, iv, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func open(encoded string, key []byte) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}
