package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TenantKey identifies the tenant an operation acts on. The engine treats it
// as opaque; resolution from connection/app identifiers happens upstream.
type TenantKey string

// Session is the persisted state of one logged-in session. The row never
// contains a refresh token in usable plaintext: RefreshTokenHash2 is a
// double SHA-256 of the token, and LastRefreshToken is the encrypted form
// that was sent to the client, kept for exactly one generation so a retried
// refresh can be answered with byte-identical tokens.
type Session struct {
	SessionHandle           string
	TenantKey               TenantKey
	UserID                  string
	RefreshTokenHash2       string
	RefreshTokenParentHash1 string // hash1 of the previous generation, empty on the first
	LastAccessToken         string
	LastRefreshToken        string
	LastAntiCsrfToken       string
	UserDataInJWT           json.RawMessage
	UserDataInDatabase      json.RawMessage
	ExpiryTime              time.Time
	TimeCreated             time.Time
	MostRecentRefreshTime   time.Time
}

// SigningKey is a persisted asymmetric key pair in PEM form. Key material is
// never mutated once written, only superseded by a newer key.
type SigningKey struct {
	KeyID         string
	PublicKey     string
	PrivateKey    string
	CreatedAtTime time.Time
	ExpiresAtTime time.Time
}

// TokensUpdate is the conditional mutation applied when a refresh rotation
// wins; every field is written together or not at all.
type TokensUpdate struct {
	RefreshTokenHash2       string
	RefreshTokenParentHash1 string
	LastAccessToken         string
	LastRefreshToken        string
	LastAntiCsrfToken       string
	ExpiryTime              time.Time
	MostRecentRefreshTime   time.Time
}

// ErrDuplicateHandle is returned by CreateSession when the handle is taken.
var ErrDuplicateHandle = errors.New("session handle already exists")

// TransactionLogicError marks a transient storage failure. The session
// engine retries the whole operation a bounded number of times before
// surfacing it.
type TransactionLogicError struct {
	Err error
}

func (e *TransactionLogicError) Error() string {
	return fmt.Sprintf("storage transaction logic error: %v", e.Err)
}

func (e *TransactionLogicError) Unwrap() error { return e.Err }

// SessionStore holds the session rows.
//
// Conditional updates report success as data rather than errors: a false
// return means another writer got there first and the caller should re-run
// its read-decide-write sequence from the top.
type SessionStore interface {
	// GetSession returns nil (not an error) when no row exists.
	GetSession(ctx context.Context, tenant TenantKey, handle string) (*Session, error)

	CreateSession(ctx context.Context, session *Session) error

	// UpdateSessionTokens applies upd only if the row's current
	// RefreshTokenHash2 equals expectedOldHash2.
	UpdateSessionTokens(ctx context.Context, tenant TenantKey, handle string, upd TokensUpdate, expectedOldHash2 string) (bool, error)

	// UpdateSessionPayload swaps UserDataInJWT and bumps
	// MostRecentRefreshTime; false when the row does not exist.
	UpdateSessionPayload(ctx context.Context, tenant TenantKey, handle string, userDataInJWT json.RawMessage, lmrt time.Time) (bool, error)

	// UpdateSessionData replaces UserDataInDatabase; false when the row
	// does not exist.
	UpdateSessionData(ctx context.Context, tenant TenantKey, handle string, userDataInDatabase json.RawMessage) (bool, error)

	// DeleteSessions removes the given handles and returns exactly the
	// ones that existed.
	DeleteSessions(ctx context.Context, tenant TenantKey, handles []string) ([]string, error)

	DeleteSessionsForUser(ctx context.Context, tenant TenantKey, userID string) ([]string, error)

	GetSessionHandlesForUser(ctx context.Context, tenant TenantKey, userID string) ([]string, error)
}

// KeyStore persists process-wide (per tenant, not per session) key material.
type KeyStore interface {
	// GetSigningKeys returns all signing keys, newest first.
	GetSigningKeys(ctx context.Context, tenant TenantKey) ([]SigningKey, error)

	// CreateSigningKeyIfAbsent inserts key only if the tenant currently
	// has exactly expectedCurrentCount keys; false on a lost race.
	CreateSigningKeyIfAbsent(ctx context.Context, tenant TenantKey, key SigningKey, expectedCurrentCount int) (bool, error)

	// GetRefreshTokenKey returns the tenant's refresh-token master key,
	// or "" when none has been created yet.
	GetRefreshTokenKey(ctx context.Context, tenant TenantKey) (string, error)

	// SetRefreshTokenKeyIfAbsent writes the master key only if none
	// exists; false on a lost race.
	SetRefreshTokenKeyIfAbsent(ctx context.Context, tenant TenantKey, value string) (bool, error)
}

// Transaction is the view of the store inside RunInTransaction.
type Transaction interface {
	SessionStore
	KeyStore
}

// Store is the pluggable persistence interface the session engine depends
// on. RunInTransaction executes fn atomically with respect to other
// transactions; an error returned by fn aborts the transaction and is
// propagated unchanged, while storage-level failures come back wrapped in
// *TransactionLogicError.
type Store interface {
	SessionStore
	KeyStore

	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error
}
