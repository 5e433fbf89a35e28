// Package memorystore is an in-process implementation of storage.Store.
// It backs the test suite and embedded deployments; production setups plug
// in a SQL-backed store through the same interface.
package memorystore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-core/storage"
)

var _ storage.Store = (*Store)(nil)

type tenantData struct {
	sessions        map[string]*storage.Session
	signingKeys     []storage.SigningKey
	refreshTokenKey string
}

// Store keeps all rows in memory. A single mutex linearizes transactions,
// which gives the same observable ordering guarantees the engine expects
// from a SQL store's serializable transactions. Writes apply in place, so
// an aborted transaction is not rolled back; the engine never errors out
// of a transaction after a write it needs undone.
type Store struct {
	mu      sync.Mutex
	tenants map[storage.TenantKey]*tenantData
}

func New() *Store {
	return &Store{tenants: make(map[storage.TenantKey]*tenantData)}
}

func (s *Store) tenant(key storage.TenantKey) *tenantData {
	td, ok := s.tenants[key]
	if !ok {
		td = &tenantData{sessions: make(map[string]*storage.Session)}
		s.tenants[key] = td
	}
	return td
}

// view implements storage.Transaction against an already-locked store.
type view struct {
	s *Store
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &storage.TransactionLogicError{Err: err}
	}
	return fn(view{s: s})
}

func (s *Store) GetSession(ctx context.Context, tenant storage.TenantKey, handle string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.GetSession(ctx, tenant, handle)
}

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.CreateSession(ctx, session)
}

func (s *Store) UpdateSessionTokens(ctx context.Context, tenant storage.TenantKey, handle string, upd storage.TokensUpdate, expectedOldHash2 string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.UpdateSessionTokens(ctx, tenant, handle, upd, expectedOldHash2)
}

func (s *Store) UpdateSessionPayload(ctx context.Context, tenant storage.TenantKey, handle string, userDataInJWT json.RawMessage, lmrt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.UpdateSessionPayload(ctx, tenant, handle, userDataInJWT, lmrt)
}

func (s *Store) UpdateSessionData(ctx context.Context, tenant storage.TenantKey, handle string, userDataInDatabase json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.UpdateSessionData(ctx, tenant, handle, userDataInDatabase)
}

func (s *Store) DeleteSessions(ctx context.Context, tenant storage.TenantKey, handles []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.DeleteSessions(ctx, tenant, handles)
}

func (s *Store) DeleteSessionsForUser(ctx context.Context, tenant storage.TenantKey, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.DeleteSessionsForUser(ctx, tenant, userID)
}

func (s *Store) GetSessionHandlesForUser(ctx context.Context, tenant storage.TenantKey, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.GetSessionHandlesForUser(ctx, tenant, userID)
}

func (s *Store) GetSigningKeys(ctx context.Context, tenant storage.TenantKey) ([]storage.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.GetSigningKeys(ctx, tenant)
}

func (s *Store) CreateSigningKeyIfAbsent(ctx context.Context, tenant storage.TenantKey, key storage.SigningKey, expectedCurrentCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.CreateSigningKeyIfAbsent(ctx, tenant, key, expectedCurrentCount)
}

func (s *Store) GetRefreshTokenKey(ctx context.Context, tenant storage.TenantKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.GetRefreshTokenKey(ctx, tenant)
}

func (s *Store) SetRefreshTokenKeyIfAbsent(ctx context.Context, tenant storage.TenantKey, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view{s: s}.SetRefreshTokenKeyIfAbsent(ctx, tenant, value)
}

func (v view) GetSession(_ context.Context, tenant storage.TenantKey, handle string) (*storage.Session, error) {
	td := v.s.tenant(tenant)
	session, ok := td.sessions[handle]
	if !ok {
		return nil, nil
	}
	return copySession(session), nil
}

func (v view) CreateSession(_ context.Context, session *storage.Session) error {
	td := v.s.tenant(session.TenantKey)
	if _, ok := td.sessions[session.SessionHandle]; ok {
		return storage.ErrDuplicateHandle
	}
	td.sessions[session.SessionHandle] = copySession(session)
	return nil
}

func (v view) UpdateSessionTokens(_ context.Context, tenant storage.TenantKey, handle string, upd storage.TokensUpdate, expectedOldHash2 string) (bool, error) {
	td := v.s.tenant(tenant)
	session, ok := td.sessions[handle]
	if !ok || session.RefreshTokenHash2 != expectedOldHash2 {
		return false, nil
	}
	session.RefreshTokenHash2 = upd.RefreshTokenHash2
	session.RefreshTokenParentHash1 = upd.RefreshTokenParentHash1
	session.LastAccessToken = upd.LastAccessToken
	session.LastRefreshToken = upd.LastRefreshToken
	session.LastAntiCsrfToken = upd.LastAntiCsrfToken
	session.ExpiryTime = upd.ExpiryTime
	session.MostRecentRefreshTime = upd.MostRecentRefreshTime
	return true, nil
}

func (v view) UpdateSessionPayload(_ context.Context, tenant storage.TenantKey, handle string, userDataInJWT json.RawMessage, lmrt time.Time) (bool, error) {
	td := v.s.tenant(tenant)
	session, ok := td.sessions[handle]
	if !ok {
		return false, nil
	}
	session.UserDataInJWT = append(json.RawMessage(nil), userDataInJWT...)
	session.MostRecentRefreshTime = lmrt
	return true, nil
}

func (v view) UpdateSessionData(_ context.Context, tenant storage.TenantKey, handle string, userDataInDatabase json.RawMessage) (bool, error) {
	td := v.s.tenant(tenant)
	session, ok := td.sessions[handle]
	if !ok {
		return false, nil
	}
	session.UserDataInDatabase = append(json.RawMessage(nil), userDataInDatabase...)
	return true, nil
}

func (v view) DeleteSessions(_ context.Context, tenant storage.TenantKey, handles []string) ([]string, error) {
	td := v.s.tenant(tenant)
	deleted := make([]string, 0, len(handles))
	for _, handle := range handles {
		if _, ok := td.sessions[handle]; ok {
			delete(td.sessions, handle)
			deleted = append(deleted, handle)
		}
	}
	return deleted, nil
}

func (v view) DeleteSessionsForUser(ctx context.Context, tenant storage.TenantKey, userID string) ([]string, error) {
	handles, err := v.GetSessionHandlesForUser(ctx, tenant, userID)
	if err != nil {
		return nil, err
	}
	return v.DeleteSessions(ctx, tenant, handles)
}

func (v view) GetSessionHandlesForUser(_ context.Context, tenant storage.TenantKey, userID string) ([]string, error) {
	td := v.s.tenant(tenant)
	handles := make([]string, 0)
	for handle, session := range td.sessions {
		if session.UserID == userID {
			handles = append(handles, handle)
		}
	}
	sort.Strings(handles)
	return handles, nil
}

func (v view) GetSigningKeys(_ context.Context, tenant storage.TenantKey) ([]storage.SigningKey, error) {
	td := v.s.tenant(tenant)
	keys := append([]storage.SigningKey(nil), td.signingKeys...)
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAtTime.After(keys[j].CreatedAtTime)
	})
	return keys, nil
}

func (v view) CreateSigningKeyIfAbsent(_ context.Context, tenant storage.TenantKey, key storage.SigningKey, expectedCurrentCount int) (bool, error) {
	td := v.s.tenant(tenant)
	if len(td.signingKeys) != expectedCurrentCount {
		return false, nil
	}
	td.signingKeys = append(td.signingKeys, key)
	return true, nil
}

func (v view) GetRefreshTokenKey(_ context.Context, tenant storage.TenantKey) (string, error) {
	return v.s.tenant(tenant).refreshTokenKey, nil
}

func (v view) SetRefreshTokenKeyIfAbsent(_ context.Context, tenant storage.TenantKey, value string) (bool, error) {
	td := v.s.tenant(tenant)
	if td.refreshTokenKey != "" {
		return false, nil
	}
	td.refreshTokenKey = value
	return true, nil
}

func copySession(s *storage.Session) *storage.Session {
	c := *s
	c.UserDataInJWT = append(json.RawMessage(nil), s.UserDataInJWT...)
	c.UserDataInDatabase = append(json.RawMessage(nil), s.UserDataInDatabase...)
	return &c
}
