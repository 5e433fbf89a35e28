// Package session orchestrates the session lifecycle: create, verify,
// refresh, regenerate and revoke. It combines the signing-key manager, the
// token codecs and the refresh-chain theft detector, and enforces the
// transactional discipline that keeps a session row and its issued tokens
// consistent under concurrent requests.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-core/internal/utils"
	"github.com/jrsteele09/go-session-core/session/accesstoken"
	"github.com/jrsteele09/go-session-core/session/refreshtoken"
	"github.com/jrsteele09/go-session-core/signingkeys"
	"github.com/jrsteele09/go-session-core/storage"
	"github.com/jrsteele09/go-session-core/tenants"
)

// errTransactionRetry signals a lost conditional write inside a refresh
// transaction; the whole operation is re-run from the top.
var errTransactionRetry = errors.New("conditional write lost, retry transaction")

// Config is the slice of core configuration the lifecycle manager needs.
type Config interface {
	GetAccessTokenValidity() time.Duration
	GetRefreshTokenValidity() time.Duration
	GetEnableAntiCSRF() bool
	GetAccessTokenBlacklisting() bool
	GetTransactionRetryCount() int
}

// Manager exposes the semantic session operations consumed by the transport
// layer. Safe for concurrent use.
type Manager struct {
	store    storage.Store
	keys     *signingkeys.Manager
	refresh  *refreshtoken.Manager
	registry tenants.Repo
	config   Config
	log      zerolog.Logger
	nowFunc  func() time.Time
}

// ManagerOption modifies a Manager at construction time.
type ManagerOption func(*Manager)

// WithNowFunc overrides the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithTenantRegistry restricts operations to tenants the registry knows.
// Without a registry any tenant key is accepted and provisions itself on
// first use.
func WithTenantRegistry(registry tenants.Repo) ManagerOption {
	return func(m *Manager) {
		m.registry = registry
	}
}

func NewManager(store storage.Store, keys *signingkeys.Manager, refresh *refreshtoken.Manager, config Config, log zerolog.Logger, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[NewManager] store is required")
	}
	if keys == nil {
		return nil, errors.New("[NewManager] signing key manager is required")
	}
	if refresh == nil {
		return nil, errors.New("[NewManager] refresh token manager is required")
	}
	if config == nil {
		return nil, errors.New("[NewManager] config is required")
	}

	m := &Manager{
		store:   store,
		keys:    keys,
		refresh: refresh,
		config:  config,
		log:     log.With().Str("component", "session").Logger(),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// CreateSessionRequest carries the inputs for a new session.
type CreateSessionRequest struct {
	TenantKey          storage.TenantKey
	UserID             string
	UserDataInJWT      json.RawMessage
	UserDataInDatabase json.RawMessage
	EnableAntiCsrf     bool

	// TokenVersion defaults to V2; V1 exists only for the legacy API
	// surface.
	TokenVersion accesstoken.Version
}

// CreateSession mints a parentless refresh token plus a signed access token
// and persists the session as a single row insert.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionTokens, error) {
	if err := m.checkTenant(req.TenantKey); err != nil {
		return nil, err
	}

	version := req.TokenVersion
	if version == "" {
		version = accesstoken.V2
	}

	sessionHandle := uuid.New().String()
	refreshToken, refreshInfo, err := m.refresh.Create(ctx, req.TenantKey, sessionHandle, "")
	if err != nil {
		return nil, errors.Wrap(err, "Manager.CreateSession refresh.Create")
	}

	antiCsrfToken := ""
	if req.EnableAntiCsrf {
		antiCsrfToken = uuid.New().String()
	}

	now := m.nowFunc()
	atInfo := &accesstoken.TokenInfo{
		SessionHandle:     sessionHandle,
		UserID:            req.UserID,
		RefreshTokenHash1: utils.HashSHA256(refreshToken),
		UserData:          req.UserDataInJWT,
		AntiCsrfToken:     antiCsrfToken,
		ExpiryTime:        now.Add(m.config.GetAccessTokenValidity()),
		TimeCreated:       now,
		Version:           version,
	}
	if version == accesstoken.V2 {
		atInfo.LMRT = utils.Ptr(now)
	}

	accessToken, err := m.mintAccessToken(ctx, req.TenantKey, atInfo)
	if err != nil {
		return nil, err
	}

	row := &storage.Session{
		SessionHandle:         sessionHandle,
		TenantKey:             req.TenantKey,
		UserID:                req.UserID,
		RefreshTokenHash2:     utils.HashSHA256(utils.HashSHA256(refreshToken)),
		LastAccessToken:       accessToken,
		LastRefreshToken:      refreshToken,
		LastAntiCsrfToken:     antiCsrfToken,
		UserDataInJWT:         req.UserDataInJWT,
		UserDataInDatabase:    req.UserDataInDatabase,
		ExpiryTime:            refreshInfo.ExpiryTime.Time(),
		TimeCreated:           now,
		MostRecentRefreshTime: now,
	}
	if err := m.store.CreateSession(ctx, row); err != nil {
		return nil, errors.Wrap(err, "Manager.CreateSession store.CreateSession")
	}

	m.log.Debug().Str("sessionHandle", sessionHandle).Str("userId", req.UserID).Msg("session created")
	return &SessionTokens{
		Session:       SessionInfo{SessionHandle: sessionHandle, UserID: req.UserID, UserDataInJWT: req.UserDataInJWT},
		AccessToken:   TokenInfo{Token: accessToken, Expiry: atInfo.ExpiryTime, CreatedTime: now},
		RefreshToken:  TokenInfo{Token: refreshToken, Expiry: refreshInfo.ExpiryTime.Time(), CreatedTime: now},
		AntiCsrfToken: antiCsrfToken,
	}, nil
}

// GetSession verifies an access token. When the token's lmrt lags the
// session row's most recent refresh time — the token was minted before a
// concurrent refresh or regenerate completed — a fresh access token is
// minted from the current row state and returned alongside the verified
// session, so the caller never has to bounce through the refresh flow for
// this.
func (m *Manager) GetSession(ctx context.Context, tenant storage.TenantKey, accessToken, antiCsrfToken string, doAntiCsrfCheck bool) (*SessionInfo, *TokenInfo, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, nil, err
	}

	verificationKeys, err := m.keys.VerificationKeys(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}

	info, err := accesstoken.Verify(accessToken, verificationKeys)
	if err != nil {
		switch {
		case errors.Is(err, accesstoken.ErrExpired):
			return nil, nil, &TryRefreshTokenError{Reason: "access token expired"}
		case errors.Is(err, accesstoken.ErrInvalidSignature):
			return nil, nil, &TryRefreshTokenError{Reason: "access token signature verification failed"}
		default:
			return nil, nil, err
		}
	}

	if doAntiCsrfCheck && (antiCsrfToken == "" || antiCsrfToken != info.AntiCsrfToken) {
		return nil, nil, &TryRefreshTokenError{Reason: "anti-csrf check failed"}
	}

	// The row lookup is a second, independent check. Without blacklisting
	// and with a V1 token there is nothing to compare, so the verified
	// token alone is the answer.
	needsRow := m.config.GetAccessTokenBlacklisting() || info.LMRT != nil
	if !needsRow {
		return &SessionInfo{SessionHandle: info.SessionHandle, UserID: info.UserID, UserDataInJWT: info.UserData}, nil, nil
	}

	row, err := m.store.GetSession(ctx, tenant, info.SessionHandle)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Manager.GetSession store.GetSession")
	}
	if row == nil {
		if m.config.GetAccessTokenBlacklisting() {
			return nil, nil, errors.Wrap(ErrUnauthorised, "session missing in db")
		}
		return &SessionInfo{SessionHandle: info.SessionHandle, UserID: info.UserID, UserDataInJWT: info.UserData}, nil, nil
	}

	// Compare at millisecond precision: that is the wire resolution of lmrt.
	if info.LMRT != nil && info.LMRT.UnixMilli() < row.MostRecentRefreshTime.UnixMilli() {
		now := m.nowFunc()
		freshInfo := &accesstoken.TokenInfo{
			SessionHandle:           row.SessionHandle,
			UserID:                  row.UserID,
			RefreshTokenHash1:       info.RefreshTokenHash1,
			ParentRefreshTokenHash1: info.ParentRefreshTokenHash1,
			UserData:                row.UserDataInJWT,
			AntiCsrfToken:           info.AntiCsrfToken,
			LMRT:                    utils.Ptr(row.MostRecentRefreshTime),
			ExpiryTime:              now.Add(m.config.GetAccessTokenValidity()),
			TimeCreated:             now,
			Version:                 accesstoken.V2,
		}
		fresh, err := m.mintAccessToken(ctx, tenant, freshInfo)
		if err != nil {
			return nil, nil, err
		}
		return &SessionInfo{SessionHandle: row.SessionHandle, UserID: row.UserID, UserDataInJWT: row.UserDataInJWT},
			&TokenInfo{Token: fresh, Expiry: freshInfo.ExpiryTime, CreatedTime: now}, nil
	}

	return &SessionInfo{SessionHandle: info.SessionHandle, UserID: info.UserID, UserDataInJWT: info.UserData}, nil, nil
}

// RefreshSession rotates the refresh token, answering a benign client retry
// with the previously issued tokens and revoking the session on genuine
// reuse. Lost conditional writes re-run the whole operation up to the
// configured retry bound.
func (m *Manager) RefreshSession(ctx context.Context, tenant storage.TenantKey, refreshToken, antiCsrfToken string) (*SessionTokens, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, err
	}

	rtInfo, err := m.refresh.Decode(ctx, tenant, refreshToken)
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorised, err.Error())
	}

	// Key material is resolved before the transaction opens; inside it only
	// the tx handle may touch storage.
	signingKey, err := m.keys.CurrentKey(ctx, tenant)
	if err != nil {
		return nil, err
	}

	retries := m.config.GetTransactionRetryCount()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		result, err := m.refreshOnce(ctx, tenant, refreshToken, antiCsrfToken, rtInfo, signingKey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, errTransactionRetry) {
			m.log.Debug().Str("sessionHandle", rtInfo.SessionHandle).Int("attempt", attempt).Msg("refresh lost conditional write, retrying")
			lastErr = err
			continue
		}
		var transient *storage.TransactionLogicError
		if errors.As(err, &transient) {
			m.log.Debug().Err(err).Int("attempt", attempt).Msg("transient storage failure during refresh, retrying")
			lastErr = err
			continue
		}
		var theft *TokenTheftDetectedError
		if errors.As(err, &theft) {
			m.log.Warn().Str("sessionHandle", theft.SessionHandle).Str("userId", theft.UserID).Msg("refresh token theft detected, session revoked")
		}
		return nil, err
	}
	return nil, &storage.TransactionLogicError{Err: errors.Wrap(lastErr, "session refresh retry limit exceeded")}
}

func (m *Manager) refreshOnce(ctx context.Context, tenant storage.TenantKey, refreshToken, antiCsrfToken string, rtInfo *refreshtoken.TokenInfo, signingKey *signingkeys.Key) (*SessionTokens, error) {
	var result *SessionTokens
	var theft *TokenTheftDetectedError
	err := m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		row, err := tx.GetSession(ctx, tenant, rtInfo.SessionHandle)
		if err != nil {
			return errors.Wrap(err, "Manager.refreshOnce tx.GetSession")
		}
		now := m.nowFunc()
		if row == nil || row.ExpiryTime.Before(now) {
			return errors.Wrap(ErrUnauthorised, "session missing in db or has expired")
		}

		hash1 := utils.HashSHA256(refreshToken)
		hash2 := utils.HashSHA256(hash1)

		if hash2 == row.RefreshTokenHash2 {
			// Presented token is the current one: rotate.
			if row.LastAntiCsrfToken != "" && antiCsrfToken != row.LastAntiCsrfToken {
				return errors.Wrap(ErrUnauthorised, "anti-csrf check failed during refresh")
			}

			newRefreshToken, newRefreshInfo, err := m.refresh.Create(ctx, tenant, row.SessionHandle, hash1)
			if err != nil {
				return errors.Wrap(err, "Manager.refreshOnce refresh.Create")
			}
			newAntiCsrfToken := ""
			if row.LastAntiCsrfToken != "" {
				newAntiCsrfToken = uuid.New().String()
			}

			atInfo := &accesstoken.TokenInfo{
				SessionHandle:           row.SessionHandle,
				UserID:                  row.UserID,
				RefreshTokenHash1:       utils.HashSHA256(newRefreshToken),
				ParentRefreshTokenHash1: hash1,
				UserData:                row.UserDataInJWT,
				AntiCsrfToken:           newAntiCsrfToken,
				LMRT:                    utils.Ptr(now),
				ExpiryTime:              now.Add(m.config.GetAccessTokenValidity()),
				TimeCreated:             now,
				Version:                 accesstoken.V2,
			}
			newAccessToken, err := accesstoken.Encode(atInfo, signingKey)
			if err != nil {
				return err
			}

			updated, err := tx.UpdateSessionTokens(ctx, tenant, row.SessionHandle, storage.TokensUpdate{
				RefreshTokenHash2:       utils.HashSHA256(utils.HashSHA256(newRefreshToken)),
				RefreshTokenParentHash1: hash1,
				LastAccessToken:         newAccessToken,
				LastRefreshToken:        newRefreshToken,
				LastAntiCsrfToken:       newAntiCsrfToken,
				ExpiryTime:              newRefreshInfo.ExpiryTime.Time(),
				MostRecentRefreshTime:   now,
			}, row.RefreshTokenHash2)
			if err != nil {
				return errors.Wrap(err, "Manager.refreshOnce tx.UpdateSessionTokens")
			}
			if !updated {
				return errTransactionRetry
			}

			result = &SessionTokens{
				Session:       SessionInfo{SessionHandle: row.SessionHandle, UserID: row.UserID, UserDataInJWT: row.UserDataInJWT},
				AccessToken:   TokenInfo{Token: newAccessToken, Expiry: atInfo.ExpiryTime, CreatedTime: now},
				RefreshToken:  TokenInfo{Token: newRefreshToken, Expiry: newRefreshInfo.ExpiryTime.Time(), CreatedTime: now},
				AntiCsrfToken: newAntiCsrfToken,
			}
			return nil
		}

		if row.RefreshTokenParentHash1 != "" && hash1 == row.RefreshTokenParentHash1 {
			// Presented token is the previous generation: the client
			// retried after a dropped response. Re-issue the existing
			// tokens without rotating again.
			lastAT, err := accesstoken.ParseUnverified(row.LastAccessToken)
			if err != nil {
				return errors.Wrap(err, "Manager.refreshOnce stored access token unreadable")
			}
			result = &SessionTokens{
				Session:       SessionInfo{SessionHandle: row.SessionHandle, UserID: row.UserID, UserDataInJWT: row.UserDataInJWT},
				AccessToken:   TokenInfo{Token: row.LastAccessToken, Expiry: lastAT.ExpiryTime, CreatedTime: lastAT.TimeCreated},
				RefreshToken:  TokenInfo{Token: row.LastRefreshToken, Expiry: row.ExpiryTime, CreatedTime: row.MostRecentRefreshTime},
				AntiCsrfToken: row.LastAntiCsrfToken,
			}
			return nil
		}

		// Neither current nor parent: genuine reuse. The revocation must
		// commit, so the detection is surfaced only after the transaction
		// returns nil; erroring here would let a rollback-conforming store
		// undo the delete.
		if _, err := tx.DeleteSessions(ctx, tenant, []string{row.SessionHandle}); err != nil {
			return errors.Wrap(err, "Manager.refreshOnce tx.DeleteSessions")
		}
		theft = &TokenTheftDetectedError{SessionHandle: row.SessionHandle, UserID: row.UserID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if theft != nil {
		return nil, theft
	}
	return result, nil
}

// RegenerateSession swaps the payload mirrored into access tokens and bumps
// the session's most recent refresh time. It works on an expired access
// token as long as the session row still exists; only a structurally broken
// token is rejected.
func (m *Manager) RegenerateSession(ctx context.Context, tenant storage.TenantKey, accessToken string, newUserDataInJWT json.RawMessage) (*SessionInfo, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, err
	}

	info, err := accesstoken.ParseUnverified(accessToken)
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorised, "access token could not be parsed")
	}

	updated, err := m.store.UpdateSessionPayload(ctx, tenant, info.SessionHandle, newUserDataInJWT, m.nowFunc())
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RegenerateSession store.UpdateSessionPayload")
	}
	if !updated {
		return nil, errors.Wrap(ErrUnauthorised, "session does not exist")
	}

	return &SessionInfo{SessionHandle: info.SessionHandle, UserID: info.UserID, UserDataInJWT: newUserDataInJWT}, nil
}

// RevokeSessions deletes the given handles and returns exactly the ones
// that existed; already-revoked handles are skipped, not errors.
func (m *Manager) RevokeSessions(ctx context.Context, tenant storage.TenantKey, sessionHandles []string) ([]string, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, err
	}
	revoked, err := m.store.DeleteSessions(ctx, tenant, sessionHandles)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RevokeSessions store.DeleteSessions")
	}
	return revoked, nil
}

// RevokeAllSessionsForUser deletes every session belonging to userID.
func (m *Manager) RevokeAllSessionsForUser(ctx context.Context, tenant storage.TenantKey, userID string) ([]string, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, err
	}
	revoked, err := m.store.DeleteSessionsForUser(ctx, tenant, userID)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RevokeAllSessionsForUser store.DeleteSessionsForUser")
	}
	return revoked, nil
}

// GetAllSessionHandlesForUser lists the live session handles of userID.
func (m *Manager) GetAllSessionHandlesForUser(ctx context.Context, tenant storage.TenantKey, userID string) ([]string, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, err
	}
	handles, err := m.store.GetSessionHandlesForUser(ctx, tenant, userID)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.GetAllSessionHandlesForUser store.GetSessionHandlesForUser")
	}
	return handles, nil
}

// GetSessionData reads the server-only payload of a session.
func (m *Manager) GetSessionData(ctx context.Context, tenant storage.TenantKey, sessionHandle string) (json.RawMessage, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, err
	}
	row, err := m.store.GetSession(ctx, tenant, sessionHandle)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.GetSessionData store.GetSession")
	}
	if row == nil {
		return nil, errors.Wrap(ErrUnauthorised, "session does not exist")
	}
	return row.UserDataInDatabase, nil
}

// UpdateSessionData replaces the server-only payload of a session.
func (m *Manager) UpdateSessionData(ctx context.Context, tenant storage.TenantKey, sessionHandle string, data json.RawMessage) error {
	if err := m.checkTenant(tenant); err != nil {
		return err
	}
	updated, err := m.store.UpdateSessionData(ctx, tenant, sessionHandle, data)
	if err != nil {
		return errors.Wrap(err, "Manager.UpdateSessionData store.UpdateSessionData")
	}
	if !updated {
		return errors.Wrap(ErrUnauthorised, "session does not exist")
	}
	return nil
}

// GetSigningKeyInfo backs a discovery/handshake endpoint.
func (m *Manager) GetSigningKeyInfo(ctx context.Context, tenant storage.TenantKey) (*SigningKeyInfo, error) {
	if err := m.checkTenant(tenant); err != nil {
		return nil, err
	}
	verificationKeys, err := m.keys.VerificationKeys(ctx, tenant)
	if err != nil {
		return nil, err
	}
	expiry, err := m.keys.KeyExpiryTime(ctx, tenant)
	if err != nil {
		return nil, err
	}

	publicKeys := make([]string, 0, len(verificationKeys))
	for i := range verificationKeys {
		publicKeys = append(publicKeys, verificationKeys[i].PublicKeyPEM())
	}
	return &SigningKeyInfo{
		PublicKeys:           publicKeys,
		KeyExpiryTime:        expiry,
		AccessTokenValidity:  m.config.GetAccessTokenValidity(),
		RefreshTokenValidity: m.config.GetRefreshTokenValidity(),
		EnableAntiCSRF:       m.config.GetEnableAntiCSRF(),
	}, nil
}

// checkTenant rejects tenant keys the registry does not know or has
// disabled. Without a registry every key is accepted.
func (m *Manager) checkTenant(tenant storage.TenantKey) error {
	if m.registry == nil {
		return nil
	}
	entry, err := m.registry.Get(tenant)
	if err != nil {
		if errors.Is(err, tenants.ErrNotFound) {
			return errors.Wrapf(ErrTenantNotFound, "tenant %s", tenant)
		}
		return errors.Wrap(err, "Manager.checkTenant registry.Get")
	}
	if entry.Disabled {
		return errors.Wrapf(ErrTenantNotFound, "tenant %s is disabled", tenant)
	}
	return nil
}

func (m *Manager) mintAccessToken(ctx context.Context, tenant storage.TenantKey, info *accesstoken.TokenInfo) (string, error) {
	key, err := m.keys.CurrentKey(ctx, tenant)
	if err != nil {
		return "", err
	}
	token, err := accesstoken.Encode(info, key)
	if err != nil {
		return "", err
	}
	return token, nil
}
