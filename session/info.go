package session

import (
	"encoding/json"
	"time"
)

// SessionInfo identifies a verified session and carries the payload that is
// mirrored into access tokens.
type SessionInfo struct {
	SessionHandle string
	UserID        string
	UserDataInJWT json.RawMessage
}

// TokenInfo is an issued token string with its lifetime metadata.
type TokenInfo struct {
	Token       string
	Expiry      time.Time
	CreatedTime time.Time
}

// SessionTokens is everything handed to the client after a session is
// created or refreshed.
type SessionTokens struct {
	Session       SessionInfo
	AccessToken   TokenInfo
	RefreshToken  TokenInfo
	AntiCsrfToken string // empty when anti-CSRF is off for this session
}

// SigningKeyInfo backs a discovery/handshake endpoint: the verification
// public keys plus the token lifetimes the deployment is running with.
type SigningKeyInfo struct {
	PublicKeys           []string // PEM, most recently issued first
	KeyExpiryTime        time.Time
	AccessTokenValidity  time.Duration
	RefreshTokenValidity time.Duration
	EnableAntiCSRF       bool
}
