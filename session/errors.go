package session

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-core/session/accesstoken"
	"github.com/jrsteele09/go-session-core/storage"
)

var (
	// ErrUnauthorised means the session or user no longer exists; the
	// client must re-authenticate.
	ErrUnauthorised = errors.New("unauthorised")

	// ErrTenantNotFound is a configuration/identity error, never retried.
	ErrTenantNotFound = errors.New("tenant or app not found")
)

// TryRefreshTokenError tells the caller the access token could not be
// accepted but the session may still be alive: the client should call the
// refresh flow.
type TryRefreshTokenError struct {
	Reason string
}

func (e *TryRefreshTokenError) Error() string {
	return fmt.Sprintf("try refresh token: %s", e.Reason)
}

// TokenTheftDetectedError reports refresh-token reuse outside the tolerated
// retry window. The session has already been revoked by the time this is
// returned; callers must treat it as a "log the user out everywhere"
// signal, distinct from a plain ErrUnauthorised.
type TokenTheftDetectedError struct {
	SessionHandle string
	UserID        string
}

func (e *TokenTheftDetectedError) Error() string {
	return fmt.Sprintf("token theft detected for session %s (user %s)", e.SessionHandle, e.UserID)
}

// Boundary status strings. The engine never formats HTTP responses; these
// are the stable identifiers the transport layer maps errors onto.
const (
	StatusOK                 = "OK"
	StatusUnauthorised       = "UNAUTHORISED"
	StatusTryRefreshToken    = "TRY_REFRESH_TOKEN"
	StatusTokenTheftDetected = "TOKEN_THEFT_DETECTED"
	StatusMalformedToken     = "MALFORMED_TOKEN"
	StatusTenantNotFound     = "TENANT_OR_APP_NOT_FOUND"
	StatusStorageError       = "STORAGE_ERROR"
	StatusInternalError      = "INTERNAL_ERROR"
)

// StatusOf maps any error returned by the session engine to its boundary
// status string.
func StatusOf(err error) string {
	if err == nil {
		return StatusOK
	}

	var theft *TokenTheftDetectedError
	if errors.As(err, &theft) {
		return StatusTokenTheftDetected
	}
	var tryRefresh *TryRefreshTokenError
	if errors.As(err, &tryRefresh) {
		return StatusTryRefreshToken
	}
	var transient *storage.TransactionLogicError
	if errors.As(err, &transient) {
		return StatusStorageError
	}

	switch {
	case errors.Is(err, accesstoken.ErrMalformed):
		return StatusMalformedToken
	case errors.Is(err, ErrUnauthorised):
		return StatusUnauthorised
	case errors.Is(err, ErrTenantNotFound):
		return StatusTenantNotFound
	}
	return StatusInternalError
}
