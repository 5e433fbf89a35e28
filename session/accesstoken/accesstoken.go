// Package accesstoken encodes and verifies the signed access-token wire
// format. The format is versioned: V1 tokens predate lazy re-issuance and
// carry no lmrt claim; V2 tokens add lmrt and an explicit version marker.
// New sessions always mint V2 unless a caller explicitly asks for V1, but
// V1 tokens keep decoding for upgrade compatibility.
package accesstoken

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-core/signingkeys"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Version of the access-token wire format.
type Version string

const (
	V1 Version = "V1"
	V2 Version = "V2"
)

// Decode outcomes. Callers must distinguish ErrExpired and
// ErrInvalidSignature (client should attempt a refresh) from ErrMalformed
// (hard reject, never retried).
var (
	ErrMalformed        = errors.New("access token is malformed")
	ErrExpired          = errors.New("access token expired")
	ErrInvalidSignature = errors.New("access token signature verification failed")
)

// TokenInfo is the payload carried inside a verified access token.
type TokenInfo struct {
	SessionHandle           string
	UserID                  string
	RefreshTokenHash1       string
	ParentRefreshTokenHash1 string // empty when this token's refresh token is parentless
	UserData                json.RawMessage
	AntiCsrfToken           string
	LMRT                    *time.Time // nil for V1 tokens
	ExpiryTime              time.Time
	TimeCreated             time.Time
	Version                 Version
}

const (
	claimSessionHandle = "sessionHandle"
	claimUserID        = "userId"
	claimRefreshHash1  = "refreshTokenHash1"
	claimParentHash1   = "parentRefreshTokenHash1"
	claimUserData      = "userData"
	claimAntiCsrf      = "antiCsrfToken"
	claimLMRT          = "lmrt"
	claimExpiryTime    = "expiryTime"
	claimTimeCreated   = "timeCreated"
	claimVersion       = "version"
)

// Encode signs info with key and returns the token string.
func Encode(info *TokenInfo, key *signingkeys.Key) (string, error) {
	claims := jwt.MapClaims{
		claimSessionHandle: info.SessionHandle,
		claimUserID:        info.UserID,
		claimRefreshHash1:  info.RefreshTokenHash1,
		claimUserData:      info.UserData,
		claimExpiryTime:    info.ExpiryTime.UnixMilli(),
		claimTimeCreated:   info.TimeCreated.UnixMilli(),
	}
	if info.ParentRefreshTokenHash1 != "" {
		claims[claimParentHash1] = info.ParentRefreshTokenHash1
	}
	if info.AntiCsrfToken != "" {
		claims[claimAntiCsrf] = info.AntiCsrfToken
	}
	if info.Version == V2 {
		if info.LMRT == nil {
			return "", errors.New("accesstoken.Encode V2 token requires lmrt")
		}
		claims[claimLMRT] = info.LMRT.UnixMilli()
		claims[claimVersion] = string(V2)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", errors.Wrap(err, "accesstoken.Encode SignedString")
	}
	return signed, nil
}

// Verify checks the token against keys, trying each in order (callers pass
// the verification set most-recently-issued first); the first key whose
// signature check succeeds wins. Expiry is checked independently of the
// signature, so an expired token with a valid signature yields ErrExpired
// rather than ErrInvalidSignature.
func Verify(token string, keys []signingkeys.Key) (*TokenInfo, error) {
	if len(keys) == 0 {
		return nil, ErrInvalidSignature
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var parsed *jwt.Token
	for i := range keys {
		key := keys[i]
		candidate, err := parser.Parse(token, func(*jwt.Token) (any, error) {
			return key.PublicKey, nil
		})
		if err == nil {
			parsed = candidate
			break
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrMalformed
		}
	}
	if parsed == nil {
		return nil, ErrInvalidSignature
	}

	info, err := infoFromClaims(parsed.Claims.(jwt.MapClaims))
	if err != nil {
		return nil, err
	}
	if info.ExpiryTime.Before(NowTimeFunc()) {
		return nil, ErrExpired
	}
	return info, nil
}

// ParseUnverified decodes the payload without checking signature or expiry.
// Session regeneration uses this: the embedded session handle stays usable
// after the token itself has expired, and the session row lookup is what
// actually authorises the operation.
func ParseUnverified(token string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrMalformed
	}
	return infoFromClaims(claims)
}

func infoFromClaims(claims jwt.MapClaims) (*TokenInfo, error) {
	info := &TokenInfo{Version: V1}

	var ok bool
	if info.SessionHandle, ok = claims[claimSessionHandle].(string); !ok {
		return nil, ErrMalformed
	}
	if info.UserID, ok = claims[claimUserID].(string); !ok {
		return nil, ErrMalformed
	}
	if info.RefreshTokenHash1, ok = claims[claimRefreshHash1].(string); !ok {
		return nil, ErrMalformed
	}
	info.ParentRefreshTokenHash1, _ = claims[claimParentHash1].(string)
	info.AntiCsrfToken, _ = claims[claimAntiCsrf].(string)

	userData, ok := claims[claimUserData]
	if !ok {
		return nil, ErrMalformed
	}
	rawUserData, err := json.Marshal(userData)
	if err != nil {
		return nil, ErrMalformed
	}
	info.UserData = rawUserData

	expiry, ok := claims[claimExpiryTime].(float64)
	if !ok {
		return nil, ErrMalformed
	}
	info.ExpiryTime = time.UnixMilli(int64(expiry))

	created, ok := claims[claimTimeCreated].(float64)
	if !ok {
		return nil, ErrMalformed
	}
	info.TimeCreated = time.UnixMilli(int64(created))

	if versionStr, ok := claims[claimVersion].(string); ok {
		if Version(versionStr) != V2 {
			return nil, ErrMalformed
		}
		lmrtMillis, ok := claims[claimLMRT].(float64)
		if !ok {
			// V2 without lmrt means the structure has changed underneath us.
			return nil, ErrMalformed
		}
		lmrt := time.UnixMilli(int64(lmrtMillis))
		info.LMRT = &lmrt
		info.Version = V2
	}

	return info, nil
}
