package refreshtoken_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-core/session/refreshtoken"
	"github.com/jrsteele09/go-session-core/storage"
	"github.com/jrsteele09/go-session-core/storage/memorystore"
)

const (
	testTenant        = storage.TenantKey("public")
	testSessionHandle = "session-handle-1"
	testParentHash1   = "parent-hash-1"
)

type testConfig struct {
	validity time.Duration
}

func (c testConfig) GetRefreshTokenValidity() time.Duration { return c.validity }

func newTestManager() *refreshtoken.Manager {
	return refreshtoken.NewManager(memorystore.New(), testConfig{validity: 100 * time.Hour})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager()

	token, created, err := manager.Create(ctx, testTenant, testSessionHandle, testParentHash1)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(token, ".V2"))

	decoded, err := manager.Decode(ctx, testTenant, token)
	require.NoError(t, err)
	require.Equal(t, testSessionHandle, decoded.SessionHandle)
	require.Equal(t, testParentHash1, decoded.ParentRefreshTokenHash1)
	require.Equal(t, created.Nonce, decoded.Nonce)
	require.Equal(t, created.ExpiryTime.Time().UnixMilli(), decoded.ExpiryTime.Time().UnixMilli())
}

func TestCreateParentless(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager()

	token, _, err := manager.Create(ctx, testTenant, testSessionHandle, "")
	require.NoError(t, err)

	decoded, err := manager.Decode(ctx, testTenant, token)
	require.NoError(t, err)
	require.Empty(t, decoded.ParentRefreshTokenHash1)
}

func TestDecodeTampered(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager()

	token, _, err := manager.Create(ctx, testTenant, testSessionHandle, "")
	require.NoError(t, err)

	flipped := "A"
	if token[0] == 'A' {
		flipped = "B"
	}
	_, err = manager.Decode(ctx, testTenant, flipped+token[1:])
	require.ErrorIs(t, err, refreshtoken.ErrInvalidFormat)
}

func TestDecodeNoVersionSuffix(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager()

	_, err := manager.Decode(ctx, testTenant, "opaque-token-without-suffix")
	require.ErrorIs(t, err, refreshtoken.ErrInvalidFormat)
}

func TestDecodeUnknownVersion(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager()

	token, _, err := manager.Create(ctx, testTenant, testSessionHandle, "")
	require.NoError(t, err)

	downgraded := strings.TrimSuffix(token, ".V2") + ".V0"
	_, err = manager.Decode(ctx, testTenant, downgraded)
	require.ErrorIs(t, err, refreshtoken.ErrVersionMismatch)
}

func TestManagersSharingStoreShareKeys(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	config := testConfig{validity: 100 * time.Hour}
	first := refreshtoken.NewManager(store, config)
	second := refreshtoken.NewManager(store, config)

	token, _, err := first.Create(ctx, testTenant, testSessionHandle, "")
	require.NoError(t, err)

	decoded, err := second.Decode(ctx, testTenant, token)
	require.NoError(t, err)
	require.Equal(t, testSessionHandle, decoded.SessionHandle)
}

func TestTenantsUseDistinctKeys(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager()

	token, _, err := manager.Create(ctx, testTenant, testSessionHandle, "")
	require.NoError(t, err)

	_, err = manager.Decode(ctx, storage.TenantKey("other"), token)
	require.ErrorIs(t, err, refreshtoken.ErrInvalidFormat)
}

func TestExpirySetFromValidity(t *testing.T) {
	ctx := context.Background()
	restore := refreshtoken.NowTimeFunc
	defer func() { refreshtoken.NowTimeFunc = restore }()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	refreshtoken.NowTimeFunc = func() time.Time { return now }

	manager := refreshtoken.NewManager(memorystore.New(), testConfig{validity: 48 * time.Hour})
	_, created, err := manager.Create(ctx, testTenant, testSessionHandle, "")
	require.NoError(t, err)
	require.Equal(t, now.Add(48*time.Hour).UnixMilli(), created.ExpiryTime.Time().UnixMilli())
}
