package connection

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/internal/vault"
	"github.com/skicka/skicka/internal/verify"
	"github.com/skicka/skicka/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type denyAll struct{}

func (denyAll) IsVerified(ctx context.Context, accountID string) (bool, error) {
	return false, nil
}

func newService(t *testing.T, verifier verify.Verifier) (*Service, *provider.MockAPI) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "skicka.sqlite"))
	require.NoError(t, err)

	v, err := vault.New(testVaultKey)
	require.NoError(t, err)

	l := logrus.New()
	l.SetOutput(io.Discard)

	api := provider.NewMock()
	s := New(db, api, v, verifier, tools.LoggerCloner(l))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, api
}

func TestConnectSealsTheKey(t *testing.T) {
	s, _ := newService(t, verify.AllowAll())
	ctx := context.Background()

	conn, err := s.Connect(ctx, "acc-1", "xkeysib-secret")
	require.NoError(t, err)
	assert.Equal(t, dao.ConnectionStatusActive, conn.Status)
	assert.Equal(t, dao.TierRestricted, conn.Tier)

	// never at rest in plaintext
	assert.NotContains(t, conn.APIKeyCipher, "xkeysib")
	assert.NotEmpty(t, conn.APIKeyIV)
	assert.NotEmpty(t, conn.APIKeyTag)

	key, err := s.APIKey(conn)
	require.NoError(t, err)
	assert.Equal(t, "xkeysib-secret", key)

	// and again, via the cache
	key, err = s.APIKey(conn)
	require.NoError(t, err)
	assert.Equal(t, "xkeysib-secret", key)
}

func TestConnectRequiresVerifiedAccount(t *testing.T) {
	s, api := newService(t, denyAll{})

	_, err := s.Connect(context.Background(), "acc-1", "xkeysib-secret")
	assert.Equal(t, skicka.KindForbidden, skicka.KindOf(err))
	assert.Equal(t, 0, api.AccountCalls, "an unverified account never reaches the provider")
}

func TestConnectRejectsBadKey(t *testing.T) {
	s, api := newService(t, verify.AllowAll())
	api.BadKey = true

	_, err := s.Connect(context.Background(), "acc-1", "xkeysib-wrong")
	assert.Equal(t, skicka.KindValidation, skicka.KindOf(err))

	_, err = s.Get(context.Background(), "acc-1")
	assert.Equal(t, skicka.KindNotFound, skicka.KindOf(err), "a rejected key must not leave a connection behind")
}

func TestConnectProviderDown(t *testing.T) {
	s, api := newService(t, verify.AllowAll())
	api.Down = true

	_, err := s.Connect(context.Background(), "acc-1", "xkeysib-secret")
	assert.Equal(t, skicka.KindProviderUnavailable, skicka.KindOf(err))
}

func TestConnectOncePerAccount(t *testing.T) {
	s, _ := newService(t, verify.AllowAll())
	ctx := context.Background()

	_, err := s.Connect(ctx, "acc-1", "xkeysib-secret")
	require.NoError(t, err)

	_, err = s.Connect(ctx, "acc-1", "xkeysib-other")
	assert.Equal(t, skicka.KindConflict, skicka.KindOf(err))
}

func TestDisconnectThenReconnect(t *testing.T) {
	s, _ := newService(t, verify.AllowAll())
	ctx := context.Background()

	first, err := s.Connect(ctx, "acc-1", "xkeysib-secret")
	require.NoError(t, err)

	require.NoError(t, s.Disconnect(ctx, "acc-1"))

	_, err = s.Get(ctx, "acc-1")
	assert.Equal(t, skicka.KindNotFound, skicka.KindOf(err))

	second, err := s.Connect(ctx, "acc-1", "xkeysib-rotated")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	key, err := s.APIKey(second)
	require.NoError(t, err)
	assert.Equal(t, "xkeysib-rotated", key)
}

func TestStatusMarksInvalidKey(t *testing.T) {
	s, api := newService(t, verify.AllowAll())
	ctx := context.Background()

	conn, err := s.Connect(ctx, "acc-1", "xkeysib-secret")
	require.NoError(t, err)

	status, err := s.Status(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, dao.ConnectionStatusActive, status.Status)
	assert.Equal(t, "free", status.ProviderPlan)

	// the key stops working remotely
	api.BadKey = true
	_, err = s.Status(ctx, "acc-1")
	assert.Equal(t, skicka.KindValidation, skicka.KindOf(err))

	got, err := s.dao.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, dao.ConnectionStatusInvalid, got.Status)
}
