package reconcile

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/dnshost"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "xkeysib-test"

func quietLogger() *tools.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return tools.LoggerCloner(l)
}

func newDomainFixture(t *testing.T) (*Domains, dao.DAO, *provider.MockAPI, *dnshost.MockClient, *dao.Connection) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "skicka.sqlite"))
	require.NoError(t, err)

	conn := &dao.Connection{
		AccountID:    "acc-1",
		APIKeyCipher: "deadbeef",
		APIKeyIV:     "cafebabe",
		APIKeyTag:    "0badf00d",
		Status:       dao.ConnectionStatusActive,
		Tier:         dao.TierRestricted,
	}
	require.NoError(t, db.CreateConnection(conn))

	api := provider.NewMock()
	host := dnshost.NewMock()
	return NewDomains(db, api, host, nil, quietLogger()), db, api, host, conn
}

func TestAddDomainIdempotent(t *testing.T) {
	d, db, api, _, conn := newDomainFixture(t)
	ctx := context.Background()

	first, err := d.Add(ctx, conn, testKey, "Example.COM.", AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, "example.com", first.DomainName)
	assert.Equal(t, dao.DomainStatusPendingDNS, first.Status)
	assert.Equal(t, dao.DNSModeManual, first.DNSMode)
	assert.NotEmpty(t, first.ProviderID)
	assert.NotEmpty(t, DecodeRecords(first.DNSRecords))

	second, err := d.Add(ctx, conn, testKey, "example.com", AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 1, api.CreateDomainCalls, "re-adding must not create a second provider domain")

	domains, err := db.ListDomains(conn.ID)
	require.NoError(t, err)
	assert.Len(t, domains, 1)
}

func TestAddDomainRejectsBadNames(t *testing.T) {
	d, _, api, _, conn := newDomainFixture(t)
	ctx := context.Background()

	for _, name := range []string{"", "nodots", "user@example.com"} {
		_, err := d.Add(ctx, conn, testKey, name, AddOptions{})
		assert.Equal(t, skicka.KindValidation, skicka.KindOf(err), "name %q", name)
	}
	assert.Equal(t, 0, api.CreateDomainCalls)
}

func TestAddDomainProviderDown(t *testing.T) {
	d, db, api, _, conn := newDomainFixture(t)
	api.Down = true

	_, err := d.Add(context.Background(), conn, testKey, "example.com", AddOptions{})
	assert.Equal(t, skicka.KindProviderUnavailable, skicka.KindOf(err))

	domains, err := db.ListDomains(conn.ID)
	require.NoError(t, err)
	assert.Empty(t, domains, "a failed provision must not leave a local row")
}

func TestAddDomainAutoDNS(t *testing.T) {
	d, _, _, host, conn := newDomainFixture(t)

	domain, err := d.Add(context.Background(), conn, testKey, "example.com", AddOptions{AutoDNS: true})
	require.NoError(t, err)

	assert.Equal(t, dao.DNSModeHostManaged, domain.DNSMode)
	assert.Equal(t, dao.DomainStatusVerifying, domain.Status)
	assert.NotEmpty(t, domain.ZoneID)
	assert.NotEmpty(t, domain.NameserverList())
	assert.NotEmpty(t, host.Records[domain.ZoneID], "provider records must be published at the dns host")
}

func TestSyncAdoptsAndUpdatesDrift(t *testing.T) {
	d, db, api, _, conn := newDomainFixture(t)
	ctx := context.Background()

	_, err := api.CreateDomain(ctx, testKey, "adopted.example.com")
	require.NoError(t, err)

	// a local only row, its name no longer exists remotely
	_, err = db.UpsertDomain(&dao.Domain{
		ConnectionID: conn.ID,
		DomainName:   "local-only.example.com",
		DNSMode:      dao.DNSModeManual,
		Status:       dao.DomainStatusVerified,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)

	require.NoError(t, d.Sync(ctx, conn, testKey))

	adopted, err := db.GetDomainByName(conn.ID, "adopted.example.com")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainStatusVerifying, adopted.Status)
	assert.Equal(t, dao.DNSModeManual, adopted.DNSMode, "adopted domains never assume host managed dns")

	// provider side removal does not revoke local state
	local, err := db.GetDomainByName(conn.ID, "local-only.example.com")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainStatusVerified, local.Status)

	// remote authentication flips, sync picks the drift up
	api.Domains["adopted.example.com"].Authenticated = true
	require.NoError(t, d.Sync(ctx, conn, testKey))

	adopted, err = db.GetDomainByName(conn.ID, "adopted.example.com")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainStatusVerified, adopted.Status)
}

func TestVerifyFollowsProviderVerdict(t *testing.T) {
	d, _, api, _, conn := newDomainFixture(t)
	ctx := context.Background()

	_, err := d.Add(ctx, conn, testKey, "example.com", AddOptions{})
	require.NoError(t, err)

	api.Authenticates = true
	domain, err := d.Verify(ctx, conn, testKey, "example.com")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainStatusVerified, domain.Status)
	assert.NotNil(t, domain.LastCheckedAt)
}

func TestVerifyFailureMarksFailed(t *testing.T) {
	d, db, api, _, conn := newDomainFixture(t)
	ctx := context.Background()

	_, err := d.Add(ctx, conn, testKey, "example.com", AddOptions{})
	require.NoError(t, err)

	// remote side lost the domain, authentication can only fail
	delete(api.Domains, "example.com")

	_, err = d.Verify(ctx, conn, testKey, "example.com")
	assert.Equal(t, skicka.KindValidation, skicka.KindOf(err))

	domain, err := db.GetDomainByName(conn.ID, "example.com")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainStatusFailed, domain.Status)
}

func TestVerifyUnknownDomain(t *testing.T) {
	d, _, _, _, conn := newDomainFixture(t)

	_, err := d.Verify(context.Background(), conn, testKey, "ghost.example.com")
	assert.Equal(t, skicka.KindNotFound, skicka.KindOf(err))
}

func TestDeleteArchivesBeforeRemote(t *testing.T) {
	d, db, api, _, conn := newDomainFixture(t)
	ctx := context.Background()

	added, err := d.Add(ctx, conn, testKey, "example.com", AddOptions{})
	require.NoError(t, err)

	// a failing remote delete must not resurrect the local row
	api.FailDeletes = true
	err = d.Delete(ctx, conn, testKey, added.ID)
	require.NoError(t, err)

	_, err = db.GetDomainByName(conn.ID, "example.com")
	assert.ErrorIs(t, err, dao.ErrNotFound)
	assert.Contains(t, api.Domains, "example.com", "remote delete failed, domain remains at the provider")

	// re-adding adopts the surviving remote domain instead of duplicating
	api.FailDeletes = false
	readded, err := d.Add(ctx, conn, testKey, "example.com", AddOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, added.ID, readded.ID)
	assert.Equal(t, 1, api.CreateDomainCalls)
}

func TestDeleteUnknownDomain(t *testing.T) {
	d, _, _, _, conn := newDomainFixture(t)

	err := d.Delete(context.Background(), conn, testKey, "ghost.example.com")
	assert.Equal(t, skicka.KindNotFound, skicka.KindOf(err))
}

func TestGetServesStaleOnOutage(t *testing.T) {
	d, _, api, _, conn := newDomainFixture(t)
	ctx := context.Background()

	added, err := d.Add(ctx, conn, testKey, "example.com", AddOptions{})
	require.NoError(t, err)

	api.Down = true
	got, err := d.Get(ctx, conn, testKey, "example.com")
	require.NoError(t, err)
	assert.Equal(t, added.ID, got.ID)
}
