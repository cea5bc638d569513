package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSenderFixture(t *testing.T) (*Senders, dao.DAO, *provider.MockAPI, *dao.Domain) {
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

	domain, err := db.UpsertDomain(&dao.Domain{
		ConnectionID: conn.ID,
		DomainName:   "example.com",
		DNSMode:      dao.DNSModeManual,
		Status:       dao.DomainStatusVerified,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)

	api := provider.NewMock()
	return NewSenders(db, api, quietLogger()), db, api, domain
}

func TestCreateSenderIdempotent(t *testing.T) {
	s, db, api, domain := newSenderFixture(t)
	ctx := context.Background()

	first, err := s.Create(ctx, domain, testKey, "No-Reply@Example.com", "No Reply")
	require.NoError(t, err)
	assert.Equal(t, "no-reply@example.com", first.Email)
	assert.NotZero(t, first.ProviderID)

	second, err := s.Create(ctx, domain, testKey, "no-reply@example.com", "No Reply")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 1, api.CreateSenderCalls, "re-creating must not register a second provider sender")

	senders, err := db.ListSenders(domain.ID)
	require.NoError(t, err)
	assert.Len(t, senders, 1)
}

func TestCreateSenderRequiresVerifiedDomain(t *testing.T) {
	s, db, api, domain := newSenderFixture(t)
	ctx := context.Background()

	domain.Status = dao.DomainStatusPendingDNS
	require.NoError(t, db.UpdateDomain(domain))

	_, err := s.Create(ctx, domain, testKey, "no-reply@example.com", "No Reply")
	assert.Equal(t, skicka.KindValidation, skicka.KindOf(err))
	assert.Equal(t, 0, api.CreateSenderCalls, "precondition failures never reach the provider")
}

func TestCreateSenderRejectsForeignAddress(t *testing.T) {
	s, _, api, domain := newSenderFixture(t)

	_, err := s.Create(context.Background(), domain, testKey, "no-reply@other.org", "No Reply")
	assert.Equal(t, skicka.KindValidation, skicka.KindOf(err))
	assert.Equal(t, 0, api.CreateSenderCalls)
}

func TestCreateSenderAdoptsRemote(t *testing.T) {
	s, _, api, domain := newSenderFixture(t)
	ctx := context.Background()

	remote, err := api.CreateSender(ctx, testKey, provider.Sender{Name: "No Reply", Email: "no-reply@example.com"})
	require.NoError(t, err)
	api.CreateSenderCalls = 0

	created, err := s.Create(ctx, domain, testKey, "no-reply@example.com", "No Reply")
	require.NoError(t, err)
	assert.Equal(t, remote.ID, created.ProviderID)
	assert.True(t, created.IsVerified)
	assert.Equal(t, 0, api.CreateSenderCalls, "existing provider senders are adopted, not recreated")
}

func TestSyncAdoptsMatchingSendersOnly(t *testing.T) {
	s, db, api, domain := newSenderFixture(t)
	ctx := context.Background()

	_, err := api.CreateSender(ctx, testKey, provider.Sender{Email: "info@example.com"})
	require.NoError(t, err)
	_, err = api.CreateSender(ctx, testKey, provider.Sender{Email: "info@other.org"})
	require.NoError(t, err)

	require.NoError(t, s.Sync(ctx, domain, testKey))

	senders, err := db.ListSenders(domain.ID)
	require.NoError(t, err)
	require.Len(t, senders, 1)
	assert.Equal(t, "info@example.com", senders[0].Email)
}

func TestSyncAllFansOutAcrossDomains(t *testing.T) {
	s, db, api, domain := newSenderFixture(t)
	ctx := context.Background()

	other, err := db.UpsertDomain(&dao.Domain{
		ConnectionID: domain.ConnectionID,
		DomainName:   "other.org",
		DNSMode:      dao.DNSModeManual,
		Status:       dao.DomainStatusVerified,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)

	_, err = api.CreateSender(ctx, testKey, provider.Sender{Email: "info@example.com"})
	require.NoError(t, err)
	_, err = api.CreateSender(ctx, testKey, provider.Sender{Email: "info@other.org"})
	require.NoError(t, err)

	require.NoError(t, s.SyncAll(ctx, testKey, []dao.Domain{*domain, *other}))

	senders, err := db.ListSenders(domain.ID)
	require.NoError(t, err)
	require.Len(t, senders, 1)
	assert.Equal(t, "info@example.com", senders[0].Email)

	senders, err = db.ListSenders(other.ID)
	require.NoError(t, err)
	require.Len(t, senders, 1)
	assert.Equal(t, "info@other.org", senders[0].Email)
}

func TestSyncUpdatesDriftedVerification(t *testing.T) {
	s, db, api, domain := newSenderFixture(t)
	ctx := context.Background()

	created, err := s.Create(ctx, domain, testKey, "info@example.com", "Info")
	require.NoError(t, err)
	require.True(t, created.IsVerified)

	// provider side deactivation
	api.Senders[0].Active = false
	require.NoError(t, s.Sync(ctx, domain, testKey))

	local, err := db.GetSenderByEmail(domain.ID, "info@example.com")
	require.NoError(t, err)
	assert.False(t, local.IsVerified)
}

func TestDeleteSenderArchivesBeforeRemote(t *testing.T) {
	s, db, api, domain := newSenderFixture(t)
	ctx := context.Background()

	created, err := s.Create(ctx, domain, testKey, "info@example.com", "Info")
	require.NoError(t, err)

	api.FailDeletes = true
	err = s.Delete(ctx, domain, testKey, created.ID)
	require.NoError(t, err)

	_, err = db.GetSenderByEmail(domain.ID, "info@example.com")
	assert.ErrorIs(t, err, dao.ErrNotFound)
	assert.Len(t, api.Senders, 1, "remote delete failed, sender remains at the provider")
}

func TestDeleteUnknownSender(t *testing.T) {
	s, _, _, domain := newSenderFixture(t)

	err := s.Delete(context.Background(), domain, testKey, "ghost@example.com")
	assert.Equal(t, skicka.KindNotFound, skicka.KindOf(err))
}
