package dao

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDAO(t *testing.T) DAO {
	t.Helper()
	d, err := NewSQLite(filepath.Join(t.TempDir(), "skicka.sqlite"))
	require.NoError(t, err)
	return d
}

func newTestConnection(t *testing.T, d DAO, accountID string) *Connection {
	t.Helper()
	c := &Connection{
		AccountID:    accountID,
		APIKeyCipher: "deadbeef",
		APIKeyIV:     "cafebabe",
		APIKeyTag:    "0badf00d",
		Status:       ConnectionStatusActive,
		Tier:         TierRestricted,
	}
	require.NoError(t, d.CreateConnection(c))
	return c
}

func TestConnectionUniquePerAccount(t *testing.T) {
	d := newTestDAO(t)

	c := newTestConnection(t, d, "acc-1")
	assert.NotEmpty(t, c.ID)

	dup := &Connection{
		AccountID:    "acc-1",
		APIKeyCipher: "deadbeef",
		APIKeyIV:     "cafebabe",
		APIKeyTag:    "0badf00d",
		Status:       ConnectionStatusActive,
		Tier:         TierRestricted,
	}
	err := d.CreateConnection(dup)
	assert.ErrorIs(t, err, ErrConflict)

	// archiving gives the slot back
	require.NoError(t, d.ArchiveConnection(c.ID))
	_, err = d.GetConnectionByAccount("acc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	fresh := newTestConnection(t, d, "acc-1")
	assert.NotEqual(t, c.ID, fresh.ID)

	// the archived row is still there for audit
	old, err := d.GetConnection(c.ID)
	require.NoError(t, err)
	assert.True(t, old.Archived)
	assert.Equal(t, ConnectionStatusDisconnected, old.Status)
}

func TestUpsertDomainIdempotent(t *testing.T) {
	d := newTestDAO(t)
	c := newTestConnection(t, d, "acc-1")

	first, err := d.UpsertDomain(&Domain{
		ConnectionID: c.ID,
		DomainName:   "example.com",
		DNSMode:      DNSModeManual,
		Status:       DomainStatusPendingDNS,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	first.Status = DomainStatusVerified
	require.NoError(t, d.UpdateDomain(first))

	// second upsert adopts the live row and does not reset it
	second, err := d.UpsertDomain(&Domain{
		ConnectionID: c.ID,
		DomainName:   "example.com",
		DNSMode:      DNSModeManual,
		Status:       DomainStatusPendingDNS,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, DomainStatusVerified, second.Status)

	domains, err := d.ListDomains(c.ID)
	require.NoError(t, err)
	assert.Len(t, domains, 1)
}

func TestArchivedDomainFreesName(t *testing.T) {
	d := newTestDAO(t)
	c := newTestConnection(t, d, "acc-1")

	first, err := d.UpsertDomain(&Domain{
		ConnectionID: c.ID,
		DomainName:   "example.com",
		DNSMode:      DNSModeManual,
		Status:       DomainStatusVerified,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)

	require.NoError(t, d.ArchiveDomain(first.ID))
	_, err = d.GetDomainByName(c.ID, "example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	// re-adding creates a fresh row, the archived one keeps its history
	fresh, err := d.UpsertDomain(&Domain{
		ConnectionID: c.ID,
		DomainName:   "example.com",
		DNSMode:      DNSModeManual,
		Status:       DomainStatusPendingDNS,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Equal(t, DomainStatusPendingDNS, fresh.Status)

	old, err := d.GetDomain(first.ID)
	require.NoError(t, err)
	assert.True(t, old.Archived)
	assert.Equal(t, DomainStatusVerified, old.Status)
}

func TestSenderUniquePerDomain(t *testing.T) {
	d := newTestDAO(t)
	c := newTestConnection(t, d, "acc-1")
	domain, err := d.UpsertDomain(&Domain{
		ConnectionID: c.ID,
		DomainName:   "example.com",
		DNSMode:      DNSModeManual,
		Status:       DomainStatusVerified,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)

	first, err := d.UpsertSender(&Sender{DomainID: domain.ID, Email: "no-reply@example.com"})
	require.NoError(t, err)

	second, err := d.UpsertSender(&Sender{DomainID: domain.ID, Email: "no-reply@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, d.ArchiveSender(first.ID))
	_, err = d.GetSenderByEmail(domain.ID, "no-reply@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, err := d.UpsertSender(&Sender{DomainID: domain.ID, Email: "no-reply@example.com"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestCountSendsSince(t *testing.T) {
	d := newTestDAO(t)
	c := newTestConnection(t, d, "acc-1")
	other := newTestConnection(t, d, "acc-2")

	domain, err := d.UpsertDomain(&Domain{
		ConnectionID: c.ID,
		DomainName:   "example.com",
		DNSMode:      DNSModeManual,
		Status:       DomainStatusVerified,
		DNSRecords:   "[]",
	})
	require.NoError(t, err)
	sender, err := d.UpsertSender(&Sender{DomainID: domain.ID, Email: "no-reply@example.com"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err = d.AppendSendLog(&SendLog{
			ConnectionID: c.ID,
			SenderID:     sender.ID,
			Recipient:    "someone@example.org",
			Subject:      "hello",
			Outcome:      SendOutcomeSuccess,
		})
		require.NoError(t, err)
	}
	// failed attempts count against the quota too
	err = d.AppendSendLog(&SendLog{
		ConnectionID: c.ID,
		SenderID:     sender.ID,
		Recipient:    "someone@example.org",
		Subject:      "hello",
		Outcome:      SendOutcomeFailed,
		Error:        "provider said no",
	})
	require.NoError(t, err)

	count, err := d.CountSendsSince(c.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	count, err = d.CountSendsSince(c.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = d.CountSendsSince(other.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpdatesOnMissingRows(t *testing.T) {
	d := newTestDAO(t)

	err := d.UpdateConnectionStatus("nope", ConnectionStatusInvalid)
	assert.ErrorIs(t, err, ErrNotFound)

	err = d.ArchiveDomain("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = d.UpdateSender(&Sender{ID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.GetDomainByName("nope", "example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}
