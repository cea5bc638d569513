package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/dnscheck"
	"github.com/skicka/skicka/internal/dnshost"
	"github.com/skicka/skicka/internal/metrics"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/tools"
)

// Domains keeps local domain rows consistent with provider-observed truth.
// The provider owns authentication state, the local store is a derived
// view, reads never delete and writes clean up after themselves.
type Domains struct {
	dao   dao.DAO
	api   provider.API
	dns   dnshost.Client
	check dnscheck.Checker
	log   *logrus.Logger
}

func NewDomains(db dao.DAO, api provider.API, dns dnshost.Client, check dnscheck.Checker, lc *tools.Logger) *Domains {
	return &Domains{
		dao:   db,
		api:   api,
		dns:   dns,
		check: check,
		log:   lc.New("reconcile"),
	}
}

func derivedStatus(remote *provider.Domain) dao.DomainStatus {
	if remote.Authenticated {
		return dao.DomainStatusVerified
	}
	return dao.DomainStatusVerifying
}

func encodeRecords(recs []provider.DNSRecord) string {
	if len(recs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func DecodeRecords(raw string) []provider.DNSRecord {
	var recs []provider.DNSRecord
	_ = json.Unmarshal([]byte(raw), &recs)
	return recs
}

func applyRemote(local *dao.Domain, remote *provider.Domain, recs []provider.DNSRecord) {
	now := time.Now().In(time.UTC)
	local.Status = derivedStatus(remote)
	local.ProviderID = strconv.FormatInt(remote.ID, 10)
	local.DKIMVerified = provider.MechanismVerified(recs, provider.PurposeDKIM)
	local.SPFVerified = provider.MechanismVerified(recs, provider.PurposeSPF)
	local.DMARCVerified = provider.MechanismVerified(recs, provider.PurposeDMARC)
	if len(recs) > 0 {
		local.DNSRecords = encodeRecords(recs)
	}
	local.LastCheckedAt = &now
}

// Sync reconciles every provider side domain into the local store. Domains
// unknown locally are adopted with manual dns posture, drifted statuses are
// updated in place. A local row whose domain is gone remotely is left
// alone, provider side removal does not revoke local history.
func (d *Domains) Sync(ctx context.Context, conn *dao.Connection, apiKey string) error {
	remote, err := d.api.ListDomains(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("could not list provider domains, %w", err)
	}

	for i := range remote {
		rd := remote[i]
		name := tools.NormalizeDomain(rd.Name)
		recs := provider.ExtractDNSRecords(rd.DNSRecords)

		local, err := d.dao.GetDomainByName(conn.ID, name)
		if errors.Is(err, dao.ErrNotFound) {
			// adoption, never assume the dns host manages a domain we
			// first heard about from the provider
			domain := &dao.Domain{
				ConnectionID: conn.ID,
				DomainName:   name,
				DNSMode:      dao.DNSModeManual,
				DNSRecords:   encodeRecords(recs),
			}
			applyRemote(domain, &rd, recs)
			_, err = d.dao.UpsertDomain(domain)
			if err != nil {
				d.log.WithError(err).WithField("domain", name).Error("sync; could not adopt provider domain")
				continue
			}
			metrics.DomainsAdopted.Inc()
			d.log.WithField("domain", name).Info("sync; adopted provider domain")
			continue
		}
		if err != nil {
			return fmt.Errorf("could not read local domain %s, %w", name, err)
		}

		if local.Status == derivedStatus(&rd) {
			continue
		}

		applyRemote(local, &rd, recs)
		err = d.dao.UpdateDomain(local)
		if err != nil {
			d.log.WithError(err).WithField("domain", name).Error("sync; could not update drifted domain")
			continue
		}
		metrics.DomainsDrifted.Inc()
		d.log.WithField("domain", name).WithField("status", local.Status).Info("sync; updated drifted domain")
	}
	return nil
}

// List returns the local view after a best effort sync. A provider outage
// degrades to last known local state, availability over freshness.
func (d *Domains) List(ctx context.Context, conn *dao.Connection, apiKey string) ([]dao.Domain, error) {
	err := d.Sync(ctx, conn, apiKey)
	if err != nil {
		d.log.WithError(err).Warn("list; sync failed, serving stale local state")
	}
	return d.dao.ListDomains(conn.ID)
}

type AddOptions struct {
	// AutoDNS requests host managed dns, provisioning a zone and the
	// providers records at the dns host
	AutoDNS bool
}

// Add provisions a sending domain, idempotently. An existing verified
// domain is returned unchanged, a remote-only domain is adopted, a
// local-only domain is backfilled remotely, and a brand new name is
// created at the provider.
func (d *Domains) Add(ctx context.Context, conn *dao.Connection, apiKey, name string, opts AddOptions) (*dao.Domain, error) {
	name = tools.NormalizeDomain(name)
	if name == "" || !strings.Contains(name, ".") || strings.Contains(name, "@") {
		return nil, skicka.Validationf("%q is not a valid domain name", name)
	}

	local, err := d.dao.GetDomainByName(conn.ID, name)
	if err != nil && !errors.Is(err, dao.ErrNotFound) {
		return nil, err
	}
	haveLocal := err == nil

	// adopt-if-exists before creating, the provider errors on duplicates
	remote, err := d.api.GetDomain(ctx, apiKey, name)
	if provider.IsNotFound(err) {
		remote, err = d.api.CreateDomain(ctx, apiKey, name)
	}
	if err != nil {
		if provider.IsUnavailable(err) {
			return nil, skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not provision domain")
		}
		return nil, skicka.Wrap(skicka.KindValidation, err, "provider rejected domain")
	}

	recs := provider.ExtractDNSRecords(remote.DNSRecords)

	if haveLocal && local.Status == dao.DomainStatusVerified && remote.Authenticated && !opts.AutoDNS {
		// idempotent success, nothing to do
		return local, nil
	}

	if !haveLocal {
		local = &dao.Domain{
			ConnectionID: conn.ID,
			DomainName:   name,
			DNSMode:      dao.DNSModeManual,
			Status:       dao.DomainStatusPendingDNS,
		}
	}

	local.ProviderID = strconv.FormatInt(remote.ID, 10)
	if len(recs) > 0 {
		local.DNSRecords = encodeRecords(recs)
	}
	if remote.Authenticated {
		local.Status = dao.DomainStatusVerified
	}

	if opts.AutoDNS {
		zoneID, ns, perr := d.provisionDNS(ctx, name, recs)
		if perr != nil {
			// never fatal to the add itself, the domain stays in manual
			// posture and the user can publish the records themselves
			d.log.WithError(perr).WithField("domain", name).Error("add; dns host provisioning failed, leaving manual posture")
		} else {
			local.DNSMode = dao.DNSModeHostManaged
			local.ZoneID = zoneID
			local.SetNameserverList(ns)
			if local.Status != dao.DomainStatusVerified {
				local.Status = dao.DomainStatusVerifying
			}
			// non-critical step, kick off one verification attempt now that
			// records exist, the user can always verify manually later
			err = d.api.AuthenticateDomain(ctx, apiKey, name)
			if err != nil {
				d.log.WithError(err).WithField("domain", name).Info("add; immediate verification attempt failed")
			}
		}
	}

	if haveLocal {
		err = d.dao.UpdateDomain(local)
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	stored, err := d.dao.UpsertDomain(local)
	if errors.Is(err, dao.ErrConflict) {
		// lost a race against a concurrent add, adopt the winner
		stored, err = d.dao.GetDomainByName(conn.ID, name)
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (d *Domains) provisionDNS(ctx context.Context, name string, recs []provider.DNSRecord) (zoneID string, nameservers []string, err error) {
	if d.dns == nil || !d.dns.IsAvailable() {
		return "", nil, errors.New("no dns host is configured")
	}

	zone, err := d.dns.GetZoneByName(ctx, name)
	if err != nil {
		return "", nil, fmt.Errorf("could not look up zone, %w", err)
	}
	if zone == nil {
		zone, err = d.dns.CreateZone(ctx, name)
		if err != nil {
			return "", nil, fmt.Errorf("could not create zone, %w", err)
		}
	}

	err = d.dns.CreateRecords(ctx, zone.ID, recs)
	if err != nil {
		return "", nil, fmt.Errorf("could not create records in zone %s, %w", zone.ID, err)
	}
	return zone.ID, zone.Nameservers, nil
}

// Get returns the local row for a name, syncing it against the provider
// first on a best effort basis.
func (d *Domains) Get(ctx context.Context, conn *dao.Connection, apiKey, name string) (*dao.Domain, error) {
	name = tools.NormalizeDomain(name)

	remote, err := d.api.GetDomain(ctx, apiKey, name)
	if err == nil {
		local, lerr := d.dao.GetDomainByName(conn.ID, name)
		if lerr == nil && local.Status != derivedStatus(remote) {
			applyRemote(local, remote, provider.ExtractDNSRecords(remote.DNSRecords))
			uerr := d.dao.UpdateDomain(local)
			if uerr != nil {
				d.log.WithError(uerr).WithField("domain", name).Error("get; could not update drifted domain")
			}
		}
	} else if !provider.IsNotFound(err) {
		d.log.WithError(err).WithField("domain", name).Warn("get; provider unreachable, serving stale local state")
	}

	local, err := d.dao.GetDomainByName(conn.ID, name)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, skicka.NotFoundf("domain %s is not known", name)
	}
	return local, err
}

// Verify runs one provider authentication round. The final status is
// always what the provider reports back, never a local guess.
func (d *Domains) Verify(ctx context.Context, conn *dao.Connection, apiKey, name string) (*dao.Domain, error) {
	name = tools.NormalizeDomain(name)

	local, err := d.dao.GetDomainByName(conn.ID, name)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, skicka.NotFoundf("domain %s is not known", name)
	}
	if err != nil {
		return nil, err
	}

	if d.check != nil {
		// best effort, tells the operator which records have not
		// propagated yet, the provider has the final say
		missing := d.check.Missing(name, DecodeRecords(local.DNSRecords))
		for _, rec := range missing {
			d.log.WithField("domain", name).
				WithField("purpose", rec.Purpose).
				WithField("host", rec.Host).
				Info("verify; record not visible in public dns yet")
		}
	}

	local.Status = dao.DomainStatusVerifying
	err = d.dao.UpdateDomain(local)
	if err != nil {
		return nil, err
	}

	fail := func(cause error) (*dao.Domain, error) {
		local.Status = dao.DomainStatusFailed
		uerr := d.dao.UpdateDomain(local)
		if uerr != nil {
			d.log.WithError(uerr).WithField("domain", name).Error("verify; could not mark domain failed")
		}
		return nil, skicka.Wrap(skicka.KindValidation, cause, "provider could not verify domain")
	}

	err = d.api.AuthenticateDomain(ctx, apiKey, name)
	if err != nil {
		return fail(err)
	}

	// re-fetch, the authenticate call does not return the authoritative
	// per mechanism state
	remote, err := d.api.GetDomain(ctx, apiKey, name)
	if err != nil {
		return fail(err)
	}

	applyRemote(local, remote, provider.ExtractDNSRecords(remote.DNSRecords))
	err = d.dao.UpdateDomain(local)
	if err != nil {
		return nil, err
	}
	return local, nil
}

// Delete archives the local row first and then attempts the remote
// delete. Archiving first means a failing remote call can not leave an
// orphaned but still listed local record. The remote failure is only
// fatal when there was no local row, ie the remote call was the only
// signal of success.
func (d *Domains) Delete(ctx context.Context, conn *dao.Connection, apiKey, idOrName string) error {
	local, err := d.dao.GetDomain(idOrName)
	if err != nil || local.ConnectionID != conn.ID {
		local, err = d.dao.GetDomainByName(conn.ID, tools.NormalizeDomain(idOrName))
	}
	if err != nil && !errors.Is(err, dao.ErrNotFound) {
		return err
	}
	matched := err == nil && local.ConnectionID == conn.ID
	haveLocal := matched && !local.Archived

	name := tools.NormalizeDomain(idOrName)
	if matched {
		name = local.DomainName
	}
	if haveLocal {
		err = d.dao.ArchiveDomain(local.ID)
		if err != nil {
			return err
		}
	}

	err = d.api.DeleteDomain(ctx, apiKey, name)
	if err != nil && !provider.IsNotFound(err) {
		if !haveLocal {
			if provider.IsUnavailable(err) {
				return skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not delete domain")
			}
			return skicka.Wrap(skicka.KindValidation, err, "provider rejected domain delete")
		}
		// local row stays archived, a later re-add adopts instead of
		// duplicating
		d.log.WithError(err).WithField("domain", name).Warn("delete; remote delete failed, local row remains archived")
	}
	if !haveLocal && provider.IsNotFound(err) {
		return skicka.NotFoundf("domain %s is not known", name)
	}
	return nil
}
