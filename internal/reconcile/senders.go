package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alitto/pond"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/metrics"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/tools"
)

// Senders mirrors the domain engine one level down, scoped under a
// verified domain.
type Senders struct {
	dao dao.DAO
	api provider.API
	log *logrus.Logger
}

func NewSenders(db dao.DAO, api provider.API, lc *tools.Logger) *Senders {
	return &Senders{
		dao: db,
		api: api,
		log: lc.New("reconcile"),
	}
}

func matchesDomain(email, domainName string) bool {
	d, err := tools.DomainOfEmail(email)
	if err != nil {
		return false
	}
	return strings.EqualFold(d, domainName)
}

// Sync adopts provider senders whose address lives under the given domain
// and updates drifted verification flags in place. Never deletes.
func (s *Senders) Sync(ctx context.Context, domain *dao.Domain, apiKey string) error {
	remote, err := s.api.ListSenders(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("could not list provider senders, %w", err)
	}
	return s.syncDomain(domain, remote)
}

func (s *Senders) syncDomain(domain *dao.Domain, remote []provider.Sender) error {
	matching := slicez.Filter(remote, func(r provider.Sender) bool {
		return matchesDomain(r.Email, domain.DomainName)
	})

	for _, r := range matching {
		email := strings.ToLower(r.Email)

		local, err := s.dao.GetSenderByEmail(domain.ID, email)
		if errors.Is(err, dao.ErrNotFound) {
			_, err = s.dao.UpsertSender(&dao.Sender{
				DomainID:   domain.ID,
				Email:      email,
				ProviderID: r.ID,
				IsVerified: r.Active,
			})
			if err != nil {
				s.log.WithError(err).WithField("sender", email).Error("sync; could not adopt provider sender")
				continue
			}
			metrics.SendersAdopted.Inc()
			s.log.WithField("sender", email).Info("sync; adopted provider sender")
			continue
		}
		if err != nil {
			return fmt.Errorf("could not read local sender %s, %w", email, err)
		}

		if local.IsVerified == r.Active && local.ProviderID == r.ID {
			continue
		}
		local.IsVerified = r.Active
		local.ProviderID = r.ID
		err = s.dao.UpdateSender(local)
		if err != nil {
			s.log.WithError(err).WithField("sender", email).Error("sync; could not update drifted sender")
		}
	}
	return nil
}

// SyncAll fans out sender sync across domains. One fetch of the provider
// sender list, then one unit of work per domain, a failing domain never
// aborts the others.
func (s *Senders) SyncAll(ctx context.Context, apiKey string, domains []dao.Domain) error {
	remote, err := s.api.ListSenders(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("could not list provider senders, %w", err)
	}

	pool := pond.New(8, 0, pond.MinWorkers(1))
	defer pool.StopAndWait()

	for i := range domains {
		domain := domains[i]
		pool.Submit(func() {
			err := s.syncDomain(&domain, remote)
			if err != nil {
				s.log.WithError(err).WithField("domain", domain.DomainName).Error("sync-all; domain sender sync failed")
			}
		})
	}
	return nil
}

// List returns the local senders of a domain after a best effort sync.
func (s *Senders) List(ctx context.Context, domain *dao.Domain, apiKey string) ([]dao.Sender, error) {
	err := s.Sync(ctx, domain, apiKey)
	if err != nil {
		s.log.WithError(err).Warn("list; sender sync failed, serving stale local state")
	}
	return s.dao.ListSenders(domain.ID)
}

// Create registers a sender on a verified domain, idempotently by
// (domain, email). An unverified domain is a hard precondition failure,
// rejected before any provider call.
func (s *Senders) Create(ctx context.Context, domain *dao.Domain, apiKey, email, displayName string) (*dao.Sender, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if domain.Status != dao.DomainStatusVerified {
		return nil, skicka.Validationf("domain %s is not verified, senders can only be created on verified domains", domain.DomainName)
	}
	if !matchesDomain(email, domain.DomainName) {
		return nil, skicka.Validationf("sender %s does not belong to domain %s", email, domain.DomainName)
	}

	existing, err := s.dao.GetSenderByEmail(domain.ID, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, dao.ErrNotFound) {
		return nil, err
	}

	// adopt-if-exists before creating, the provider errors on duplicates
	remoteList, err := s.api.ListSenders(ctx, apiKey)
	if err != nil {
		if provider.IsUnavailable(err) {
			return nil, skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not list senders")
		}
		return nil, skicka.Wrap(skicka.KindValidation, err, "provider rejected sender lookup")
	}
	matching := slicez.Filter(remoteList, func(r provider.Sender) bool {
		return strings.EqualFold(r.Email, email)
	})
	var remote provider.Sender
	if len(matching) > 0 {
		remote = matching[0]
	} else {
		created, err := s.api.CreateSender(ctx, apiKey, provider.Sender{Name: displayName, Email: email})
		if err != nil {
			if provider.IsUnavailable(err) {
				return nil, skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not create sender")
			}
			return nil, skicka.Wrap(skicka.KindValidation, err, "provider rejected sender")
		}
		remote = *created
	}

	stored, err := s.dao.UpsertSender(&dao.Sender{
		DomainID:   domain.ID,
		Email:      email,
		ProviderID: remote.ID,
		IsVerified: remote.Active,
	})
	if errors.Is(err, dao.ErrConflict) {
		stored, err = s.dao.GetSenderByEmail(domain.ID, email)
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Delete archives the local sender before attempting the remote delete,
// mirroring the domain delete pattern.
func (s *Senders) Delete(ctx context.Context, domain *dao.Domain, apiKey, idOrEmail string) error {
	local, err := s.dao.GetSender(idOrEmail)
	if err != nil || local.DomainID != domain.ID {
		local, err = s.dao.GetSenderByEmail(domain.ID, strings.ToLower(idOrEmail))
	}
	if err != nil && !errors.Is(err, dao.ErrNotFound) {
		return err
	}
	matched := err == nil && local.DomainID == domain.ID
	haveLocal := matched && !local.Archived

	if haveLocal {
		err = s.dao.ArchiveSender(local.ID)
		if err != nil {
			return err
		}
	}

	var providerID int64
	if matched {
		providerID = local.ProviderID
	}
	if providerID == 0 {
		// remote identifier unknown locally, resolve it from the provider
		remoteList, lerr := s.api.ListSenders(ctx, apiKey)
		if lerr == nil {
			matching := slicez.Filter(remoteList, func(r provider.Sender) bool {
				return strings.EqualFold(r.Email, idOrEmail)
			})
			if len(matching) > 0 {
				providerID = matching[0].ID
			}
		}
	}
	if providerID == 0 {
		if !haveLocal {
			return skicka.NotFoundf("sender %s is not known", idOrEmail)
		}
		return nil
	}

	err = s.api.DeleteSender(ctx, apiKey, providerID)
	if err != nil && !provider.IsNotFound(err) {
		if !haveLocal {
			if provider.IsUnavailable(err) {
				return skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not delete sender")
			}
			return skicka.Wrap(skicka.KindValidation, err, "provider rejected sender delete")
		}
		s.log.WithError(err).WithField("sender", idOrEmail).Warn("delete; remote delete failed, local row remains archived")
	}
	return nil
}
