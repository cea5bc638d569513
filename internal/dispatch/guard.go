package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/metrics"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/tools"
)

// Limits is the daily quota policy per sending tier. It is injected, not
// a package level constant, so deployments can tune it and tests can
// shrink it.
type Limits struct {
	Restricted int
	Standard   int
}

func DefaultLimits() Limits {
	return Limits{Restricted: 100, Standard: 10000}
}

func (l Limits) For(tier dao.Tier) int {
	if tier == dao.TierStandard {
		return l.Standard
	}
	return l.Restricted
}

// Guard gates and audits every send attempt. Every attempt that can be
// attributed to a sender leaves one append only log row, success or not.
type Guard struct {
	dao    dao.DAO
	api    provider.API
	limits Limits
	log    *logrus.Logger
}

func New(db dao.DAO, api provider.API, limits Limits, lc *tools.Logger) *Guard {
	return &Guard{
		dao:    db,
		api:    api,
		limits: limits,
		log:    lc.New("dispatch"),
	}
}

func recipientsOf(email *skicka.Email) string {
	return strings.Join(slicez.Map(email.To, func(a skicka.Address) string {
		return a.Email
	}), " ")
}

func localMidnight() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// Send dispatches on behalf of a locally known sender. Preconditions are
// checked in order, each failing with its own kind, and no provider call
// is made once one fails.
func (g *Guard) Send(ctx context.Context, conn *dao.Connection, apiKey, senderID string, email *skicka.Email, callerIP string) (string, error) {
	sender, err := g.dao.GetSender(senderID)
	if errors.Is(err, dao.ErrNotFound) {
		return "", skicka.NotFoundf("sender %s is not known", senderID)
	}
	if err != nil {
		return "", err
	}

	domain, err := g.dao.GetDomain(sender.DomainID)
	if err != nil {
		return "", err
	}

	return g.dispatch(ctx, conn, apiKey, sender, domain, email, callerIP)
}

// SendFromAddress dispatches from an address known only to the provider.
// The address must be active there, then a local domain and sender pair
// is lazily materialized, optimistically verified since the provider is
// the source of truth here, so the audit rows foreign key holds. This is
// a reconciliation shortcut, not a full sync.
func (g *Guard) SendFromAddress(ctx context.Context, conn *dao.Connection, apiKey, from string, email *skicka.Email, callerIP string) (string, error) {
	from = strings.ToLower(strings.TrimSpace(from))

	remoteList, err := g.api.ListSenders(ctx, apiKey)
	if err != nil {
		if provider.IsUnavailable(err) {
			return "", skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not list senders")
		}
		return "", skicka.Wrap(skicka.KindValidation, err, "provider rejected sender lookup")
	}
	matching := slicez.Filter(remoteList, func(r provider.Sender) bool {
		return strings.EqualFold(r.Email, from)
	})
	if len(matching) == 0 || !matching[0].Active {
		return "", skicka.Validationf("address %s is not an active sender at the provider", from)
	}
	remote := matching[0]

	name, err := tools.DomainOfEmail(from)
	if err != nil {
		return "", skicka.Validationf("address %s has no domain part", from)
	}
	name = tools.NormalizeDomain(name)

	domain, err := g.dao.UpsertDomain(&dao.Domain{
		ConnectionID: conn.ID,
		DomainName:   name,
		DNSMode:      dao.DNSModeManual,
		Status:       dao.DomainStatusVerified,
	})
	if err != nil {
		return "", fmt.Errorf("could not materialize domain %s, %w", name, err)
	}
	sender, err := g.dao.UpsertSender(&dao.Sender{
		DomainID:   domain.ID,
		Email:      from,
		ProviderID: remote.ID,
		IsVerified: true,
	})
	if err != nil {
		return "", fmt.Errorf("could not materialize sender %s, %w", from, err)
	}

	return g.dispatch(ctx, conn, apiKey, sender, domain, email, callerIP)
}

func (g *Guard) dispatch(ctx context.Context, conn *dao.Connection, apiKey string, sender *dao.Sender, domain *dao.Domain, email *skicka.Email, callerIP string) (string, error) {

	appendLog := func(outcome dao.SendOutcome, messageID, errText string) {
		err := g.dao.AppendSendLog(&dao.SendLog{
			ConnectionID:      conn.ID,
			SenderID:          sender.ID,
			Recipient:         recipientsOf(email),
			Subject:           email.Subject,
			Outcome:           outcome,
			ProviderMessageID: messageID,
			Error:             errText,
			CallerIP:          callerIP,
		})
		if err != nil {
			// the audit trail is a correctness requirement, a miss is an
			// operational incident, not a debug line
			g.log.WithError(err).WithField("sender", sender.Email).Error("dispatch; could not append send log")
		}
		metrics.Sends.WithLabelValues(string(outcome)).Inc()
	}

	refuse := func(err error) (string, error) {
		appendLog(dao.SendOutcomeFailed, "", err.Error())
		return "", err
	}

	if domain.ConnectionID != conn.ID {
		return refuse(skicka.Forbiddenf("sender %s does not belong to this connection", sender.Email))
	}
	if sender.Disabled {
		reason := sender.DisabledReason
		if reason == "" {
			reason = "sender is disabled"
		}
		return refuse(skicka.Validationf("sender %s is disabled, %s", sender.Email, reason))
	}
	if domain.Status != dao.DomainStatusVerified {
		return refuse(skicka.Validationf("domain %s is not verified", domain.DomainName))
	}

	limit := g.limits.For(conn.Tier)
	count, err := g.dao.CountSendsSince(conn.ID, localMidnight())
	if err != nil {
		return "", fmt.Errorf("could not compute daily send count, %w", err)
	}
	if count >= limit {
		metrics.QuotaRejections.Inc()
		return refuse(skicka.Validationf("daily send limit of %d reached for tier %s", limit, conn.Tier))
	}

	email.From = skicka.Address{Email: sender.Email, Name: email.From.Name}

	messageID, err := g.api.SendEmail(ctx, apiKey, email)
	if err != nil {
		appendLog(dao.SendOutcomeFailed, "", err.Error())
		if provider.IsUnavailable(err) {
			return "", skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not send")
		}
		return "", skicka.Wrap(skicka.KindValidation, err, "provider rejected send")
	}

	appendLog(dao.SendOutcomeSuccess, messageID, "")
	g.log.WithField("sender", sender.Email).WithField("message_id", messageID).Info("dispatch; email sent")
	return messageID, nil
}
