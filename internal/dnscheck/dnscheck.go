package dnscheck

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/tools"
)

type Config struct {
	Resolver string
}

// Checker answers whether the records the provider wants published have
// propagated into public dns yet. It is strictly best effort, callers log
// the answer and move on.
type Checker interface {
	Present(domain string, rec provider.DNSRecord) bool
	Missing(domain string, recs []provider.DNSRecord) []provider.DNSRecord
	Stop(ctx context.Context) error
}

type checker struct {
	cache        *ttlcache.Cache[string, bool]
	mu           *tools.KeyedMutex
	log          *logrus.Logger
	resolverHost string
	resolverPort string
}

func New(cfg Config, lc *tools.Logger) Checker {
	logger := lc.New("dnscheck")
	c := &checker{
		cache: ttlcache.New[string, bool](ttlcache.WithDisableTouchOnHit[string, bool]()),
		mu:    tools.NewKeyedMutex(),
		log:   logger,
	}

	var err error
	c.resolverHost, c.resolverPort, err = net.SplitHostPort(cfg.Resolver)
	if err != nil {
		c.log.WithError(err).Errorf("could not split host and port of resolver %s, defaulting to 1.1.1.1 if necessary", cfg.Resolver)
		c.resolverHost = compare.Coalesce(c.resolverHost, "1.1.1.1")
		c.resolverPort = compare.Coalesce(c.resolverPort, "53")
	}

	go c.cache.Start()
	return c
}

func (c *checker) Stop(ctx context.Context) error {
	c.cache.Stop()
	return nil
}

func (c *checker) Missing(domain string, recs []provider.DNSRecord) []provider.DNSRecord {
	return slicez.Reject(recs, func(r provider.DNSRecord) bool {
		return c.Present(domain, r)
	})
}

func (c *checker) Present(domain string, rec provider.DNSRecord) bool {
	name := qualify(domain, rec.Host)
	key := fmt.Sprintf("%s/%s/%s", rec.Type, name, rec.Value)

	c.mu.Lock(key)
	defer c.mu.Unlock(key)

	item := c.cache.Get(key)
	if item != nil {
		return item.Value()
	}

	found, ttl := c.lookup(name, rec)
	// only positive answers are worth caching for long, a missing record is
	// what the caller is waiting on
	if !found {
		ttl = 30 * time.Second
	}
	c.cache.Set(key, found, ttl)
	return found
}

func (c *checker) lookup(name string, rec provider.DNSRecord) (bool, time.Duration) {
	var qtype uint16
	switch rec.Type {
	case "TXT":
		qtype = dns.TypeTXT
	case "CNAME":
		qtype = dns.TypeCNAME
	default:
		return false, 0
	}

	cli := dns.Client{}
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	r, _, err := cli.Exchange(m, net.JoinHostPort(c.resolverHost, c.resolverPort))
	if err != nil {
		c.log.WithError(err).WithField("name", name).Info("could not query resolver")
		return false, 0
	}
	if r.Rcode != dns.RcodeSuccess {
		return false, 0
	}

	for _, answer := range r.Answer {
		switch a := answer.(type) {
		case *dns.TXT:
			if strings.Contains(strings.Join(a.Txt, ""), rec.Value) {
				return true, time.Duration(a.Hdr.Ttl) * time.Second
			}
		case *dns.CNAME:
			if strings.TrimRight(a.Target, ".") == strings.TrimRight(rec.Value, ".") {
				return true, time.Duration(a.Hdr.Ttl) * time.Second
			}
		}
	}
	return false, 0
}

// qualify turns a possibly relative record host, eg mail._domainkey, into
// a name under the domain.
func qualify(domain, host string) string {
	host = strings.TrimRight(host, ".")
	if host == "" || host == "@" {
		return domain
	}
	if host == domain || strings.HasSuffix(host, "."+domain) {
		return host
	}
	return host + "." + domain
}
