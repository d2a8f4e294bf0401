// Package resolve turns company domains into mail-exchanger facts: the
// MX host set, the lowest-preference host probes should target, and a
// per-MX behavior profile aggregated from past probe timings.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/net/idna"

	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// MXResult is the resolved mail configuration for one domain.
type MXResult struct {
	Domain   string
	Hosts    []string
	Lowest   string
	Implicit bool
	NoMX     bool
	Freemail bool
}

// NormalizeDomain lowercases, trims, and IDNA-encodes a domain so that
// unicode spellings of the same registrable name dedupe to one key.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "www.")
	if d == "" {
		return "", domain.NewError(domain.KindValidation, "empty domain", nil)
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", domain.NewError(domain.KindValidation, "idna encode "+raw, err)
	}
	return ascii, nil
}

// DNSExchanger issues one DNS query. *dns.Client satisfies it via a
// small adapter; tests swap in a fake.
type DNSExchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Resolver answers MX lookups with a 24h positive cache. Freemail
// domains short-circuit: the pipeline never generates or probes
// addresses on consumer providers.
type Resolver struct {
	exchanger DNSExchanger
	servers   []string
	freemail  map[string]struct{}
	cache     *gocache.Cache
	log       *logger.Logger
}

// NewResolver builds a Resolver using the system resolv.conf. The
// freemail list comes from config.
func NewResolver(freemailDenylist []string) (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("resolve: read resolv.conf: %w", err)
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, s+":"+conf.Port)
	}
	r := newResolver(&dns.Client{Timeout: 5 * time.Second}, servers, freemailDenylist)
	return r, nil
}

// NewResolverWithServers builds a Resolver against explicit DNS servers
// (host:port), bypassing resolv.conf.
func NewResolverWithServers(servers []string, freemailDenylist []string) *Resolver {
	return newResolver(&dns.Client{Timeout: 5 * time.Second}, servers, freemailDenylist)
}

func newResolver(exchanger DNSExchanger, servers []string, freemailDenylist []string) *Resolver {
	fm := make(map[string]struct{}, len(freemailDenylist))
	for _, d := range freemailDenylist {
		fm[strings.ToLower(d)] = struct{}{}
	}
	return &Resolver{
		exchanger: exchanger,
		servers:   servers,
		freemail:  fm,
		cache:     gocache.New(24*time.Hour, time.Hour),
		log:       logger.With("resolve"),
	}
}

// Freemail reports whether the domain is on the consumer-provider list.
func (r *Resolver) Freemail(d string) bool {
	_, ok := r.freemail[strings.ToLower(d)]
	return ok
}

// Resolve returns the MX facts for a domain. When no MX records exist
// it falls back to the implicit-MX rule: an A or AAAA record makes the
// domain itself the exchanger. A domain with neither gets NoMX.
func (r *Resolver) Resolve(ctx context.Context, rawDomain string) (*MXResult, error) {
	d, err := NormalizeDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	// Freemail domains are answered without network. NoMX is set so the
	// classifier rejects them the same way as unresolvable domains.
	if r.Freemail(d) {
		return &MXResult{Domain: d, Freemail: true, NoMX: true}, nil
	}
	if v, ok := r.cache.Get(d); ok {
		return v.(*MXResult), nil
	}

	hosts, lowest, err := r.queryMX(ctx, d)
	if err != nil {
		return nil, domain.NewError(domain.KindTransientNetwork, "mx query "+d, err)
	}

	res := &MXResult{Domain: d, Hosts: hosts, Lowest: lowest}
	if len(hosts) == 0 {
		if r.hasAddress(ctx, d) {
			res.Hosts = []string{d}
			res.Lowest = d
			res.Implicit = true
		} else {
			res.NoMX = true
		}
	}

	r.cache.Set(d, res, gocache.DefaultExpiration)
	r.log.Debug("resolved domain", "domain", d, "mx_count", len(res.Hosts),
		"lowest", res.Lowest, "implicit", res.Implicit, "no_mx", res.NoMX)
	return res, nil
}

func (r *Resolver) queryMX(ctx context.Context, d string) ([]string, string, error) {
	msg, err := r.exchange(ctx, d, dns.TypeMX)
	if err != nil {
		return nil, "", err
	}
	if msg.Rcode == dns.RcodeNameError {
		return nil, "", nil
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, "", fmt.Errorf("mx query %s: rcode %s", d, dns.RcodeToString[msg.Rcode])
	}

	type mxrec struct {
		host string
		pref uint16
	}
	var recs []mxrec
	for _, rr := range msg.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			host := strings.ToLower(strings.TrimSuffix(mx.Mx, "."))
			// A single null-MX record ("." preference 0) means the domain
			// explicitly refuses mail.
			if host == "" {
				continue
			}
			recs = append(recs, mxrec{host: host, pref: mx.Preference})
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].pref < recs[j].pref })

	hosts := make([]string, 0, len(recs))
	seen := map[string]struct{}{}
	for _, rec := range recs {
		if _, dup := seen[rec.host]; dup {
			continue
		}
		seen[rec.host] = struct{}{}
		hosts = append(hosts, rec.host)
	}
	var lowest string
	if len(hosts) > 0 {
		lowest = hosts[0]
	}
	return hosts, lowest, nil
}

func (r *Resolver) hasAddress(ctx context.Context, d string) bool {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg, err := r.exchange(ctx, d, qtype)
		if err != nil || msg.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range msg.Answer {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				return true
			}
		}
	}
	return false
}

func (r *Resolver) exchange(ctx context.Context, d string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(d), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		msg, _, err := r.exchanger.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if msg.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: 5 * time.Second}
			if full, _, terr := tcp.ExchangeContext(ctx, m, server); terr == nil {
				return full, nil
			}
		}
		return msg, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no dns servers configured")
	}
	return nil, lastErr
}
