package dns

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jawr/mxd/internal/cache"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ErrFailure is the kind of every resolution error: the query failed or
// returned nothing usable
var ErrFailure = errors.New("dns failure")

const DefaultTimeout = 5 * time.Second

// MX is a mail exchanger, lower Priority is preferred
type MX struct {
	Host     string
	Priority uint16
}

// Exchanger sends a single query, satisfied by *dns.Client
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Resolver queries a single configured server. Calls block until
// answered or timed out.
type Resolver struct {
	server   string
	timeout  time.Duration
	exchange Exchanger
	cache    *cache.Cache
}

// NewResolver creates a Resolver for server, a bare ip gets port 53.
// c may be nil to disable caching.
func NewResolver(server string, timeout time.Duration, c *cache.Cache) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Resolver{
		server:   withPort(server),
		timeout:  timeout,
		exchange: &dns.Client{Net: "udp", Timeout: timeout},
		cache:    c,
	}
}

// WithExchanger swaps the transport, used for tcp or tests
func (r *Resolver) WithExchanger(e Exchanger) *Resolver {
	r.exchange = e
	return r
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, _, err := r.exchange.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, errors.Wrapf(ErrFailure, "%s %s: %s", dns.TypeToString[qtype], name, err)
	}

	// a truncated udp answer is retried over tcp
	if resp.Truncated {
		if c, ok := r.exchange.(*dns.Client); ok && c.Net != "tcp" {
			tcp := &dns.Client{Net: "tcp", Timeout: c.Timeout}
			resp, _, err = tcp.ExchangeContext(ctx, m, r.server)
			if err != nil {
				return nil, errors.Wrapf(ErrFailure, "%s %s over tcp: %s", dns.TypeToString[qtype], name, err)
			}
		}
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.Wrapf(ErrFailure, "%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}

	return resp.Answer, nil
}

// ResolveMX returns the usable MX records of domain sorted by ascending
// priority, ties keep answer order
func (r *Resolver) ResolveMX(ctx context.Context, domain string) ([]MX, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if r.cache != nil {
		if v, ok := r.cache.Get("mx", domain); ok {
			mxs := v.([]MX)
			return append([]MX(nil), mxs...), nil
		}
	}

	answer, err := r.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	mxs := make([]MX, 0, len(answer))
	for _, rr := range answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}

		host := strings.TrimSuffix(mx.Mx, ".")
		// null MX, the domain accepts no mail
		if host == "" {
			continue
		}

		mxs = append(mxs, MX{
			Host:     strings.ToLower(host),
			Priority: mx.Preference,
		})
	}

	if len(mxs) == 0 {
		return nil, errors.Wrapf(ErrFailure, "found no MX records for %s", domain)
	}

	sort.SliceStable(mxs, func(i, j int) bool {
		return mxs[i].Priority < mxs[j].Priority
	})

	if r.cache != nil {
		r.cache.Set("mx", domain, append([]MX(nil), mxs...))
	}

	return mxs, nil
}

// BestMX is the most preferred MX host of domain
func (r *Resolver) BestMX(ctx context.Context, domain string) (string, error) {
	mxs, err := r.ResolveMX(ctx, domain)
	if err != nil {
		return "", err
	}
	return mxs[0].Host, nil
}

// ResolveA returns the first A record of host as an ip literal
func (r *Resolver) ResolveA(ctx context.Context, host string) (string, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get("a", host); ok {
			return v.(string), nil
		}
	}

	answer, err := r.query(ctx, host, dns.TypeA)
	if err != nil {
		return "", err
	}

	for _, rr := range answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}

		ip := a.A.String()
		if r.cache != nil {
			r.cache.Set("a", host, ip)
		}
		return ip, nil
	}

	return "", errors.Wrapf(ErrFailure, "found no A records for %s", host)
}
