package udjat

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// TTLResolver looks up host addresses together with the record TTL that
// bounds how long the answer may be cached.
type TTLResolver interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)
}

// systemResolver implements TTLResolver on top of the host's DNS
// configuration. Raw A and AAAA queries provide the TTLs; when no
// TTL-bearing answer can be obtained it falls back to the standard resolver
// and reports a zero TTL.
type systemResolver struct {
	once   sync.Once
	cfg    *dns.ClientConfig
	cfgErr error

	client   *dns.Client
	fallback *net.Resolver
}

func newSystemResolver() *systemResolver {
	return &systemResolver{
		client:   &dns.Client{Timeout: 5 * time.Second},
		fallback: net.DefaultResolver,
	}
}

// Lookup resolves the host to its A and AAAA records. Literal IP addresses
// resolve to themselves with a zero TTL.
func (r *systemResolver) Lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, 0, nil
	}
	host = strings.TrimSuffix(host, ".")

	addrs, ttl, err := r.query(ctx, host)
	if err == nil && len(addrs) > 0 {
		return addrs, ttl, nil
	}

	ips, fallbackErr := r.fallback.LookupNetIP(ctx, "ip", host)
	if fallbackErr != nil {
		return nil, 0, errors.Join(err, fallbackErr)
	}
	return ips, 0, nil
}

// query performs raw queries against the system's configured servers,
// collecting addresses and the minimum TTL across answers.
func (r *systemResolver) query(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	r.once.Do(func() {
		r.cfg, r.cfgErr = dns.ClientConfigFromFile("/etc/resolv.conf")
	})
	if r.cfgErr != nil {
		return nil, 0, r.cfgErr
	}

	var (
		addrs  []netip.Addr
		minTTL time.Duration
		ttlSet bool
	)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		for _, server := range r.cfg.Servers {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, msg, net.JoinHostPort(server, r.cfg.Port))
			if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
				// Try the next configured server
				continue
			}

			answered := false
			for _, answer := range resp.Answer {
				var ip netip.Addr
				var ok bool
				switch rr := answer.(type) {
				case *dns.A:
					ip, ok = netip.AddrFromSlice(rr.A)
				case *dns.AAAA:
					ip, ok = netip.AddrFromSlice(rr.AAAA)
				default:
					continue
				}
				if !ok {
					continue
				}
				addrs = append(addrs, ip)
				answered = true

				ttl := time.Duration(answer.Header().Ttl) * time.Second
				if !ttlSet || (ttl > 0 && ttl < minTTL) {
					minTTL = ttl
					ttlSet = true
				}
			}

			// One answering server per query type is enough
			if answered {
				break
			}
		}
	}

	if len(addrs) == 0 {
		return nil, 0, errors.New("no DNS answers with TTL")
	}
	return addrs, minTTL, nil
}
