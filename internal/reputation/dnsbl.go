package reputation

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Zone pairs a blocklist zone with its scoring weight. Slice order is
// priority order and is honored exactly.
type Zone struct {
	Zone   string `json:"zone"`
	Weight int    `json:"weight"`
}

// DNSBLHit records the first zone that listed an address, with whatever TXT
// context the zone published.
type DNSBLHit struct {
	Zone   string   `json:"zone"`
	Weight int      `json:"weight"`
	TXT    []string `json:"txt"`
}

// Exchanger issues a single DNS query. The production implementation rides
// on miekg/dns; tests substitute a recorder.
type Exchanger interface {
	Exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error)
}

type wireExchanger struct {
	client *dns.Client
	addr   string
}

func (e *wireExchanger) Exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	r, _, err := e.client.ExchangeContext(ctx, m, e.addr)
	return r, err
}

// DNSBL walks ordered blocklist zones with first-match-wins semantics.
type DNSBL struct {
	zones []Zone
	ex    Exchanger
}

// NewDNSBL builds a checker querying resolverAddr (host:port). An empty
// address falls back to the system resolver, then to Cloudflare.
func NewDNSBL(zones []Zone, resolverAddr string, timeout time.Duration) *DNSBL {
	if resolverAddr == "" {
		resolverAddr = systemResolver()
	}
	c := &dns.Client{Timeout: timeout}
	return &DNSBL{zones: zones, ex: &wireExchanger{client: c, addr: resolverAddr}}
}

func systemResolver() string {
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		return net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}
	return "1.1.1.1:53"
}

// Check queries each zone in order and stops at the first listing. A query
// error counts as "not listed here" and the walk continues. The follow-up
// TXT lookup is best effort and never invalidates the hit. Anything other
// than an IPv4 literal yields no queries at all.
func (d *DNSBL) Check(ctx context.Context, ip string) []DNSBLHit {
	hits := []DNSBLHit{}
	reversed, ok := reverseIPv4(ip)
	if !ok {
		return hits
	}
	for _, z := range d.zones {
		qname := reversed + "." + z.Zone
		r, err := d.ex.Exchange(ctx, qname, dns.TypeA)
		if err != nil || r == nil || r.Rcode != dns.RcodeSuccess || !hasA(r) {
			continue
		}
		hit := DNSBLHit{Zone: z.Zone, Weight: z.Weight, TXT: []string{}}
		if tr, terr := d.ex.Exchange(ctx, qname, dns.TypeTXT); terr == nil && tr != nil && tr.Rcode == dns.RcodeSuccess {
			for _, rr := range tr.Answer {
				if txt, ok := rr.(*dns.TXT); ok {
					hit.TXT = append(hit.TXT, strings.Join(txt.Txt, ""))
				}
			}
		}
		hits = append(hits, hit)
		break
	}
	return hits
}

func reverseIPv4(ip string) (string, bool) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return "", false
	}
	octets := strings.Split(v4.String(), ".")
	for i, j := 0, len(octets)-1; i < j; i, j = i+1, j-1 {
		octets[i], octets[j] = octets[j], octets[i]
	}
	return strings.Join(octets, "."), true
}

func hasA(m *dns.Msg) bool {
	for _, rr := range m.Answer {
		if _, ok := rr.(*dns.A); ok {
			return true
		}
	}
	return false
}
