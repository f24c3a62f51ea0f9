package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"golang.org/x/net/publicsuffix"
)

// ErrInvalidInput rejects a malformed email before any network probe runs.
var ErrInvalidInput = errors.New("provide an email like name@example.com")

// Domain derives the owning domain from an email address: everything after
// the first @, trimmed and lower-cased.
func Domain(email string) (string, error) {
	if !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidInput, email)
	}
	_, rest, _ := strings.Cut(email, "@")
	return strings.ToLower(strings.TrimSpace(rest)), nil
}

// Apex returns the registrable domain for host, falling back to the input
// when the public suffix list has no answer.
func Apex(host string) string {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if e, err := publicsuffix.EffectiveTLDPlusOne(h); err == nil {
		return e
	}
	return h
}

// WhoisSummary holds the registration facts scoring consumes, or a soft
// error marker when the lookup failed.
type WhoisSummary struct {
	DomainName     string     `json:"domain_name,omitempty"`
	Registrar      string     `json:"registrar,omitempty"`
	CreationDate   *time.Time `json:"creation_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	Err            string     `json:"error,omitempty"`
}

// MXRecord is one mail exchanger, lowest preference first.
type MXRecord struct {
	Preference uint16 `json:"preference"`
	Host       string `json:"host"`
}

// Client answers the WHOIS and record lookups of one diagnostic run. Record
// lookups honor the caller's context; WHOIS calls are bounded by the
// transport timeout instead, since the wire client has no context support.
type Client struct {
	whois   *whois.Client
	res     *net.Resolver
	timeout time.Duration
}

func New(timeout time.Duration) *Client {
	return &Client{
		whois:   whois.NewClient().SetTimeout(timeout),
		res:     net.DefaultResolver,
		timeout: timeout,
	}
}

// Summary fetches and condenses the WHOIS record for domain. Any transport
// or parse failure is captured in the Err field, never returned.
func (c *Client) Summary(domain string) WhoisSummary {
	raw, err := c.whois.Whois(domain)
	if err != nil {
		return WhoisSummary{Err: fmt.Sprintf("domain whois failed: %v", err)}
	}
	parsed, err := whoisparser.Parse(raw)
	if err != nil {
		return WhoisSummary{Err: fmt.Sprintf("domain whois failed: %v", err)}
	}

	var s WhoisSummary
	if d := parsed.Domain; d != nil {
		s.DomainName = d.Domain
		s.CreationDate = pickTime(d.CreatedDateInTime, d.CreatedDate)
		s.ExpirationDate = pickTime(d.ExpirationDateInTime, d.ExpirationDate)
	}
	if r := parsed.Registrar; r != nil {
		s.Registrar = r.Name
	}
	return s
}

// Full fetches and parses the complete WHOIS record for the verbose block.
func (c *Client) Full(domain string) (*whoisparser.WhoisInfo, error) {
	raw, err := c.whois.Whois(domain)
	if err != nil {
		return nil, fmt.Errorf("whois: %w", err)
	}
	parsed, err := whoisparser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("whois parse: %w", err)
	}
	return &parsed, nil
}

// LookupA resolves IPv4 addresses. Failure is an empty list, which callers
// treat as "probe www.<domain> instead", not as an error.
func (c *Client) LookupA(ctx context.Context, domain string) []string {
	return c.lookupIP(ctx, "ip4", domain)
}

// LookupAAAA resolves IPv6 addresses for the verbose block.
func (c *Client) LookupAAAA(ctx context.Context, domain string) []string {
	return c.lookupIP(ctx, "ip6", domain)
}

func (c *Client) lookupIP(ctx context.Context, network, domain string) []string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ips, err := c.res.LookupIP(ctx, network, domain)
	if err != nil {
		return []string{}
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}

// LookupMX resolves mail exchangers for the verbose block.
func (c *Client) LookupMX(ctx context.Context, domain string) []MXRecord {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	mxs, err := c.res.LookupMX(ctx, domain)
	if err != nil {
		return []MXRecord{}
	}
	out := make([]MXRecord, 0, len(mxs))
	for _, m := range mxs {
		out = append(out, MXRecord{Preference: m.Pref, Host: strings.TrimSuffix(m.Host, ".")})
	}
	return out
}

func pickTime(parsed *time.Time, raw string) *time.Time {
	if parsed != nil {
		t := parsed.UTC()
		return &t
	}
	return ParseTimestamp(raw)
}

// whois timestamp layouts seen in the wild, most specific first
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
}

// ParseTimestamp accepts ISO-8601 (with or without zone) and the common
// bare-date forms, normalizing naive stamps to UTC. Unparsable input yields
// nil, never an error.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
