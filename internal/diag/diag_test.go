package diag

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	whoisparser "github.com/likexian/whois-parser"

	"github.com/scamadvisory/mailrisk/internal/certprobe"
	"github.com/scamadvisory/mailrisk/internal/geoip"
	"github.com/scamadvisory/mailrisk/internal/logging"
	"github.com/scamadvisory/mailrisk/internal/reputation"
	"github.com/scamadvisory/mailrisk/internal/resolve"
	"github.com/scamadvisory/mailrisk/internal/score"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubWhois struct {
	summary resolve.WhoisSummary
	full    *whoisparser.WhoisInfo
	fullErr error
	calls   int
}

func (s *stubWhois) Summary(domain string) resolve.WhoisSummary { s.calls++; return s.summary }
func (s *stubWhois) Full(domain string) (*whoisparser.WhoisInfo, error) {
	return s.full, s.fullErr
}

type stubAddrs struct {
	a    []string
	aaaa []string
	mx   []resolve.MXRecord
}

func (s *stubAddrs) LookupA(ctx context.Context, domain string) []string    { return s.a }
func (s *stubAddrs) LookupAAAA(ctx context.Context, domain string) []string { return s.aaaa }
func (s *stubAddrs) LookupMX(ctx context.Context, domain string) []resolve.MXRecord {
	return s.mx
}

type stubProber struct {
	host    string
	port    int
	summary certprobe.Summary
}

func (s *stubProber) Probe(ctx context.Context, host string, port int) certprobe.Summary {
	s.host, s.port = host, port
	return s.summary
}

type stubGeo struct {
	summary geoip.Summary
	asked   []string
}

func (s *stubGeo) Locate(ctx context.Context, ip string) geoip.Summary {
	s.asked = append(s.asked, ip)
	return s.summary
}

type stubRep struct {
	bundle reputation.Bundle
	asked  []string
}

func (s *stubRep) Check(ctx context.Context, ip string) reputation.Bundle {
	s.asked = append(s.asked, ip)
	return s.bundle
}

func testEngine(w *stubWhois, a *stubAddrs, p *stubProber, g *stubGeo, r *stubRep) *Engine {
	return &Engine{
		Whois:      w,
		Addrs:      a,
		Certs:      p,
		Geo:        g,
		Reputation: r,
		Scoring:    score.DefaultConfig(),
		Log:        logging.Nop(),
		now:        func() time.Time { return fixedNow },
	}
}

func agedWhois(days int) resolve.WhoisSummary {
	t := fixedNow.AddDate(0, 0, -days)
	return resolve.WhoisSummary{DomainName: "example.com", Registrar: "Example Registrar", CreationDate: &t}
}

func TestRunHappyPath(t *testing.T) {
	w := &stubWhois{summary: agedWhois(400)}
	a := &stubAddrs{a: []string{"203.0.113.7", "203.0.113.8"}}
	p := &stubProber{summary: certprobe.Summary{TLSValid: true, Issuer: certprobe.Issuer{Summary: "Example CA"}}}
	g := &stubGeo{summary: geoip.Summary{Country: "United Kingdom", CountryCode: "GB"}}
	r := &stubRep{}
	e := testEngine(w, a, p, g, r)

	res, err := e.Run(context.Background(), "alice@Example.com", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.InputEmail != "alice@Example.com" {
		t.Errorf("input email = %q", res.InputEmail)
	}
	if res.Domain != "example.com" {
		t.Errorf("domain = %q", res.Domain)
	}
	if p.host != "example.com" || p.port != 443 {
		t.Errorf("probed %s:%d, want example.com:443", p.host, p.port)
	}
	if !res.SSL.TLSValid {
		t.Error("tls_valid not carried through")
	}
	if len(res.IPDetails) != 1 || res.IPDetails[0].IP != "203.0.113.7" {
		t.Errorf("ip details = %+v, want first address only", res.IPDetails)
	}
	if res.IPDetails[0].Geo.CountryCode != "GB" {
		t.Errorf("geo = %+v", res.IPDetails[0].Geo)
	}
	if len(g.asked) != 1 || g.asked[0] != "203.0.113.7" {
		t.Errorf("geo asked = %v, want first address only", g.asked)
	}
	if len(r.asked) != 1 || r.asked[0] != "203.0.113.7" {
		t.Errorf("reputation asked = %v, want first address only", r.asked)
	}
	if res.RiskScore != 0 || res.RiskLabel != score.LabelLow {
		t.Errorf("score = %d %s, want 0 Low", res.RiskScore, res.RiskLabel)
	}
	if res.DNS != nil || res.DomainWhoisFull != nil {
		t.Error("verbose fields set on a non-verbose run")
	}
}

func TestRunInvalidEmail(t *testing.T) {
	w := &stubWhois{}
	e := testEngine(w, &stubAddrs{}, &stubProber{}, &stubGeo{}, &stubRep{})

	_, err := e.Run(context.Background(), "not-an-email", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, resolve.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
	if w.calls != 0 {
		t.Error("probes ran for invalid input")
	}
}

func TestRunNoAddresses(t *testing.T) {
	w := &stubWhois{summary: agedWhois(400)}
	a := &stubAddrs{a: []string{}}
	p := &stubProber{}
	g := &stubGeo{}
	r := &stubRep{bundle: reputation.Bundle{DNSBLHits: []reputation.DNSBLHit{{Zone: "z", Weight: 9}}}}
	e := testEngine(w, a, p, g, r)

	res, err := e.Run(context.Background(), "bob@dead.example", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.host != "www.dead.example" {
		t.Errorf("probe host = %q, want www fallback", p.host)
	}
	if len(g.asked) != 0 || len(r.asked) != 0 {
		t.Error("geo or reputation ran without a resolved address")
	}
	if res.IPDetails == nil || len(res.IPDetails) != 0 {
		t.Errorf("ip details = %#v, want empty non-nil", res.IPDetails)
	}
	found := false
	for _, s := range res.Signals {
		if s.Name == "geo_unknown" {
			found = true
		}
		if s.Name == "dnsbl_listed:z" {
			t.Error("reputation signal fired without addresses")
		}
	}
	if !found {
		t.Error("expected geo_unknown signal")
	}
}

func TestRunWhoisSoftFailure(t *testing.T) {
	w := &stubWhois{summary: resolve.WhoisSummary{Err: "domain whois failed: connection reset"}}
	a := &stubAddrs{a: []string{"203.0.113.7"}}
	e := testEngine(w, a, &stubProber{summary: certprobe.Summary{TLSValid: true}}, &stubGeo{summary: geoip.Summary{CountryCode: "GB"}}, &stubRep{})

	res, err := e.Run(context.Background(), "carol@example.com", false)
	if err != nil {
		t.Fatalf("soft whois failure must not abort the run: %v", err)
	}
	if res.DomainWhois.Err == "" {
		t.Error("whois error marker lost")
	}
	ok := false
	for _, s := range res.Signals {
		if s.Name == "missing_creation_date" {
			ok = true
		}
	}
	if !ok {
		t.Error("expected missing_creation_date signal after whois failure")
	}
}

func TestRunVerbose(t *testing.T) {
	full := &whoisparser.WhoisInfo{Domain: &whoisparser.Domain{Domain: "example.com"}}
	w := &stubWhois{summary: agedWhois(400), full: full}
	a := &stubAddrs{
		a:    []string{"203.0.113.7"},
		aaaa: []string{"2001:db8::1"},
		mx:   []resolve.MXRecord{{Preference: 10, Host: "mail.example.com"}},
	}
	e := testEngine(w, a, &stubProber{}, &stubGeo{summary: geoip.Summary{CountryCode: "GB"}}, &stubRep{})

	res, err := e.Run(context.Background(), "dave@mail.example.com", true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DNS == nil {
		t.Fatal("verbose run missing dns block")
	}
	if len(res.DNS.A) != 1 || len(res.DNS.AAAA) != 1 {
		t.Errorf("dns block = %+v", res.DNS)
	}
	if len(res.DNS.MX) != 1 || res.DNS.MX[0].Host != "mail.example.com" {
		t.Errorf("mx = %+v", res.DNS.MX)
	}
	if res.DNS.Apex != "example.com" {
		t.Errorf("apex = %q", res.DNS.Apex)
	}
	if res.DomainWhoisFull == nil || res.DomainWhoisFull.Domain.Domain != "example.com" {
		t.Errorf("full whois = %+v", res.DomainWhoisFull)
	}
}

func TestRunVerboseFullWhoisError(t *testing.T) {
	w := &stubWhois{summary: agedWhois(400), fullErr: errors.New("whois: connection refused")}
	a := &stubAddrs{a: []string{"203.0.113.7"}}
	e := testEngine(w, a, &stubProber{}, &stubGeo{summary: geoip.Summary{CountryCode: "GB"}}, &stubRep{})

	res, err := e.Run(context.Background(), "erin@example.com", true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DomainWhoisFull != nil {
		t.Error("full whois present despite error")
	}
	if res.DomainWhoisFullErr != "whois: connection refused" {
		t.Errorf("full whois error = %q", res.DomainWhoisFullErr)
	}
}

func TestRunJSONShape(t *testing.T) {
	w := &stubWhois{summary: resolve.WhoisSummary{Err: "domain whois failed: timeout"}}
	a := &stubAddrs{a: []string{}}
	e := testEngine(w, a, &stubProber{}, &stubGeo{}, &stubRep{})

	res, err := e.Run(context.Background(), "frank@unresolvable.example", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ips, ok := m["ip_details"].([]any)
	if !ok || len(ips) != 0 {
		t.Errorf("ip_details = %#v, want empty array", m["ip_details"])
	}
	if _, ok := m["reputation"].(map[string]any); !ok {
		t.Errorf("reputation = %#v, want object", m["reputation"])
	}
	if _, ok := m["dns"]; ok {
		t.Error("dns key present on non-verbose run")
	}
	ssl, ok := m["ssl"].(map[string]any)
	if !ok {
		t.Fatalf("ssl = %#v", m["ssl"])
	}
	if v, ok := ssl["tls_valid"].(bool); !ok || v {
		t.Errorf("tls_valid = %#v, want explicit false", ssl["tls_valid"])
	}
	whois, ok := m["domain_whois"].(map[string]any)
	if !ok || whois["error"] != "domain whois failed: timeout" {
		t.Errorf("domain_whois = %#v", m["domain_whois"])
	}
}
