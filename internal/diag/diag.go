// Package diag orchestrates one full diagnostic: domain derivation, WHOIS,
// address resolution, the TLS probe, geolocation, and reputation, reduced
// to a scored result. Probes that can run together do; probes that feed
// each other stay staged.
package diag

import (
	"context"
	"sync"
	"time"

	whoisparser "github.com/likexian/whois-parser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scamadvisory/mailrisk/internal/certprobe"
	"github.com/scamadvisory/mailrisk/internal/config"
	"github.com/scamadvisory/mailrisk/internal/geoip"
	"github.com/scamadvisory/mailrisk/internal/httpclient"
	"github.com/scamadvisory/mailrisk/internal/logging"
	"github.com/scamadvisory/mailrisk/internal/metrics"
	"github.com/scamadvisory/mailrisk/internal/reputation"
	"github.com/scamadvisory/mailrisk/internal/resolve"
	"github.com/scamadvisory/mailrisk/internal/score"
)

// SSLStatus is the endpoint verdict of the TLS probe.
type SSLStatus struct {
	TLSValid bool `json:"tls_valid"`
}

// DNSRecords is the verbose record block.
type DNSRecords struct {
	A    []string           `json:"A"`
	AAAA []string           `json:"AAAA"`
	MX   []resolve.MXRecord `json:"MX"`
	Apex string             `json:"apex,omitempty"`
}

// Result is the single artifact of one diagnostic run. Soft provider
// failures surface as error markers inside their sections; the verbose
// fields stay absent unless requested.
type Result struct {
	InputEmail  string               `json:"input_email"`
	Domain      string               `json:"domain"`
	DomainWhois resolve.WhoisSummary `json:"domain_whois"`
	SSL         SSLStatus            `json:"ssl"`
	Issuer      certprobe.Issuer     `json:"issuer"`
	IPDetails   []geoip.IPDetail     `json:"ip_details"`
	Reputation  reputation.Bundle    `json:"reputation"`
	RiskScore   int                  `json:"risk_score"`
	RiskLabel   score.Label          `json:"risk_label"`
	Signals     []score.Signal       `json:"signals"`

	DNS                 *DNSRecords            `json:"dns,omitempty"`
	DomainWhoisFull     *whoisparser.WhoisInfo `json:"domain_whois_full,omitempty"`
	DomainWhoisFullErr  string                 `json:"domain_whois_full_error,omitempty"`
}

// WhoisClient answers registration lookups.
type WhoisClient interface {
	Summary(domain string) resolve.WhoisSummary
	Full(domain string) (*whoisparser.WhoisInfo, error)
}

// AddrResolver answers record lookups.
type AddrResolver interface {
	LookupA(ctx context.Context, domain string) []string
	LookupAAAA(ctx context.Context, domain string) []string
	LookupMX(ctx context.Context, domain string) []resolve.MXRecord
}

// CertProber runs the two-phase TLS handshake.
type CertProber interface {
	Probe(ctx context.Context, host string, port int) certprobe.Summary
}

// GeoLocator resolves an address to a location.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) geoip.Summary
}

// ReputationChecker aggregates blocklist and abuse intelligence.
type ReputationChecker interface {
	Check(ctx context.Context, ip string) reputation.Bundle
}

// Engine wires the probes together. Fields are exported so tests can
// substitute single stages.
type Engine struct {
	Whois      WhoisClient
	Addrs      AddrResolver
	Certs      CertProber
	Geo        GeoLocator
	Reputation ReputationChecker
	Scoring    score.Config
	Log        *logging.Logger

	// now is swappable for deterministic scoring in tests.
	now func() time.Time
}

// NewFromConfig assembles the production engine.
func NewFromConfig(cfg *config.Config, hc httpclient.Doer, log *logging.Logger) *Engine {
	rc := resolve.New(cfg.Timeout())
	zones := make([]reputation.Zone, 0, len(cfg.DNSBLZones))
	for _, z := range cfg.DNSBLZones {
		zones = append(zones, reputation.Zone{Zone: z.Zone, Weight: z.Weight})
	}
	set := &reputation.Set{
		DNSBL:     reputation.NewDNSBL(zones, cfg.DNSBLResolver, cfg.Timeout()),
		AbuseIPDB: reputation.NewAbuseIPDB(hc, cfg.AbuseIPDBKey, cfg.UA),
		IPQS:      reputation.NewIPQS(hc, cfg.IPQSKey, cfg.UA),
	}
	sc := score.DefaultConfig()
	sc.HomeCountry = cfg.HomeCountry
	sc.HighRisk = cfg.GeoHighRisk
	sc.MediumRisk = cfg.GeoMediumRisk

	return &Engine{
		Whois:      rc,
		Addrs:      rc,
		Certs:      certprobe.New(cfg.Timeout()),
		Geo:        geoip.New(hc, cfg.UA),
		Reputation: set,
		Scoring:    sc,
		Log:        log,
	}
}

// Run executes one diagnostic for email. The only hard failure is input
// without an @; every probe failure degrades into markers and signals.
func (e *Engine) Run(ctx context.Context, email string, verbose bool) (*Result, error) {
	domain, err := resolve.Domain(email)
	if err != nil {
		metrics.DiagnosticsTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	ctx, span := otel.Tracer("mailrisk/diag").Start(ctx, "diagnose")
	span.SetAttributes(attribute.String("diag.domain", domain))
	defer span.End()

	started := time.Now()

	// WHOIS and address resolution are independent.
	var (
		whoisSummary resolve.WhoisSummary
		addrs        []string
		wg           sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		whoisSummary = e.timedWhois(domain)
	}()
	go func() {
		defer wg.Done()
		t := time.Now()
		addrs = e.Addrs.LookupA(ctx, domain)
		metrics.ProbeDuration.WithLabelValues("dns").Observe(time.Since(t).Seconds())
	}()
	wg.Wait()
	if addrs == nil {
		addrs = []string{}
	}

	// No address still gets a TLS probe, aimed at the www host instead.
	probeHost := domain
	if len(addrs) == 0 {
		probeHost = "www." + domain
	}

	var (
		cert    certprobe.Summary
		details = []geoip.IPDetail{}
		rep     reputation.Bundle
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.Now()
		cert = e.Certs.Probe(ctx, probeHost, 443)
		metrics.ProbeDuration.WithLabelValues("tls").Observe(time.Since(t).Seconds())
	}()
	if len(addrs) > 0 {
		ip := addrs[0]
		details = []geoip.IPDetail{{IP: ip}}
		wg.Add(2)
		go func() {
			defer wg.Done()
			t := time.Now()
			g := e.Geo.Locate(ctx, ip)
			metrics.ProbeDuration.WithLabelValues("geo").Observe(time.Since(t).Seconds())
			if g.Err != "" {
				metrics.ProviderErrors.WithLabelValues("geo").Inc()
			}
			details[0].Geo = g
		}()
		go func() {
			defer wg.Done()
			t := time.Now()
			rep = e.Reputation.Check(ctx, ip)
			metrics.ProbeDuration.WithLabelValues("reputation").Observe(time.Since(t).Seconds())
			e.countReputation(rep)
		}()
	}
	wg.Wait()

	assessment := score.Compute(e.Scoring, e.clock().UTC(), whoisSummary, cert, details, rep)

	res := &Result{
		InputEmail:  email,
		Domain:      domain,
		DomainWhois: whoisSummary,
		SSL:         SSLStatus{TLSValid: cert.TLSValid},
		Issuer:      cert.Issuer,
		IPDetails:   details,
		Reputation:  rep,
		RiskScore:   assessment.Score,
		RiskLabel:   assessment.Label,
		Signals:     assessment.Signals,
	}
	if verbose {
		e.addVerbose(ctx, res, domain, addrs)
	}

	metrics.DiagnosticsTotal.WithLabelValues("completed").Inc()
	e.Log.Infow("diagnostic complete",
		"domain", domain,
		"risk_score", res.RiskScore,
		"risk_label", res.RiskLabel,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

func (e *Engine) timedWhois(domain string) resolve.WhoisSummary {
	t := time.Now()
	s := e.Whois.Summary(domain)
	metrics.ProbeDuration.WithLabelValues("whois").Observe(time.Since(t).Seconds())
	if s.Err != "" {
		metrics.ProviderErrors.WithLabelValues("whois").Inc()
	}
	return s
}

func (e *Engine) countReputation(rep reputation.Bundle) {
	for _, h := range rep.DNSBLHits {
		metrics.DNSBLHits.WithLabelValues(h.Zone).Inc()
	}
	if rep.AbuseIPDB != nil && rep.AbuseIPDB.Err != "" {
		metrics.ProviderErrors.WithLabelValues("abuseipdb").Inc()
	}
	if rep.IPQS != nil && rep.IPQS.Err != "" {
		metrics.ProviderErrors.WithLabelValues("ipqs").Inc()
	}
}

func (e *Engine) addVerbose(ctx context.Context, res *Result, domain string, addrs []string) {
	res.DNS = &DNSRecords{
		A:    addrs,
		AAAA: e.Addrs.LookupAAAA(ctx, domain),
		MX:   e.Addrs.LookupMX(ctx, domain),
		Apex: resolve.Apex(domain),
	}
	full, err := e.Whois.Full(domain)
	if err != nil {
		res.DomainWhoisFullErr = err.Error()
		return
	}
	res.DomainWhoisFull = full
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}
