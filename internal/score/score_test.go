package score

import (
	"reflect"
	"testing"
	"time"

	"github.com/scamadvisory/mailrisk/internal/certprobe"
	"github.com/scamadvisory/mailrisk/internal/geoip"
	"github.com/scamadvisory/mailrisk/internal/reputation"
	"github.com/scamadvisory/mailrisk/internal/resolve"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createdDaysAgo(n int) resolve.WhoisSummary {
	t := testNow.AddDate(0, 0, -n)
	return resolve.WhoisSummary{DomainName: "example.com", CreationDate: &t}
}

func validCert(le bool) certprobe.Summary {
	return certprobe.Summary{TLSValid: true, Issuer: certprobe.Issuer{LetsEncrypt: le}}
}

func ipIn(cc string) []geoip.IPDetail {
	return []geoip.IPDetail{{IP: "203.0.113.7", Geo: geoip.Summary{CountryCode: cc}}}
}

func findSignal(t *testing.T, signals []Signal, name string) Signal {
	t.Helper()
	for _, s := range signals {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("signal %q not found in %+v", name, signals)
	return Signal{}
}

func hasSignal(signals []Signal, name string) bool {
	for _, s := range signals {
		if s.Name == name {
			return true
		}
	}
	return false
}

func intp(n int) *int { return &n }

func TestLabelFor(t *testing.T) {
	cases := []struct {
		score int
		want  Label
	}{
		{0, LabelLow}, {24, LabelLow},
		{25, LabelMedium}, {49, LabelMedium},
		{50, LabelHigh}, {74, LabelHigh},
		{75, LabelCritical}, {100, LabelCritical},
	}
	for _, c := range cases {
		if got := LabelFor(c.score); got != c.want {
			t.Errorf("LabelFor(%d) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestComputeDeterministic(t *testing.T) {
	whois := createdDaysAgo(30)
	cert := validCert(true)
	ips := ipIn("GB")
	rep := reputation.Bundle{}

	a := Compute(DefaultConfig(), testNow, whois, cert, ips, rep)
	b := Compute(DefaultConfig(), testNow, whois, cert, ips, rep)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same inputs produced different assessments:\n%+v\n%+v", a, b)
	}
}

func TestComputeAgeBuckets(t *testing.T) {
	cases := []struct {
		days   int
		name   string
		impact float64
	}{
		{0, "age_<7d", 40},
		{6, "age_<7d", 40},
		{7, "age_7d_to_3m", 25},
		{89, "age_7d_to_3m", 25},
		{90, "age_3m_to_6m", 12},
		{179, "age_3m_to_6m", 12},
		{180, "age_6m_to_12m", 5},
		{364, "age_6m_to_12m", 5},
		{365, "age_>12m", -15},
		{4000, "age_>12m", -15},
	}
	for _, c := range cases {
		a := Compute(DefaultConfig(), testNow, createdDaysAgo(c.days), validCert(false), ipIn("GB"), reputation.Bundle{})
		s := findSignal(t, a.Signals, c.name)
		if s.Impact != c.impact {
			t.Errorf("age %dd: impact = %v, want %v", c.days, s.Impact, c.impact)
		}
		if s.AgeDays == nil || *s.AgeDays != c.days {
			t.Errorf("age %dd: age_days context = %v", c.days, s.AgeDays)
		}
	}
}

func TestComputeMissingCreationDate(t *testing.T) {
	a := Compute(DefaultConfig(), testNow, resolve.WhoisSummary{Err: "domain whois failed: timeout"}, validCert(false), ipIn("GB"), reputation.Bundle{})
	s := findSignal(t, a.Signals, "missing_creation_date")
	if s.Impact != 10 {
		t.Errorf("impact = %v, want 10", s.Impact)
	}
	if s.AgeDays != nil {
		t.Error("missing creation date must not carry age_days context")
	}
}

func TestComputeTLSRules(t *testing.T) {
	cfg := DefaultConfig()

	a := Compute(cfg, testNow, createdDaysAgo(400), certprobe.Summary{}, ipIn("GB"), reputation.Bundle{})
	if s := findSignal(t, a.Signals, "tls_invalid_or_absent"); s.Impact != 40 {
		t.Errorf("invalid impact = %v", s.Impact)
	}

	a = Compute(cfg, testNow, createdDaysAgo(400), validCert(false), ipIn("GB"), reputation.Bundle{})
	if s := findSignal(t, a.Signals, "tls_valid_non_LE"); s.Impact != -10 {
		t.Errorf("non-LE rebate = %v", s.Impact)
	}
	if hasSignal(a.Signals, "lets_encrypt") {
		t.Error("non-LE certificate produced a lets_encrypt signal")
	}

	selfSigned := certprobe.Summary{Issuer: certprobe.Issuer{SelfSigned: true}}
	a = Compute(cfg, testNow, createdDaysAgo(400), selfSigned, ipIn("GB"), reputation.Bundle{})
	if s := findSignal(t, a.Signals, "self_signed"); s.Impact != 30 {
		t.Errorf("self-signed impact = %v", s.Impact)
	}
	if s := findSignal(t, a.Signals, "tls_invalid_or_absent"); s.Impact != 40 {
		t.Errorf("self-signed endpoint must also score invalid, got %v", s.Impact)
	}
}

func TestComputeLetsEncryptCompounding(t *testing.T) {
	cfg := DefaultConfig()

	a := Compute(cfg, testNow, createdDaysAgo(400), validCert(true), ipIn("GB"), reputation.Bundle{})
	if s := findSignal(t, a.Signals, "lets_encrypt"); s.Impact != 45 {
		t.Errorf("aged LE impact = %v, want 45", s.Impact)
	}
	if hasSignal(a.Signals, "tls_valid_non_LE") {
		t.Error("LE certificate must not earn the non-LE rebate")
	}
	if a.Score != 30 {
		t.Errorf("aged score = %d, want 30 (-15 age + 45 LE)", a.Score)
	}

	// Fresh domain behind free TLS: one compounded signal, not two.
	a = Compute(cfg, testNow, createdDaysAgo(30), validCert(true), ipIn("GB"), reputation.Bundle{})
	if s := findSignal(t, a.Signals, "lets_encrypt"); s.Impact != 55 {
		t.Errorf("young LE impact = %v, want 55", s.Impact)
	}
	if a.Score != 80 {
		t.Errorf("score = %d, want 80 (25 age + 55 LE)", a.Score)
	}
	if a.Label != LabelCritical {
		t.Errorf("label = %s, want Critical", a.Label)
	}

	// Days-old domain compounds further: 40 age + 55 LE, a 65-point spread
	// over the aged run.
	a = Compute(cfg, testNow, createdDaysAgo(3), validCert(true), ipIn("GB"), reputation.Bundle{})
	if a.Score != 95 {
		t.Errorf("brand-new score = %d, want 95", a.Score)
	}
}

func TestComputeGeography(t *testing.T) {
	cfg := DefaultConfig()
	base := createdDaysAgo(400)

	a := Compute(cfg, testNow, base, validCert(false), ipIn("CN"), reputation.Bundle{})
	if s := findSignal(t, a.Signals, "geo_high:CN"); s.Impact != 40 {
		t.Errorf("high-risk impact = %v", s.Impact)
	}

	a = Compute(cfg, testNow, base, validCert(false), ipIn("NG"), reputation.Bundle{})
	if s := findSignal(t, a.Signals, "geo_medium:NG"); s.Impact != 25 {
		t.Errorf("medium-risk impact = %v", s.Impact)
	}

	a = Compute(cfg, testNow, base, validCert(false), nil, reputation.Bundle{})
	if s := findSignal(t, a.Signals, "geo_unknown"); s.Impact != 5 {
		t.Errorf("unknown impact = %v", s.Impact)
	}

	// Location lookup failed: country code absent even though an IP exists.
	errIP := []geoip.IPDetail{{IP: "203.0.113.7", Geo: geoip.Summary{Err: "geo failed: timeout"}}}
	a = Compute(cfg, testNow, base, validCert(false), errIP, reputation.Bundle{})
	if !hasSignal(a.Signals, "geo_unknown") {
		t.Error("errored geo lookup must score geo_unknown")
	}

	a = Compute(cfg, testNow, base, validCert(false), ipIn("GB"), reputation.Bundle{})
	for _, s := range a.Signals {
		if s.Name != "age_>12m" && s.Name != "tls_valid_non_LE" {
			t.Errorf("home-country run grew unexpected signal %q", s.Name)
		}
	}
}

func TestComputeElevateLandsOnMediumFloor(t *testing.T) {
	// Provisional score is exactly 0: +10 missing date, -10 non-LE valid.
	a := Compute(DefaultConfig(), testNow, resolve.WhoisSummary{}, validCert(false), ipIn("US"), reputation.Bundle{})
	s := findSignal(t, a.Signals, "geo_non_gb_elevate:US")
	if s.Impact != 25 {
		t.Errorf("elevation delta = %v, want 25", s.Impact)
	}
	if a.Score != 25 {
		t.Errorf("score = %d, want exactly the Medium floor", a.Score)
	}
	if a.Label != LabelMedium {
		t.Errorf("label = %s, want Medium", a.Label)
	}
}

func TestComputeElevateAddsOnlyTheShortfall(t *testing.T) {
	// Provisional 2: +12 age (120 days), -10 non-LE. The elevation delta is
	// 25-2, not a flat 25 and not a nudge on top.
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(120), validCert(false), ipIn("US"), reputation.Bundle{})
	s := findSignal(t, a.Signals, "geo_non_gb_elevate:US")
	if s.Impact != 23 {
		t.Errorf("elevation delta = %v, want 23", s.Impact)
	}
	if a.Score != 25 {
		t.Errorf("score = %d, want 25", a.Score)
	}
}

func TestComputeNudgeWhenAlreadyElevated(t *testing.T) {
	// Provisional 50 (+10 missing date, +40 invalid TLS) is High, so the
	// non-home address only nudges.
	a := Compute(DefaultConfig(), testNow, resolve.WhoisSummary{}, certprobe.Summary{}, ipIn("US"), reputation.Bundle{})
	s := findSignal(t, a.Signals, "geo_non_gb_nudge:US")
	if s.Impact != 5 {
		t.Errorf("nudge impact = %v, want 5", s.Impact)
	}
	if a.Score != 55 {
		t.Errorf("score = %d, want 55", a.Score)
	}
	if hasSignal(a.Signals, "geo_non_gb_elevate:US") {
		t.Error("nudge and elevation are mutually exclusive")
	}
}

func TestComputeElevateDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ElevateToMedium = false
	a := Compute(cfg, testNow, resolve.WhoisSummary{}, validCert(false), ipIn("US"), reputation.Bundle{})
	if hasSignal(a.Signals, "geo_non_gb_elevate:US") {
		t.Error("elevation fired while disabled")
	}
	if s := findSignal(t, a.Signals, "geo_non_gb_nudge:US"); s.Impact != 5 {
		t.Errorf("nudge impact = %v", s.Impact)
	}
}

func TestComputeReputation(t *testing.T) {
	cfg := DefaultConfig()
	base := createdDaysAgo(400)
	rep := reputation.Bundle{
		DNSBLHits: []reputation.DNSBLHit{{Zone: "zen.spamhaus.org", Weight: 60, TXT: []string{"SBL443"}}},
		AbuseIPDB: &reputation.AbuseIPDBResult{ConfidenceScore: intp(70), TotalReports: intp(12)},
		IPQS:      &reputation.IPQSResult{FraudScore: intp(65)},
	}

	a := Compute(cfg, testNow, base, validCert(false), ipIn("GB"), rep)
	s := findSignal(t, a.Signals, "dnsbl_listed:zen.spamhaus.org")
	if s.Impact != 60 || len(s.TXT) != 1 || s.TXT[0] != "SBL443" {
		t.Errorf("dnsbl signal = %+v", s)
	}
	s = findSignal(t, a.Signals, "abuseipdb_confidence")
	if s.Impact != 35 || s.Confidence == nil || *s.Confidence != 70 {
		t.Errorf("abuse signal = %+v", s)
	}
	s = findSignal(t, a.Signals, "ipqs_fraud_score")
	if s.Impact != 26 || s.FraudScore == nil || *s.FraudScore != 65 {
		t.Errorf("ipqs signal = %+v", s)
	}
}

func TestComputeReputationCaps(t *testing.T) {
	rep := reputation.Bundle{
		AbuseIPDB: &reputation.AbuseIPDBResult{ConfidenceScore: intp(100)},
		IPQS:      &reputation.IPQSResult{FraudScore: intp(100)},
	}
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(400), validCert(false), ipIn("GB"), rep)
	if s := findSignal(t, a.Signals, "abuseipdb_confidence"); s.Impact != 50 {
		t.Errorf("abuse impact = %v, want cap 50", s.Impact)
	}
	if s := findSignal(t, a.Signals, "ipqs_fraud_score"); s.Impact != 40 {
		t.Errorf("ipqs impact = %v, want cap 40", s.Impact)
	}
}

func TestComputeReputationSkippedWithoutAddresses(t *testing.T) {
	rep := reputation.Bundle{
		DNSBLHits: []reputation.DNSBLHit{{Zone: "zen.spamhaus.org", Weight: 60}},
		AbuseIPDB: &reputation.AbuseIPDBResult{ConfidenceScore: intp(100)},
	}
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(400), validCert(false), nil, rep)
	if hasSignal(a.Signals, "dnsbl_listed:zen.spamhaus.org") || hasSignal(a.Signals, "abuseipdb_confidence") {
		t.Error("reputation rules must not fire without resolved addresses")
	}
}

func TestComputeErroredProvidersDoNotScore(t *testing.T) {
	rep := reputation.Bundle{
		AbuseIPDB: &reputation.AbuseIPDBResult{Err: "abuseipdb status 429"},
		IPQS:      &reputation.IPQSResult{Err: "ipqs status 503"},
	}
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(400), validCert(false), ipIn("GB"), rep)
	if hasSignal(a.Signals, "abuseipdb_confidence") || hasSignal(a.Signals, "ipqs_fraud_score") {
		t.Error("errored providers contributed signals")
	}
}

func TestComputeClampFloor(t *testing.T) {
	// -15 age, -10 non-LE: raw -25 clamps to 0.
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(4000), validCert(false), ipIn("GB"), reputation.Bundle{})
	if a.Score != 0 {
		t.Errorf("score = %d, want 0", a.Score)
	}
	if a.Label != LabelLow {
		t.Errorf("label = %s, want Low", a.Label)
	}
}

func TestComputeClampCeiling(t *testing.T) {
	rep := reputation.Bundle{
		DNSBLHits: []reputation.DNSBLHit{{Zone: "zen.spamhaus.org", Weight: 60}},
		AbuseIPDB: &reputation.AbuseIPDBResult{ConfidenceScore: intp(100)},
		IPQS:      &reputation.IPQSResult{FraudScore: intp(100)},
	}
	// 40 age + 55 LE + 40 geo + 60 dnsbl + 50 abuse + 40 ipqs is far past
	// the ceiling.
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(1), validCert(true), ipIn("CN"), rep)
	if a.Score != 100 {
		t.Errorf("score = %d, want clamp to 100", a.Score)
	}
	if a.Label != LabelCritical {
		t.Errorf("label = %s, want Critical", a.Label)
	}
}

func TestComputeWorstCaseScenario(t *testing.T) {
	// Three-day-old domain on a self-signed certificate, hosted in a
	// high-risk country and listed on the first blocklist zone.
	cert := certprobe.Summary{Issuer: certprobe.Issuer{SelfSigned: true}}
	rep := reputation.Bundle{
		DNSBLHits: []reputation.DNSBLHit{{Zone: "zen.spamhaus.org", Weight: 60}},
	}
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(3), cert, ipIn("RU"), rep)

	for _, name := range []string{
		"age_<7d", "tls_invalid_or_absent", "self_signed",
		"geo_high:RU", "dnsbl_listed:zen.spamhaus.org",
	} {
		if !hasSignal(a.Signals, name) {
			t.Errorf("missing signal %q", name)
		}
	}
	if a.Score != 100 {
		t.Errorf("score = %d, want clamp to 100", a.Score)
	}
	if a.Label != LabelCritical {
		t.Errorf("label = %s, want Critical", a.Label)
	}
}

func TestComputeSignalOrder(t *testing.T) {
	rep := reputation.Bundle{
		DNSBLHits: []reputation.DNSBLHit{{Zone: "zen.spamhaus.org", Weight: 60}},
	}
	a := Compute(DefaultConfig(), testNow, createdDaysAgo(30), validCert(true), ipIn("CN"), rep)
	want := []string{"age_7d_to_3m", "lets_encrypt", "geo_high:CN", "dnsbl_listed:zen.spamhaus.org"}
	if len(a.Signals) != len(want) {
		t.Fatalf("signals = %+v, want %v", a.Signals, want)
	}
	for i, name := range want {
		if a.Signals[i].Name != name {
			t.Errorf("signal[%d] = %q, want %q", i, a.Signals[i].Name, name)
		}
	}
}
