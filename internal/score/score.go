// Package score turns probe outcomes into a deterministic risk assessment.
// Rules are applied in a fixed order and every contribution is recorded as
// a named signal, so two runs over identical inputs always produce the
// same score, label, and signal list.
package score

import (
	"math"
	"time"

	"github.com/scamadvisory/mailrisk/internal/certprobe"
	"github.com/scamadvisory/mailrisk/internal/geoip"
	"github.com/scamadvisory/mailrisk/internal/reputation"
	"github.com/scamadvisory/mailrisk/internal/resolve"
)

// Label is the categorical risk band derived from the clamped score.
type Label string

const (
	LabelLow      Label = "Low"
	LabelMedium   Label = "Medium"
	LabelHigh     Label = "High"
	LabelCritical Label = "Critical"
)

// LabelFor maps a clamped score to its band.
func LabelFor(score int) Label {
	switch {
	case score >= 75:
		return LabelCritical
	case score >= 50:
		return LabelHigh
	case score >= 25:
		return LabelMedium
	default:
		return LabelLow
	}
}

// Signal is one recorded scoring contribution with optional context.
type Signal struct {
	Name       string   `json:"name"`
	Impact     float64  `json:"impact"`
	AgeDays    *int     `json:"age_days,omitempty"`
	TXT        []string `json:"txt,omitempty"`
	Confidence *int     `json:"confidence,omitempty"`
	FraudScore *int     `json:"fraud_score,omitempty"`
}

// Assessment is the final verdict for one diagnostic run.
type Assessment struct {
	Score   int      `json:"risk_score"`
	Label   Label    `json:"risk_label"`
	Signals []Signal `json:"signals"`
}

// Config externalizes the geography sets and tunable weights so deployments
// outside the default home market can rebalance without a code change.
type Config struct {
	HomeCountry     string
	HighRisk        []string
	MediumRisk      []string
	ImpactHigh      float64
	ImpactMedium    float64
	ElevateToMedium bool
	NudgeImpact     float64
	AbuseMultiplier float64
	AbuseCap        float64
	FraudMultiplier float64
	FraudCap        float64
}

func DefaultConfig() Config {
	return Config{
		HomeCountry:     "GB",
		HighRisk:        []string{"CN", "RU", "BY", "IR", "KP"},
		MediumRisk:      []string{"TR", "VN", "ID", "NG", "PK", "BR"},
		ImpactHigh:      40,
		ImpactMedium:    25,
		ElevateToMedium: true,
		NudgeImpact:     5,
		AbuseMultiplier: 0.5,
		AbuseCap:        50,
		FraudMultiplier: 0.4,
		FraudCap:        40,
	}
}

// Compute applies the rule groups in order: domain age, TLS posture,
// geography of the first address, then reputation. The returned score is
// rounded half away from zero and clamped to [0,100].
func Compute(cfg Config, now time.Time, whois resolve.WhoisSummary, cert certprobe.Summary, ips []geoip.IPDetail, rep reputation.Bundle) Assessment {
	var score float64
	signals := []Signal{}
	add := func(s Signal) {
		score += s.Impact
		signals = append(signals, s)
	}

	// Domain age. A WHOIS failure and a record without a creation date are
	// indistinguishable here on purpose: both mean "age unknown".
	created := whois.CreationDate
	if created == nil {
		add(Signal{Name: "missing_creation_date", Impact: 10})
	} else {
		days := ageDays(now, *created)
		d := days
		switch {
		case days < 7:
			add(Signal{Name: "age_<7d", Impact: 40, AgeDays: &d})
		case days < 90:
			add(Signal{Name: "age_7d_to_3m", Impact: 25, AgeDays: &d})
		case days < 180:
			add(Signal{Name: "age_3m_to_6m", Impact: 12, AgeDays: &d})
		case days < 365:
			add(Signal{Name: "age_6m_to_12m", Impact: 5, AgeDays: &d})
		default:
			add(Signal{Name: "age_>12m", Impact: -15, AgeDays: &d})
		}
	}

	// TLS posture. Let's Encrypt keeps its own rule: free certificates are
	// the default on throwaway infrastructure, and a fresh domain behind
	// one compounds the signal.
	if !cert.TLSValid {
		add(Signal{Name: "tls_invalid_or_absent", Impact: 40})
	} else if !cert.Issuer.LetsEncrypt {
		add(Signal{Name: "tls_valid_non_LE", Impact: -10})
	}
	if cert.Issuer.SelfSigned {
		add(Signal{Name: "self_signed", Impact: 30})
	}
	if cert.Issuer.LetsEncrypt {
		impact := 45.0
		if created != nil && ageDays(now, *created) < 90 {
			impact += 10
		}
		add(Signal{Name: "lets_encrypt", Impact: impact})
	}

	// Geography of the first resolved address only.
	countryCode := ""
	if len(ips) > 0 {
		countryCode = ips[0].Geo.CountryCode
	}
	switch {
	case countryCode == "":
		add(Signal{Name: "geo_unknown", Impact: 5})
	case contains(cfg.HighRisk, countryCode):
		add(Signal{Name: "geo_high:" + countryCode, Impact: cfg.ImpactHigh})
	case contains(cfg.MediumRisk, countryCode):
		add(Signal{Name: "geo_medium:" + countryCode, Impact: cfg.ImpactMedium})
	case countryCode != cfg.HomeCountry:
		// Outside the home market is never Low. The provisional label
		// decides between lifting the score to the Medium floor and a
		// small nudge.
		provisional := clamp(score)
		if cfg.ElevateToMedium && LabelFor(int(provisional)) == LabelLow {
			delta := math.Max(0, 25-provisional)
			add(Signal{Name: "geo_non_gb_elevate:" + countryCode, Impact: delta})
		} else if cfg.NudgeImpact != 0 {
			add(Signal{Name: "geo_non_gb_nudge:" + countryCode, Impact: cfg.NudgeImpact})
		}
	}

	// Reputation, skipped entirely when nothing resolved.
	if len(ips) > 0 {
		if len(rep.DNSBLHits) > 0 {
			h := rep.DNSBLHits[0]
			add(Signal{Name: "dnsbl_listed:" + h.Zone, Impact: float64(h.Weight), TXT: h.TXT})
		}
		if a := rep.AbuseIPDB; a != nil && a.Err == "" && a.ConfidenceScore != nil {
			impact := math.Min(float64(*a.ConfidenceScore)*cfg.AbuseMultiplier, cfg.AbuseCap)
			add(Signal{Name: "abuseipdb_confidence", Impact: impact, Confidence: a.ConfidenceScore})
		}
		if q := rep.IPQS; q != nil && q.Err == "" && q.FraudScore != nil {
			impact := math.Min(float64(*q.FraudScore)*cfg.FraudMultiplier, cfg.FraudCap)
			add(Signal{Name: "ipqs_fraud_score", Impact: impact, FraudScore: q.FraudScore})
		}
	}

	final := int(clamp(math.Round(score)))
	return Assessment{Score: final, Label: LabelFor(final), Signals: signals}
}

func ageDays(now time.Time, created time.Time) int {
	return int(now.Sub(created).Hours() / 24)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func contains(list []string, cc string) bool {
	for _, v := range list {
		if v == cc {
			return true
		}
	}
	return false
}
