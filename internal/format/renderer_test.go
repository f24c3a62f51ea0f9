package format

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/scamadvisory/mailrisk/internal/certprobe"
	"github.com/scamadvisory/mailrisk/internal/diag"
	"github.com/scamadvisory/mailrisk/internal/geoip"
	"github.com/scamadvisory/mailrisk/internal/reputation"
	"github.com/scamadvisory/mailrisk/internal/score"
)

func sampleResult() *diag.Result {
	return &diag.Result{
		InputEmail: "alice@example.com",
		Domain:     "example.com",
		SSL:        diag.SSLStatus{TLSValid: true},
		Issuer:     certprobe.Issuer{Summary: "R11", LetsEncrypt: true},
		IPDetails: []geoip.IPDetail{
			{IP: "203.0.113.7", Geo: geoip.Summary{CountryCode: "GB", City: "London"}},
		},
		Reputation: reputation.Bundle{
			DNSBLHits: []reputation.DNSBLHit{{Zone: "zen.spamhaus.org", Weight: 60, TXT: []string{}}},
		},
		RiskScore: 82,
		RiskLabel: score.LabelCritical,
		Signals: []score.Signal{
			{Name: "age_<7d", Impact: 40},
			{Name: "lets_encrypt", Impact: 55},
			{Name: "dnsbl_listed:zen.spamhaus.org", Impact: 60},
		},
	}
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"json", FormatJSON, true},
		{"", FormatJSON, true},
		{"JSONL", FormatCompact, true},
		{"ndjson", FormatCompact, true},
		{"compact", FormatCompact, true},
		{"csv", FormatCSV, true},
		{"text", FormatText, true},
		{"parquet", "", false},
	}
	for _, c := range cases {
		got, err := ParseFormat(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ParseFormat(%q) = %q, %v", c.in, got, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseFormat(%q) accepted", c.in)
		}
	}
}

func TestJSONRenderer(t *testing.T) {
	r := NewJSONRenderer(true)
	b, err := r.Render(sampleResult())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Contains(b, []byte("\n  ")) {
		t.Error("expected indented output")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["risk_label"] != "Critical" {
		t.Errorf("risk_label = %v", m["risk_label"])
	}
}

func TestCompactRenderer(t *testing.T) {
	r := NewCompactRenderer()
	b, err := r.Render(sampleResult())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		t.Error("expected trailing newline")
	}
	if bytes.Count(b, []byte("\n")) != 1 {
		t.Error("expected a single line")
	}
}

func TestCSVRenderer(t *testing.T) {
	r := NewCSVRenderer()
	first, err := r.Render(sampleResult())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := r.Render(sampleResult())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(first, []byte("input_email,")) {
		t.Error("first render missing header")
	}
	if bytes.HasPrefix(second, []byte("input_email,")) {
		t.Error("header repeated on second render")
	}

	rows, err := csv.NewReader(bytes.NewReader(first)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[1]
	if row[0] != "alice@example.com" || row[2] != "82" || row[3] != "Critical" {
		t.Errorf("row = %v", row)
	}
	if row[7] != "GB" || row[8] != "zen.spamhaus.org" {
		t.Errorf("geo/dnsbl columns = %v", row)
	}
	if !strings.Contains(row[9], "lets_encrypt(+55)") {
		t.Errorf("signals column = %q", row[9])
	}
}

func TestTextRenderer(t *testing.T) {
	r := NewTextRenderer()
	b, err := r.Render(sampleResult())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := string(b)
	for _, want := range []string{
		"Risk:    82 (Critical)",
		"issuer=R11",
		"203.0.113.7 (London, GB)",
		"listed on zen.spamhaus.org (weight 60)",
		"lets_encrypt",
		"+55",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestWriterCompact(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("jsonl", &buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteResult(sampleResult()); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	if err := w.WriteResult(sampleResult()); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("line 1 not JSON: %v", err)
	}
}

func TestWriterUnknownFormat(t *testing.T) {
	if _, err := NewWriter("parquet", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
