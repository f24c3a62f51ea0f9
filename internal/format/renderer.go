package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/scamadvisory/mailrisk/internal/diag"
)

// Format represents the output format type
type Format string

const (
	FormatJSON    Format = "json"
	FormatCompact Format = "compact"
	FormatCSV     Format = "csv"
	FormatText    Format = "text"
)

// Renderer turns one diagnostic result into bytes for a given format
type Renderer interface {
	Render(res *diag.Result) ([]byte, error)
	RenderStream(res *diag.Result, w io.Writer) error
}

// JSONRenderer renders indented JSON
type JSONRenderer struct {
	Indent bool
}

// NewJSONRenderer creates a new JSON renderer
func NewJSONRenderer(indent bool) *JSONRenderer {
	return &JSONRenderer{Indent: indent}
}

// Render formats a result as JSON bytes
func (r *JSONRenderer) Render(res *diag.Result) ([]byte, error) {
	if r.Indent {
		return json.MarshalIndent(res, "", "  ")
	}
	return json.Marshal(res)
}

// RenderStream writes JSON to a stream
func (r *JSONRenderer) RenderStream(res *diag.Result, w io.Writer) error {
	enc := json.NewEncoder(w)
	if r.Indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(res)
}

// CompactRenderer renders one result per line for pipelines
type CompactRenderer struct{}

// NewCompactRenderer creates a new compact renderer
func NewCompactRenderer() *CompactRenderer {
	return &CompactRenderer{}
}

// Render formats a result as a single JSON line
func (r *CompactRenderer) Render(res *diag.Result) ([]byte, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RenderStream writes one JSON line to a stream
func (r *CompactRenderer) RenderStream(res *diag.Result, w io.Writer) error {
	b, err := r.Render(res)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// TextRenderer renders a short operator-facing summary
type TextRenderer struct{}

// NewTextRenderer creates a new text renderer
func NewTextRenderer() *TextRenderer {
	return &TextRenderer{}
}

// Render formats a result as readable text
func (r *TextRenderer) Render(res *diag.Result) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Email:   %s\n", res.InputEmail)
	fmt.Fprintf(&b, "Domain:  %s\n", res.Domain)
	fmt.Fprintf(&b, "Risk:    %d (%s)\n", res.RiskScore, res.RiskLabel)

	tls := "no"
	if res.SSL.TLSValid {
		tls = "yes"
	}
	if res.Issuer.Summary != "" {
		fmt.Fprintf(&b, "TLS:     valid=%s issuer=%s\n", tls, res.Issuer.Summary)
	} else {
		fmt.Fprintf(&b, "TLS:     valid=%s\n", tls)
	}

	if len(res.IPDetails) > 0 {
		d := res.IPDetails[0]
		if d.Geo.Err != "" {
			fmt.Fprintf(&b, "IP:      %s (location unknown: %s)\n", d.IP, d.Geo.Err)
		} else {
			loc := d.Geo.CountryCode
			if d.Geo.City != "" {
				loc = d.Geo.City + ", " + d.Geo.CountryCode
			}
			fmt.Fprintf(&b, "IP:      %s (%s)\n", d.IP, loc)
		}
	} else {
		fmt.Fprintf(&b, "IP:      none resolved\n")
	}

	if res.DomainWhois.Err != "" {
		fmt.Fprintf(&b, "WHOIS:   %s\n", res.DomainWhois.Err)
	} else if res.DomainWhois.CreationDate != nil {
		fmt.Fprintf(&b, "WHOIS:   registered %s via %s\n",
			res.DomainWhois.CreationDate.Format("2006-01-02"), orDash(res.DomainWhois.Registrar))
	}

	for _, h := range res.Reputation.DNSBLHits {
		fmt.Fprintf(&b, "DNSBL:   listed on %s (weight %d)\n", h.Zone, h.Weight)
	}

	fmt.Fprintf(&b, "Signals:\n")
	for _, s := range res.Signals {
		fmt.Fprintf(&b, "  %-24s %s\n", s.Name, signedImpact(s.Impact))
	}
	return []byte(b.String()), nil
}

// RenderStream writes the text summary to a stream
func (r *TextRenderer) RenderStream(res *diag.Result, w io.Writer) error {
	b, err := r.Render(res)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func signedImpact(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if v >= 0 {
		return "+" + s
	}
	return s
}

// GetRenderer returns a renderer for the specified format
func GetRenderer(format Format) (Renderer, error) {
	switch format {
	case FormatJSON:
		return NewJSONRenderer(true), nil
	case FormatCompact:
		return NewCompactRenderer(), nil
	case FormatCSV:
		return NewCSVRenderer(), nil
	case FormatText:
		return NewTextRenderer(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// ParseFormat parses a format string
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "compact", "jsonl", "ndjson":
		return FormatCompact, nil
	case "csv":
		return FormatCSV, nil
	case "text":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}
