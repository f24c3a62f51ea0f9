package format

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/scamadvisory/mailrisk/internal/diag"
)

// csvHeader is the flattened summary row layout
var csvHeader = []string{
	"input_email", "domain", "risk_score", "risk_label",
	"tls_valid", "issuer_summary", "ip", "country_code", "dnsbl_zone", "signals",
}

// CSVRenderer renders a flattened one-row summary per result
type CSVRenderer struct {
	hasHeader bool
}

// NewCSVRenderer creates a new CSV renderer
func NewCSVRenderer() *CSVRenderer {
	return &CSVRenderer{}
}

// Render formats a result as a CSV row, prefixed with the header on first use
func (r *CSVRenderer) Render(res *diag.Result) ([]byte, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if !r.hasHeader {
		if err := w.Write(csvHeader); err != nil {
			return nil, err
		}
		r.hasHeader = true
	}
	if err := w.Write(csvRow(res)); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// RenderStream writes the CSV row to a stream
func (r *CSVRenderer) RenderStream(res *diag.Result, w io.Writer) error {
	b, err := r.Render(res)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func csvRow(res *diag.Result) []string {
	ip, cc := "", ""
	if len(res.IPDetails) > 0 {
		ip = res.IPDetails[0].IP
		cc = res.IPDetails[0].Geo.CountryCode
	}
	zone := ""
	if len(res.Reputation.DNSBLHits) > 0 {
		zone = res.Reputation.DNSBLHits[0].Zone
	}
	names := make([]string, 0, len(res.Signals))
	for _, s := range res.Signals {
		names = append(names, s.Name+"("+signedImpact(s.Impact)+")")
	}
	return []string{
		res.InputEmail,
		res.Domain,
		strconv.Itoa(res.RiskScore),
		string(res.RiskLabel),
		strconv.FormatBool(res.SSL.TLSValid),
		res.Issuer.Summary,
		ip,
		cc,
		zone,
		strings.Join(names, ";"),
	}
}

// Writer serializes results to a stream with a shared renderer. Safe for
// concurrent use by the queue workers.
type Writer struct {
	mu sync.Mutex
	r  Renderer
	w  io.Writer
}

// NewWriter creates a writer for the named format
func NewWriter(format string, w io.Writer) (*Writer, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	r, err := GetRenderer(f)
	if err != nil {
		return nil, err
	}
	return &Writer{r: r, w: w}, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

// WriteResult renders and writes one result
func (w *Writer) WriteResult(res *diag.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.r.RenderStream(res, w.w)
}
