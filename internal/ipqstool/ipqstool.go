// Package ipqstool is a thin multi-endpoint IPQualityScore client for the
// passthrough CLI. It hits the ip, email, phone and url document APIs,
// retries only on 429 and 5xx answers, and hands back the provider's JSON
// either raw or as a one-screen summary.
package ipqstool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scamadvisory/mailrisk/internal/httpclient"
)

const defaultBase = "https://ipqualityscore.com/api/json"

// Options carries the provider's accuracy knobs. Strictness and Fast apply
// to every endpoint; the rest are read only by the endpoint they belong to.
type Options struct {
	Strictness int
	Fast       bool

	// ip
	AllowPublicAccessPoints bool
	Mobile                  bool
	LighterPenalties        bool
	TransactionStrictness   int
	UserAgent               string

	// email
	LookupTimeout int
	SuggestDomain bool

	// phone
	Country        string
	LineTypeDetect bool
}

// DefaultOptions matches the provider's documented defaults.
func DefaultOptions() Options {
	return Options{Strictness: 1, TransactionStrictness: 1, LookupTimeout: 7}
}

// QueryError is a non-retryable provider answer, carrying the message field
// from the response body when one was present.
type QueryError struct {
	Status  int
	Message string
}

func (e *QueryError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ipqs: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("ipqs: %d %s", e.Status, http.StatusText(e.Status))
}

// Report is one provider document.
type Report struct {
	Raw  []byte
	Data map[string]interface{}
}

// JSON renders the document indented with sorted keys.
func (r Report) JSON() (string, error) {
	out, err := json.MarshalIndent(r.Data, "", "  ")
	return string(out), err
}

type Client struct {
	hc         httpclient.Doer
	key        string
	base       string
	maxRetries uint64
	retryWait  time.Duration
}

func New(hc httpclient.Doer, key string) *Client {
	if hc == nil {
		hc = httpclient.New(10 * time.Second)
	}
	return &Client{hc: hc, key: key, base: defaultBase, maxRetries: 4, retryWait: 500 * time.Millisecond}
}

func (c *Client) IP(ctx context.Context, ip string, o Options) (Report, error) {
	return c.fetch(ctx, "ip", url.PathEscape(ip), o.ipParams())
}

func (c *Client) Email(ctx context.Context, email string, o Options) (Report, error) {
	return c.fetch(ctx, "email", url.PathEscape(email), o.emailParams())
}

func (c *Client) Phone(ctx context.Context, phone string, o Options) (Report, error) {
	return c.fetch(ctx, "phone", url.PathEscape(phone), o.phoneParams())
}

// URL scans a web address. The target is fully escaped so its own scheme
// and path survive as one path segment.
func (c *Client) URL(ctx context.Context, target string, o Options) (Report, error) {
	return c.fetch(ctx, "url", url.QueryEscape(target), o.urlParams())
}

func (c *Client) fetch(ctx context.Context, endpoint, target string, params url.Values) (Report, error) {
	u := fmt.Sprintf("%s/%s/%s/%s", c.base, endpoint, c.key, target)
	if enc := params.Encode(); enc != "" {
		u += "?" + enc
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("ipqs status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&QueryError{Status: resp.StatusCode, Message: providerMessage(data)})
		}
		body = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)); err != nil {
		return Report{}, err
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return Report{}, fmt.Errorf("ipqs: decode response: %w", err)
	}
	return Report{Raw: body, Data: data}, nil
}

func providerMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}

func (o Options) ipParams() url.Values {
	v := url.Values{}
	v.Set("strictness", strconv.Itoa(o.Strictness))
	v.Set("fast", strconv.FormatBool(o.Fast))
	v.Set("allow_public_access_points", strconv.FormatBool(o.AllowPublicAccessPoints))
	v.Set("mobile", strconv.FormatBool(o.Mobile))
	v.Set("lighter_penalties", strconv.FormatBool(o.LighterPenalties))
	v.Set("transaction_strictness", strconv.Itoa(o.TransactionStrictness))
	v.Set("user_agent", o.UserAgent)
	return v
}

func (o Options) emailParams() url.Values {
	v := url.Values{}
	v.Set("timeout", strconv.Itoa(o.LookupTimeout))
	v.Set("fast", strconv.FormatBool(o.Fast))
	v.Set("strictness", strconv.Itoa(o.Strictness))
	v.Set("suggest_domain", strconv.FormatBool(o.SuggestDomain))
	return v
}

func (o Options) phoneParams() url.Values {
	v := url.Values{}
	v.Set("country", o.Country)
	v.Set("strictness", strconv.Itoa(o.Strictness))
	v.Set("line_type_detect", strconv.FormatBool(o.LineTypeDetect))
	v.Set("fast", strconv.FormatBool(o.Fast))
	return v
}

func (o Options) urlParams() url.Values {
	v := url.Values{}
	v.Set("strictness", strconv.Itoa(o.Strictness))
	v.Set("fast", strconv.FormatBool(o.Fast))
	v.Set("risk_score", "true")
	v.Set("malware", "true")
	v.Set("phishing", "true")
	return v
}

var ipFlagKeys = []string{"proxy", "vpn", "tor", "bot_status", "recent_abuse", "leaked", "mobile", "corporate_proxy", "active_vpn"}

// SummarizeIP renders the document the way an analyst skims it: identity
// line, raised flags, then a coarse risk level.
func SummarizeIP(r Report) string {
	d := r.Data
	parts := []string{fmt.Sprintf("IP: %s  Country: %s  FraudScore: %s",
		display(d, "request"), display(d, "country_code"), display(d, "fraud_score"))}

	var flags []string
	for _, k := range ipFlagKeys {
		if b, ok := d[k].(bool); ok && b {
			flags = append(flags, k)
		}
	}
	if len(flags) > 0 {
		parts = append(parts, "Flags: "+strings.Join(flags, ", "))
	}

	if risk, ok := riskValue(d); ok {
		parts = append(parts, "Risk level: "+riskLevel(risk))
	}
	if note := stringField(d, "message"); note != "" {
		parts = append(parts, "Note: "+note)
	} else if note := stringField(d, "region"); note != "" {
		parts = append(parts, "Note: "+note)
	}
	return strings.Join(parts, "\n")
}

func SummarizeEmail(r Report) string {
	d := r.Data
	parts := []string{
		fmt.Sprintf("Email: %s (domain: %s)", display(d, "request"), display(d, "domain")),
		fmt.Sprintf("Valid: %s  Deliverability: %s  FraudScore: %s",
			display(d, "valid"), display(d, "deliverability"), display(d, "fraud_score")),
		fmt.Sprintf("Disposable: %s  Recent Abuse: %s",
			display(d, "disposable"), display(d, "recent_abuse")),
	}
	if note := stringField(d, "message"); note != "" {
		parts = append(parts, "Note: "+note)
	}
	return strings.Join(parts, "\n")
}

func SummarizePhone(r Report) string {
	d := r.Data
	parts := []string{
		fmt.Sprintf("Phone: %s  Country: %s", display(d, "request"), display(d, "country")),
		fmt.Sprintf("Valid: %s  Active: %s  Line Type: %s  Carrier: %s",
			display(d, "valid"), display(d, "active"), display(d, "line_type"), display(d, "carrier")),
		fmt.Sprintf("FraudScore: %s  Recent Abuse: %s",
			display(d, "fraud_score"), display(d, "recent_abuse")),
	}
	if note := stringField(d, "message"); note != "" {
		parts = append(parts, "Note: "+note)
	}
	return strings.Join(parts, "\n")
}

func SummarizeURL(r Report) string {
	d := r.Data
	riskScore := display(d, "risk_score")
	if riskScore == "-" || riskScore == "0" {
		riskScore = display(d, "fraud_score")
	}
	parts := []string{
		"URL: " + display(d, "request"),
		fmt.Sprintf("FraudScore: %s  RiskScore: %s", display(d, "fraud_score"), riskScore),
		fmt.Sprintf("Suspicious: %s  Unsafe: %s  Phishing: %s  Malware: %s",
			display(d, "suspicious"), display(d, "unsafe"), display(d, "phishing"), display(d, "malware")),
	}
	if note := stringField(d, "message"); note != "" {
		parts = append(parts, "Note: "+note)
	}
	return strings.Join(parts, "\n")
}

func display(d map[string]interface{}, key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return "-"
	}
	return fmt.Sprintf("%v", v)
}

func stringField(d map[string]interface{}, key string) string {
	s, _ := d[key].(string)
	return s
}

// riskValue prefers risk_score but falls back to fraud_score when the
// former is missing or zero.
func riskValue(d map[string]interface{}) (float64, bool) {
	risk, ok := numberField(d, "risk_score")
	if !ok || risk == 0 {
		if fs, fsOK := numberField(d, "fraud_score"); fsOK {
			return fs, true
		}
	}
	return risk, ok
}

func riskLevel(risk float64) string {
	switch {
	case risk >= 85:
		return "CRITICAL"
	case risk >= 75:
		return "HIGH"
	case risk >= 50:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func numberField(d map[string]interface{}, key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
