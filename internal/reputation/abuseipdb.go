package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/scamadvisory/mailrisk/internal/httpclient"
)

const abuseIPDBBase = "https://api.abuseipdb.com"

// AbuseIPDBResult is the normalized abuse-confidence answer, or a soft
// error with a truncated response body for operators.
type AbuseIPDBResult struct {
	ConfidenceScore *int   `json:"confidence_score,omitempty"`
	TotalReports    *int   `json:"total_reports,omitempty"`
	Err             string `json:"error,omitempty"`
	Body            string `json:"body,omitempty"`
}

// AbuseIPDB queries the AbuseIPDB v2 check endpoint.
type AbuseIPDB struct {
	hc   httpclient.Doer
	key  string
	ua   string
	base string
}

// NewAbuseIPDB returns nil when no key is configured; a nil provider is
// skipped entirely and its result key stays absent.
func NewAbuseIPDB(hc httpclient.Doer, key, ua string) *AbuseIPDB {
	if key == "" {
		return nil
	}
	return &AbuseIPDB{hc: hc, key: key, ua: ua, base: abuseIPDBBase}
}

func (a *AbuseIPDB) Check(ctx context.Context, ip string) *AbuseIPDBResult {
	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", "365")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/v2/check?"+q.Encode(), nil)
	if err != nil {
		return &AbuseIPDBResult{Err: fmt.Sprintf("abuseipdb failed: %v", err)}
	}
	req.Header.Set("Key", a.key)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.ua)

	resp, err := a.hc.Do(req)
	if err != nil {
		return &AbuseIPDBResult{Err: fmt.Sprintf("abuseipdb failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &AbuseIPDBResult{
			Err:  fmt.Sprintf("abuseipdb status %d", resp.StatusCode),
			Body: string(body),
		}
	}

	var payload struct {
		Data struct {
			AbuseConfidenceScore *int `json:"abuseConfidenceScore"`
			TotalReports         *int `json:"totalReports"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &AbuseIPDBResult{Err: fmt.Sprintf("abuseipdb failed: %v", err)}
	}
	return &AbuseIPDBResult{
		ConfidenceScore: payload.Data.AbuseConfidenceScore,
		TotalReports:    payload.Data.TotalReports,
	}
}
