package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/scamadvisory/mailrisk/internal/httpclient"
)

const ipqsBase = "https://ipqualityscore.com"

// IPQSResult is the normalized fraud-score answer, or a soft error with a
// truncated response body for operators.
type IPQSResult struct {
	FraudScore  *int   `json:"fraud_score,omitempty"`
	Proxy       *bool  `json:"proxy,omitempty"`
	VPN         *bool  `json:"vpn,omitempty"`
	Tor         *bool  `json:"tor,omitempty"`
	RecentAbuse *bool  `json:"recent_abuse,omitempty"`
	Err         string `json:"error,omitempty"`
	Body        string `json:"body,omitempty"`
}

// IPQS queries the IPQualityScore IP endpoint.
type IPQS struct {
	hc   httpclient.Doer
	key  string
	ua   string
	base string
}

// NewIPQS returns nil when no key is configured; a nil provider is skipped
// entirely and its result key stays absent.
func NewIPQS(hc httpclient.Doer, key, ua string) *IPQS {
	if key == "" {
		return nil
	}
	return &IPQS{hc: hc, key: key, ua: ua, base: ipqsBase}
}

func (q *IPQS) Check(ctx context.Context, ip string) *IPQSResult {
	u := fmt.Sprintf("%s/api/json/ip/%s/%s?strictness=1&allow_public_access_points=true", q.base, q.key, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &IPQSResult{Err: fmt.Sprintf("ipqs failed: %v", err)}
	}
	req.Header.Set("User-Agent", q.ua)

	resp, err := q.hc.Do(req)
	if err != nil {
		return &IPQSResult{Err: fmt.Sprintf("ipqs failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &IPQSResult{
			Err:  fmt.Sprintf("ipqs status %d", resp.StatusCode),
			Body: string(body),
		}
	}

	var payload struct {
		FraudScore  *int  `json:"fraud_score"`
		Proxy       *bool `json:"proxy"`
		VPN         *bool `json:"vpn"`
		Tor         *bool `json:"tor"`
		RecentAbuse *bool `json:"recent_abuse"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &IPQSResult{Err: fmt.Sprintf("ipqs failed: %v", err)}
	}
	return &IPQSResult{
		FraudScore:  payload.FraudScore,
		Proxy:       payload.Proxy,
		VPN:         payload.VPN,
		Tor:         payload.Tor,
		RecentAbuse: payload.RecentAbuse,
	}
}
