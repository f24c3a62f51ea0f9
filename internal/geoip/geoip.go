package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/scamadvisory/mailrisk/internal/httpclient"
)

const defaultBase = "http://ip-api.com"

// Summary is the normalized location for one address, or a soft error
// marker when the lookup failed.
type Summary struct {
	Country     string   `json:"country,omitempty"`
	CountryCode string   `json:"country_code,omitempty"`
	Region      string   `json:"region,omitempty"`
	City        string   `json:"city,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	ISP         string   `json:"isp,omitempty"`
	Org         string   `json:"org,omitempty"`
	Err         string   `json:"error,omitempty"`
}

// IPDetail pairs a resolved address with its location.
type IPDetail struct {
	IP  string  `json:"ip"`
	Geo Summary `json:"geo"`
}

// provider wire format; field names are the provider's, not ours
type apiResponse struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	Country     string   `json:"country"`
	CountryCode string   `json:"countryCode"`
	RegionName  string   `json:"regionName"`
	City        string   `json:"city"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	ISP         string   `json:"isp"`
	Org         string   `json:"org"`
}

// Locator resolves addresses against the ip-api.com JSON endpoint.
type Locator struct {
	hc   httpclient.Doer
	ua   string
	base string
}

func New(hc httpclient.Doer, ua string) *Locator {
	return &Locator{hc: hc, ua: ua, base: defaultBase}
}

// Locate fetches the location for ip. Every failure mode lands in the Err
// field so one dead provider never aborts a diagnostic.
func (l *Locator) Locate(ctx context.Context, ip string) Summary {
	u := l.base + "/json/" + ip + "?fields=status,message,country,countryCode,regionName,city,lat,lon,isp,org"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Summary{Err: fmt.Sprintf("geo failed: %v", err)}
	}
	req.Header.Set("User-Agent", l.ua)

	resp, err := l.hc.Do(req)
	if err != nil {
		return Summary{Err: fmt.Sprintf("geo failed: %v", err)}
	}
	defer resp.Body.Close()

	var r apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Summary{Err: fmt.Sprintf("geo failed: %v", err)}
	}
	if r.Status != "success" {
		return Summary{Err: fmt.Sprintf("geo failed: %s", r.Message)}
	}
	return Summary{
		Country:     r.Country,
		CountryCode: r.CountryCode,
		Region:      r.RegionName,
		City:        r.City,
		Lat:         r.Lat,
		Lon:         r.Lon,
		ISP:         r.ISP,
		Org:         r.Org,
	}
}
