package httpclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/scamadvisory/mailrisk/internal/circuitbreaker"
)

// Doer is the request surface providers depend on. Both *http.Client and
// *Resilient satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New returns a client tuned for one-shot probe traffic against third-party
// APIs. The timeout bounds the whole exchange, connect through body.
func New(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          64,
		MaxConnsPerHost:       8,
		MaxIdleConnsPerHost:   4,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Default matches the engine's standard probe timeout.
func Default() *http.Client {
	return New(6 * time.Second)
}

var errServerStatus = errors.New("server error status")

// Resilient wraps a client with per-host circuit breakers. A 5xx answer
// counts against the breaker but is still handed back to the caller as a
// normal response, since providers score non-2xx statuses as soft errors
// rather than transport failures.
type Resilient struct {
	client   *http.Client
	breakers *circuitbreaker.PerHost
}

func NewResilient(client *http.Client) *Resilient {
	if client == nil {
		client = Default()
	}
	return &Resilient{
		client:   client,
		breakers: circuitbreaker.NewPerHost(circuitbreaker.DefaultConfig()),
	}
}

func (c *Resilient) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	if host == "" {
		host = req.URL.Host
	}

	var resp *http.Response
	var reqErr error
	err := c.breakers.Do(host, func() error {
		resp, reqErr = c.client.Do(req)
		if reqErr != nil {
			return reqErr
		}
		if resp.StatusCode >= 500 {
			return errServerStatus
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyTrials) {
		return nil, fmt.Errorf("%s: %w", host, err)
	}
	return resp, reqErr
}

// Snapshot exposes breaker stats per upstream host.
func (c *Resilient) Snapshot() map[string]circuitbreaker.Stats {
	return c.breakers.Snapshot()
}
