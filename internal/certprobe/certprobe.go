package certprobe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"strings"
	"time"
)

const leMarker = "Let's Encrypt"

// Issuer carries the leaf certificate facts scoring consumes.
type Issuer struct {
	Country     string     `json:"issuer_country,omitempty"`
	Org         string     `json:"issuer_org,omitempty"`
	CommonName  string     `json:"issuer_common_name,omitempty"`
	NotAfter    *time.Time `json:"not_after,omitempty"`
	SelfSigned  bool       `json:"is_self_signed"`
	Summary     string     `json:"issuer_summary,omitempty"`
	LetsEncrypt bool       `json:"is_lets_encrypt"`
}

// Summary is the outcome of one two-phase probe. TLSValid reports whether
// the verified handshake succeeded; Issuer may still be populated from the
// unverified fallback when it did not.
type Summary struct {
	TLSValid bool
	Issuer   Issuer
}

// Prober dials TLS endpoints with a bounded timeout. A nil roots pool means
// the system trust store.
type Prober struct {
	timeout time.Duration
	roots   *x509.CertPool
}

func New(timeout time.Duration) *Prober {
	return &Prober{timeout: timeout}
}

// Probe attempts a verified handshake first; success marks the endpoint
// valid and yields the leaf facts. On failure a second, unverified
// handshake runs solely to recover issuer facts, so a self-signed or
// expired certificate still feeds scoring. Both failing leaves an
// all-absent summary.
func (p *Prober) Probe(ctx context.Context, host string, port int) Summary {
	var out Summary
	if leaf := p.handshake(ctx, host, port, false); leaf != nil {
		out.TLSValid = true
		out.Issuer = parseLeaf(leaf)
		return out
	}
	if leaf := p.handshake(ctx, host, port, true); leaf != nil {
		out.Issuer = parseLeaf(leaf)
	}
	return out
}

func (p *Prober) handshake(ctx context.Context, host string, port int, insecure bool) *x509.Certificate {
	cfg := &tls.Config{
		ServerName:         host,
		RootCAs:            p.roots,
		InsecureSkipVerify: insecure,
	}
	if insecure {
		// the fallback exists to read certificates off legacy endpoints
		cfg.MinVersion = tls.VersionTLS10
	}
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.timeout},
		Config:    cfg,
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := d.DialContext(cctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil
	}
	defer conn.Close()
	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

func parseLeaf(leaf *x509.Certificate) Issuer {
	out := Issuer{CommonName: leaf.Issuer.CommonName}
	if len(leaf.Issuer.Country) > 0 {
		out.Country = leaf.Issuer.Country[0]
	}
	if len(leaf.Issuer.Organization) > 0 {
		out.Org = leaf.Issuer.Organization[0]
	}
	na := leaf.NotAfter.UTC()
	if !na.IsZero() {
		out.NotAfter = &na
	}
	out.SelfSigned = bytes.Equal(leaf.RawSubject, leaf.RawIssuer)
	out.LetsEncrypt = strings.Contains(out.CommonName, leMarker)
	for _, org := range leaf.Issuer.Organization {
		if strings.Contains(org, leMarker) {
			out.LetsEncrypt = true
		}
	}
	out.Summary = out.CommonName
	if out.Summary == "" {
		out.Summary = out.Org
	}
	return out
}
