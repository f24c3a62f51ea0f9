// Package reputation aggregates blocklist and commercial abuse intelligence
// for a single address. Every provider fails soft: an unreachable or
// erroring provider contributes a marker, never an aborted diagnostic.
package reputation

import (
	"context"
	"sync"
)

// Bundle aggregates provider outcomes for one address. Keyed providers are
// nil when unconfigured, which the JSON encoding renders as an absent key.
type Bundle struct {
	DNSBLHits []DNSBLHit       `json:"dnsbl_hits,omitempty"`
	AbuseIPDB *AbuseIPDBResult `json:"abuseipdb,omitempty"`
	IPQS      *IPQSResult      `json:"ipqs,omitempty"`
}

// Set runs every configured provider against one address. The keyed API
// lookups run in parallel; blocklist zones stay strictly ordered inside
// DNSBL.
type Set struct {
	DNSBL     *DNSBL
	AbuseIPDB *AbuseIPDB
	IPQS      *IPQS
}

func (s *Set) Check(ctx context.Context, ip string) Bundle {
	var b Bundle
	var wg sync.WaitGroup
	if s.DNSBL != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.DNSBLHits = s.DNSBL.Check(ctx, ip)
		}()
	}
	if s.AbuseIPDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.AbuseIPDB = s.AbuseIPDB.Check(ctx, ip)
		}()
	}
	if s.IPQS != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.IPQS = s.IPQS.Check(ctx, ip)
		}()
	}
	wg.Wait()
	return b
}
