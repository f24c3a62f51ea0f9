package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerKey tracks one token bucket per key. The HTTP layer keys by client
// address; the queue workers key by provider name.
type PerKey struct {
	mu         sync.Mutex
	m          map[string]*limitEntry
	perSecond  float64
	burst      int
	maxEntries int
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func New(perSecond float64, burst int) *PerKey {
	pk := &PerKey{
		m:          make(map[string]*limitEntry),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: 10000, // Prevent unlimited growth
	}

	go pk.cleanup()
	return pk
}

// PerMinute is a convenience constructor for request-per-minute budgets.
func PerMinute(perMinute float64, burst int) *PerKey {
	return New(perMinute/60.0, burst)
}

func (p *PerKey) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if len(p.m) > p.maxEntries {
			// Remove entries older than 1 hour
			cutoff := time.Now().Add(-1 * time.Hour)
			for key, entry := range p.m {
				if entry.lastUsed.Before(cutoff) {
					delete(p.m, key)
				}
			}
		}
		p.mu.Unlock()
	}
}

func (p *PerKey) get(key string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.m[key]
	if !ok {
		entry = &limitEntry{
			limiter:  rate.NewLimiter(rate.Limit(p.perSecond), p.burst),
			lastUsed: time.Now(),
		}
		p.m[key] = entry
	} else {
		entry.lastUsed = time.Now()
	}
	return entry
}

// Allow reports whether one event may proceed now for key.
func (p *PerKey) Allow(key string) bool {
	return p.get(key).limiter.Allow()
}

// Wait blocks until one event may proceed for key.
func (p *PerKey) Wait(key string) {
	_ = p.get(key).limiter.Wait(context.Background())
}
