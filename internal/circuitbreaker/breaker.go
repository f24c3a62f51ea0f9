package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrTooManyTrials = errors.New("too many trial calls in half-open state")
)

// Config holds breaker tuning.
type Config struct {
	// Interval is the closed-state counting window; counts reset when it
	// elapses.
	Interval time.Duration

	// Cooldown is how long the breaker stays open before admitting trial
	// calls.
	Cooldown time.Duration

	// MinCalls is the number of calls required in a window before the
	// failure ratio is evaluated.
	MinCalls uint32

	// FailureRatio at or above which the breaker trips.
	FailureRatio float64

	// TrialCalls is the number of calls admitted while half-open.
	TrialCalls uint32
}

// DefaultConfig suits slow third-party reputation and geo endpoints.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		Cooldown:     30 * time.Second,
		MinCalls:     5,
		FailureRatio: 0.6,
		TrialCalls:   1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MinCalls == 0 {
		c.MinCalls = d.MinCalls
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = d.FailureRatio
	}
	if c.TrialCalls == 0 {
		c.TrialCalls = d.TrialCalls
	}
	return c
}

// Breaker guards calls to one upstream. Closed counts failures over a
// rolling window and trips once the ratio is crossed; open fails fast until
// the cooldown elapses; half-open admits a bounded number of trial calls
// and either resets or re-trips on their outcome.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	calls     uint32
	failures  uint32
	inFlight  uint32
	windowEnd time.Time
	retryAt   time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Do runs fn if the breaker admits the call. The error from fn is returned
// unchanged; ErrOpen and ErrTooManyTrials mean fn never ran.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns calls and failures recorded in the current window.
func (b *Breaker) Counts() (calls, failures uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls, b.failures
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		if now.After(b.windowEnd) {
			b.calls, b.failures = 0, 0
			b.windowEnd = now.Add(b.cfg.Interval)
		}
		return nil
	case StateOpen:
		if now.Before(b.retryAt) {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		fallthrough
	default: // StateHalfOpen
		if b.inFlight >= b.cfg.TrialCalls {
			return ErrTooManyTrials
		}
		b.inFlight++
		return nil
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.calls++
		if !ok {
			b.failures++
		}
		if b.calls >= b.cfg.MinCalls &&
			float64(b.failures)/float64(b.calls) >= b.cfg.FailureRatio {
			b.trip(now)
		}
	case StateHalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		if ok {
			b.reset(now)
		} else {
			b.trip(now)
		}
	case StateOpen:
		// A trial admitted before a concurrent trial re-tripped the
		// breaker may land here; its result no longer matters.
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.retryAt = now.Add(b.cfg.Cooldown)
	b.calls, b.failures, b.inFlight = 0, 0, 0
}

func (b *Breaker) reset(now time.Time) {
	b.state = StateClosed
	b.calls, b.failures, b.inFlight = 0, 0, 0
	b.windowEnd = now.Add(b.cfg.Interval)
}

// Stats is a point-in-time view of one breaker, keyed by host in
// PerHost.Snapshot.
type Stats struct {
	State    string `json:"state"`
	Calls    uint32 `json:"calls"`
	Failures uint32 `json:"failures"`
}

// PerHost lazily creates one Breaker per upstream host.
type PerHost struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewPerHost(cfg Config) *PerHost {
	return &PerHost{cfg: cfg.withDefaults(), breakers: make(map[string]*Breaker)}
}

// Do runs fn under the breaker for host.
func (p *PerHost) Do(host string, fn func() error) error {
	return p.get(host).Do(fn)
}

// State returns the state of the breaker for host.
func (p *PerHost) State(host string) State {
	return p.get(host).State()
}

// Reset drops the breaker for host so the next call starts closed.
func (p *PerHost) Reset(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, host)
}

// Snapshot returns current stats for every host seen so far.
func (p *PerHost) Snapshot() map[string]Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Stats, len(p.breakers))
	for host, b := range p.breakers {
		calls, failures := b.Counts()
		out[host] = Stats{State: b.State().String(), Calls: calls, Failures: failures}
	}
	return out
}

func (p *PerHost) get(host string) *Breaker {
	p.mu.RLock()
	b, ok := p.breakers[host]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[host]; ok {
		return b
	}
	b = New(p.cfg)
	p.breakers[host] = b
	return b
}
