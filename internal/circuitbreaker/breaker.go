// Package circuitbreaker trips per-provider circuits after consecutive
// upstream failures so admission control can shed load from a dead vendor.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one provider's circuit.
type State int

const (
	StateClosed   State = iota // traffic flows
	StateOpen                  // cooling down, traffic refused
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credgate",
	Subsystem: "provider_breaker",
	Name:      "state_transitions_total",
	Help:      "Provider circuit state transitions by provider, from-state, and to-state.",
}, []string{"provider", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Status is a point-in-time view of one circuit.
type Status struct {
	Provider   string        `json:"provider"`
	State      string        `json:"state"`
	Failures   int           `json:"failures"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probedAt time.Time
}

// Breaker holds one circuit per provider. A circuit opens after threshold
// consecutive failures, refuses traffic for the cooldown, then admits a
// single probe whose outcome closes or re-opens it.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	probeTimeout time.Duration
	now          func() time.Time
	hook         func(provider string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithProbeTimeout bounds how long a half-open probe may go unreported
// before another caller is allowed to probe. Defaults to the cooldown.
func WithProbeTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.probeTimeout = d }
}

// WithTransitionHook is called synchronously, under the breaker lock, on
// every state change. It must not call back into the Breaker.
func WithTransitionHook(fn func(provider string, from, to State)) Option {
	return func(b *Breaker) { b.hook = fn }
}

// New returns a Breaker. Non-positive arguments fall back to 5 failures
// and a 30s cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.probeTimeout <= 0 {
		b.probeTimeout = cooldown
	}
	return b
}

// Admit decides whether a call to provider may go out. Once the cooldown
// has elapsed the first caller becomes the probe; everyone else keeps
// getting refused until the probe is reported.
func (b *Breaker) Admit(provider string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if !ok {
		return true, 0
	}
	now := b.now()
	switch c.state {
	case StateOpen:
		if wait := c.openedAt.Add(b.cooldown).Sub(now); wait > 0 {
			return false, wait
		}
		b.move(c, provider, StateHalfOpen)
		c.probedAt = now
		return true, 0
	case StateHalfOpen:
		if now.Sub(c.probedAt) >= b.probeTimeout {
			c.probedAt = now
			return true, 0
		}
		return false, b.probeTimeout - now.Sub(c.probedAt)
	default:
		return true, 0
	}
}

// Peek reports whether provider is inside its cooldown without claiming
// the probe slot.
func (b *Breaker) Peek(provider string) (open bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if !ok || c.state != StateOpen {
		return false, 0
	}
	if wait := c.openedAt.Add(b.cooldown).Sub(b.now()); wait > 0 {
		return true, wait
	}
	return false, 0
}

// Report records the outcome of an admitted call.
func (b *Breaker) Report(provider string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if healthy {
		if !ok {
			return
		}
		c.failures = 0
		if c.state != StateClosed {
			b.move(c, provider, StateClosed)
		}
		return
	}

	if !ok {
		c = &circuit{}
		b.circuits[provider] = c
	}
	c.failures++
	switch {
	case c.state == StateHalfOpen,
		c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.move(c, provider, StateOpen)
	}
}

// Reset closes provider's circuit and forgets its failures.
func (b *Breaker) Reset(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[provider]; ok {
		b.move(c, provider, StateClosed)
		delete(b.circuits, provider)
	}
}

// State returns provider's current state; unknown providers are closed.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[provider]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot lists every provider that has recorded a failure, by name.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Status, 0, len(b.circuits))
	for name, c := range b.circuits {
		st := Status{Provider: name, State: c.state.String(), Failures: c.failures}
		if c.state == StateOpen {
			if wait := c.openedAt.Add(b.cooldown).Sub(now); wait > 0 {
				st.RetryAfter = wait
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// move must be called with b.mu held.
func (b *Breaker) move(c *circuit, provider string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(provider, from.String(), to.String()).Inc()
	if b.hook != nil {
		b.hook(provider, from, to)
	}
}
