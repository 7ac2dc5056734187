package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/credgate/internal/circuitbreaker"
)

// ProviderPolicy bounds traffic to one provider. Zero fields are unlimited.
type ProviderPolicy struct {
	MaxConcurrent int
	MaxPerWindow  int
	Window        time.Duration
}

// Options configures a ProviderLimiter.
type Options struct {
	Default  ProviderPolicy
	Policies map[string]ProviderPolicy // per-provider overrides

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// ConcurrencyRetryAfter is the hint returned for concurrency and
	// duplicate denials, which have no natural expiry.
	ConcurrencyRetryAfter time.Duration

	// CallTimeout bounds a shared call once it no longer follows the
	// context of the caller that started it.
	CallTimeout time.Duration

	Breaker *circuitbreaker.Breaker // optional
	Logger  *slog.Logger
}

// DefaultOptions returns 8 concurrent / 120 per minute per provider and
// three attempts starting at 500ms.
func DefaultOptions() Options {
	return Options{
		Default:               ProviderPolicy{MaxConcurrent: 8, MaxPerWindow: 120, Window: time.Minute},
		MaxAttempts:           3,
		BaseDelay:             500 * time.Millisecond,
		MaxDelay:              10 * time.Second,
		ConcurrencyRetryAfter: 250 * time.Millisecond,
		CallTimeout:           2 * time.Minute,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// RetryAfterMs is the retry hint in milliseconds.
func (d Decision) RetryAfterMs() int64 { return d.RetryAfter.Milliseconds() }

// requestRecord is an in-flight provider call. Never persisted.
type requestRecord struct {
	provider  string
	startedAt time.Time
}

// ProviderStats is a point-in-time view of one provider's admission state.
type ProviderStats struct {
	Provider    string `json:"provider"`
	InFlight    int    `json:"in_flight"`
	WindowCount int    `json:"window_count"`
	Circuit     string `json:"circuit"`
}

// ProviderLimiter admits, de-duplicates and retries outbound provider calls.
// State is process-local.
type ProviderLimiter struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	inflight map[string]requestRecord // requestKey -> record
	counts   map[string]int           // provider -> in-flight calls
	starts   map[string][]time.Time   // provider -> start times inside the window

	group singleflight.Group

	flightMu sync.Mutex
	flights  map[string]*flight // requestKey -> callers sharing one call
}

// flight is the context a coalesced call runs under. It outlives any
// single caller and is cancelled once every waiting caller has left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewProviderLimiter creates a limiter. Zero-valued retry settings fall
// back to DefaultOptions.
func NewProviderLimiter(opts Options) *ProviderLimiter {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.ConcurrencyRetryAfter <= 0 {
		opts.ConcurrencyRetryAfter = def.ConcurrencyRetryAfter
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProviderLimiter{
		opts:     opts,
		now:      time.Now,
		inflight: make(map[string]requestRecord),
		counts:   make(map[string]int),
		starts:   make(map[string][]time.Time),
		flights:  make(map[string]*flight),
	}
}

// GenerateRequestKey fingerprints a call as hex(sha256(provider 0x00 payload)).
func GenerateRequestKey(provider string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (l *ProviderLimiter) policy(provider string) ProviderPolicy {
	if p, ok := l.opts.Policies[provider]; ok {
		return p
	}
	return l.opts.Default
}

// ShouldRateLimit reports whether a call with requestKey to provider would
// be admitted now. It does not reserve capacity.
func (l *ProviderLimiter) ShouldRateLimit(provider, requestKey string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decideLocked(provider, requestKey, false)
}

// decideLocked evaluates admission. The breaker is consulted last so a
// half-open probe slot is only consumed by a call that will run. Caller
// must hold l.mu.
func (l *ProviderLimiter) decideLocked(provider, requestKey string, consumeProbe bool) Decision {
	now := l.now()
	pol := l.policy(provider)

	if _, dup := l.inflight[requestKey]; dup {
		return Decision{Reason: ReasonDuplicate, RetryAfter: l.opts.ConcurrencyRetryAfter}
	}

	if pol.MaxConcurrent > 0 && l.counts[provider] >= pol.MaxConcurrent {
		return Decision{Reason: ReasonConcurrency, RetryAfter: l.opts.ConcurrencyRetryAfter}
	}

	if pol.MaxPerWindow > 0 && pol.Window > 0 {
		log := l.pruneLocked(provider, now, pol.Window)
		if len(log) >= pol.MaxPerWindow {
			return Decision{Reason: ReasonWindow, RetryAfter: log[0].Add(pol.Window).Sub(now)}
		}
	}

	if b := l.opts.Breaker; b != nil {
		if consumeProbe {
			if ok, wait := b.Admit(provider); !ok {
				return Decision{Reason: ReasonCircuitOpen, RetryAfter: wait}
			}
		} else if open, wait := b.Peek(provider); open {
			return Decision{Reason: ReasonCircuitOpen, RetryAfter: wait}
		}
	}

	return Decision{Allowed: true}
}

// pruneLocked drops window entries older than window and returns the rest.
func (l *ProviderLimiter) pruneLocked(provider string, now time.Time, window time.Duration) []time.Time {
	log := l.starts[provider]
	cutoff := now.Add(-window)
	i := sort.Search(len(log), func(i int) bool { return log[i].After(cutoff) })
	if i > 0 {
		log = append(log[:0], log[i:]...)
		l.starts[provider] = log
	}
	return log
}

// TrackRequestStart records an in-flight call. Starting a key that is
// already in flight is a no-op.
func (l *ProviderLimiter) TrackRequestStart(provider, requestKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startLocked(provider, requestKey)
}

func (l *ProviderLimiter) startLocked(provider, requestKey string) {
	if _, ok := l.inflight[requestKey]; ok {
		return
	}
	now := l.now()
	l.inflight[requestKey] = requestRecord{provider: provider, startedAt: now}
	l.counts[provider]++
	l.starts[provider] = append(l.starts[provider], now)
	providerInflight.WithLabelValues(provider).Set(float64(l.counts[provider]))
}

// TrackRequestComplete releases an in-flight call. Completing an unknown
// or already completed key is a no-op, so each start is released once.
func (l *ProviderLimiter) TrackRequestComplete(requestKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.inflight[requestKey]
	if !ok {
		return
	}
	delete(l.inflight, requestKey)
	l.counts[rec.provider]--
	if l.counts[rec.provider] <= 0 {
		delete(l.counts, rec.provider)
	}
	providerInflight.WithLabelValues(rec.provider).Set(float64(l.counts[rec.provider]))
}

// admit checks and reserves in one critical section.
func (l *ProviderLimiter) admit(provider, requestKey string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.decideLocked(provider, requestKey, true)
	if d.Allowed {
		l.startLocked(provider, requestKey)
		providerAdmissions.WithLabelValues(provider, "allowed").Inc()
	} else {
		providerAdmissions.WithLabelValues(provider, d.Reason).Inc()
	}
	return d
}

// InFlight returns the number of calls currently tracked.
func (l *ProviderLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Stats returns per-provider admission state, sorted by provider.
func (l *ProviderLimiter) Stats() []ProviderStats {
	l.mu.Lock()
	now := l.now()
	seen := make(map[string]struct{})
	for p := range l.counts {
		seen[p] = struct{}{}
	}
	for p := range l.starts {
		seen[p] = struct{}{}
	}
	out := make([]ProviderStats, 0, len(seen))
	for p := range seen {
		pol := l.policy(p)
		window := len(l.starts[p])
		if pol.Window > 0 {
			window = len(l.pruneLocked(p, now, pol.Window))
		}
		out = append(out, ProviderStats{Provider: p, InFlight: l.counts[p], WindowCount: window})
	}
	l.mu.Unlock()

	for i := range out {
		out[i].Circuit = circuitbreaker.StateClosed.String()
		if b := l.opts.Breaker; b != nil {
			out[i].Circuit = b.State(out[i].Provider).String()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Execute runs op against provider under admission control, retry and
// de-duplication. A call whose request key matches one already running
// waits for and shares that call's result instead of issuing its own;
// coalesced reports whether that happened. The shared call is cancelled
// only when every caller waiting on it has gone. A denied admission returns
// a *RateLimitedError without invoking op.
func Execute[T any](ctx context.Context, l *ProviderLimiter, provider string, payload []byte,
	op func(ctx context.Context) (T, error)) (result T, coalesced bool, err error) {

	key := GenerateRequestKey(provider, payload)

	f := l.join(ctx, key)
	defer l.leave(key, f)

	leader := false
	ch := l.group.DoChan(key, func() (any, error) {
		leader = true
		return l.run(f.ctx, provider, key, func(ctx context.Context) (any, error) {
			return op(ctx)
		})
	})

	select {
	case <-ctx.Done():
		return result, false, ctx.Err()
	case res := <-ch:
		if !leader {
			providerDedup.WithLabelValues(provider).Inc()
		}
		if res.Err != nil {
			return result, !leader, res.Err
		}
		v, _ := res.Val.(T)
		return v, !leader, nil
	}
}

// join registers a caller for key. The first caller's context donates its
// values (trace span, request ID) but not its cancellation.
func (l *ProviderLimiter) join(ctx context.Context, key string) *flight {
	l.flightMu.Lock()
	defer l.flightMu.Unlock()

	f, ok := l.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.CallTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		l.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops a caller; the last one out cancels the shared call.
func (l *ProviderLimiter) leave(key string, f *flight) {
	l.flightMu.Lock()
	defer l.flightMu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if l.flights[key] == f {
		delete(l.flights, key)
	}
}

// run is the body shared by every caller of one request key.
func (l *ProviderLimiter) run(ctx context.Context, provider, key string,
	op func(ctx context.Context) (any, error)) (any, error) {

	d := l.admit(provider, key)
	if !d.Allowed {
		return nil, &RateLimitedError{Provider: provider, Reason: d.Reason, RetryAfter: d.RetryAfter}
	}
	defer l.TrackRequestComplete(key)

	var out any
	err := l.backoff(ctx, provider, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})

	// A permanent (4xx) failure still proves the provider is answering.
	if b := l.opts.Breaker; b != nil {
		b.Report(provider, err == nil || !IsRetryable(err))
	}
	return out, err
}
