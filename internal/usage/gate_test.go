package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/providers"
	"github.com/mbd888/credgate/internal/ratelimit"
)

func newLedger(t *testing.T) *credits.Ledger {
	t.Helper()
	return credits.New(credits.NewMemoryStore())
}

func int64p(v int64) *int64 { return &v }

// drain spends credits so that exactly remaining are left on a starter account.
func drain(t *testing.T, l *credits.Ledger, userID string, remaining int64) {
	t.Helper()
	spend := credits.PlanFor(credits.TierStarter).MonthlyCredits - remaining
	if spend > 0 {
		_, err := l.Deduct(context.Background(), userID, spend, "setup")
		require.NoError(t, err)
	}
}

func TestAuthorize_ScenarioInsufficientThenExact(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	gate := NewGate(ledger)
	drain(t, ledger, "u1", 2)

	_, err := gate.Authorize(ctx, "u1", "custom-job", int64p(5))
	require.Error(t, err)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.True(t, errors.Is(err, ErrDenied))
	assert.True(t, errors.Is(err, credits.ErrInsufficientCredits))
	assert.Equal(t, ReasonInsufficientCredits, denied.Reason)
	assert.Equal(t, int64(5), denied.Required)
	assert.Equal(t, int64(2), denied.Remaining)

	acct, err := ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(48), acct.Balance.UsedCredits, "denied authorization must not deduct")

	auth, err := gate.Authorize(ctx, "u1", "custom-job", int64p(2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), auth.Cost)
	assert.Equal(t, int64(0), auth.RemainingAfter)

	acct, err = ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.Balance.UsedCredits)

	history, err := ledger.History(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(-2), history[0].Amount)
	assert.Equal(t, "custom-job", history[0].Description)
}

func TestAuthorize_CostResolution(t *testing.T) {
	gate := NewGate(newLedger(t))
	ctx := context.Background()

	auth, err := gate.Authorize(ctx, "u1", ActionSlideGeneration, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), auth.Cost)

	// A table entry wins over a custom amount.
	auth, err = gate.Authorize(ctx, "u1", ActionChatResponse, int64p(40))
	require.NoError(t, err)
	assert.Equal(t, int64(1), auth.Cost)

	_, err = gate.Authorize(ctx, "u1", "interpretive-dance", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = gate.Authorize(ctx, "u1", "interpretive-dance", int64p(0))
	assert.ErrorIs(t, err, ErrInvalidAction)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = gate.Authorize(ctx, "", ActionChatResponse, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorize_Unlimited(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	_, err := ledger.ChangeTier(ctx, "u1", credits.TierUnlimited)
	require.NoError(t, err)

	gate := NewGate(ledger)
	for i := 0; i < 3; i++ {
		auth, err := gate.Authorize(ctx, "u1", "bulk", int64p(1_000_000))
		require.NoError(t, err)
		assert.True(t, auth.Unlimited)
		assert.Equal(t, credits.Unlimited, auth.RemainingAfter)
	}
}

func TestAuthorize_RollsOverStalePeriod(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ledger := credits.New(credits.NewMemoryStore(), credits.WithClock(clock))
	gate := NewGate(ledger)
	drain(t, ledger, "u1", 0)

	_, err := gate.Authorize(ctx, "u1", ActionChatResponse, nil)
	require.ErrorIs(t, err, ErrDenied)

	mu.Lock()
	now = now.Add(credits.PeriodLength)
	mu.Unlock()

	auth, err := gate.Authorize(ctx, "u1", ActionChatResponse, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(49), auth.RemainingAfter)
}

// For N concurrent authorizations of cost c, exactly
// min(N, floor(remaining/c)) succeed and usage grows by that times c.
func TestAuthorize_ConcurrentNeverOverspends(t *testing.T) {
	cases := []struct {
		n, cost, remaining int64
	}{
		{n: 40, cost: 3, remaining: 50},
		{n: 10, cost: 2, remaining: 50},
		{n: 64, cost: 1, remaining: 7},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d/c=%d/r=%d", tc.n, tc.cost, tc.remaining), func(t *testing.T) {
			ctx := context.Background()
			ledger := newLedger(t)
			gate := NewGate(ledger)
			drain(t, ledger, "u1", tc.remaining)

			var ok, denied atomic.Int64
			var wg sync.WaitGroup
			for i := int64(0); i < tc.n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := gate.Authorize(ctx, "u1", "job", int64p(tc.cost))
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, ErrDenied):
						denied.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			want := min(tc.n, tc.remaining/tc.cost)
			assert.Equal(t, want, ok.Load())
			assert.Equal(t, tc.n-want, denied.Load())

			acct, err := ledger.Snapshot(ctx, "u1")
			require.NoError(t, err)
			start := credits.PlanFor(credits.TierStarter).MonthlyCredits - tc.remaining
			assert.Equal(t, start+want*tc.cost, acct.Balance.UsedCredits)
		})
	}
}

func TestRelease(t *testing.T) {
	providerErr := &providers.ProviderError{Provider: providers.ElevenLabs, HTTPStatus: 503}
	limited := &ratelimit.RateLimitedError{Provider: providers.OpenAI, RetryAfter: time.Second}
	noProvider := fmt.Errorf("%w for tts", providers.ErrNoProvider)

	tests := []struct {
		name         string
		refundPolicy bool
		cause        error
		wantRefund   bool
	}{
		{"provider error refunded", true, providerErr, true},
		{"rate limited refunded", true, limited, true},
		{"no provider refunded", true, noProvider, true},
		{"success kept", true, nil, false},
		{"client cancel kept", true, context.Canceled, false},
		{"policy off keeps provider error", false, providerErr, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := newLedger(t)
			gate := NewGate(ledger, WithRefundOnProviderFailure(tt.refundPolicy))

			auth, err := gate.Authorize(ctx, "u1", ActionQuizGeneration, nil)
			require.NoError(t, err)

			refunded, err := gate.Release(ctx, auth, tt.cause)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRefund, refunded)

			acct, err := ledger.Snapshot(ctx, "u1")
			require.NoError(t, err)
			if tt.wantRefund {
				assert.Equal(t, int64(0), acct.Balance.UsedCredits)
			} else {
				assert.Equal(t, int64(3), acct.Balance.UsedCredits)
			}
		})
	}
}

func TestRelease_SurvivesCanceledContext(t *testing.T) {
	ledger := newLedger(t)
	gate := NewGate(ledger)
	auth, err := gate.Authorize(context.Background(), "u1", ActionChatResponse, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	refunded, err := gate.Release(ctx, auth, &providers.ProviderError{Provider: "x", HTTPStatus: 500})
	require.NoError(t, err)
	assert.True(t, refunded)
}

// stubLedger fails in configurable ways.
type stubLedger struct {
	resetErr  error
	deductErr error
	refundErr error
	deducted  atomic.Int64
}

func (s *stubLedger) MaybeResetForNewPeriod(context.Context, string) (bool, error) {
	return false, s.resetErr
}

func (s *stubLedger) Deduct(_ context.Context, userID string, amount int64, _ string) (*credits.Account, error) {
	if s.deductErr != nil {
		return nil, s.deductErr
	}
	s.deducted.Add(amount)
	return &credits.Account{Remaining: 10}, nil
}

func (s *stubLedger) Refund(context.Context, string, int64, string) (*credits.Account, error) {
	return nil, s.refundErr
}

func TestAuthorize_DatastoreOutage(t *testing.T) {
	unavailable := fmt.Errorf("credits: deduct: %w", credits.ErrDatastoreUnavailable)

	t.Run("reset outage is tolerated", func(t *testing.T) {
		l := &stubLedger{resetErr: unavailable}
		auth, err := NewGate(l).Authorize(context.Background(), "u1", ActionChatResponse, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), auth.Cost)
		assert.Equal(t, int64(1), l.deducted.Load())
	})

	t.Run("deduct outage fails the request", func(t *testing.T) {
		l := &stubLedger{deductErr: unavailable}
		_, err := NewGate(l).Authorize(context.Background(), "u1", ActionChatResponse, nil)
		assert.ErrorIs(t, err, credits.ErrDatastoreUnavailable)
	})

	t.Run("other reset errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		l := &stubLedger{resetErr: boom}
		_, err := NewGate(l).Authorize(context.Background(), "u1", ActionChatResponse, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(0), l.deducted.Load())
	})
}

func TestRelease_RefundFailure(t *testing.T) {
	l := &stubLedger{refundErr: credits.ErrDatastoreUnavailable}
	gate := NewGate(l)
	refunded, err := gate.Release(context.Background(),
		&Authorization{UserID: "u1", Action: ActionChatResponse, Cost: 1},
		&providers.ProviderError{Provider: "x", HTTPStatus: 502})
	assert.False(t, refunded)
	assert.ErrorIs(t, err, credits.ErrDatastoreUnavailable)
}

func TestCostsAndEstimate(t *testing.T) {
	gate := NewGate(newLedger(t), WithCosts(map[string]int64{"lesson": 4}))

	costs := gate.Costs()
	assert.Equal(t, map[string]int64{"lesson": 4}, costs)
	costs["lesson"] = 100
	assert.Equal(t, int64(4), gate.Costs()["lesson"], "Costs returns a copy")

	n, err := gate.Estimate("lesson", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = gate.Estimate("other", int64p(9))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	assert.True(t, NewGate(nil).RefundsOnFailure())
}
