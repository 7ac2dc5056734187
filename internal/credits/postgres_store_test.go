//go:build integration

package credits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/testutil"
)

func setupPGLedger(t *testing.T) (*Ledger, *PostgresStore, *fakeClock, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	clock := newFakeClock()
	return New(store, WithClock(clock.Now)), store, clock, cleanup
}

func TestPostgresStore_GetOrCreateRoundTrip(t *testing.T) {
	l, store, clock, cleanup := setupPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	sub, bal, err := l.GetOrCreate(ctx, "pg-u1")
	require.NoError(t, err)
	assert.Equal(t, TierStarter, sub.Tier)
	assert.Equal(t, int64(50), bal.TotalCredits)
	assert.True(t, sub.CurrentPeriodStart.Equal(clock.Now()))

	sub2, bal2, err := store.GetAccount(ctx, "pg-u1")
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodEnd.Equal(sub2.CurrentPeriodEnd))
	assert.Equal(t, bal.TotalCredits, bal2.TotalCredits)
}

func TestPostgresStore_ConcurrentCreate(t *testing.T) {
	l, _, _, cleanup := setupPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.GetOrCreate(ctx, "pg-racer")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestPostgresStore_ConditionalDeduct(t *testing.T) {
	l, _, _, cleanup := setupPGLedger(t)
	defer cleanup()
	ctx := context.Background()
	_, _, err := l.GetOrCreate(ctx, "pg-u2")
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(ctx, "pg-u2", 2, "chat-response")
			if err == nil {
				ok.Add(1)
				return
			}
			assert.True(t, errors.Is(err, ErrInsufficientCredits), "unexpected: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(25), ok.Load())
	_, err = l.Deduct(ctx, "pg-u2", 1, "chat-response")
	var ice *InsufficientCreditsError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, int64(0), ice.Remaining)
}

func TestPostgresStore_RolloverOnce(t *testing.T) {
	l, _, clock, cleanup := setupPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.Deduct(ctx, "pg-u3", 40, "x")
	require.NoError(t, err)
	clock.Advance(PeriodLength + time.Hour)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reset, err := l.MaybeResetForNewPeriod(ctx, "pg-u3")
			assert.NoError(t, err)
			if reset {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())

	acct, err := l.Snapshot(ctx, "pg-u3")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.Remaining)
}

func TestPostgresStore_UpdateSubscriptionAndHistory(t *testing.T) {
	l, store, _, cleanup := setupPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.ChangeTier(ctx, "pg-u4", TierPro)
	require.NoError(t, err)
	customer := "cus_123"
	cancel := true
	sub, err := l.UpdateSubscription(ctx, "pg-u4", SubscriptionPatch{
		StripeCustomerID:  &customer,
		CancelAtPeriodEnd: &cancel,
	})
	require.NoError(t, err)
	assert.Equal(t, TierPro, sub.Tier)
	assert.Equal(t, "cus_123", sub.StripeCustomerID)
	assert.True(t, sub.CancelAtPeriodEnd)

	_, err = l.GrantBonus(ctx, "pg-u4", 5, "promo")
	require.NoError(t, err)
	_, err = l.Refund(ctx, "pg-u4", 3, "never spent")
	require.NoError(t, err)

	txs, err := store.History(ctx, "pg-u4", nil, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, TxTopUp, txs[2].Kind)

	_, bal, err := store.GetAccount(ctx, "pg-u4")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.UsedCredits)
	assert.Equal(t, int64(5), bal.BonusCredits)
}
