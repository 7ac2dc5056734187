package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/credgate/internal/pagination"
	"github.com/mbd888/credgate/internal/syncutil"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for development and tests. Mutations
// for one user are serialized by a keyed mutex; different users proceed in
// parallel.
type MemoryStore struct {
	locks *syncutil.KeyMutex

	mu       sync.RWMutex
	subs     map[string]*Subscription
	balances map[string]*CreditBalance
	txs      map[string][]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewKeyMutex(0),
		subs:     make(map[string]*Subscription),
		balances: make(map[string]*CreditBalance),
		txs:      make(map[string][]*Transaction),
	}
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, sub *Subscription, bal *CreditBalance) error {
	unlock, err := m.locks.Lock(ctx, sub.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.UserID]; exists {
		return nil
	}
	s := *sub
	s.Fallback = false
	b := *bal
	m.subs[sub.UserID] = &s
	m.balances[sub.UserID] = &b
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, userID string) (*Subscription, *CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyLocked(userID)
}

// copyLocked returns copies of the user's rows. Caller must hold m.mu.
func (m *MemoryStore) copyLocked(userID string) (*Subscription, *CreditBalance, error) {
	sub, ok := m.subs[userID]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	s := *sub
	b := *m.balances[userID]
	return &s, &b, nil
}

// mutate runs fn on the live rows under the user's lock.
func (m *MemoryStore) mutate(ctx context.Context, userID string, tx *Transaction,
	fn func(sub *Subscription, bal *CreditBalance) error) (*Subscription, *CreditBalance, error) {

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[userID]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	if err := fn(sub, m.balances[userID]); err != nil {
		return nil, nil, err
	}
	if tx != nil {
		t := *tx
		m.txs[userID] = append(m.txs[userID], &t)
	}
	return m.copyLocked(userID)
}

func (m *MemoryStore) Deduct(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return m.mutate(ctx, userID, tx, func(sub *Subscription, bal *CreditBalance) error {
		if !canSpend(bal, sub, amount) {
			return &InsufficientCreditsError{Required: amount, Remaining: Remaining(bal, sub)}
		}
		bal.UsedCredits += amount
		bal.UpdatedAt = tx.CreatedAt
		return nil
	})
}

func (m *MemoryStore) Refund(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return m.mutate(ctx, userID, tx, func(_ *Subscription, bal *CreditBalance) error {
		bal.UsedCredits -= amount
		if bal.UsedCredits < 0 {
			bal.UsedCredits = 0
		}
		bal.UpdatedAt = tx.CreatedAt
		return nil
	})
}

func (m *MemoryStore) AddBonus(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return m.mutate(ctx, userID, tx, func(_ *Subscription, bal *CreditBalance) error {
		bal.BonusCredits += amount
		bal.UpdatedAt = tx.CreatedAt
		return nil
	})
}

func (m *MemoryStore) SetTotal(ctx context.Context, userID string, total int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return m.mutate(ctx, userID, tx, func(_ *Subscription, bal *CreditBalance) error {
		bal.TotalCredits = total
		bal.UpdatedAt = tx.CreatedAt
		return nil
	})
}

func (m *MemoryStore) RolloverPeriod(ctx context.Context, r Rollover) (bool, error) {
	won := false
	_, _, err := m.mutate(ctx, r.UserID, nil, func(sub *Subscription, bal *CreditBalance) error {
		if !sub.CurrentPeriodEnd.Equal(r.ExpectedPeriodEnd) {
			return nil
		}
		won = true
		sub.Tier = r.Tier
		sub.Status = r.Status
		sub.CurrentPeriodStart = r.NewPeriodStart
		sub.CurrentPeriodEnd = r.NewPeriodEnd
		sub.CancelAtPeriodEnd = false
		sub.UpdatedAt = r.ResetAt
		bal.UsedCredits = 0
		bal.TotalCredits = r.TotalCredits
		bal.LastResetAt = r.ResetAt
		bal.UpdatedAt = r.ResetAt
		if r.Tx != nil {
			t := *r.Tx
			m.txs[r.UserID] = append(m.txs[r.UserID], &t)
		}
		return nil
	})
	return won, err
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, userID string, patch SubscriptionPatch, now time.Time) (*Subscription, error) {
	sub, _, err := m.mutate(ctx, userID, nil, func(sub *Subscription, _ *CreditBalance) error {
		applyPatch(sub, patch)
		sub.UpdatedAt = now
		return nil
	})
	return sub, err
}

func applyPatch(sub *Subscription, p SubscriptionPatch) {
	if p.Tier != nil {
		sub.Tier = *p.Tier
	}
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = *p.CurrentPeriodStart
	}
	if p.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = *p.CurrentPeriodEnd
	}
	if p.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.StripeCustomerID != nil {
		sub.StripeCustomerID = *p.StripeCustomerID
	}
}

func (m *MemoryStore) History(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	all := make([]*Transaction, len(m.txs[userID]))
	copy(all, m.txs[userID])
	m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return newerThan(all[i], all[j].CreatedAt, all[j].ID) })

	out := make([]*Transaction, 0, min(len(all), max(limit, 0)))
	for _, tx := range all {
		if len(out) >= limit {
			break
		}
		if before != nil && !newerThan(&Transaction{CreatedAt: before.CreatedAt, ID: before.ID}, tx.CreatedAt, tx.ID) {
			continue
		}
		t := *tx
		out = append(out, &t)
	}
	return out, nil
}

// newerThan orders transactions by (created_at, id), matching the
// Postgres index order.
func newerThan(tx *Transaction, at time.Time, id string) bool {
	if !tx.CreatedAt.Equal(at) {
		return tx.CreatedAt.After(at)
	}
	return tx.ID > id
}

func (m *MemoryStore) ListDueForRollover(_ context.Context, t time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Subscription
	for _, sub := range m.subs {
		if !sub.CurrentPeriodEnd.After(t) {
			due = append(due, sub)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CurrentPeriodEnd.Before(due[j].CurrentPeriodEnd) })

	out := make([]string, 0, min(len(due), max(limit, 0)))
	for _, sub := range due {
		if len(out) >= limit {
			break
		}
		out = append(out, sub.UserID)
	}
	return out, nil
}
