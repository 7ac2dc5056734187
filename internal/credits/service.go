package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/credgate/internal/idgen"
	"github.com/mbd888/credgate/internal/pagination"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Policy holds the ledger's configurable behaviours.
type Policy struct {
	// TopUpOnUpgrade raises total credits to the new plan's allotment as soon
	// as a user upgrades. Downgrades always wait for the next reset.
	TopUpOnUpgrade bool

	// FallbackOnUnavailable serves an unpersisted starter account from reads
	// when the datastore fails. Deductions are still refused.
	FallbackOnUnavailable bool
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{TopUpOnUpgrade: true, FallbackOnUnavailable: true}
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the credit ledger service. It never reads a balance and writes
// it back; every balance change is a conditional store primitive.
type Ledger struct {
	store  Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		policy:    DefaultPolicy(),
		logger:    slog.Default(),
		now:       time.Now,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// clock returns now at the datastore's (microsecond) precision so period
// ends read back from Postgres compare equal to the values written.
func (l *Ledger) clock() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// GetOrCreate returns the user's subscription and balance, creating the
// starter defaults on first access. Concurrent first calls create one row.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string) (sub *Subscription, bal *CreditBalance, err error) {
	defer observeOp("get_or_create")(&err)

	sub, bal, err = l.store.GetAccount(ctx, userID)
	if err == nil {
		return sub, bal, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return l.fallback("get_or_create", userID, err)
	}

	sub, bal = defaultAccount(userID, l.clock())
	if err := l.store.EnsureAccount(ctx, sub, bal); err != nil {
		return l.fallback("get_or_create", userID, err)
	}

	// Read back: a concurrent caller may have inserted first.
	sub, bal, err = l.store.GetAccount(ctx, userID)
	if err != nil {
		return l.fallback("get_or_create", userID, err)
	}
	l.logger.Info("credit account created", "user_id", userID, "tier", sub.Tier, "total", bal.TotalCredits)
	return sub, bal, nil
}

func defaultAccount(userID string, now time.Time) (*Subscription, *CreditBalance) {
	sub := &Subscription{
		UserID:             userID,
		Tier:               TierStarter,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(PeriodLength),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	bal := &CreditBalance{
		UserID:       userID,
		TotalCredits: PlanFor(TierStarter).MonthlyCredits,
		LastResetAt:  now,
		UpdatedAt:    now,
	}
	return sub, bal
}

// fallback wraps a store failure and, when the policy allows, substitutes
// an unpersisted starter account.
func (l *Ledger) fallback(op, userID string, cause error) (*Subscription, *CreditBalance, error) {
	err := storeErr(op, cause)
	if !l.policy.FallbackOnUnavailable || !errors.Is(err, ErrDatastoreUnavailable) {
		return nil, nil, err
	}
	l.logger.Warn("credits datastore unavailable, serving fallback account",
		"user_id", userID, "op", op, "error", cause)
	FallbacksTotal.Inc()

	sub, bal := defaultAccount(userID, l.clock())
	sub.Fallback = true
	return sub, bal, nil
}

// storeErr passes domain errors through and marks everything else as a
// datastore outage.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrDatastoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("credits: %s: %w: %w", op, ErrDatastoreUnavailable, err)
	}
}

// MaybeResetForNewPeriod rolls the billing period forward once it has
// ended: usage goes to zero, total to the plan allotment, and a pending
// cancellation takes effect. Safe to call concurrently; one caller wins.
func (l *Ledger) MaybeResetForNewPeriod(ctx context.Context, userID string) (reset bool, err error) {
	defer observeOp("maybe_reset")(&err)

	sub, bal, err := l.GetOrCreate(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub.Fallback {
		return false, nil
	}

	now := l.clock()
	if now.Before(sub.CurrentPeriodEnd) {
		return false, nil
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	for !now.Before(end) {
		start = end
		end = end.Add(PeriodLength)
	}

	tier, status := sub.Tier, sub.Status
	if sub.CancelAtPeriodEnd && status != StatusCanceled {
		tier, status = TierStarter, StatusCanceled
	}
	if status == StatusCanceled {
		tier = TierStarter
	}
	total := PlanFor(tier).MonthlyCredits

	won, err := l.store.RolloverPeriod(ctx, Rollover{
		UserID:            userID,
		ExpectedPeriodEnd: sub.CurrentPeriodEnd,
		NewPeriodStart:    start,
		NewPeriodEnd:      end,
		Tier:              tier,
		Status:            status,
		TotalCredits:      total,
		ResetAt:           now,
		Tx:                newTx(userID, bal.UsedCredits, TxReset, fmt.Sprintf("period reset (%s)", tier), now),
	})
	if err != nil {
		return false, storeErr("maybe_reset", err)
	}
	if !won {
		return false, nil
	}

	l.logger.Info("credit period reset",
		"user_id", userID, "tier", tier, "status", status, "period_end", end)

	rolled := *sub
	rolled.Tier, rolled.Status = tier, status
	l.notifyAccount(EventReset, bal.UsedCredits, &rolled, &CreditBalance{UserID: userID, TotalCredits: total}, now)
	return true, nil
}

// Deduct spends amount credits. The check and the write are one
// conditional update, so concurrent deductions never overspend.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, description string) (acct *Account, err error) {
	defer observeOp("deduct")(&err)

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := l.clock()
	sub, bal, err := l.store.Deduct(ctx, userID, amount, newTx(userID, -amount, TxDeduction, description, now))
	if errors.Is(err, ErrAccountNotFound) {
		if _, _, err = l.ensure(ctx, "deduct", userID); err != nil {
			return nil, err
		}
		sub, bal, err = l.store.Deduct(ctx, userID, amount, newTx(userID, -amount, TxDeduction, description, now))
	}
	if err != nil {
		return nil, storeErr("deduct", err)
	}

	acct = newAccount(sub, bal)
	l.logger.Debug("credits deducted",
		"user_id", userID, "amount", amount, "description", description, "remaining", acct.Remaining)
	l.notifyAccount(EventDeduction, amount, sub, bal, now)
	return acct, nil
}

// ensure is GetOrCreate for write paths: a fallback account is an outage.
func (l *Ledger) ensure(ctx context.Context, op, userID string) (*Subscription, *CreditBalance, error) {
	sub, bal, err := l.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if sub.Fallback {
		return nil, nil, fmt.Errorf("credits: %s: %w", op, ErrDatastoreUnavailable)
	}
	return sub, bal, nil
}

// Refund returns previously deducted credits. Usage never drops below zero.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, description string) (acct *Account, err error) {
	defer observeOp("refund")(&err)

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	now := l.clock()
	sub, bal, err := l.store.Refund(ctx, userID, amount, newTx(userID, amount, TxRefund, description, now))
	if err != nil {
		return nil, storeErr("refund", err)
	}

	l.notifyAccount(EventRefund, amount, sub, bal, now)
	return newAccount(sub, bal), nil
}

// GrantBonus adds credits that survive period resets.
func (l *Ledger) GrantBonus(ctx context.Context, userID string, amount int64, description string) (acct *Account, err error) {
	defer observeOp("grant_bonus")(&err)

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, _, err := l.ensure(ctx, "grant_bonus", userID); err != nil {
		return nil, err
	}

	now := l.clock()
	sub, bal, err := l.store.AddBonus(ctx, userID, amount, newTx(userID, amount, TxBonus, description, now))
	if err != nil {
		return nil, storeErr("grant_bonus", err)
	}

	l.logger.Info("bonus credits granted", "user_id", userID, "amount", amount)
	l.notifyAccount(EventBonus, amount, sub, bal, now)
	return newAccount(sub, bal), nil
}

// UpdateSubscription applies patch after validating the tier and the
// status transition. Credits are not touched.
func (l *Ledger) UpdateSubscription(ctx context.Context, userID string, patch SubscriptionPatch) (updated *Subscription, err error) {
	defer observeOp("update_subscription")(&err)

	if patch.Tier != nil && !ValidTier(*patch.Tier) {
		return nil, ErrInvalidTier
	}
	if patch.Status != nil && !ValidStatus(*patch.Status) {
		return nil, ErrInvalidStatus
	}

	sub, bal, err := l.ensure(ctx, "update_subscription", userID)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil && !CanTransition(sub.Status, *patch.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, *patch.Status)
	}

	now := l.clock()
	updated, err = l.store.UpdateSubscription(ctx, userID, patch, now)
	if err != nil {
		return nil, storeErr("update_subscription", err)
	}

	l.logger.Info("subscription updated",
		"user_id", userID, "tier", updated.Tier, "status", updated.Status,
		"cancel_at_period_end", updated.CancelAtPeriodEnd)
	l.notifyAccount(EventStatus, 0, updated, bal, now)
	return updated, nil
}

// ChangeTier moves the user to tier. With TopUpOnUpgrade an upgrade sets
// total credits to the new allotment immediately; downgrades wait for the
// next reset. Leaving the unlimited tier always replaces its sentinel
// total right away. A canceled account may only drop to starter.
func (l *Ledger) ChangeTier(ctx context.Context, userID string, tier Tier) (acct *Account, err error) {
	defer observeOp("change_tier")(&err)

	if !ValidTier(tier) {
		return nil, ErrInvalidTier
	}
	sub, bal, err := l.ensure(ctx, "change_tier", userID)
	if err != nil {
		return nil, err
	}
	from := sub.Tier
	if from == tier {
		return newAccount(sub, bal), nil
	}
	if sub.Status == StatusCanceled && tier != TierStarter {
		return nil, fmt.Errorf("%w: canceled account cannot move to %s", ErrInvalidTransition, tier)
	}

	updated, err := l.UpdateSubscription(ctx, userID, SubscriptionPatch{Tier: &tier})
	if err != nil {
		return nil, err
	}

	newTotal := PlanFor(tier).MonthlyCredits
	topUp := from == TierUnlimited || (l.policy.TopUpOnUpgrade && IsUpgrade(from, tier))
	if !topUp {
		l.notifyAccount(EventTierChanged, 0, updated, bal, l.clock())
		return newAccount(updated, bal), nil
	}

	now := l.clock()
	desc := fmt.Sprintf("tier change %s -> %s", from, tier)
	updated, bal, err = l.store.SetTotal(ctx, userID, newTotal, newTx(userID, newTotal, TxTopUp, desc, now))
	if err != nil {
		return nil, storeErr("change_tier", err)
	}

	l.logger.Info("credits topped up for tier change",
		"user_id", userID, "from", from, "to", tier, "total", newTotal)
	l.notifyAccount(EventTopUp, newTotal, updated, bal, now)
	return newAccount(updated, bal), nil
}

// Resubscribe starts a new lifecycle for a returning customer: status goes
// back to active on tier, and a fresh period begins now with usage cleared.
// This is the only way out of the canceled state.
func (l *Ledger) Resubscribe(ctx context.Context, userID string, tier Tier) (acct *Account, err error) {
	defer observeOp("resubscribe")(&err)

	if !ValidTier(tier) {
		return nil, ErrInvalidTier
	}
	return l.restartPeriod(ctx, "resubscribe", userID, func(*Subscription) (Tier, Status) {
		return tier, StatusActive
	})
}

// ResetNow starts a fresh period immediately, keeping tier and status.
// Operators use it to correct a stuck or mis-billed account.
func (l *Ledger) ResetNow(ctx context.Context, userID string) (acct *Account, err error) {
	defer observeOp("reset_now")(&err)

	return l.restartPeriod(ctx, "reset_now", userID, func(sub *Subscription) (Tier, Status) {
		return sub.Tier, sub.Status
	})
}

// restartPeriod replaces the current period with one starting now. A
// concurrent rollover can move the period end under us, so it re-reads and
// tries once more before giving up.
func (l *Ledger) restartPeriod(ctx context.Context, op, userID string,
	next func(*Subscription) (Tier, Status)) (*Account, error) {

	now := l.clock()
	var tier Tier
	for attempt := 0; ; attempt++ {
		sub, bal, err := l.ensure(ctx, op, userID)
		if err != nil {
			return nil, err
		}
		var status Status
		tier, status = next(sub)

		won, err := l.store.RolloverPeriod(ctx, Rollover{
			UserID:            userID,
			ExpectedPeriodEnd: sub.CurrentPeriodEnd,
			NewPeriodStart:    now,
			NewPeriodEnd:      now.Add(PeriodLength),
			Tier:              tier,
			Status:            status,
			TotalCredits:      PlanFor(tier).MonthlyCredits,
			ResetAt:           now,
			Tx:                newTx(userID, bal.UsedCredits, TxReset, fmt.Sprintf("%s (%s)", op, tier), now),
		})
		if err != nil {
			return nil, storeErr(op, err)
		}
		if won {
			break
		}
		if attempt == 1 {
			return nil, fmt.Errorf("credits: %s %s: period changed concurrently", op, userID)
		}
	}

	sub, bal, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	l.logger.Info("credit period restarted", "user_id", userID, "op", op, "tier", tier)
	l.notifyAccount(EventReset, PlanFor(tier).MonthlyCredits, sub, bal, now)
	return newAccount(sub, bal), nil
}

// Snapshot returns the account with its derived remaining figure, applying
// any due period reset first.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (*Account, error) {
	if _, err := l.MaybeResetForNewPeriod(ctx, userID); err != nil && !errors.Is(err, ErrDatastoreUnavailable) {
		return nil, err
	}
	sub, bal, err := l.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return newAccount(sub, bal), nil
}

// History returns up to limit transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	page, err := l.HistoryPage(ctx, userID, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Transactions, nil
}

// HistoryPage is one page of a user's transactions.
type HistoryPage struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// HistoryPage returns up to limit transactions older than cursor, newest
// first. An empty cursor starts from the newest entry.
func (l *Ledger) HistoryPage(ctx context.Context, userID, cursor string, limit int) (page *HistoryPage, err error) {
	defer observeOp("history")(&err)

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	txs, err := l.store.History(ctx, userID, before, limit+1)
	if err != nil {
		return nil, storeErr("history", err)
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	if txs == nil {
		txs = []*Transaction{}
	}
	return &HistoryPage{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

// RolloverDue resets every account whose period has ended, up to limit
// accounts per call. It returns how many were reset.
func (l *Ledger) RolloverDue(ctx context.Context, limit int) (int, error) {
	due, err := l.store.ListDueForRollover(ctx, l.clock(), limit)
	if err != nil {
		return 0, storeErr("rollover_due", err)
	}

	count := 0
	for _, userID := range due {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		reset, err := l.MaybeResetForNewPeriod(ctx, userID)
		if err != nil {
			l.logger.Warn("period rollover failed", "user_id", userID, "error", err)
			continue
		}
		if reset {
			count++
		}
	}
	return count, nil
}

func newAccount(sub *Subscription, bal *CreditBalance) *Account {
	rem := Remaining(bal, sub)
	return &Account{
		Subscription: sub,
		Balance:      bal,
		Remaining:    rem,
		Unlimited:    rem == Unlimited,
		Fallback:     sub.Fallback,
	}
}

func newTx(userID string, amount int64, kind TxKind, description string, at time.Time) *Transaction {
	return &Transaction{
		ID:          idgen.WithPrefix("ctx_"),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   at,
	}
}
