// Package credits owns each user's subscription tier and credit balance.
//
// It is the single source of truth for how much metered work a user may
// still perform:
//   - Balances are created lazily and safely under concurrent first access
//   - Deductions are conditional updates that can never overspend
//   - Usage resets every 30-day period while bonus credits carry over
//   - Every mutation appends to an audit-only transaction log
//   - Observers are notified after each change (realtime UI feeds)
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/credgate/internal/pagination"
)

var (
	ErrAccountNotFound      = errors.New("credits: account not found")
	ErrInsufficientCredits  = errors.New("credits: insufficient credits")
	ErrInvalidAmount        = errors.New("credits: amount must be positive")
	ErrInvalidTier          = errors.New("credits: unknown tier")
	ErrInvalidStatus        = errors.New("credits: unknown subscription status")
	ErrInvalidTransition    = errors.New("credits: subscription status transition not allowed")
	ErrDatastoreUnavailable = errors.New("credits: datastore unavailable")
	ErrInvalidCursor        = errors.New("credits: invalid history cursor")
)

// Unlimited is returned by Remaining for the unlimited tier and stored as
// TotalCredits for unlimited balances.
const Unlimited int64 = -1

// PeriodLength is one billing cycle.
const PeriodLength = 30 * 24 * time.Hour

// Tier is a subscription plan level.
type Tier string

const (
	TierStarter   Tier = "starter"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a subscription may move from one status to
// another: active and past_due alternate freely, canceled is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusPastDue || to == StatusCanceled
	case StatusPastDue:
		return to == StatusActive || to == StatusCanceled
	default:
		return false
	}
}

// TxKind labels a ledger transaction.
type TxKind string

const (
	TxDeduction TxKind = "deduction"
	TxRefund    TxKind = "refund"
	TxBonus     TxKind = "bonus"
	TxReset     TxKind = "reset"
	TxTopUp     TxKind = "topup"
)

// Subscription is a user's plan. One per user, never hard-deleted.
type Subscription struct {
	UserID             string    `json:"userId"`
	Tier               Tier      `json:"tier"`
	Status             Status    `json:"status"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool      `json:"cancelAtPeriodEnd"`
	StripeCustomerID   string    `json:"stripeCustomerId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	// Fallback marks a default built in memory because the datastore was
	// unreachable. It is never written back.
	Fallback bool `json:"fallback,omitempty"`
}

// CreditBalance is a user's metered capacity for the current period.
// Invariant after every deduction on a metered tier:
// UsedCredits <= TotalCredits + BonusCredits.
type CreditBalance struct {
	UserID       string    `json:"userId"`
	TotalCredits int64     `json:"totalCredits"` // Unlimited (-1) only for the unlimited tier
	UsedCredits  int64     `json:"usedCredits"`
	BonusCredits int64     `json:"bonusCredits"`
	LastResetAt  time.Time `json:"lastResetAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Transaction is an append-only audit row. Amount is signed: spending is
// negative, refunds and grants are positive.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	Kind        TxKind    `json:"kind"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Account is a subscription and balance with the derived remaining figure.
type Account struct {
	Subscription *Subscription  `json:"subscription"`
	Balance      *CreditBalance `json:"balance"`
	Remaining    int64          `json:"remaining"`
	Unlimited    bool           `json:"unlimited"`
	Fallback     bool           `json:"fallback,omitempty"`
}

// SubscriptionPatch lists the subscription fields to change. Nil fields
// are left alone.
type SubscriptionPatch struct {
	Tier               *Tier
	Status             *Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
	StripeCustomerID   *string
}

// Rollover describes one period reset, applied only if the stored period
// still ends at ExpectedPeriodEnd. Applying it clears CancelAtPeriodEnd.
type Rollover struct {
	UserID            string
	ExpectedPeriodEnd time.Time
	NewPeriodStart    time.Time
	NewPeriodEnd      time.Time
	Tier              Tier
	Status            Status
	TotalCredits      int64
	ResetAt           time.Time
	Tx                *Transaction
}

// InsufficientCreditsError is returned when a deduction would exceed the
// user's remaining credits. No partial deduction occurs.
type InsufficientCreditsError struct {
	Required  int64
	Remaining int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("credits: insufficient credits: required %d, remaining %d", e.Required, e.Remaining)
}

// Is makes errors.Is(err, ErrInsufficientCredits) true.
func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// Store is the datastore contract. Implementations must make Deduct a
// single conditional update and EnsureAccount conflict-safe; the ledger
// never reads a balance and writes it back.
type Store interface {
	// EnsureAccount inserts sub and bal unless the user already has rows.
	EnsureAccount(ctx context.Context, sub *Subscription, bal *CreditBalance) error
	GetAccount(ctx context.Context, userID string) (*Subscription, *CreditBalance, error)

	// Deduct adds amount to UsedCredits only if the result stays within
	// TotalCredits + BonusCredits (or the tier is unlimited), and records
	// tx in the same unit of work. Returns *InsufficientCreditsError when
	// the predicate fails.
	Deduct(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error)
	// Refund subtracts amount from UsedCredits, floored at zero.
	Refund(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error)
	AddBonus(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error)
	SetTotal(ctx context.Context, userID string, total int64, tx *Transaction) (*Subscription, *CreditBalance, error)

	// RolloverPeriod applies r and reports whether it won. A false return
	// means another caller already rolled this period.
	RolloverPeriod(ctx context.Context, r Rollover) (bool, error)
	UpdateSubscription(ctx context.Context, userID string, patch SubscriptionPatch, now time.Time) (*Subscription, error)

	// History returns the newest transactions first, ordered by
	// (created_at, id) descending. A non-nil before returns only entries
	// strictly older than that position.
	History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
	// ListDueForRollover returns users whose period ended at or before t.
	ListDueForRollover(ctx context.Context, t time.Time, limit int) ([]string, error)
}
