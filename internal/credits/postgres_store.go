package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/credgate/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
//
// Balance mutations are single UPDATE statements whose WHERE clause carries
// the business predicate. Under READ COMMITTED, Postgres re-evaluates that
// predicate against the newest row version after acquiring the row lock, so
// concurrent deductions for one user serialize without a read-modify-write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credits store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `
	s.user_id, s.tier, s.status, s.current_period_start, s.current_period_end,
	s.cancel_at_period_end, s.stripe_customer_id, s.created_at, s.updated_at,
	b.total_credits, b.used_credits, b.bonus_credits, b.last_reset_at, b.updated_at`

const subscriptionColumns = `
	user_id, tier, status, current_period_start, current_period_end,
	cancel_at_period_end, stripe_customer_id, created_at, updated_at`

// EnsureAccount inserts both rows, leaving existing rows untouched.
func (p *PostgresStore) EnsureAccount(ctx context.Context, sub *Subscription, bal *CreditBalance) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (
			user_id, tier, status, current_period_start, current_period_end,
			cancel_at_period_end, stripe_customer_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO NOTHING
	`,
		sub.UserID, string(sub.Tier), string(sub.Status), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, nullString(sub.StripeCustomerID), sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_balances (
			user_id, total_credits, used_credits, bonus_credits, last_reset_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, bal.UserID, bal.TotalCredits, bal.UsedCredits, bal.BonusCredits, bal.LastResetAt, bal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}

	return tx.Commit()
}

// GetAccount reads the subscription and balance for a user.
func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Subscription, *CreditBalance, error) {
	return getAccount(ctx, p.db, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q queryRower, userID string) (*Subscription, *CreditBalance, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM subscriptions s
		JOIN credit_balances b ON b.user_id = s.user_id
		WHERE s.user_id = $1
	`, userID)

	sub, bal, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get account: %w", err)
	}
	return sub, bal, nil
}

// Deduct is the conditional update: it only matches when the user is on
// the unlimited tier or the new usage stays within total + bonus.
func (p *PostgresStore) Deduct(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return p.mutateBalance(ctx, userID, amount, tx, true, `
		UPDATE credit_balances b
		SET used_credits = b.used_credits + $2, updated_at = $3
		FROM subscriptions s
		WHERE b.user_id = $1 AND s.user_id = b.user_id
		  AND (s.tier = 'unlimited'
		       OR (b.total_credits <> -1 AND b.used_credits + $2 <= b.total_credits + b.bonus_credits))
		RETURNING `+accountColumns)
}

// Refund gives back usage, never dropping below zero.
func (p *PostgresStore) Refund(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return p.mutateBalance(ctx, userID, amount, tx, false, `
		UPDATE credit_balances b
		SET used_credits = GREATEST(b.used_credits - $2, 0), updated_at = $3
		FROM subscriptions s
		WHERE b.user_id = $1 AND s.user_id = b.user_id
		RETURNING `+accountColumns)
}

func (p *PostgresStore) AddBonus(ctx context.Context, userID string, amount int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return p.mutateBalance(ctx, userID, amount, tx, false, `
		UPDATE credit_balances b
		SET bonus_credits = b.bonus_credits + $2, updated_at = $3
		FROM subscriptions s
		WHERE b.user_id = $1 AND s.user_id = b.user_id
		RETURNING `+accountColumns)
}

func (p *PostgresStore) SetTotal(ctx context.Context, userID string, total int64, tx *Transaction) (*Subscription, *CreditBalance, error) {
	return p.mutateBalance(ctx, userID, total, tx, false, `
		UPDATE credit_balances b
		SET total_credits = $2, updated_at = $3
		FROM subscriptions s
		WHERE b.user_id = $1 AND s.user_id = b.user_id
		RETURNING `+accountColumns)
}

// mutateBalance runs one balance UPDATE and appends tx in the same
// transaction. When conditional is set, a miss is reported as
// *InsufficientCreditsError (or ErrAccountNotFound when there is no row).
func (p *PostgresStore) mutateBalance(ctx context.Context, userID string, arg int64, ctxn *Transaction,
	conditional bool, query string) (*Subscription, *CreditBalance, error) {

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sub, bal, err := scanAccount(tx.QueryRowContext(ctx, query, userID, arg, ctxn.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		if !conditional {
			return nil, nil, ErrAccountNotFound
		}
		cur, curBal, getErr := getAccount(ctx, tx, userID)
		if getErr != nil {
			return nil, nil, getErr
		}
		return nil, nil, &InsufficientCreditsError{Required: arg, Remaining: Remaining(curBal, cur)}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("update balance: %w", err)
	}

	if err := insertTransaction(ctx, tx, ctxn); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return sub, bal, nil
}

// RolloverPeriod resets usage only if the stored period end still matches,
// so concurrent rollovers of the same period apply once. A rolled period
// never carries a pending cancellation.
func (p *PostgresStore) RolloverPeriod(ctx context.Context, r Rollover) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET tier = $2::text,
		    status = $3::text,
		    current_period_start = $4,
		    current_period_end = $5,
		    cancel_at_period_end = FALSE,
		    updated_at = $6
		WHERE user_id = $1 AND current_period_end = $7
	`, r.UserID, string(r.Tier), string(r.Status), r.NewPeriodStart, r.NewPeriodEnd, r.ResetAt, r.ExpectedPeriodEnd)
	if err != nil {
		return false, fmt.Errorf("roll subscription period: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET used_credits = 0, total_credits = $2, last_reset_at = $3, updated_at = $3
		WHERE user_id = $1
	`, r.UserID, r.TotalCredits, r.ResetAt)
	if err != nil {
		return false, fmt.Errorf("reset balance: %w", err)
	}

	if r.Tx != nil {
		if err := insertTransaction(ctx, tx, r.Tx); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// UpdateSubscription applies the non-nil fields of patch.
func (p *PostgresStore) UpdateSubscription(ctx context.Context, userID string, patch SubscriptionPatch, now time.Time) (*Subscription, error) {
	var tier, status, customer sql.NullString
	var start, end sql.NullTime
	var cancel sql.NullBool
	if patch.Tier != nil {
		tier = sql.NullString{String: string(*patch.Tier), Valid: true}
	}
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.StripeCustomerID != nil {
		customer = sql.NullString{String: *patch.StripeCustomerID, Valid: true}
	}
	if patch.CurrentPeriodStart != nil {
		start = sql.NullTime{Time: *patch.CurrentPeriodStart, Valid: true}
	}
	if patch.CurrentPeriodEnd != nil {
		end = sql.NullTime{Time: *patch.CurrentPeriodEnd, Valid: true}
	}
	if patch.CancelAtPeriodEnd != nil {
		cancel = sql.NullBool{Bool: *patch.CancelAtPeriodEnd, Valid: true}
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET
			tier = COALESCE($2::text, tier),
			status = COALESCE($3::text, status),
			current_period_start = COALESCE($4::timestamptz, current_period_start),
			current_period_end = COALESCE($5::timestamptz, current_period_end),
			cancel_at_period_end = COALESCE($6::boolean, cancel_at_period_end),
			stripe_customer_id = COALESCE($7::text, stripe_customer_id),
			updated_at = $8
		WHERE user_id = $1
		RETURNING `+subscriptionColumns,
		userID, tier, status, start, end, cancel, customer, now,
	)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

// History returns the newest transactions first.
func (p *PostgresStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	var rows *sql.Rows
	var err error
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, amount, kind, description, created_at
			FROM credit_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, amount, kind, description, created_at
			FROM credit_transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &kind, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = TxKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDueForRollover returns users whose period ended at or before t,
// oldest first.
func (p *PostgresStore) ListDueForRollover(ctx context.Context, t time.Time, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id FROM subscriptions
		WHERE current_period_end <= $1
		ORDER BY current_period_end ASC
		LIMIT $2
	`, t, limit)
	if err != nil {
		return nil, fmt.Errorf("query due rollovers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransaction(ctx context.Context, db execer, t *Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, kind, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.Amount, string(t.Kind), t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// scannable is satisfied by *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scannable) (*Subscription, *CreditBalance, error) {
	sub := &Subscription{}
	bal := &CreditBalance{}
	var tier, status string
	var customer sql.NullString

	err := row.Scan(
		&sub.UserID, &tier, &status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &customer, &sub.CreatedAt, &sub.UpdatedAt,
		&bal.TotalCredits, &bal.UsedCredits, &bal.BonusCredits, &bal.LastResetAt, &bal.UpdatedAt,
	)
	if err != nil {
		return nil, nil, err
	}

	sub.Tier = Tier(tier)
	sub.Status = Status(status)
	sub.StripeCustomerID = customer.String
	bal.UserID = sub.UserID
	return sub, bal, nil
}

func scanSubscription(row scannable) (*Subscription, error) {
	sub := &Subscription{}
	var tier, status string
	var customer sql.NullString

	err := row.Scan(
		&sub.UserID, &tier, &status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &customer, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Tier = Tier(tier)
	sub.Status = Status(status)
	sub.StripeCustomerID = customer.String
	return sub, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
