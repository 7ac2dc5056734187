// Package usage is the authorization choke point for metered actions.
//
// Authorize resolves an action's cost, rolls the user's period over if it
// has ended and deducts the cost before any provider is called. Release
// settles an authorization once the dispatch outcome is known.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/providers"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/traces"
)

var (
	ErrInvalidAction = errors.New("usage: unknown action and no valid custom amount")
	ErrInvalidAmount = errors.New("usage: custom amount must be positive")
	ErrDenied        = errors.New("usage: action denied")

	// ErrUnauthorized is identity.ErrNoCredentials, so one errors.Is check
	// covers both packages.
	ErrUnauthorized = identity.ErrNoCredentials
)

// DeniedError is returned when the ledger refuses the deduction. Nothing
// was charged.
type DeniedError struct {
	Reason    string `json:"reason"`
	Required  int64  `json:"required"`
	Remaining int64  `json:"remaining"`
	cause     error
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("usage: denied (%s): required %d, remaining %d", e.Reason, e.Required, e.Remaining)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

func (e *DeniedError) Unwrap() error { return e.cause }

// ReasonInsufficientCredits is the only denial reason today.
const ReasonInsufficientCredits = "insufficient_credits"

// Ledger is the subset of *credits.Ledger the gate needs.
type Ledger interface {
	MaybeResetForNewPeriod(ctx context.Context, userID string) (bool, error)
	Deduct(ctx context.Context, userID string, amount int64, description string) (*credits.Account, error)
	Refund(ctx context.Context, userID string, amount int64, description string) (*credits.Account, error)
}

// Authorization is a successful charge. RemainingAfter is credits.Unlimited
// for the unlimited tier.
type Authorization struct {
	UserID         string    `json:"-"`
	Action         string    `json:"action"`
	Cost           int64     `json:"cost"`
	RemainingAfter int64     `json:"remaining"`
	Unlimited      bool      `json:"unlimited"`
	AuthorizedAt   time.Time `json:"authorizedAt"`
}

// Gate authorizes metered actions against a Ledger.
type Gate struct {
	ledger Ledger
	costs  map[string]int64
	refund bool
	logger *slog.Logger
}

type Option func(*Gate)

// WithRefundOnProviderFailure sets whether a failed dispatch returns the
// cost. Defaults to true.
func WithRefundOnProviderFailure(on bool) Option {
	return func(g *Gate) { g.refund = on }
}

// WithCosts replaces the action cost table.
func WithCosts(costs map[string]int64) Option {
	return func(g *Gate) { g.costs = copyCosts(costs) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a gate over ledger.
func NewGate(ledger Ledger, opts ...Option) *Gate {
	g := &Gate{
		ledger: ledger,
		costs:  copyCosts(DefaultCosts),
		refund: true,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Costs returns a copy of the cost table.
func (g *Gate) Costs() map[string]int64 { return copyCosts(g.costs) }

// RefundsOnFailure reports the refund policy.
func (g *Gate) RefundsOnFailure() bool { return g.refund }

// Estimate resolves the cost of an action without charging anything.
func (g *Gate) Estimate(action string, custom *int64) (int64, error) {
	if cost, ok := g.costs[action]; ok {
		return cost, nil
	}
	if custom == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if *custom <= 0 {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAction, ErrInvalidAmount)
	}
	return *custom, nil
}

// Authorize charges userID for action. A table entry wins over custom.
// On success the caller may dispatch the paid work. Authorize never
// retries.
func (g *Gate) Authorize(ctx context.Context, userID, action string, custom *int64) (auth *Authorization, err error) {
	ctx, span := traces.StartSpan(ctx, "usage.Authorize", traces.UserID(userID), traces.Action(action))
	defer traces.End(span, &err)
	start := time.Now()
	defer func() { observeAuthorize(start, err) }()

	if userID == "" {
		return nil, ErrUnauthorized
	}
	cost, err := g.Estimate(action, custom)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Cost(cost))

	if _, err := g.ledger.MaybeResetForNewPeriod(ctx, userID); err != nil {
		// A stale period is not worth failing the request over: Deduct
		// reports a real outage on its own.
		if !errors.Is(err, credits.ErrDatastoreUnavailable) {
			return nil, err
		}
		g.log(ctx).Warn("period reset skipped", "user_id", userID, "error", err)
	}

	acct, err := g.ledger.Deduct(ctx, userID, cost, action)
	if err != nil {
		var ice *credits.InsufficientCreditsError
		if errors.As(err, &ice) {
			return nil, &DeniedError{
				Reason:    ReasonInsufficientCredits,
				Required:  ice.Required,
				Remaining: ice.Remaining,
				cause:     err,
			}
		}
		return nil, err
	}

	label := action
	if _, ok := g.costs[action]; !ok {
		label = CustomAction
	}
	credits.DeductedTotal.WithLabelValues(label).Add(float64(cost))

	return &Authorization{
		UserID:         userID,
		Action:         action,
		Cost:           cost,
		RemainingAfter: acct.Remaining,
		Unlimited:      acct.Unlimited,
		AuthorizedAt:   time.Now(),
	}, nil
}

// Refundable reports whether cause is a dispatch failure whose cost the
// refund policy returns: a provider error, a rate-limit denial or a
// missing provider. Caller cancellation is not refundable.
func Refundable(cause error) bool {
	return errors.Is(cause, providers.ErrProviderFailed) ||
		errors.Is(cause, ratelimit.ErrRateLimited) ||
		errors.Is(cause, providers.ErrNoProvider)
}

// Release settles auth after dispatch. With a nil cause it does nothing.
// When the refund policy is on and cause is Refundable, the cost is
// returned to the user; the refund survives cancellation of ctx. It
// reports whether a refund was made.
func (g *Gate) Release(ctx context.Context, auth *Authorization, cause error) (bool, error) {
	if auth == nil || cause == nil || auth.Cost <= 0 {
		return false, nil
	}
	if !g.refund || !Refundable(cause) {
		releasesTotal.WithLabelValues("kept").Inc()
		return false, nil
	}

	ctx = context.WithoutCancel(ctx)
	_, err := g.ledger.Refund(ctx, auth.UserID, auth.Cost, "refund: "+auth.Action)
	if err != nil {
		releasesTotal.WithLabelValues("refund_failed").Inc()
		g.log(ctx).Error("refund failed",
			"user_id", auth.UserID,
			"action", auth.Action,
			"cost", auth.Cost,
			"cause", cause,
			"error", err,
		)
		return false, err
	}
	releasesTotal.WithLabelValues("refunded").Inc()
	g.log(ctx).Info("refunded failed dispatch",
		"user_id", auth.UserID,
		"action", auth.Action,
		"cost", auth.Cost,
		"cause", cause,
	)
	return true, nil
}

func (g *Gate) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return g.logger.With("request_id", id)
	}
	return g.logger
}
