// Package billing applies payment-provider subscription events to the
// credit ledger. Stripe is the only provider; events are verified,
// de-duplicated by event ID and mapped onto tier and status changes.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/credgate/internal/credits"
)

var (
	ErrMissingUserID = errors.New("billing: event has no user_id metadata")
	ErrUnknownPrice  = errors.New("billing: price does not map to a tier")
	ErrMalformed     = errors.New("billing: malformed event object")

	errNoAccessChange = errors.New("billing: subscription state does not affect access")
)

// MetadataUserID is the subscription metadata key carrying our user ID.
const MetadataUserID = "user_id"

// Result of processing one event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
)

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credgate",
	Subsystem: "billing",
	Name:      "events_total",
	Help:      "Billing webhook events by type and result.",
}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(eventsTotal)
}

// Ledger is the subset of *credits.Ledger billing drives.
type Ledger interface {
	GetOrCreate(ctx context.Context, userID string) (*credits.Subscription, *credits.CreditBalance, error)
	ChangeTier(ctx context.Context, userID string, tier credits.Tier) (*credits.Account, error)
	Resubscribe(ctx context.Context, userID string, tier credits.Tier) (*credits.Account, error)
	UpdateSubscription(ctx context.Context, userID string, patch credits.SubscriptionPatch) (*credits.Subscription, error)
}

// EventStore records processed event IDs.
type EventStore interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records the event and reports false if it was already
	// recorded.
	MarkProcessed(ctx context.Context, eventID, eventType, userID string) (bool, error)
}

// Processor maps verified events onto the ledger.
type Processor struct {
	ledger Ledger
	events EventStore
	prices map[string]credits.Tier // Stripe price ID -> tier
	logger *slog.Logger
}

// NewProcessor creates a processor. prices maps Stripe price IDs to tiers.
func NewProcessor(ledger Ledger, events EventStore, prices map[string]credits.Tier, logger *slog.Logger) *Processor {
	p := make(map[string]credits.Tier, len(prices))
	for id, tier := range prices {
		if id != "" {
			p[id] = tier
		}
	}
	return &Processor{ledger: ledger, events: events, prices: p, logger: logger}
}

// Process applies one event. Events that carry nothing actionable are
// acknowledged as ignored so the sender stops retrying; only failures
// worth a retry (the datastore) are returned as errors.
func (p *Processor) Process(ctx context.Context, event stripe.Event) (result Result, err error) {
	typ := string(event.Type)
	defer func() {
		label := string(result)
		if err != nil {
			label = "error"
		}
		eventsTotal.WithLabelValues(typ, label).Inc()
	}()

	seen, err := p.events.Processed(ctx, event.ID)
	if err != nil {
		return "", fmt.Errorf("billing: check event %s: %w: %w", event.ID, credits.ErrDatastoreUnavailable, err)
	}
	if seen {
		return ResultDuplicate, nil
	}

	var userID string
	switch typ {
	case "customer.subscription.created", "customer.subscription.updated":
		userID, err = p.subscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		userID, err = p.subscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		userID, err = p.invoiceStatus(ctx, event, credits.StatusActive, credits.StatusPastDue)
	case "invoice.paid", "invoice.payment_succeeded":
		userID, err = p.invoiceStatus(ctx, event, credits.StatusPastDue, credits.StatusActive)
	default:
		return ResultIgnored, nil
	}

	switch {
	case errors.Is(err, ErrMissingUserID), errors.Is(err, ErrUnknownPrice),
		errors.Is(err, ErrMalformed), errors.Is(err, credits.ErrInvalidTransition),
		errors.Is(err, errNoAccessChange):
		p.logger.Warn("billing event ignored", "event_id", event.ID, "type", typ, "user_id", userID, "reason", err)
		result = ResultIgnored
	case err != nil:
		return "", err
	default:
		result = ResultApplied
	}

	if _, err := p.events.MarkProcessed(ctx, event.ID, typ, userID); err != nil {
		return "", fmt.Errorf("billing: record event %s: %w: %w", event.ID, credits.ErrDatastoreUnavailable, err)
	}
	if result == ResultApplied {
		p.logger.Info("billing event applied", "event_id", event.ID, "type", typ, "user_id", userID)
	}
	return result, nil
}

func decodeSubscription(event stripe.Event) (*stripe.Subscription, string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, "", fmt.Errorf("%w: subscription: %w", ErrMalformed, err)
	}
	userID := sub.Metadata[MetadataUserID]
	if userID == "" {
		return &sub, "", ErrMissingUserID
	}
	return &sub, userID, nil
}

// mapStatus folds Stripe's subscription states into ours. ok is false for
// states that do not change access (incomplete, paused).
func mapStatus(s stripe.SubscriptionStatus) (credits.Status, bool) {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return credits.StatusActive, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return credits.StatusPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return credits.StatusCanceled, true
	default:
		return "", false
	}
}

func (p *Processor) tierFor(sub *stripe.Subscription) (credits.Tier, error) {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if tier, ok := p.prices[item.Price.ID]; ok {
				return tier, nil
			}
		}
	}
	return "", ErrUnknownPrice
}

func (p *Processor) subscriptionChanged(ctx context.Context, event stripe.Event) (string, error) {
	sub, userID, err := decodeSubscription(event)
	if err != nil {
		return userID, err
	}
	status, ok := mapStatus(sub.Status)
	if !ok {
		return userID, fmt.Errorf("%w: %s", errNoAccessChange, sub.Status)
	}
	tier, err := p.tierFor(sub)
	if err != nil {
		return userID, err
	}

	current, _, err := p.ledger.GetOrCreate(ctx, userID)
	if err != nil {
		return userID, err
	}
	if current.Fallback {
		return userID, fmt.Errorf("billing: %w", credits.ErrDatastoreUnavailable)
	}

	resubscribe := current.Status == credits.StatusCanceled && status == credits.StatusActive
	if current.Status == credits.StatusCanceled && !resubscribe {
		return userID, fmt.Errorf("%w: account canceled, event status %s", errNoAccessChange, status)
	}
	if !resubscribe && !credits.CanTransition(current.Status, status) {
		return userID, fmt.Errorf("%w: %s -> %s", credits.ErrInvalidTransition, current.Status, status)
	}

	if resubscribe {
		if _, err := p.ledger.Resubscribe(ctx, userID, tier); err != nil {
			return userID, err
		}
	} else if _, err := p.ledger.ChangeTier(ctx, userID, tier); err != nil {
		return userID, err
	}

	patch := credits.SubscriptionPatch{
		CancelAtPeriodEnd: &sub.CancelAtPeriodEnd,
	}
	if !resubscribe {
		patch.Status = &status
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		patch.StripeCustomerID = &sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 && sub.CurrentPeriodEnd > sub.CurrentPeriodStart {
		start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		patch.CurrentPeriodStart, patch.CurrentPeriodEnd = &start, &end
	}
	_, err = p.ledger.UpdateSubscription(ctx, userID, patch)
	return userID, err
}

func (p *Processor) subscriptionDeleted(ctx context.Context, event stripe.Event) (string, error) {
	_, userID, err := decodeSubscription(event)
	if err != nil {
		return userID, err
	}
	if _, err := p.ledger.ChangeTier(ctx, userID, credits.TierStarter); err != nil {
		return userID, err
	}
	canceled, off := credits.StatusCanceled, false
	_, err = p.ledger.UpdateSubscription(ctx, userID, credits.SubscriptionPatch{
		Status:            &canceled,
		CancelAtPeriodEnd: &off,
	})
	return userID, err
}

// invoice carries the fields billing reads from an invoice object.
type invoice struct {
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

func (inv *invoice) userID() string {
	if inv.SubscriptionDetails != nil {
		if id := inv.SubscriptionDetails.Metadata[MetadataUserID]; id != "" {
			return id
		}
	}
	return inv.Metadata[MetadataUserID]
}

// invoiceStatus moves the subscription from one status to another when it
// is currently in from. Any other current status is left alone.
func (p *Processor) invoiceStatus(ctx context.Context, event stripe.Event, from, to credits.Status) (string, error) {
	var inv invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", fmt.Errorf("%w: invoice: %w", ErrMalformed, err)
	}
	userID := inv.userID()
	if userID == "" {
		return "", ErrMissingUserID
	}

	current, _, err := p.ledger.GetOrCreate(ctx, userID)
	if err != nil {
		return userID, err
	}
	if current.Fallback {
		return userID, fmt.Errorf("billing: %w", credits.ErrDatastoreUnavailable)
	}
	if current.Status != from {
		return userID, nil
	}
	_, err = p.ledger.UpdateSubscription(ctx, userID, credits.SubscriptionPatch{Status: &to})
	return userID, err
}
