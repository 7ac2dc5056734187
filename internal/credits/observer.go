package credits

import (
	"time"
)

// EventKind names what changed on an account.
type EventKind string

const (
	EventDeduction   EventKind = "deduction"
	EventRefund      EventKind = "refund"
	EventBonus       EventKind = "bonus"
	EventReset       EventKind = "reset"
	EventTopUp       EventKind = "topup"
	EventTierChanged EventKind = "tier_changed"
	EventStatus      EventKind = "subscription_updated"
)

// Event is delivered to observers after a successful mutation.
type Event struct {
	UserID    string    `json:"userId"`
	Kind      EventKind `json:"kind"`
	Amount    int64     `json:"amount"`
	Remaining int64     `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	Tier      Tier      `json:"tier"`
	At        time.Time `json:"at"`
}

// Observer receives ledger events. It runs on the mutating goroutine and
// must not block.
type Observer func(Event)

// Subscribe registers o and returns a func that removes it.
func (l *Ledger) Subscribe(o Observer) func() {
	l.obsMu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = o
	l.obsMu.Unlock()

	return func() {
		l.obsMu.Lock()
		delete(l.observers, id)
		l.obsMu.Unlock()
	}
}

func (l *Ledger) notify(e Event) {
	l.obsMu.RLock()
	obs := make([]Observer, 0, len(l.observers))
	for _, o := range l.observers {
		obs = append(obs, o)
	}
	l.obsMu.RUnlock()

	for _, o := range obs {
		l.deliver(o, e)
	}
}

func (l *Ledger) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("credits observer panicked", "user_id", e.UserID, "kind", e.Kind, "panic", r)
		}
	}()
	o(e)
}

func (l *Ledger) notifyAccount(kind EventKind, amount int64, sub *Subscription, bal *CreditBalance, at time.Time) {
	rem := Remaining(bal, sub)
	l.notify(Event{
		UserID:    sub.UserID,
		Kind:      kind,
		Amount:    amount,
		Remaining: rem,
		Unlimited: rem == Unlimited,
		Tier:      sub.Tier,
		At:        at,
	})
}
