package credits

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by name and outcome.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "credits_operations_total",
			Help:      "Total credit ledger operations by op and result.",
		},
		[]string{"op", "result"},
	)

	// OpDuration observes operation latency by name.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credgate",
			Name:      "credits_operation_duration_seconds",
			Help:      "Credit ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// DeductedTotal sums credits spent per metered action.
	DeductedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "credits_deducted_total",
			Help:      "Credits deducted by metered action.",
		},
		[]string{"action"},
	)

	// FallbacksTotal counts accounts served from the in-memory default.
	FallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "credits_fallback_accounts_total",
			Help:      "Accounts served from the fallback default because the datastore was unavailable.",
		},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, DeductedTotal, FallbacksTotal)
}

// observeOp starts timing op. Defer the returned func with a pointer to
// the named error result:
//
//	defer observeOp("deduct")(&err)
func observeOp(op string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		OpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, ErrDatastoreUnavailable):
		return "unavailable"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	default:
		return "error"
	}
}
