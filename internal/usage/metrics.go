package usage

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/credgate/internal/credits"
)

var (
	authorizeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "usage",
		Name:      "authorizations_total",
		Help:      "Authorization attempts by result.",
	}, []string{"result"}) // "ok", "denied", "invalid", "unauthorized", "unavailable", "error"

	authorizeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "credgate",
		Subsystem: "usage",
		Name:      "authorize_duration_seconds",
		Help:      "Authorize latency including the period check.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "usage",
		Name:      "releases_total",
		Help:      "Failed dispatch settlements by outcome.",
	}, []string{"result"}) // "refunded", "kept", "refund_failed"
)

func init() {
	prometheus.MustRegister(authorizeTotal, authorizeDuration, releasesTotal)
}

func observeAuthorize(start time.Time, err error) {
	authorizeDuration.Observe(time.Since(start).Seconds())
	authorizeTotal.WithLabelValues(authorizeResult(err)).Inc()
}

func authorizeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDenied):
		return "denied"
	case errors.Is(err, ErrInvalidAction):
		return "invalid"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, credits.ErrDatastoreUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
