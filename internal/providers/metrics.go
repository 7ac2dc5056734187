package providers

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/traces"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "provider_requests_total",
			Help:      "Provider capability calls by provider, capability and result.",
		},
		[]string{"provider", "capability", "result"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credgate",
			Name:      "provider_request_duration_seconds",
			Help:      "Provider capability call latency, including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "capability"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// instrument wraps one capability call with a span and metrics.
func instrument[T any](ctx context.Context, provider string, capability Capability,
	fn func(ctx context.Context) (T, error)) (out T, err error) {

	ctx, span := traces.StartSpan(ctx, "provider."+string(capability),
		traces.Provider(provider), traces.Capability(string(capability)))
	defer traces.End(span, &err)

	start := time.Now()
	out, err = fn(ctx)
	requestDuration.WithLabelValues(provider, string(capability)).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(provider, string(capability), outcome(err)).Inc()
	return out, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
