package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var (
	providerAdmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "provider_admissions_total",
			Help:      "Provider admission decisions by provider and result.",
		},
		[]string{"provider", "result"},
	)

	providerInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "credgate",
			Name:      "provider_inflight",
			Help:      "In-flight provider calls.",
		},
		[]string{"provider"},
	)

	providerDedup = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "provider_dedup_total",
			Help:      "Provider calls served by an identical in-flight request.",
		},
		[]string{"provider"},
	)

	providerRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "provider_retries_total",
			Help:      "Provider call retries after a transient failure.",
		},
		[]string{"provider"},
	)

	rateLimitedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "credgate",
		Name:      "http_rate_limited_total",
		Help:      "HTTP requests rejected by the per-caller limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		providerAdmissions,
		providerInflight,
		providerDedup,
		providerRetries,
		rateLimitedRequests,
	)
}
