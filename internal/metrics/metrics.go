// Package metrics holds the process-wide Prometheus collectors. Domain
// packages register their own under the same namespace.
package metrics

import (
	"database/sql"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every credgate metric.
const Namespace = "credgate"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveStreamClients tracks connected credit stream clients.
	ActiveStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_stream_clients",
			Help:      "Number of currently connected credit stream clients.",
		},
	)

	// StreamEventsDropped counts credit events not delivered to a slow client.
	StreamEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stream_events_dropped_total",
			Help:      "Credit events dropped because a stream client fell behind.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveStreamClients,
		StreamEventsDropped,
		poolCollector,
	)
}

var poolCollector = &dbPoolCollector{
	open:    prometheus.NewDesc(Namespace+"_db_open_connections", "Open database connections.", nil, nil),
	inUse:   prometheus.NewDesc(Namespace+"_db_in_use_connections", "Database connections currently in use.", nil, nil),
	idle:    prometheus.NewDesc(Namespace+"_db_idle_connections", "Idle database connections.", nil, nil),
	waits:   prometheus.NewDesc(Namespace+"_db_wait_count_total", "Connections waited for since the pool opened.", nil, nil),
	waitSec: prometheus.NewDesc(Namespace+"_db_wait_duration_seconds_total", "Time spent waiting for a connection.", nil, nil),
}

// dbPoolCollector reads sql.DBStats at scrape time. It exports nothing
// until TrackDB hands it a pool.
type dbPoolCollector struct {
	db atomic.Pointer[sql.DB]

	open, inUse, idle, waits, waitSec *prometheus.Desc
}

// TrackDB points the pool collector at db; nil stops exporting.
func TrackDB(db *sql.DB) {
	poolCollector.db.Store(db)
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waits
	ch <- c.waitSec
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	db := c.db.Load()
	if db == nil {
		return
	}
	st := db.Stats()
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(st.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(st.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.Idle))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(st.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitSec, prometheus.CounterValue, st.WaitDuration.Seconds())
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
