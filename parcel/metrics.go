package parcel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for datasets and file systems.
// A nil *Metrics records nothing.
type Metrics struct {
	// Operations counts operations by op and result ("ok", "not_found", "error").
	Operations *prometheus.CounterVec
	// Duration tracks operation latency by op.
	Duration *prometheus.HistogramVec
	// CacheInvalidations counts listing cache invalidations.
	CacheInvalidations prometheus.Counter
	// ListingCache counts listing cache lookups by result ("hit", "miss").
	ListingCache *prometheus.CounterVec
}

// NewMetrics creates and registers metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWithRegistry creates metrics registered with reg.
// Use a fresh registry per test.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_operations_total",
			Help: "Total number of dataset and store operations",
		}, []string{"op", "result"}),

		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parcel_operation_duration_seconds",
			Help:    "Duration of dataset and store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		CacheInvalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "parcel_cache_invalidations_total",
			Help: "Total number of listing cache invalidations",
		}),

		ListingCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_listing_cache_total",
			Help: "Listing cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) invalidated() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

func (m *Metrics) listing(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ListingCache.WithLabelValues("hit").Inc()
		return
	}
	m.ListingCache.WithLabelValues("miss").Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
