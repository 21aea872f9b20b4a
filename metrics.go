package covers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "covers"

// Metrics are the Prometheus collectors updated by a Service. A nil
// *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	sourceLookups   *prometheus.CounterVec
	lockWait        prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Cover requests by result (found, absent, error).",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent resolving a cover, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 12),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Cache consultations by result (scaled, original, nocontent, miss).",
		}, []string{"result"}),
		sourceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "source_lookups_total",
			Help:      "Source lookups by source and outcome (found, absent, unsupported, error).",
		}, []string{"source", "outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "lock_wait_seconds",
			Help:      "Time requests waited for identifiers held by other requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 12),
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.requestDuration, m.cacheLookups, m.sourceLookups, m.lockWait} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRequest(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) sourceLookup(name, outcome string) {
	if m == nil {
		return
	}
	m.sourceLookups.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}
