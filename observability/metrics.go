package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimsMetricsOnce sync.Once
	claimsRegistry    *ClaimsMetrics
)

// ClaimsMetrics captures the settlement engine's request outcomes, failure
// classifications and disbursed volume.
type ClaimsMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	payouts  *prometheus.CounterVec
	paused   prometheus.Gauge
}

// NewClaimsMetrics builds an unregistered collector set. Tests use it with a
// private registry; production code calls Claims.
func NewClaimsMetrics() *ClaimsMetrics {
	return &ClaimsMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimengine",
			Subsystem: "claims",
			Name:      "requests_total",
			Help:      "Count of engine operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimengine",
			Subsystem: "claims",
			Name:      "errors_total",
			Help:      "Count of failed engine operations segmented by operation and error kind.",
		}, []string{"operation", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "claimengine",
			Subsystem: "claims",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimengine",
			Subsystem: "claims",
			Name:      "payout_total",
			Help:      "Total base units disbursed segmented by asset.",
		}, []string{"asset"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "claimengine",
			Subsystem: "claims",
			Name:      "paused",
			Help:      "1 while the claim path is paused.",
		}),
	}
}

// Collectors returns every collector so callers can register them.
func (m *ClaimsMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.errors, m.latency, m.payouts, m.paused}
}

// Claims returns the lazily-initialised, globally registered claims metrics.
func Claims() *ClaimsMetrics {
	claimsMetricsOnce.Do(func() {
		claimsRegistry = NewClaimsMetrics()
		prometheus.MustRegister(claimsRegistry.Collectors()...)
	})
	return claimsRegistry
}

// Observe records the outcome of an operation. kind is empty on success.
func (m *ClaimsMetrics) Observe(operation, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if kind != "" {
		outcome = "error"
		m.errors.WithLabelValues(operation, kind).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPayout adds amount to the disbursed volume of asset. Amounts beyond
// float64 precision are approximated.
func (m *ClaimsMetrics) RecordPayout(asset string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.payouts.WithLabelValues(normalizeLabel(asset)).Add(value)
}

// SetPaused mirrors the circuit-breaker state.
func (m *ClaimsMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func normalizeLabel(value string) string {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
