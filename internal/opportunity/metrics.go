package opportunity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every Prometheus collector the engine exports.
// Components take a *Metrics (possibly nil in tests) and increment it
// inline rather than through a global registry, keeping each collector's
// label set explicit at the call site.
type Metrics struct {
	OpportunitiesTotal         *prometheus.CounterVec
	OpportunitiesRejectedTotal *prometheus.CounterVec
	TickOverrunsTotal          *prometheus.CounterVec
	BreakerState               *prometheus.GaugeVec
	IntentBusSpoolDepth        prometheus.Gauge
	QuoteDuration              *prometheus.HistogramVec
}

// NewMetrics registers every collector against reg and returns the
// bundle. Pass prometheus.NewRegistry() in tests to avoid colliding with
// the global default registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpportunitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opportunity_engine",
			Name:      "opportunities_total",
			Help:      "Opportunities that passed ProfitEngine and SafetyGate admission, by chain.",
		}, []string{"chain"}),
		OpportunitiesRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opportunity_engine",
			Name:      "opportunities_rejected_total",
			Help:      "Candidates rejected, labeled by the structured error Kind that rejected them.",
		}, []string{"chain", "reason"}),
		TickOverrunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opportunity_engine",
			Name:      "tick_overruns_total",
			Help:      "Scanner ticks aborted for exceeding tick_budget_ms, by chain.",
		}, []string{"chain"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opportunity_engine",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per chain: 0=CLOSED, 1=OPEN, 2=HALF_OPEN.",
		}, []string{"chain"}),
		IntentBusSpoolDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opportunity_engine",
			Name:      "intent_bus_spool_depth",
			Help:      "Number of intent files written to the spool fallback since startup.",
		}),
		QuoteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opportunity_engine",
			Name:      "quote_duration_seconds",
			Help:      "DexQuoter per-pool quote latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "protocol"}),
	}
}
