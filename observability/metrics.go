package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RedeemMetrics exposes Prometheus collectors for the redemption engine.
type RedeemMetrics struct {
	redemptions     *prometheus.CounterVec
	prizes          *prometheus.CounterVec
	settleAttempts  prometheus.Histogram
	settleLatency   *prometheus.HistogramVec
	poolBalance     *prometheus.GaugeVec
	inconsistencies prometheus.Counter
}

var (
	redeemMetricsOnce sync.Once
	redeemRegistry    *RedeemMetrics
)

// Redeem returns the lazily-initialised redemption metrics registry.
func Redeem() *RedeemMetrics {
	redeemMetricsOnce.Do(func() {
		redeemRegistry = &RedeemMetrics{
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeemd",
				Subsystem: "engine",
				Name:      "redemptions_total",
				Help:      "Redemption requests segmented by pool and outcome code.",
			}, []string{"pool", "outcome"}),
			prizes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeemd",
				Subsystem: "engine",
				Name:      "prizes_total",
				Help:      "Settled prizes segmented by pool and payout index.",
			}, []string{"pool", "index"}),
			settleAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "redeemd",
				Subsystem: "ledger",
				Name:      "settle_attempts",
				Help:      "Number of submission attempts per successful settlement.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			}),
			settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "redeemd",
				Subsystem: "ledger",
				Name:      "settle_duration_seconds",
				Help:      "Wall-clock duration of settlement segmented by outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			poolBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "redeemd",
				Subsystem: "ledger",
				Name:      "pool_balance_base_units",
				Help:      "Last observed pool account balance in base units.",
			}, []string{"pool"}),
			inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "redeemd",
				Subsystem: "engine",
				Name:      "inconsistencies_total",
				Help:      "Partial compensation or recording failures needing manual reconciliation.",
			}),
		}
		prometheus.MustRegister(
			redeemRegistry.redemptions,
			redeemRegistry.prizes,
			redeemRegistry.settleAttempts,
			redeemRegistry.settleLatency,
			redeemRegistry.poolBalance,
			redeemRegistry.inconsistencies,
		)
	})
	return redeemRegistry
}

// RecordRedemption counts one finished redemption request.
func (m *RedeemMetrics) RecordRedemption(pool, outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(pool, outcome).Inc()
}

// RecordPrize counts one settled prize by payout index.
func (m *RedeemMetrics) RecordPrize(pool, index string) {
	if m == nil {
		return
	}
	m.prizes.WithLabelValues(pool, index).Inc()
}

// ObserveSettlement records attempt count and duration for a redemption that
// reached the settlement stage.
func (m *RedeemMetrics) ObserveSettlement(outcome string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	if attempts > 0 {
		m.settleAttempts.Observe(float64(attempts))
	}
	m.settleLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPoolBalance publishes a background balance probe result.
func (m *RedeemMetrics) RecordPoolBalance(pool string, baseUnits float64) {
	if m == nil {
		return
	}
	m.poolBalance.WithLabelValues(pool).Set(baseUnits)
}

// RecordInconsistency counts a partial compensation or recording failure.
func (m *RedeemMetrics) RecordInconsistency() {
	if m == nil {
		return
	}
	m.inconsistencies.Inc()
}
