package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the ledger
// 台帳のPrometheusコレクターを保持
type Metrics struct {
	consumeTotal      *prometheus.CounterVec
	shortageTotal     prometheus.Counter
	conflictTotal     *prometheus.CounterVec
	movementsTotal    *prometheus.CounterVec
	reclassifiedTotal prometheus.Counter
	operationSeconds  *prometheus.HistogramVec
}

// NewMetrics creates ledger metrics and registers them with reg.
// A nil reg leaves the collectors unregistered.
// 台帳メトリクスを作成しregに登録（nilの場合は登録しない）
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		consumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batch_ledger",
			Name:      "consume_total",
			Help:      "Consume calls by outcome.",
		}, []string{"outcome"}),
		shortageTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batch_ledger",
			Name:      "shortage_items_total",
			Help:      "Inventory items reported short by consume or validate.",
		}),
		conflictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batch_ledger",
			Name:      "conflicts_total",
			Help:      "Concurrent modification conflicts by operation.",
		}, []string{"operation"}),
		movementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batch_ledger",
			Name:      "movements_total",
			Help:      "Movements appended to the ledger by type.",
		}, []string{"movement_type"}),
		reclassifiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batch_ledger",
			Name:      "reclassified_batches_total",
			Help:      "Batches moved from active to expired by the expiry sweep.",
		}),
		operationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "batch_ledger",
			Name:      "operation_duration_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.consumeTotal,
			m.shortageTotal,
			m.conflictTotal,
			m.movementsTotal,
			m.reclassifiedTotal,
			m.operationSeconds,
		)
	}
	return m
}

// メトリクスはnilレシーバーでも安全に呼び出せる

func (m *Metrics) observeConsume(outcome string) {
	if m == nil {
		return
	}
	m.consumeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeShortages(n int) {
	if m == nil || n == 0 {
		return
	}
	m.shortageTotal.Add(float64(n))
}

func (m *Metrics) observeConflict(operation string) {
	if m == nil {
		return
	}
	m.conflictTotal.WithLabelValues(operation).Inc()
}

// observeMovements is called only after the writing transaction has committed
func (m *Metrics) observeMovements(t MovementType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.movementsTotal.WithLabelValues(string(t)).Add(float64(n))
}

func (m *Metrics) observeReclassified(n int) {
	if m == nil || n == 0 {
		return
	}
	m.reclassifiedTotal.Add(float64(n))
}

func (m *Metrics) observeDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.operationSeconds.WithLabelValues(operation).Observe(seconds)
}
