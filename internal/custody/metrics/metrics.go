package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the custody core.
type Metrics struct {
	TransfersRecorded  *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryRetries    prometheus.Counter
	QueuePending       prometheus.Gauge
	ChainVerifications *prometheus.CounterVec
	HealthState        prometheus.Gauge
}

// New creates and registers all custody metrics.
func New() *Metrics {
	return &Metrics{
		TransfersRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_transfers_recorded_total",
			Help: "Custody transfers accepted, labeled by delivery path (direct or queued)",
		}, []string{"path"}),
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_queue_deliveries_total",
			Help: "Queued ledger deliveries, labeled by outcome (completed or failed)",
		}, []string{"outcome"}),
		DeliveryRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_queue_retries_total",
			Help: "Failed queue items released back to pending for another attempt",
		}),
		QueuePending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custodia_queue_pending",
			Help: "Queue items currently awaiting ledger delivery",
		}),
		ChainVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_chain_verifications_total",
			Help: "Chain integrity verdicts, labeled by result (valid or invalid)",
		}, []string{"result"}),
		HealthState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custodia_health_state",
			Help: "Overall health classification (0 unhealthy, 1 degraded, 2 healthy)",
		}),
	}
}

func (m *Metrics) RecordTransfer(direct bool) {
	if m == nil {
		return
	}
	if direct {
		m.TransfersRecorded.WithLabelValues("direct").Inc()
	} else {
		m.TransfersRecorded.WithLabelValues("queued").Inc()
	}
}

func (m *Metrics) RecordDelivery(completed bool) {
	if m == nil {
		return
	}
	if completed {
		m.DeliveriesTotal.WithLabelValues("completed").Inc()
	} else {
		m.DeliveriesTotal.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.DeliveryRetries.Inc()
}

func (m *Metrics) SetQueuePending(n int) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(n))
}

func (m *Metrics) RecordChainVerification(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.ChainVerifications.WithLabelValues("valid").Inc()
	} else {
		m.ChainVerifications.WithLabelValues("invalid").Inc()
	}
}

func (m *Metrics) SetHealthState(state float64) {
	if m == nil {
		return
	}
	m.HealthState.Set(state)
}
