package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_transactions_total",
		Help: "Transactions reaching each state.",
	}, []string{"state"})

	PhaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coord_transaction_phase_seconds",
		Help:    "Duration of 2PC phases.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	Sagas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_sagas_total",
		Help: "Sagas reaching each state.",
	}, []string{"state"})

	SagaSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_saga_steps_total",
		Help: "Saga step actions and compensations by outcome.",
	}, []string{"outcome"})

	OutboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_outbox_deliveries_total",
		Help: "Outbox delivery attempts by outcome.",
	}, []string{"outcome"})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coord_outbox_pending",
		Help: "Unprocessed outbox messages seen by the last relay cycle.",
	})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_dlq_messages_total",
		Help: "Dead letter queue events (enqueued, retried, redelivered, resolved, redelivery_failed).",
	}, []string{"event"})
)

// Recorder is the metrics surface the domain services depend on.
type Recorder interface {
	Transaction(state string)
	Phase(phase string) *prometheus.Timer
	Saga(state string)
	SagaStep(outcome string)
	OutboxDelivery(outcome string)
	OutboxBacklog(n int)
	DeadLetter(event string)
}

// Prometheus records to the process-wide registry.
type Prometheus struct{}

func (Prometheus) Transaction(state string) {
	Transactions.WithLabelValues(state).Inc()
}

func (Prometheus) Phase(phase string) *prometheus.Timer {
	return prometheus.NewTimer(PhaseLatency.WithLabelValues(phase))
}

func (Prometheus) Saga(state string) {
	Sagas.WithLabelValues(state).Inc()
}

func (Prometheus) SagaStep(outcome string) {
	SagaSteps.WithLabelValues(outcome).Inc()
}

func (Prometheus) OutboxDelivery(outcome string) {
	OutboxDeliveries.WithLabelValues(outcome).Inc()
}

func (Prometheus) OutboxBacklog(n int) {
	OutboxPending.Set(float64(n))
}

func (Prometheus) DeadLetter(event string) {
	DeadLetters.WithLabelValues(event).Inc()
}
