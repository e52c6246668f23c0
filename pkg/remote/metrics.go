package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sapliy/coordination/pkg/resilience"
)

var (
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_remote_calls_total",
		Help: "Outbound calls to remote services by outcome.",
	}, []string{"service", "outcome"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coord_breaker_state",
		Help: "Circuit breaker state per remote service (0 closed, 1 half-open, 2 open).",
	}, []string{"service"})
)

func recordBreakerState(service string, state resilience.BreakerState) {
	var v float64
	switch state {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	BreakerState.WithLabelValues(service).Set(v)
}
