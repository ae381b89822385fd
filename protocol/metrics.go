package protocol

import (
	"time"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts instance outcomes and times protocol phases.
// A nil *Metrics records nothing.
type Metrics struct {
	instances *prometheus.CounterVec
	phases    *prometheus.HistogramVec
}

// MakeMetrics registers the collectors on registerer, if one is given.
func MakeMetrics(registerer prometheus.Registerer) (metrics *Metrics) {
	metrics = &Metrics{
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "instances_total",
			Help:      "Protocol instances by command and the state they stopped in.",
		}, []string{"command", "state"}),
		phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each protocol phase.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"phase"}),
	}
	if registerer != nil {
		registerer.MustRegister(metrics.instances, metrics.phases)
	}
	return
}

func (metrics *Metrics) observePhase(phase string, start time.Time) {
	if metrics == nil {
		return
	}
	metrics.phases.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

func (metrics *Metrics) countInstance(command ledger.CommandType, state State) {
	if metrics == nil {
		return
	}
	metrics.instances.WithLabelValues(string(command), string(state)).Inc()
}
