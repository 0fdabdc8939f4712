package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

const namespace = "cart"

// Prometheus records cart operation outcomes. Results are labelled "ok" or
// with the failure kind so dashboards can tell stock-outs from faults.
type Prometheus struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
}

var _ port.MetricsRecorder = (*Prometheus)(nil)

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Cart operations by result.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Cart operation latency including conflict retries.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Transactions replayed after a lock conflict.",
		}, []string{"operation"}),
	}

	reg.MustRegister(p.operations, p.duration, p.retries)
	return p
}

func (p *Prometheus) ObserveOperation(operation string, err error, seconds float64) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	p.operations.WithLabelValues(operation, result).Inc()
	p.duration.WithLabelValues(operation).Observe(seconds)
}

func (p *Prometheus) IncConflictRetry(operation string) {
	p.retries.WithLabelValues(operation).Inc()
}
