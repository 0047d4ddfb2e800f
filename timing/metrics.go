package timing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message directions used as metric labels.
const (
	Send = "send"
	Recv = "recv"
)

// Metrics exports timings and traffic to Prometheus.
//
// A nil *Metrics ignores every observation.
type Metrics struct {
	OpDuration    *prometheus.HistogramVec
	Messages      *prometheus.CounterVec
	MessageValues *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
//
// Collectors can only be registered once per registerer,
// so ranks that share a registerer should share the
// returned Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qlt_op_duration_seconds",
			Help:    "Duration of limiter operations in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-7, 4, 12),
		}, []string{"op"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qlt_messages_total",
			Help: "Point-to-point messages by direction",
		}, []string{"direction"}),
		MessageValues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qlt_message_values_total",
			Help: "Floating-point values carried by messages, by direction",
		}, []string{"direction"}),
	}
}

// ObserveOp records one interval of op.
func (m *Metrics) ObserveOp(op Op, seconds float64) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op.String()).Observe(seconds)
}

// ObserveMessage records one message of n values.
func (m *Metrics) ObserveMessage(direction string, n int) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction).Inc()
	m.MessageValues.WithLabelValues(direction).Add(float64(n))
}
