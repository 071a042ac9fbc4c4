package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// replayBuckets cover a fast facilitator answer up to the default 30s
// settlement timeout.
var replayBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}

type PrometheusRecorder struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the x402 collectors on reg, or on the
// default registry when reg is nil. Registering twice on the same registry
// panics.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "events_total",
			Help:      "Pending payment lifecycle events by type and network.",
		}, []string{"type", "network"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "latency_seconds",
			Help:      "Duration of settlement operations such as the paid request replay.",
			Buckets:   replayBuckets,
		}, []string{"operation", "network"}),
	}
	reg.MustRegister(r.events, r.latency)
	return r
}

func (r *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	r.events.WithLabelValues(name, network(labels)).Inc()
}

func (r *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	r.latency.WithLabelValues(name, network(labels)).Observe(d.Seconds())
}

func network(labels map[string]string) string {
	if n := labels["network"]; n != "" {
		return n
	}
	return "unknown"
}
