package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorder(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	labels := map[string]string{"network": "eip155:8453"}
	r.IncCounter(EventSettlementCompleted, labels)
	r.IncCounter(EventSettlementCompleted, labels)
	r.IncCounter(EventSettlementFailed, nil)
	r.ObserveLatency(OpSettlementReplay, 150*time.Millisecond, labels)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues(EventSettlementCompleted, "eip155:8453")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues(EventSettlementFailed, "unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.latency))

	assert.Panics(t, func() { NewPrometheusRecorder(reg) }, "duplicate registration")

	var _ Recorder = r
	var _ Recorder = NoopRecorder{}
}
