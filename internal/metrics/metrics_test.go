package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var (
	_ Collector = (*PrometheusCollector)(nil)
	_ Collector = (*NoopCollector)(nil)
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.TransferTransition("completed")
	c.TransferTransition("completed")
	c.TransferFailed("retries_exhausted")
	c.TransferMismatch("cardano")
	c.AdapterCall("ethereum", "is_final", "ok", 120*time.Millisecond)
	c.VoteCast("approved")
	c.TriggerResolved("consensus", "completed")
	c.FeedEvent("ethereum", "transfer_initiated", "accepted")
	c.CapsulesRepaired(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("retries_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mismatches.WithLabelValues("cardano")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.adapterCalls.WithLabelValues("ethereum", "is_final", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.votes.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.triggersResolved.WithLabelValues("consensus", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.feedEvents.WithLabelValues("ethereum", "transfer_initiated", "accepted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.capsulesRepaired))
}

func TestTransfersInStatus_ResetsStaleLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.TransfersInStatus(map[string]int{"initiated": 4, "completed": 1})
	c.TransfersInStatus(map[string]int{"completed": 5})

	assert.Equal(t, 5.0, testutil.ToFloat64(c.inStatus.WithLabelValues("completed")))
	// initiated was dropped by the reset and recreated at zero by the lookup above
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inStatus.WithLabelValues("initiated")))
}

func TestNewPrometheusCollector_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusCollector(reg)
	assert.Panics(t, func() { NewPrometheusCollector(reg) })
}
