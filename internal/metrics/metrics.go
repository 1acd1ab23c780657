// Package metrics defines the counters and gauges the coordinator and relay report.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "unseal"

// Collector receives domain events worth counting.
type Collector interface {
	// TransferTransition counts a transfer entering status to.
	TransferTransition(to string)
	// TransferFailed counts a failure by reason.
	TransferFailed(reason string)
	// TransferMismatch counts a destination confirmation whose hash did not match.
	TransferMismatch(chain string)
	// TransfersInStatus publishes the current number of transfers per status.
	TransfersInStatus(counts map[string]int)
	// AdapterCall observes one ledger adapter call.
	AdapterCall(chain, op, outcome string, d time.Duration)
	// VoteCast counts a recorded vote.
	VoteCast(vote string)
	// TriggerResolved counts a trigger reaching a terminal status.
	TriggerResolved(kind, outcome string)
	// FeedEvent counts an event delivered by a chain feed.
	FeedEvent(chain, event, outcome string)
	// CapsulesRepaired counts capsules unsealed by reconciliation.
	CapsulesRepaired(n int)
}

// PrometheusCollector implements Collector with prometheus metrics.
type PrometheusCollector struct {
	transitions      *prometheus.CounterVec
	failures         *prometheus.CounterVec
	mismatches       *prometheus.CounterVec
	inStatus         *prometheus.GaugeVec
	adapterCalls     *prometheus.CounterVec
	adapterDuration  *prometheus.HistogramVec
	votes            *prometheus.CounterVec
	triggersResolved *prometheus.CounterVec
	feedEvents       *prometheus.CounterVec
	capsulesRepaired prometheus.Counter
}

// NewPrometheusCollector creates the collectors and registers them with registerer.
func NewPrometheusCollector(registerer prometheus.Registerer) *PrometheusCollector {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "transitions_total",
		Help:      "number of transfers that entered each status",
	}, []string{"status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "failures_total",
		Help:      "number of failed transfers by reason",
	}, []string{"reason"})
	mismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "mismatches_total",
		Help:      "destination confirmations whose tx hash differed from the submitted one; any increase needs attention",
	}, []string{"chain"})
	inStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "in_status",
		Help:      "current number of transfers per status",
	}, []string{"status"})
	adapterCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "calls_total",
		Help:      "ledger adapter calls by chain, operation and outcome",
	}, []string{"chain", "op", "outcome"})
	adapterDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "call_seconds",
		Help:      "ledger adapter call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "op"})
	votes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "votes_total",
		Help:      "recorded consensus votes",
	}, []string{"vote"})
	triggersResolved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trigger",
		Name:      "resolved_total",
		Help:      "triggers that reached a terminal status",
	}, []string{"kind", "outcome"})
	feedEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "events_total",
		Help:      "chain feed events by outcome",
	}, []string{"chain", "event", "outcome"})
	capsulesRepaired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "capsules_repaired_total",
		Help:      "sealed capsules unsealed because their trigger had already completed",
	})

	registerer.MustRegister(
		transitions, failures, mismatches, inStatus, adapterCalls,
		adapterDuration, votes, triggersResolved, feedEvents, capsulesRepaired,
	)

	return &PrometheusCollector{
		transitions:      transitions,
		failures:         failures,
		mismatches:       mismatches,
		inStatus:         inStatus,
		adapterCalls:     adapterCalls,
		adapterDuration:  adapterDuration,
		votes:            votes,
		triggersResolved: triggersResolved,
		feedEvents:       feedEvents,
		capsulesRepaired: capsulesRepaired,
	}
}

func (c *PrometheusCollector) TransferTransition(to string) {
	c.transitions.WithLabelValues(to).Inc()
}

func (c *PrometheusCollector) TransferFailed(reason string) {
	c.failures.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) TransferMismatch(chain string) {
	c.mismatches.WithLabelValues(chain).Inc()
}

func (c *PrometheusCollector) TransfersInStatus(counts map[string]int) {
	c.inStatus.Reset()
	for status, n := range counts {
		c.inStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (c *PrometheusCollector) AdapterCall(chain, op, outcome string, d time.Duration) {
	c.adapterCalls.WithLabelValues(chain, op, outcome).Inc()
	c.adapterDuration.WithLabelValues(chain, op).Observe(d.Seconds())
}

func (c *PrometheusCollector) VoteCast(vote string) {
	c.votes.WithLabelValues(vote).Inc()
}

func (c *PrometheusCollector) TriggerResolved(kind, outcome string) {
	c.triggersResolved.WithLabelValues(kind, outcome).Inc()
}

func (c *PrometheusCollector) FeedEvent(chain, event, outcome string) {
	c.feedEvents.WithLabelValues(chain, event, outcome).Inc()
}

func (c *PrometheusCollector) CapsulesRepaired(n int) {
	c.capsulesRepaired.Add(float64(n))
}

// NoopCollector discards everything.
type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) TransferTransition(string)                         {}
func (nc *NoopCollector) TransferFailed(string)                             {}
func (nc *NoopCollector) TransferMismatch(string)                           {}
func (nc *NoopCollector) TransfersInStatus(map[string]int)                  {}
func (nc *NoopCollector) AdapterCall(string, string, string, time.Duration) {}
func (nc *NoopCollector) VoteCast(string)                                   {}
func (nc *NoopCollector) TriggerResolved(string, string)                    {}
func (nc *NoopCollector) FeedEvent(string, string, string)                  {}
func (nc *NoopCollector) CapsulesRepaired(int)                              {}
