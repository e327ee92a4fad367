package mailstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the store's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	parses          *prometheus.CounterVec
	rewrites        *prometheus.CounterVec
	rewriteBytes    prometheus.Counter
	rewriteDuration prometheus.Histogram
	locks           *prometheus.CounterVec
	expunged        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		parses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailstore_parses_total",
				Help: "Total number of mailbox parse passes.",
			},
			[]string{"result"}, // result: "unchanged", "ok", "corrupt", "error"
		),
		rewrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailstore_rewrites_total",
				Help: "Total number of mailbox rewrites.",
			},
			[]string{"kind", "status"}, // kind: "checkpoint", "expunge"; status: "ok", "error"
		),
		rewriteBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailstore_rewrite_bytes_total",
				Help: "Total bytes written back into live mailboxes.",
			},
		),
		rewriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailstore_rewrite_duration_seconds",
				Help:    "Duration of mailbox rewrites in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),
		locks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailstore_lock_attempts_total",
				Help: "Lock acquisitions by layer and outcome.",
			},
			[]string{"layer", "result"}, // layer: "advisory", "kernel", "session"; result: "acquired", "busy", "stale", "timeout"
		),
		expunged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailstore_expunged_messages_total",
				Help: "Total messages removed by expunge.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.parses, m.rewrites, m.rewriteBytes, m.rewriteDuration, m.locks, m.expunged)
	}
	return m
}

// ObserveParse counts one parse pass.
func (m *Metrics) ObserveParse(result string) {
	if m == nil {
		return
	}
	m.parses.WithLabelValues(result).Inc()
}

// ObserveRewrite records a finished rewrite.
func (m *Metrics) ObserveRewrite(kind string, err error, written int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.rewrites.WithLabelValues(kind, status).Inc()
	m.rewriteBytes.Add(float64(written))
	m.rewriteDuration.Observe(elapsed.Seconds())
}

// ObserveLock counts a lock attempt outcome.
func (m *Metrics) ObserveLock(layer, result string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(layer, result).Inc()
}

// AddExpunged counts removed messages.
func (m *Metrics) AddExpunged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expunged.Add(float64(n))
}
