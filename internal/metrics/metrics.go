// Package metrics defines the Prometheus collectors remctld exposes.
// Methods handle a nil receiver gracefully, so passing a nil *Metrics
// through the server disables collection with zero overhead.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector remctld registers.
type Metrics struct {
	// ConnectionsTotal counts accepted TCP connections.
	ConnectionsTotal prometheus.Counter

	// CommandsTotal counts completed commands by result.
	// Labels: result=[success, denied, error, unknown_command, no_help]
	CommandsTotal *prometheus.CounterVec

	// SubprocessDuration tracks wall-clock time spent in the subprocess
	// multiplexer per command.
	SubprocessDuration prometheus.Histogram

	// ACLDenialsTotal counts ACL checks that resulted in denial.
	ACLDenialsTotal prometheus.Counter

	// ActiveSessions tracks the current number of connections being served.
	ActiveSessions prometheus.Gauge
}

var (
	once     sync.Once
	instance *Metrics
)

// New creates and registers remctld's collectors. If registerer is nil,
// prometheus.DefaultRegisterer is used. Idempotent: later calls return the
// instance created on the first call.
func New(registerer prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		m := &Metrics{
			ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "remctld_connections_total",
				Help: "Total TCP connections accepted.",
			}),
			CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "remctld_commands_total",
				Help: "Total commands handled, by result.",
			}, []string{"result"}),
			SubprocessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "remctld_subprocess_duration_seconds",
				Help:    "Wall-clock time spent running a dispatched subprocess.",
				Buckets: prometheus.DefBuckets,
			}),
			ACLDenialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "remctld_acl_denials_total",
				Help: "Total commands rejected by ACL evaluation.",
			}),
			ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "remctld_active_sessions",
				Help: "Current number of connections being served.",
			}),
		}
		registerer.MustRegister(
			m.ConnectionsTotal,
			m.CommandsTotal,
			m.SubprocessDuration,
			m.ACLDenialsTotal,
			m.ActiveSessions,
		)
		instance = m
	})
	return instance
}

func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) RecordCommand(result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSubprocessDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.SubprocessDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordACLDenial() {
	if m == nil {
		return
	}
	m.ACLDenialsTotal.Inc()
}
