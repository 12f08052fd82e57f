// Package metrics implements the obs.Sink capability with Prometheus
// counters. The engine core only ever sees the Sink interface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"coldtrail/pkg/platform/obs"
)

// Prometheus registers one CounterVec per known engine metric and routes sink
// calls to them by name. Unknown names are dropped.
type Prometheus struct {
	counters map[string]*prometheus.CounterVec
}

// New registers the engine metrics with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		counters: map[string]*prometheus.CounterVec{
			obs.MetricArchiveRuns: factory.NewCounterVec(prometheus.CounterOpts{
				Name: obs.MetricArchiveRuns,
				Help: "Archive run outcomes by status and month",
			}, []string{"status", "month"}),
			obs.MetricArchiveBytes: factory.NewCounterVec(prometheus.CounterOpts{
				Name: obs.MetricArchiveBytes,
				Help: "Bytes written to archive artifacts by type",
			}, []string{"type"}),
			obs.MetricRetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
				Name: obs.MetricRetryAttempts,
				Help: "Failed attempts of retried stages",
			}, []string{"stage"}),
			obs.MetricRetryExhausted: factory.NewCounterVec(prometheus.CounterOpts{
				Name: obs.MetricRetryExhausted,
				Help: "Stages that exhausted their retry budget",
			}, []string{"stage"}),
			obs.MetricRetentionPurged: factory.NewCounterVec(prometheus.CounterOpts{
				Name: obs.MetricRetentionPurged,
				Help: "Partitions purged by the retention enforcer, by reason",
			}, []string{"reason"}),
		},
	}
}

func (p *Prometheus) Increment(name string, labels map[string]string) {
	if c, ok := p.counters[name]; ok {
		c.With(labels).Inc()
	}
}

func (p *Prometheus) Observe(name string, value float64, labels map[string]string) {
	if c, ok := p.counters[name]; ok && value >= 0 {
		c.With(labels).Add(value)
	}
}
