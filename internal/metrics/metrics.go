// Package metrics exposes orchestration counters on a dedicated registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "faultops"

// Result labels.
const (
	ResultCreated = "created"
	ResultUpdated = "updated"
	ResultFailed  = "failed"
	ResultOK      = "ok"
	ResultSkipped = "skipped"
)

// Poll outcome labels.
const (
	PollReached  = "reached"
	PollPending  = "pending"
	PollFailed   = "failed_status"
	PollTimedOut = "timeout"
	PollError    = "error"
)

// Metrics holds the counters.
type Metrics struct {
	Registry *prometheus.Registry

	EndpointsProvisioned *prometheus.CounterVec
	FaultsInjected       *prometheus.CounterVec
	Remediations         *prometheus.CounterVec
	TaskPolls            *prometheus.CounterVec
}

// New registers the counters on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		// Labels: result (created, updated, failed)
		EndpointsProvisioned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoints_provisioned_total",
			Help:      "Endpoints provisioned on the control plane",
		}, []string{"result"}),
		FaultsInjected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_injected_total",
			Help:      "Fault tasks that reached their success status",
		}, []string{"category", "subtype"}),
		Remediations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation attempts by result",
		}, []string{"result"}),
		TaskPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_polls_total",
			Help:      "Task status reads by outcome",
		}, []string{"outcome"}),
	}
}

// Provisioned counts one endpoint setup.
func (m *Metrics) Provisioned(result string) {
	if m == nil {
		return
	}
	m.EndpointsProvisioned.WithLabelValues(result).Inc()
}

// Injected counts n fault tasks.
func (m *Metrics) Injected(category, subtype string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FaultsInjected.WithLabelValues(category, subtype).Add(float64(n))
}

// Remediated counts one remediation attempt.
func (m *Metrics) Remediated(result string) {
	if m == nil {
		return
	}
	m.Remediations.WithLabelValues(result).Inc()
}

// Polled counts one task read.
func (m *Metrics) Polled(outcome string) {
	if m == nil {
		return
	}
	m.TaskPolls.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
