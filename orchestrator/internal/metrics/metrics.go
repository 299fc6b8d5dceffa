package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Failure phases of a cluster
const (
	PhaseProbe  = "probe"
	PhaseLaunch = "launch"
)

// Worker build outcomes
const (
	OutcomeSucceeded     = "succeeded"
	OutcomeFailed        = "failed"
	OutcomeNeverLaunched = "never_launched"
	OutcomeCancelled     = "cancelled"
)

// Metrics holds the collectors of the orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ClusterFailures    *prometheus.CounterVec
	WorkerBuilds       *prometheus.CounterVec
	ActiveWorkerBuilds prometheus.Gauge
}

// New registers the orchestrator collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClusterFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_cluster_failures_total",
			Help: "Failures recorded against a cluster while probing or launching.",
		}, []string{"platform", "cluster", "phase"}),
		WorkerBuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_worker_builds_total",
			Help: "Worker builds by final outcome.",
		}, []string{"platform", "outcome"}),
		ActiveWorkerBuilds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_worker_builds",
			Help: "Worker builds currently being monitored.",
		}),
	}
}

func (m *Metrics) RecordClusterFailure(platform, cluster, phase string) {
	if m == nil {
		return
	}
	m.ClusterFailures.WithLabelValues(platform, cluster, phase).Inc()
}

func (m *Metrics) RecordWorkerBuild(platform, outcome string) {
	if m == nil {
		return
	}
	m.WorkerBuilds.WithLabelValues(platform, outcome).Inc()
}

// MonitorStarted and MonitorFinished track the active worker build gauge
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkerBuilds.Inc()
}

func (m *Metrics) MonitorFinished() {
	if m == nil {
		return
	}
	m.ActiveWorkerBuilds.Dec()
}

// ProvideRegistry creates the registry served on /metrics
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics registers the orchestrator collectors on the registry
func ProvideMetrics(reg *prometheus.Registry) *Metrics {
	return New(reg)
}

// Module provides the metrics registry and collectors to the fx container
var Module = fx.Options(
	fx.Provide(ProvideRegistry, ProvideMetrics),
)
