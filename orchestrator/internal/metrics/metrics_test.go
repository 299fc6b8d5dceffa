package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordClusterFailure("x86_64", "east", PhaseProbe)
	m.RecordClusterFailure("x86_64", "east", PhaseProbe)
	m.RecordWorkerBuild("s390x", OutcomeSucceeded)
	m.MonitorStarted()
	m.MonitorStarted()
	m.MonitorFinished()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClusterFailures.WithLabelValues("x86_64", "east", PhaseProbe)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerBuilds.WithLabelValues("s390x", OutcomeSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveWorkerBuilds))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordClusterFailure("x86_64", "east", PhaseLaunch)
		m.RecordWorkerBuild("x86_64", OutcomeFailed)
		m.MonitorStarted()
		m.MonitorFinished()
	})
}
