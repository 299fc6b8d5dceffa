package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"
)

func setupSelector(t *testing.T, opts Options) (*Selector, *k8sclient.MockConnector, *testingclock.FakeClock) {
	logger := zaptest.NewLogger(t)
	connector := k8sclient.NewMockConnector(logger)
	fakeClock := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewSelector(connector, opts, fakeClock, nil, logger), connector, fakeClock
}

func names(infos []Info) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Cluster.Name)
	}
	return out
}

func TestRetryContext(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rc := NewRetryContext(2, fakeClock)

	assert.False(t, rc.Failed())
	assert.False(t, rc.InRetryWait())

	rc.RecordFailure(10 * time.Second)
	assert.Equal(t, 1, rc.FailCount())
	assert.True(t, rc.InRetryWait())

	fakeClock.Step(10 * time.Second)
	assert.False(t, rc.InRetryWait())

	rc.RecordFailure(10 * time.Second)
	assert.True(t, rc.Failed())
	retryAt := rc.RetryAt()

	// failed contexts are frozen
	rc.RecordFailure(time.Hour)
	assert.Equal(t, 2, rc.FailCount())
	assert.Equal(t, retryAt, rc.RetryAt())
	assert.True(t, rc.Failed())
}

func TestRankCandidatesPriorityThenLoad(t *testing.T) {
	clusters := []*models.Cluster{
		models.NewCluster("a", 1, 10, nil),
		models.NewCluster("b", 1, 10, nil),
		models.NewCluster("c", 2, 10, nil),
	}

	tests := []struct {
		name       string
		rankByLoad bool
		expected   []string
	}{
		{name: "priority first", expected: []string{"b", "a", "c"}},
		{name: "load first", rankByLoad: true, expected: []string{"c", "b", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selector, connector, _ := setupSelector(t, Options{MaxClusterFails: 3, RankByLoad: tt.rankByLoad})
			connector.AddCluster("a").ActiveBuilds = 9
			connector.AddCluster("b").ActiveBuilds = 1
			connector.AddCluster("c").ActiveBuilds = 0

			infos, err := selector.RankCandidates(context.Background(), "x86_64", clusters, selector.NewRetryContexts(clusters))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, names(infos))
		})
	}
}

func TestRankCandidatesComputesLoad(t *testing.T) {
	selector, connector, _ := setupSelector(t, Options{MaxClusterFails: 3})
	connector.AddCluster("east").ActiveBuilds = 3
	clusters := []*models.Cluster{models.NewCluster("east", 0, 4, nil)}

	infos, err := selector.RankCandidates(context.Background(), "s390x", clusters, RetryContexts{})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 0.75, infos[0].Load)
	assert.Equal(t, "s390x", infos[0].Platform)
	assert.Equal(t, "https://east.mock", infos[0].Client.ClusterURL())
}

func TestRankCandidatesSkipsDisabledAndFailingClusters(t *testing.T) {
	selector, connector, _ := setupSelector(t, Options{MaxClusterFails: 3, FindClusterRetryDelay: time.Minute})
	connector.AddCluster("healthy")
	connector.SetConnectError("broken", errors.New("connection refused"))

	disabled := models.NewCluster("disabled", 0, 5, nil)
	disabled.Enabled = false
	clusters := []*models.Cluster{
		disabled,
		models.NewCluster("broken", 0, 5, nil),
		models.NewCluster("healthy", 1, 5, nil),
	}
	contexts := selector.NewRetryContexts(clusters)

	infos, err := selector.RankCandidates(context.Background(), "x86_64", clusters, contexts)
	require.NoError(t, err)
	assert.Equal(t, []string{"healthy"}, names(infos))
	assert.Equal(t, 0, connector.Connects("disabled"))
	assert.Equal(t, 1, contexts["broken"].FailCount())
	assert.True(t, contexts["broken"].InRetryWait())
}

func TestRankCandidatesAllFailedIsFatal(t *testing.T) {
	selector, connector, _ := setupSelector(t, Options{MaxClusterFails: 1})
	connector.AddCluster("a")
	connector.AddCluster("b")
	clusters := []*models.Cluster{
		models.NewCluster("a", 0, 5, nil),
		models.NewCluster("b", 0, 5, nil),
	}
	contexts := selector.NewRetryContexts(clusters)
	for _, rc := range contexts {
		rc.RecordFailure(0)
	}

	infos, err := selector.RankCandidates(context.Background(), "x86_64", clusters, contexts)
	assert.Nil(t, infos)
	require.ErrorIs(t, err, ErrAllClustersFailed)

	var selErr *SelectionError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, "x86_64", selErr.Platform)
	assert.ElementsMatch(t, []string{"a", "b"}, selErr.Clusters)
	assert.Equal(t, 0, connector.Connects("a"))
}

func TestRankCandidatesNoEnabledClusters(t *testing.T) {
	selector, _, _ := setupSelector(t, Options{MaxClusterFails: 1})

	_, err := selector.RankCandidates(context.Background(), "aarch64", nil, RetryContexts{})
	assert.ErrorIs(t, err, ErrAllClustersFailed)
}

func TestRankCandidatesExhaustsFailingCluster(t *testing.T) {
	selector, connector, _ := setupSelector(t, Options{MaxClusterFails: 2, FindClusterRetryDelay: 0})
	connector.SetConnectError("only", errors.New("connection refused"))
	clusters := []*models.Cluster{models.NewCluster("only", 0, 1, nil)}
	contexts := selector.NewRetryContexts(clusters)

	_, err := selector.RankCandidates(context.Background(), "x86_64", clusters, contexts)
	require.ErrorIs(t, err, ErrAllClustersFailed)
	assert.True(t, contexts["only"].Failed())
	assert.Equal(t, 2, contexts["only"].FailCount())
	assert.Equal(t, 2, connector.Connects("only"))
}

func TestRankCandidatesWaitsForRetry(t *testing.T) {
	selector, connector, fakeClock := setupSelector(t, Options{MaxClusterFails: 5, FindClusterRetryDelay: 15 * time.Second})
	connector.AddCluster("east")
	connector.SetConnectError("east", errors.New("connection refused"))
	clusters := []*models.Cluster{models.NewCluster("east", 0, 5, nil)}
	contexts := selector.NewRetryContexts(clusters)

	type result struct {
		infos []Info
		err   error
	}
	done := make(chan result, 1)
	go func() {
		infos, err := selector.RankCandidates(context.Background(), "x86_64", clusters, contexts)
		done <- result{infos, err}
	}()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	connector.SetConnectError("east", nil)
	fakeClock.Step(15 * time.Second)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, []string{"east"}, names(res.infos))
	case <-time.After(5 * time.Second):
		t.Fatal("selection did not resume after the retry delay")
	}
	assert.Equal(t, 2, connector.Connects("east"))
}

func TestRankCandidatesCancelledWhileWaiting(t *testing.T) {
	selector, connector, fakeClock := setupSelector(t, Options{MaxClusterFails: 5, FindClusterRetryDelay: time.Hour})
	connector.SetConnectError("east", errors.New("connection refused"))
	clusters := []*models.Cluster{models.NewCluster("east", 0, 5, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := selector.RankCandidates(ctx, "x86_64", clusters, selector.NewRetryContexts(clusters))
		done <- err
	}()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("selection ignored cancellation")
	}
}
