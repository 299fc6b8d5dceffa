package cluster

import (
	"time"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"k8s.io/utils/clock"
)

// RetryContext tracks failures of one cluster during one platform attempt.
// It is owned by a single attempt and is not safe for concurrent use.
type RetryContext struct {
	clock     clock.PassiveClock
	maxFails  int
	failCount int
	retryAt   time.Time
}

// NewRetryContext creates a context that is immediately eligible
func NewRetryContext(maxFails int, clk clock.PassiveClock) *RetryContext {
	return &RetryContext{
		clock:    clk,
		maxFails: maxFails,
		retryAt:  time.Unix(0, 0),
	}
}

// RecordFailure counts a failure and defers the next try by delay.
// Once the context has failed it is never touched again.
func (r *RetryContext) RecordFailure(delay time.Duration) {
	if r.Failed() {
		return
	}
	r.failCount++
	r.retryAt = r.clock.Now().Add(delay)
}

// Failed reports whether the cluster exhausted its failures
func (r *RetryContext) Failed() bool {
	return r.failCount >= r.maxFails
}

// InRetryWait reports whether the cluster is still backing off
func (r *RetryContext) InRetryWait() bool {
	return r.clock.Now().Before(r.retryAt)
}

func (r *RetryContext) RetryAt() time.Time {
	return r.retryAt
}

func (r *RetryContext) FailCount() int {
	return r.failCount
}

// RetryContexts holds one RetryContext per cluster name
type RetryContexts map[string]*RetryContext

// NewRetryContexts creates fresh contexts for every cluster
func NewRetryContexts(clusters []*models.Cluster, maxFails int, clk clock.PassiveClock) RetryContexts {
	contexts := make(RetryContexts, len(clusters))
	for _, c := range clusters {
		contexts[c.Name] = NewRetryContext(maxFails, clk)
	}
	return contexts
}
