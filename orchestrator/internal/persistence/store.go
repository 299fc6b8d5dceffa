package persistence

import (
	"context"
	"time"
)

// WorkerBuildRecord remembers a launched worker build until its orchestration completes
type WorkerBuildRecord struct {
	BuildID   string    `json:"build_id"`
	Platform  string    `json:"platform"`
	Cluster   string    `json:"cluster"`
	BuildName string    `json:"build_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Key identifies the record within the store
func (r WorkerBuildRecord) Key() string {
	return r.BuildID + "/" + r.BuildName
}

// FragmentRef points to a metadata fragment config map that is to be removed
type FragmentRef struct {
	Cluster  string `json:"cluster"`
	Platform string `json:"platform"`
	Name     string `json:"name"`
}

// Store keeps track of worker builds and metadata fragments across restarts
type Store interface {
	// RecordWorkerBuild remembers a launched worker build
	RecordWorkerBuild(ctx context.Context, rec WorkerBuildRecord) error

	// CompleteOrchestration forgets every worker build of an orchestration
	CompleteOrchestration(ctx context.Context, buildID string) error

	// ListStaleWorkerBuilds returns up to limit records created at or before cutoff
	ListStaleWorkerBuilds(ctx context.Context, cutoff time.Time, limit int) ([]WorkerBuildRecord, error)

	// ForgetWorkerBuild removes a single record
	ForgetWorkerBuild(ctx context.Context, rec WorkerBuildRecord) error

	// DeferFragmentRemoval queues a fragment for removal
	DeferFragmentRemoval(ctx context.Context, ref FragmentRef) error

	// PopFragmentsToRemove takes up to limit queued fragments in insertion order
	PopFragmentsToRemove(ctx context.Context, limit int) ([]FragmentRef, error)

	// Close cleans up resources used by the store
	Close() error
}
