package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore provides an in-memory implementation of Store
type memoryStore struct {
	mu            sync.RWMutex
	records       map[string]WorkerBuildRecord // record key -> record
	orchestration map[string]map[string]bool   // build id -> record keys
	fragments     []FragmentRef
}

// NewMemoryStore creates a store that lives as long as the process
func NewMemoryStore() Store {
	return &memoryStore{
		records:       make(map[string]WorkerBuildRecord),
		orchestration: make(map[string]map[string]bool),
	}
}

func (m *memoryStore) RecordWorkerBuild(ctx context.Context, rec WorkerBuildRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	m.records[key] = rec
	if m.orchestration[rec.BuildID] == nil {
		m.orchestration[rec.BuildID] = make(map[string]bool)
	}
	m.orchestration[rec.BuildID][key] = true
	return nil
}

func (m *memoryStore) CompleteOrchestration(ctx context.Context, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.orchestration[buildID] {
		delete(m.records, key)
	}
	delete(m.orchestration, buildID)
	return nil
}

func (m *memoryStore) ListStaleWorkerBuilds(ctx context.Context, cutoff time.Time, limit int) ([]WorkerBuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []WorkerBuildRecord
	for _, rec := range m.records {
		if !rec.CreatedAt.After(cutoff) {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryStore) ForgetWorkerBuild(ctx context.Context, rec WorkerBuildRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	if keys := m.orchestration[rec.BuildID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.orchestration, rec.BuildID)
		}
	}
	return nil
}

func (m *memoryStore) DeferFragmentRemoval(ctx context.Context, ref FragmentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fragments = append(m.fragments, ref)
	return nil
}

func (m *memoryStore) PopFragmentsToRemove(ctx context.Context, limit int) ([]FragmentRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	n := limit
	if n > len(m.fragments) {
		n = len(m.fragments)
	}
	popped := append([]FragmentRef(nil), m.fragments[:n]...)
	m.fragments = m.fragments[n:]
	return popped, nil
}

func (m *memoryStore) Close() error {
	return nil
}
