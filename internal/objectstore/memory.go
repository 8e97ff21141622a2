package objectstore

import (
	"context"
	"sync"
)

// Memory simulates bucket management in process for unit tests and dry runs.
type Memory struct {
	mu           sync.Mutex
	buckets      map[string]bool
	replications map[string]ReplicationSpec
	tiering      map[string]TieringSpec

	EnsureErr    error
	ReplicateErr error
	TieringErr   error
}

// NewMemory creates an empty in-memory bucket manager.
func NewMemory() *Memory {
	return &Memory{
		buckets:      make(map[string]bool),
		replications: make(map[string]ReplicationSpec),
		tiering:      make(map[string]TieringSpec),
	}
}

// EnsureBucket records the bucket as created and versioned.
func (m *Memory) EnsureBucket(_ context.Context, bucket string) error {
	if m.EnsureErr != nil {
		return m.EnsureErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = true
	return nil
}

// ConfigureReplication records the replication rule for the source bucket.
func (m *Memory) ConfigureReplication(_ context.Context, spec ReplicationSpec) error {
	if m.ReplicateErr != nil {
		return m.ReplicateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replications[spec.SourceBucket] = spec
	return nil
}

// ApplyTiering records the tiering schedule for the bucket.
func (m *Memory) ApplyTiering(_ context.Context, spec TieringSpec) error {
	if m.TieringErr != nil {
		return m.TieringErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiering[spec.Bucket] = spec
	return nil
}

// HasBucket reports whether EnsureBucket was called for the bucket.
func (m *Memory) HasBucket(bucket string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets[bucket]
}

// Replication returns the recorded replication rule for the source bucket.
func (m *Memory) Replication(sourceBucket string) (ReplicationSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.replications[sourceBucket]
	return spec, ok
}

// Tiering returns the recorded tiering schedule for the bucket.
func (m *Memory) Tiering(bucket string) (TieringSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.tiering[bucket]
	return spec, ok
}
