package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisdr/aegis/internal/models"
)

// Memory is an in-process Store used by tests and single-shot CLI runs that
// do not need durability.
type Memory struct {
	mu         sync.RWMutex
	operations map[uuid.UUID]*models.Operation
	metadata   map[string]*models.SnapshotMetadata
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		operations: make(map[uuid.UUID]*models.Operation),
		metadata:   make(map[string]*models.SnapshotMetadata),
	}
}

// Initialize implements OperationStore.
func (m *Memory) Initialize(_ context.Context, op *models.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.operations[op.ID]; exists {
		return models.ErrAlreadyExists
	}
	m.operations[op.ID] = cloneOperation(op)
	return nil
}

// GetOperation implements OperationStore.
func (m *Memory) GetOperation(_ context.Context, id uuid.UUID) (*models.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return cloneOperation(op), nil
}

// AppendCheckpoint implements OperationStore.
func (m *Memory) AppendCheckpoint(_ context.Context, id uuid.UUID, name string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.IsTerminal() {
		return ErrTerminal
	}

	op.Status = models.StatusInProgress
	op.Checkpoints = append(op.Checkpoints, models.Checkpoint{
		Name:      name,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	op.Version++
	return nil
}

// CompleteOperation implements OperationStore.
func (m *Memory) CompleteOperation(_ context.Context, id uuid.UUID, result map[string]any) error {
	return m.finish(id, models.StatusCompleted, result, nil)
}

// FailOperation implements OperationStore.
func (m *Memory) FailOperation(_ context.Context, id uuid.UUID, opErr models.OperationError) error {
	return m.finish(id, models.StatusFailed, nil, &opErr)
}

func (m *Memory) finish(id uuid.UUID, status models.OperationStatus, result map[string]any, opErr *models.OperationError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.IsTerminal() {
		return ErrTerminal
	}

	now := time.Now().UTC()
	op.Status = status
	op.EndTime = &now
	op.Result = result
	op.Error = opErr
	op.Version++
	return nil
}

// MarkRolledBack implements OperationStore.
func (m *Memory) MarkRolledBack(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != models.StatusFailed {
		return ErrTerminal
	}
	op.Status = models.StatusRolledBack
	op.Version++
	return nil
}

// QueryLatest implements OperationStore.
func (m *Memory) QueryLatest(_ context.Context, opType models.OperationType, status models.OperationStatus) (*models.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Operation
	for _, op := range m.operations {
		if op.Type != opType || op.Status != status {
			continue
		}
		if latest == nil || op.StartTime.After(latest.StartTime) {
			latest = op
		}
	}
	if latest == nil {
		return nil, ErrOperationNotFound
	}
	return cloneOperation(latest), nil
}

// PutMetadata implements MetadataStore.
func (m *Memory) PutMetadata(_ context.Context, meta *models.SnapshotMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[meta.SnapshotID] = cloneMetadata(meta)
	return nil
}

// GetMetadata implements MetadataStore.
func (m *Memory) GetMetadata(_ context.Context, snapshotID string) (*models.SnapshotMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.metadata[snapshotID]
	if !ok {
		return nil, models.ErrMetadataNotFound
	}
	return cloneMetadata(meta), nil
}

// UpdateMetadata implements MetadataStore.
func (m *Memory) UpdateMetadata(_ context.Context, meta *models.SnapshotMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.metadata[meta.SnapshotID]; !ok {
		return models.ErrMetadataNotFound
	}
	m.metadata[meta.SnapshotID] = cloneMetadata(meta)
	return nil
}

// DeleteMetadata implements MetadataStore.
func (m *Memory) DeleteMetadata(_ context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadata, snapshotID)
	return nil
}

// ListMetadata implements MetadataStore.
func (m *Memory) ListMetadata(_ context.Context) ([]*models.SnapshotMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.SnapshotMetadata, 0, len(m.metadata))
	for _, meta := range m.metadata {
		out = append(out, cloneMetadata(meta))
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func cloneOperation(op *models.Operation) *models.Operation {
	out := *op
	out.Checkpoints = append([]models.Checkpoint(nil), op.Checkpoints...)
	if op.Result != nil {
		out.Result = make(map[string]any, len(op.Result))
		for k, v := range op.Result {
			out.Result[k] = v
		}
	}
	if op.Error != nil {
		e := *op.Error
		out.Error = &e
	}
	return &out
}

func cloneMetadata(meta *models.SnapshotMetadata) *models.SnapshotMetadata {
	out := *meta
	out.Tags = cloneStringMap(meta.Tags)
	out.Checksums = cloneStringMap(meta.Checksums)
	if meta.RowCounts != nil {
		out.RowCounts = make(map[string]int64, len(meta.RowCounts))
		for k, v := range meta.RowCounts {
			out.RowCounts[k] = v
		}
	}
	return &out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
