// Package state provides the durable operation and snapshot metadata stores.
package state

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/aegisdr/aegis/internal/models"
)

var (
	// ErrOperationNotFound indicates no operation exists with the given id.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrTerminal indicates the operation already reached a terminal status.
	// Both Complete and Fail return it on a second terminal transition.
	ErrTerminal = errors.New("operation is terminal")
)

// OperationStore persists operation records. Checkpoints are append-only and
// every checkpoint write increments the operation's version counter.
type OperationStore interface {
	// Initialize durably registers a new operation. It fails with
	// models.ErrAlreadyExists if an operation with the same id exists, so no
	// two processes can initialize the same run.
	Initialize(ctx context.Context, op *models.Operation) error

	// GetOperation returns the operation with the given id.
	GetOperation(ctx context.Context, id uuid.UUID) (*models.Operation, error)

	// AppendCheckpoint appends a named checkpoint and moves a pending
	// operation to in_progress. It fails with ErrTerminal once the operation
	// is terminal.
	AppendCheckpoint(ctx context.Context, id uuid.UUID, name string, data map[string]any) error

	// CompleteOperation marks the operation completed with a result payload.
	// A second terminal transition fails with ErrTerminal.
	CompleteOperation(ctx context.Context, id uuid.UUID, result map[string]any) error

	// FailOperation marks the operation failed with full error context.
	// A second terminal transition fails with ErrTerminal.
	FailOperation(ctx context.Context, id uuid.UUID, opErr models.OperationError) error

	// MarkRolledBack transitions a failed operation to rolled_back. It fails
	// with ErrTerminal unless the current status is failed.
	MarkRolledBack(ctx context.Context, id uuid.UUID) error

	// QueryLatest returns the most recent operation matching type and status,
	// or ErrOperationNotFound when none matches.
	QueryLatest(ctx context.Context, opType models.OperationType, status models.OperationStatus) (*models.Operation, error)
}

// MetadataStore persists snapshot provenance records.
type MetadataStore interface {
	// PutMetadata stores the metadata record for a new snapshot.
	PutMetadata(ctx context.Context, meta *models.SnapshotMetadata) error

	// GetMetadata returns the metadata for a snapshot, or
	// models.ErrMetadataNotFound when absent.
	GetMetadata(ctx context.Context, snapshotID string) (*models.SnapshotMetadata, error)

	// UpdateMetadata replaces an existing metadata record.
	UpdateMetadata(ctx context.Context, meta *models.SnapshotMetadata) error

	// DeleteMetadata removes the metadata record for a deleted snapshot.
	DeleteMetadata(ctx context.Context, snapshotID string) error

	// ListMetadata returns all snapshot metadata records.
	ListMetadata(ctx context.Context) ([]*models.SnapshotMetadata, error)
}

// Store combines operation and metadata persistence.
type Store interface {
	OperationStore
	MetadataStore

	// Close releases the underlying storage resources.
	Close() error
}
