// Package models defines the domain types for the Aegis recovery
// orchestration engine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// OperationType defines the kind of orchestration run being tracked.
type OperationType string

const (
	// OperationBackup is a snapshot creation run.
	OperationBackup OperationType = "backup"
	// OperationRestore is a restore-to-new-instance run.
	OperationRestore OperationType = "restore"
	// OperationValidation is an ephemeral-instance validation run.
	OperationValidation OperationType = "validation"
	// OperationFailover is a cross-region failover run.
	OperationFailover OperationType = "failover"
)

// OperationStatus defines the lifecycle state of an operation.
type OperationStatus string

const (
	// StatusPending indicates the operation has been registered but not started.
	StatusPending OperationStatus = "pending"
	// StatusInProgress indicates the operation is running.
	StatusInProgress OperationStatus = "in_progress"
	// StatusCompleted indicates the operation finished successfully.
	StatusCompleted OperationStatus = "completed"
	// StatusFailed indicates the operation finished with an error.
	StatusFailed OperationStatus = "failed"
	// StatusRolledBack indicates a failed operation whose side effects were reverted.
	StatusRolledBack OperationStatus = "rolled_back"
)

// IsTerminal reports whether the status permits no further transitions
// other than failed -> rolled_back.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// Checkpoint is a named, timestamped progress marker appended to an
// operation's durable record.
type Checkpoint struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// OperationError captures the failure detail of an operation.
type OperationError struct {
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Context   map[string]string `json:"context,omitempty"`
}

// Operation is the unit of work tracked end-to-end by the engine.
// Checkpoints are append-only and strictly ordered; Version increments on
// every checkpoint write and acts as the optimistic-concurrency counter.
type Operation struct {
	ID          uuid.UUID       `json:"id"`
	Type        OperationType   `json:"type"`
	Status      OperationStatus `json:"status"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
	Checkpoints []Checkpoint    `json:"checkpoints,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       *OperationError `json:"error,omitempty"`
	Version     int             `json:"version"`
}

// NewOperation creates a pending operation of the given type with a fresh id.
func NewOperation(opType OperationType) *Operation {
	return &Operation{
		ID:        uuid.New(),
		Type:      opType,
		Status:    StatusPending,
		StartTime: time.Now().UTC(),
		Version:   1,
	}
}

// IsTerminal reports whether the operation has reached a terminal status.
func (o *Operation) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Checkpoint returns the checkpoint with the given name, if present.
func (o *Operation) Checkpoint(name string) (Checkpoint, bool) {
	for _, cp := range o.Checkpoints {
		if cp.Name == name {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// Duration returns the elapsed time of the operation, using the end time
// when terminal and the current time otherwise.
func (o *Operation) Duration() time.Duration {
	if o.EndTime != nil {
		return o.EndTime.Sub(o.StartTime)
	}
	return time.Since(o.StartTime)
}
