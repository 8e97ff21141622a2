// Package orchestrator implements the backup, validation, restore,
// replication, retention and status operations of the recovery engine. The
// Engine owns no global state; every collaborator is injected at
// construction and every run is isolated by its own operation id.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/metrics"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/resilience"
	"github.com/aegisdr/aegis/internal/secrets"
	"github.com/aegisdr/aegis/internal/state"
)

// Config tunes the engine's timeouts and the shape of disposable
// validation instances.
type Config struct {
	// SnapshotTimeout bounds the wait for a new snapshot to become available.
	SnapshotTimeout time.Duration
	// RestoreTimeout bounds the wait for a restored instance to become available.
	RestoreTimeout time.Duration
	// ValidationRestoreTimeout bounds the wait for a disposable validation
	// instance to become available.
	ValidationRestoreTimeout time.Duration
	// ValidationInstanceClass is the minimal instance class used for
	// disposable validation instances.
	ValidationInstanceClass string
	// StaleValidationAge is how old a validation-tagged instance must be
	// before the status reporter flags it as leaked.
	StaleValidationAge time.Duration
	// RTOMinutes is the fixed recovery time objective reported in status.
	RTOMinutes int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotTimeout:          time.Hour,
		RestoreTimeout:           time.Hour,
		ValidationRestoreTimeout: 30 * time.Minute,
		ValidationInstanceClass:  "db.t3.micro",
		StaleValidationAge:       2 * time.Hour,
		RTOMinutes:               60,
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Snapshots cloud.SnapshotAPI
	Instances cloud.InstanceAPI
	Clusters  cloud.ClusterAPI
	Checker   cloud.DataChecker
	Objects   ObjectStore
	Store     state.Store
	Secrets   secrets.Resolver
	Runner    *resilience.Runner
	Emitter   metrics.Emitter
	Waiter    *cloud.Waiter
	Events    *Events
	Clock     cloud.Clock
}

// Engine coordinates all orchestration operations.
type Engine struct {
	snapshots cloud.SnapshotAPI
	instances cloud.InstanceAPI
	clusters  cloud.ClusterAPI
	checker   cloud.DataChecker
	objects   ObjectStore
	store     state.Store
	secrets   secrets.Resolver
	runner    *resilience.Runner
	emitter   metrics.Emitter
	waiter    *cloud.Waiter
	events    *Events
	clock     cloud.Clock
	config    Config
	logger    zerolog.Logger
}

// New constructs an Engine from its collaborators. Nil optional deps fall
// back to no-op implementations; Snapshots, Instances and Store are required.
func New(deps Deps, config Config, logger zerolog.Logger) *Engine {
	if deps.Emitter == nil {
		deps.Emitter = metrics.Nop{}
	}
	if deps.Events == nil {
		deps.Events = NewEvents(0)
	}
	if deps.Clock == nil {
		deps.Clock = cloud.RealClock()
	}
	if deps.Waiter == nil {
		deps.Waiter = cloud.NewWaiter(15*time.Second, deps.Clock, logger)
	}
	if deps.Runner == nil {
		deps.Runner = resilience.New(resilience.DefaultConfig(), deps.Emitter, logger)
	}
	if config.SnapshotTimeout <= 0 {
		config = DefaultConfig()
	}
	return &Engine{
		snapshots: deps.Snapshots,
		instances: deps.Instances,
		clusters:  deps.Clusters,
		checker:   deps.Checker,
		objects:   deps.Objects,
		store:     deps.Store,
		secrets:   deps.Secrets,
		runner:    deps.Runner,
		emitter:   deps.Emitter,
		waiter:    deps.Waiter,
		events:    deps.Events,
		clock:     deps.Clock,
		config:    config,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Events returns the engine's lifecycle event stream.
func (e *Engine) Events() *Events { return e.events }

// shortID returns the leading segment of an operation id, used to build
// unique resource names that stay readable.
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

// begin registers a new operation of the given type and announces it.
func (e *Engine) begin(ctx context.Context, opType models.OperationType) (*models.Operation, error) {
	op := models.NewOperation(opType)
	if err := e.store.Initialize(ctx, op); err != nil {
		return nil, fmt.Errorf("initialize %s operation: %w", opType, err)
	}
	e.events.publish(Event{Kind: EventOperationStarted, OperationID: op.ID, Type: opType, At: e.clock.Now()})
	return op, nil
}

// checkpoint appends a checkpoint and announces it. Checkpoint write
// failures are operation-fatal; callers propagate them through fail.
func (e *Engine) checkpoint(ctx context.Context, op *models.Operation, name string, data map[string]any) error {
	if err := e.store.AppendCheckpoint(ctx, op.ID, name, data); err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	e.events.publish(Event{Kind: EventCheckpoint, OperationID: op.ID, Type: op.Type, Checkpoint: name, At: e.clock.Now()})
	return nil
}

// complete marks the operation completed and emits the terminal event.
func (e *Engine) complete(ctx context.Context, op *models.Operation, result map[string]any) error {
	if err := e.store.CompleteOperation(ctx, op.ID, result); err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	e.events.publish(Event{Kind: EventOperationCompleted, OperationID: op.ID, Type: op.Type, At: e.clock.Now()})
	e.emitter.Emit(string(op.Type), metrics.OutcomeSuccess, op.Duration(), map[string]string{"operation_id": op.ID.String()})
	return nil
}

// fail records the failure on the operation before returning it, so no
// failure is ever unrecorded. The original error is always returned.
func (e *Engine) fail(ctx context.Context, op *models.Operation, cause error, context map[string]string) error {
	opErr := models.NewOperationError(cause, context)
	if err := e.store.FailOperation(ctx, op.ID, opErr); err != nil {
		e.logger.Error().Err(err).
			Str("operation_id", op.ID.String()).
			Msg("failed to record operation failure")
	}
	e.events.publish(Event{Kind: EventOperationFailed, OperationID: op.ID, Type: op.Type, Err: cause, At: e.clock.Now()})
	e.emitter.Emit(string(op.Type), metrics.OutcomeFailure, op.Duration(), map[string]string{"operation_id": op.ID.String()})
	return cause
}
