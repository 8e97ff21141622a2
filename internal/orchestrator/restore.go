package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/resilience"
)

// RestoreFromSnapshot restores a snapshot into a new named instance, waits
// for it to become available and runs a post-restore health check. The new
// instance is a first-class target: it is never auto-deleted, even when the
// health check fails.
func (e *Engine) RestoreFromSnapshot(ctx context.Context, snapshotID string, config models.RestoreConfig) (string, error) {
	op, err := e.begin(ctx, models.OperationRestore)
	if err != nil {
		return "", err
	}
	log := e.logger.With().
		Str("operation_id", op.ID.String()).
		Str("snapshot_id", snapshotID).
		Str("target_instance", config.TargetInstanceID).
		Logger()

	// Preconditions run before any mutating call: the snapshot must exist
	// and the target instance id must be free.
	snap, err := resilience.Do(ctx, e.runner, "describe_snapshot", func(ctx context.Context) (*cloud.Snapshot, error) {
		return e.snapshots.DescribeSnapshot(ctx, snapshotID)
	})
	if err != nil {
		return "", e.fail(ctx, op, err, map[string]string{"snapshot_id": snapshotID})
	}
	_, err = e.instances.DescribeInstance(ctx, config.TargetInstanceID)
	if err == nil {
		return "", e.fail(ctx, op,
			fmt.Errorf("target instance %s: %w", config.TargetInstanceID, models.ErrAlreadyExists),
			map[string]string{"target_instance": config.TargetInstanceID})
	}
	if !errors.Is(err, models.ErrInstanceNotFound) {
		return "", e.fail(ctx, op, err, map[string]string{"target_instance": config.TargetInstanceID})
	}

	instanceClass := config.InstanceClass
	if instanceClass == "" {
		// Fall back to the class recorded on the snapshot source when the
		// caller does not specify one.
		if meta, merr := e.store.GetMetadata(ctx, snapshotID); merr == nil {
			if src, serr := e.instances.DescribeInstance(ctx, meta.SourceInstanceID); serr == nil {
				instanceClass = src.InstanceClass
			}
		}
	}

	spec := cloud.RestoreSpec{
		SnapshotID:         snapshotID,
		TargetInstanceID:   config.TargetInstanceID,
		InstanceClass:      instanceClass,
		MultiAZ:            config.MultiAZOrDefault(),
		PubliclyAccessible: config.PubliclyAccessibleOrDefault(),
		DeletionProtection: config.DeletionProtectionOrDefault(),
		Tags: map[string]string{
			models.TagOperationID: op.ID.String(),
			"aegis:restored-from": snapshotID,
		},
	}
	if _, err := resilience.Do(ctx, e.runner, "restore_instance", func(ctx context.Context) (*cloud.Instance, error) {
		return e.instances.RestoreFromSnapshot(ctx, spec)
	}); err != nil {
		return "", e.fail(ctx, op, err, map[string]string{"snapshot_id": snapshotID, "target_instance": config.TargetInstanceID})
	}
	if err := e.checkpoint(ctx, op, "restore_initiated", map[string]any{
		"target_instance": config.TargetInstanceID,
		"engine_version":  snap.EngineVersion,
	}); err != nil {
		return "", e.fail(ctx, op, err, nil)
	}
	log.Info().Msg("restore initiated")

	inst, err := e.awaitInstance(ctx, config.TargetInstanceID, e.config.RestoreTimeout)
	if err != nil {
		return "", e.fail(ctx, op, err, map[string]string{"target_instance": config.TargetInstanceID})
	}
	if err := e.checkpoint(ctx, op, "instance_ready", map[string]any{"endpoint": inst.Endpoint}); err != nil {
		return "", e.fail(ctx, op, err, nil)
	}

	// Post-restore health check. The instance is kept for manual inspection
	// on failure.
	if !inst.Available() || inst.Endpoint == "" {
		return "", e.fail(ctx, op,
			fmt.Errorf("post-restore health check for %s: %w", config.TargetInstanceID, models.ErrValidationFailed),
			map[string]string{"target_instance": config.TargetInstanceID, "status": inst.Status})
	}

	if err := e.complete(ctx, op, map[string]any{
		"instance_id": config.TargetInstanceID,
		"endpoint":    inst.Endpoint,
	}); err != nil {
		return "", err
	}
	log.Info().Str("endpoint", inst.Endpoint).Msg("restore completed")
	return config.TargetInstanceID, nil
}
