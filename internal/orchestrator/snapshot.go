package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/resilience"
)

// CreateSnapshot creates a point-in-time snapshot of the given instance,
// persists its provenance metadata, optionally replicates it cross-region
// and applies lifecycle tiering. It returns the new snapshot id.
func (e *Engine) CreateSnapshot(ctx context.Context, instanceID string, config models.BackupConfig) (string, error) {
	op, err := e.begin(ctx, models.OperationBackup)
	if err != nil {
		return "", err
	}
	log := e.logger.With().
		Str("operation_id", op.ID.String()).
		Str("instance_id", instanceID).
		Logger()

	if err := e.runner.Run(ctx, "describe_instance", func(ctx context.Context) error {
		_, err := e.instances.DescribeInstance(ctx, instanceID)
		return err
	}); err != nil {
		return "", e.fail(ctx, op, err, map[string]string{"instance_id": instanceID})
	}

	snapshotID := fmt.Sprintf("aegis-%s-%s", instanceID, shortID(op.ID))
	tags := map[string]string{
		models.TagOperationID:    op.ID.String(),
		models.TagSourceInstance: instanceID,
	}
	for k, v := range config.Tags {
		tags[k] = v
	}

	snap, err := resilience.Do(ctx, e.runner, "create_snapshot", func(ctx context.Context) (*cloud.Snapshot, error) {
		return e.snapshots.CreateSnapshot(ctx, instanceID, snapshotID, tags)
	})
	if err != nil {
		return "", e.fail(ctx, op, err, map[string]string{"instance_id": instanceID, "snapshot_id": snapshotID})
	}
	if err := e.checkpoint(ctx, op, "snapshot_initiated", map[string]any{"snapshot_id": snapshotID}); err != nil {
		return "", e.fail(ctx, op, err, nil)
	}
	log.Info().Str("snapshot_id", snapshotID).Msg("snapshot initiated")

	snap, err = e.awaitSnapshot(ctx, snapshotID, e.config.SnapshotTimeout)
	if err != nil {
		return "", e.fail(ctx, op, err, map[string]string{"snapshot_id": snapshotID})
	}

	meta := &models.SnapshotMetadata{
		SnapshotID:       snapshotID,
		SourceInstanceID: instanceID,
		CreatedAt:        snap.CreatedAt,
		EngineVersion:    snap.EngineVersion,
		SizeBytes:        snap.SizeBytes,
		Encrypted:        snap.Encrypted,
		Tags:             tags,
	}
	if err := e.store.PutMetadata(ctx, meta); err != nil {
		return "", e.fail(ctx, op, fmt.Errorf("persist snapshot metadata: %w", err), map[string]string{"snapshot_id": snapshotID})
	}
	if err := e.checkpoint(ctx, op, "snapshot_completed", map[string]any{
		"snapshot_id": snapshotID,
		"size_bytes":  snap.SizeBytes,
	}); err != nil {
		return "", e.fail(ctx, op, err, nil)
	}

	if config.CrossRegionBackup && len(config.TargetRegions) > 0 {
		e.replicateSnapshot(ctx, op, snapshotID, config.TargetRegions, tags)
	}

	if err := e.runner.Run(ctx, "apply_lifecycle", func(ctx context.Context) error {
		return e.snapshots.ApplyLifecycle(ctx, snapshotID, config.Lifecycle.TransitionDays, config.Lifecycle.DeleteAfterDays)
	}); err != nil {
		return "", e.fail(ctx, op, fmt.Errorf("apply lifecycle: %w", err), map[string]string{"snapshot_id": snapshotID})
	}

	if err := e.complete(ctx, op, map[string]any{"snapshot_id": snapshotID}); err != nil {
		return "", err
	}
	log.Info().Str("snapshot_id", snapshotID).Int64("size_bytes", snap.SizeBytes).Msg("backup completed")
	return snapshotID, nil
}

// replicateSnapshot fans the copy out to every target region and waits for
// all branches to settle. Per-region failures are logged and recorded on the
// operation; they never fail the backup.
func (e *Engine) replicateSnapshot(ctx context.Context, op *models.Operation, snapshotID string, regions []string, tags map[string]string) {
	results := allSettled(regions, func(region string) (*cloud.Snapshot, error) {
		return resilience.Do(ctx, e.runner, "copy_snapshot_"+region, func(ctx context.Context) (*cloud.Snapshot, error) {
			return e.snapshots.CopySnapshot(ctx, snapshotID, region, tags)
		})
	})

	for i, res := range results {
		region := regions[i]
		if res.Err != nil {
			e.logger.Warn().Err(res.Err).
				Str("operation_id", op.ID.String()).
				Str("snapshot_id", snapshotID).
				Str("region", region).
				Msg("cross-region copy failed")
			continue
		}
		if err := e.checkpoint(ctx, op, "replicated_"+region, map[string]any{
			"snapshot_id": res.Value.ID,
			"region":      region,
		}); err != nil {
			e.logger.Warn().Err(err).Str("region", region).Msg("failed to record replication checkpoint")
		}
	}
}

// ListSnapshots returns snapshots matching the filter.
func (e *Engine) ListSnapshots(ctx context.Context, filter cloud.SnapshotFilter) ([]*cloud.Snapshot, error) {
	return e.snapshots.ListSnapshots(ctx, filter)
}

// awaitSnapshot polls until the snapshot is available or timeout elapses.
func (e *Engine) awaitSnapshot(ctx context.Context, snapshotID string, timeout time.Duration) (*cloud.Snapshot, error) {
	var snap *cloud.Snapshot
	err := e.waiter.WaitUntil(ctx, timeout, "snapshot "+snapshotID, func(ctx context.Context) (bool, error) {
		s, err := e.snapshots.DescribeSnapshot(ctx, snapshotID)
		if err != nil {
			return false, err
		}
		snap = s
		return s.Available(), nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
