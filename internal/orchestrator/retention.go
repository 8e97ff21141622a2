package orchestrator

import (
	"context"
	"time"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
)

// Cleanup deletes manual snapshots older than retentionDays, honoring the
// protected tag, and removes the metadata record of every snapshot it
// deletes. Deletions run in parallel and independently: one failure never
// blocks the others. It returns the number of snapshots deleted.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	snaps, err := e.snapshots.ListSnapshots(ctx, cloud.SnapshotFilter{})
	if err != nil {
		return 0, err
	}

	cutoff := e.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	var expired []*cloud.Snapshot
	for _, snap := range snaps {
		if snap.Tags[models.TagProtected] == "true" {
			continue
		}
		if !snap.CreatedAt.Before(cutoff) {
			continue
		}
		expired = append(expired, snap)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	results := allSettled(expired, func(snap *cloud.Snapshot) (string, error) {
		if err := e.runner.Run(ctx, "delete_snapshot", func(ctx context.Context) error {
			return e.snapshots.DeleteSnapshot(ctx, snap.ID)
		}); err != nil {
			return "", err
		}
		return snap.ID, nil
	})

	deleted := 0
	for i, res := range results {
		if res.Err != nil {
			e.logger.Warn().Err(res.Err).
				Str("snapshot_id", expired[i].ID).
				Msg("failed to delete expired snapshot")
			continue
		}
		deleted++
		if err := e.store.DeleteMetadata(ctx, res.Value); err != nil {
			e.logger.Warn().Err(err).
				Str("snapshot_id", res.Value).
				Msg("failed to delete snapshot metadata")
		}
	}

	e.logger.Info().
		Int("deleted", deleted).
		Int("expired", len(expired)).
		Int("retention_days", retentionDays).
		Msg("retention cleanup finished")
	return deleted, nil
}

// SweepValidationInstances deletes disposable validation instances that
// outlived the stale-validation age. Local wait timeouts leave the remote
// restore running, so a later sweep is what reclaims those instances.
func (e *Engine) SweepValidationInstances(ctx context.Context) (int, error) {
	instances, err := e.instances.ListInstances(ctx, cloud.InstanceFilter{
		TagKey:   models.TagPurpose,
		TagValue: models.PurposeValidation,
	})
	if err != nil {
		return 0, err
	}

	cutoff := e.clock.Now().Add(-e.config.StaleValidationAge)
	swept := 0
	for _, inst := range instances {
		if inst.Tags[models.TagAutoDelete] != "true" || !inst.CreatedAt.Before(cutoff) {
			continue
		}
		if err := e.instances.DeleteInstance(ctx, inst.ID, true); err != nil {
			e.logger.Warn().Err(err).
				Str("instance_id", inst.ID).
				Msg("failed to sweep stale validation instance")
			continue
		}
		swept++
		e.logger.Info().Str("instance_id", inst.ID).Msg("swept stale validation instance")
	}
	return swept, nil
}
