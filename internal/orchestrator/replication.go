package orchestrator

import (
	"context"
	"fmt"

	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/objectstore"
)

// ObjectStore is the bucket management collaborator for backup artifacts.
type ObjectStore interface {
	// EnsureBucket creates the bucket if absent and enables versioning.
	EnsureBucket(ctx context.Context, bucket string) error

	// ConfigureReplication installs a cross-region replication rule.
	ConfigureReplication(ctx context.Context, spec objectstore.ReplicationSpec) error

	// ApplyTiering installs the storage-class lifecycle schedule.
	ApplyTiering(ctx context.Context, spec objectstore.TieringSpec) error
}

// ConfigureReplication sets up continuous, versioned cross-region object
// replication for backup artifacts and applies the tiering lifecycle to the
// source bucket.
func (e *Engine) ConfigureReplication(ctx context.Context, spec objectstore.ReplicationSpec) error {
	op, err := e.begin(ctx, models.OperationFailover)
	if err != nil {
		return err
	}

	if err := e.runner.Run(ctx, "ensure_source_bucket", func(ctx context.Context) error {
		return e.objects.EnsureBucket(ctx, spec.SourceBucket)
	}); err != nil {
		return e.fail(ctx, op, err, map[string]string{"bucket": spec.SourceBucket})
	}
	if err := e.runner.Run(ctx, "ensure_destination_bucket", func(ctx context.Context) error {
		return e.objects.EnsureBucket(ctx, spec.DestinationBucket)
	}); err != nil {
		return e.fail(ctx, op, err, map[string]string{"bucket": spec.DestinationBucket})
	}
	if err := e.checkpoint(ctx, op, "buckets_ready", map[string]any{
		"source_bucket":      spec.SourceBucket,
		"destination_bucket": spec.DestinationBucket,
	}); err != nil {
		return e.fail(ctx, op, err, nil)
	}

	if err := e.runner.Run(ctx, "configure_replication", func(ctx context.Context) error {
		return e.objects.ConfigureReplication(ctx, spec)
	}); err != nil {
		return e.fail(ctx, op, err, map[string]string{"bucket": spec.SourceBucket})
	}
	if err := e.checkpoint(ctx, op, "replication_configured", nil); err != nil {
		return e.fail(ctx, op, err, nil)
	}

	if err := e.runner.Run(ctx, "apply_tiering", func(ctx context.Context) error {
		return e.objects.ApplyTiering(ctx, objectstore.DefaultTiering(spec.SourceBucket))
	}); err != nil {
		return e.fail(ctx, op, err, map[string]string{"bucket": spec.SourceBucket})
	}

	return e.complete(ctx, op, map[string]any{
		"source_bucket":      spec.SourceBucket,
		"destination_bucket": spec.DestinationBucket,
	})
}

// PromoteToGlobalCluster promotes the given instance into a global cluster
// spanning regions. It is idempotent: when the cluster already exists the
// call is a no-op.
func (e *Engine) PromoteToGlobalCluster(ctx context.Context, clusterID, sourceInstanceID string) error {
	exists, err := e.clusters.GlobalClusterExists(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("check global cluster %s: %w", clusterID, err)
	}
	if exists {
		e.logger.Debug().Str("cluster_id", clusterID).Msg("global cluster already exists")
		return nil
	}

	if err := e.runner.Run(ctx, "create_global_cluster", func(ctx context.Context) error {
		return e.clusters.CreateGlobalCluster(ctx, clusterID, sourceInstanceID)
	}); err != nil {
		return fmt.Errorf("create global cluster %s: %w", clusterID, err)
	}
	e.logger.Info().
		Str("cluster_id", clusterID).
		Str("source_instance", sourceInstanceID).
		Msg("global cluster created")
	return nil
}
