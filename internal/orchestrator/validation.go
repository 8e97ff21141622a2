package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/resilience"
)

// ValidateBackup restores the snapshot into a disposable instance, runs the
// integrity checks against it and tears the instance down no matter how the
// run ended. An invalid snapshot is not an error of this call: the result
// reports valid=false and the operation record carries the failure. The
// returned error is non-nil only when no result could be produced.
func (e *Engine) ValidateBackup(ctx context.Context, snapshotID string) (_ *models.ValidationResult, err error) {
	op, err := e.begin(ctx, models.OperationValidation)
	if err != nil {
		return nil, err
	}
	log := e.logger.With().
		Str("operation_id", op.ID.String()).
		Str("snapshot_id", snapshotID).
		Logger()
	started := e.clock.Now()

	meta, err := e.store.GetMetadata(ctx, snapshotID)
	if err != nil {
		return nil, e.fail(ctx, op, err, map[string]string{"snapshot_id": snapshotID})
	}

	disposableID := fmt.Sprintf("aegis-validate-%s", shortID(op.ID))

	// Teardown must run exactly once whether the checks passed, failed or
	// the run aborted partway. Deletion failure is logged, never returned:
	// it must not mask the result already computed. Leaked instances are
	// surfaced by the status reporter's stale-validation check.
	restoreInitiated := false
	defer func() {
		if !restoreInitiated {
			return
		}
		if derr := e.instances.DeleteInstance(context.WithoutCancel(ctx), disposableID, true); derr != nil {
			log.Error().Err(derr).
				Str("disposable_instance", disposableID).
				Msg("failed to delete disposable validation instance")
		}
	}()

	spec := cloud.RestoreSpec{
		SnapshotID:         snapshotID,
		TargetInstanceID:   disposableID,
		InstanceClass:      e.config.ValidationInstanceClass,
		MultiAZ:            false,
		PubliclyAccessible: false,
		DeletionProtection: false,
		Tags: map[string]string{
			models.TagOperationID: op.ID.String(),
			models.TagPurpose:     models.PurposeValidation,
			models.TagAutoDelete:  "true",
		},
	}
	restoreInitiated = true
	if _, err := resilience.Do(ctx, e.runner, "restore_validation_instance", func(ctx context.Context) (*cloud.Instance, error) {
		return e.instances.RestoreFromSnapshot(ctx, spec)
	}); err != nil {
		return nil, e.fail(ctx, op, err, map[string]string{"snapshot_id": snapshotID, "disposable_instance": disposableID})
	}
	if err := e.checkpoint(ctx, op, "restore_initiated", map[string]any{"disposable_instance": disposableID}); err != nil {
		return nil, e.fail(ctx, op, err, nil)
	}

	restored, err := e.awaitInstance(ctx, disposableID, e.config.ValidationRestoreTimeout)
	if err != nil {
		return nil, e.fail(ctx, op, err, map[string]string{"disposable_instance": disposableID})
	}
	if err := e.checkpoint(ctx, op, "instance_ready", map[string]any{"endpoint": restored.Endpoint}); err != nil {
		return nil, e.fail(ctx, op, err, nil)
	}

	source, err := resilience.Do(ctx, e.runner, "describe_instance", func(ctx context.Context) (*cloud.Instance, error) {
		return e.instances.DescribeInstance(ctx, meta.SourceInstanceID)
	})
	if err != nil {
		return nil, e.fail(ctx, op, err, map[string]string{"source_instance": meta.SourceInstanceID})
	}

	// Snapshots inherit the source engine's auth setup, so the source
	// instance's credentials open the restored copy as well.
	creds, err := e.secrets.GetCredentials(ctx, meta.SourceInstanceID)
	if err != nil {
		return nil, e.fail(ctx, op, fmt.Errorf("resolve credentials: %w", err), map[string]string{"source_instance": meta.SourceInstanceID})
	}

	result := e.runChecks(ctx, snapshotID, source.Endpoint, restored.Endpoint, creds)
	result.ValidationDurationMs = e.clock.Now().Sub(started).Milliseconds()

	if result.Valid {
		meta.SchemaHash = result.SchemaHash
		meta.RowCounts = result.RowCounts
		meta.Checksums = result.Checksums
		if err := e.store.UpdateMetadata(ctx, meta); err != nil {
			log.Warn().Err(err).Msg("failed to enrich snapshot metadata with validation results")
		}
	}

	if err := e.checkpoint(ctx, op, "validation_complete", map[string]any{
		"valid":    result.Valid,
		"issues":   len(result.Issues),
		"warnings": len(result.Warnings),
	}); err != nil {
		return nil, e.fail(ctx, op, err, nil)
	}

	if !result.Valid {
		issues := map[string]string{"snapshot_id": snapshotID}
		for i, issue := range result.Issues {
			issues[fmt.Sprintf("issue_%d", i)] = issue
		}
		e.fail(ctx, op, models.ErrValidationFailed, issues)
		log.Warn().Strs("issues", result.Issues).Msg("snapshot failed validation")
		return result, nil
	}

	if err := e.complete(ctx, op, map[string]any{"snapshot_id": snapshotID, "valid": true}); err != nil {
		return nil, err
	}
	log.Info().Int64("duration_ms", result.ValidationDurationMs).Msg("snapshot validated")
	return result, nil
}

type checkFunc func(ctx context.Context) models.CheckResult

// runChecks fans the five integrity checks out concurrently and waits for
// all of them. Schema, row-count and checksum mismatches gate the result;
// index and constraint mismatches are recorded as warnings only.
func (e *Engine) runChecks(ctx context.Context, snapshotID, sourceEndpoint, restoredEndpoint string, creds cloud.Credentials) *models.ValidationResult {
	result := &models.ValidationResult{SnapshotID: snapshotID, Valid: true}

	var restoredSchema string
	var restoredCounts map[string]int64
	var restoredSums map[string]string

	checks := []checkFunc{
		func(ctx context.Context) models.CheckResult {
			cr := models.CheckResult{Name: models.CheckSchema, Passed: true}
			src, err := e.checker.SchemaHash(ctx, sourceEndpoint, creds)
			if err == nil {
				restoredSchema, err = e.checker.SchemaHash(ctx, restoredEndpoint, creds)
			}
			if err != nil {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("schema check failed: %v", err))
				return cr
			}
			if src != restoredSchema {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("schema hash mismatch: source %s, restored %s", src, restoredSchema))
			}
			return cr
		},
		func(ctx context.Context) models.CheckResult {
			cr := models.CheckResult{Name: models.CheckRowCounts, Passed: true}
			src, err := e.checker.RowCounts(ctx, sourceEndpoint, creds)
			if err == nil {
				restoredCounts, err = e.checker.RowCounts(ctx, restoredEndpoint, creds)
			}
			if err != nil {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("row count check failed: %v", err))
				return cr
			}
			for _, table := range sortedKeys(src) {
				got, ok := restoredCounts[table]
				if !ok {
					cr.Passed = false
					cr.Issues = append(cr.Issues, fmt.Sprintf("table %s missing from restored instance", table))
					continue
				}
				if got != src[table] {
					cr.Passed = false
					cr.Issues = append(cr.Issues, fmt.Sprintf("row count mismatch for %s: source %d, restored %d", table, src[table], got))
				}
			}
			return cr
		},
		func(ctx context.Context) models.CheckResult {
			cr := models.CheckResult{Name: models.CheckChecksums, Passed: true}
			src, err := e.checker.TableChecksums(ctx, sourceEndpoint, creds)
			if err == nil {
				restoredSums, err = e.checker.TableChecksums(ctx, restoredEndpoint, creds)
			}
			if err != nil {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("checksum check failed: %v", err))
				return cr
			}
			for _, table := range sortedKeys(src) {
				if got, ok := restoredSums[table]; ok && got != src[table] {
					cr.Passed = false
					cr.Issues = append(cr.Issues, fmt.Sprintf("checksum mismatch for %s", table))
				}
			}
			return cr
		},
		func(ctx context.Context) models.CheckResult {
			cr := models.CheckResult{Name: models.CheckIndexes, Passed: true}
			src, err := e.checker.Indexes(ctx, sourceEndpoint, creds)
			var got []string
			if err == nil {
				got, err = e.checker.Indexes(ctx, restoredEndpoint, creds)
			}
			if err != nil {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("index check failed: %v", err))
				return cr
			}
			for _, missing := range missingFrom(src, got) {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("index %s missing from restored instance", missing))
			}
			return cr
		},
		func(ctx context.Context) models.CheckResult {
			cr := models.CheckResult{Name: models.CheckConstraints, Passed: true}
			src, err := e.checker.Constraints(ctx, sourceEndpoint, creds)
			var got []string
			if err == nil {
				got, err = e.checker.Constraints(ctx, restoredEndpoint, creds)
			}
			if err != nil {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("constraint check failed: %v", err))
				return cr
			}
			for _, missing := range missingFrom(src, got) {
				cr.Passed = false
				cr.Issues = append(cr.Issues, fmt.Sprintf("constraint %s missing from restored instance", missing))
			}
			return cr
		},
	}

	settled := allSettled(checks, func(check checkFunc) (models.CheckResult, error) {
		return check(ctx), nil
	})

	for _, s := range settled {
		cr := s.Value
		if cr.Passed {
			continue
		}
		switch cr.Name {
		case models.CheckIndexes, models.CheckConstraints:
			result.Warnings = append(result.Warnings, cr.Issues...)
		default:
			result.Valid = false
			result.Issues = append(result.Issues, cr.Issues...)
		}
	}

	result.SchemaHash = restoredSchema
	result.RowCounts = restoredCounts
	result.Checksums = restoredSums
	return result
}

// awaitInstance polls until the instance is available or timeout elapses.
func (e *Engine) awaitInstance(ctx context.Context, instanceID string, timeout time.Duration) (*cloud.Instance, error) {
	var inst *cloud.Instance
	err := e.waiter.WaitUntil(ctx, timeout, "instance "+instanceID, func(ctx context.Context) (bool, error) {
		i, err := e.instances.DescribeInstance(ctx, instanceID)
		if err != nil {
			return false, err
		}
		inst = i
		return i.Available(), nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// missingFrom returns the elements of want absent from got, in sorted order.
func missingFrom(want, got []string) []string {
	have := make(map[string]bool, len(got))
	for _, g := range got {
		have[g] = true
	}
	var missing []string
	for _, w := range want {
		if !have[w] {
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	return missing
}
