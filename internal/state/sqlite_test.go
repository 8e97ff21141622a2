package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisdr/aegis/internal/models"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	store, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteOperationLifecycle(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	op := models.NewOperation(models.OperationBackup)
	require.NoError(t, store.Initialize(ctx, op))
	assert.ErrorIs(t, store.Initialize(ctx, op), models.ErrAlreadyExists)

	require.NoError(t, store.AppendCheckpoint(ctx, op.ID, "snapshot_initiated", map[string]any{"snapshot_id": "snap-1"}))
	require.NoError(t, store.AppendCheckpoint(ctx, op.ID, "snapshot_completed", nil))

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	require.Len(t, got.Checkpoints, 2)
	assert.Equal(t, "snapshot_initiated", got.Checkpoints[0].Name)
	assert.Equal(t, "snap-1", got.Checkpoints[0].Data["snapshot_id"])
	assert.Equal(t, op.Version+2, got.Version)

	require.NoError(t, store.CompleteOperation(ctx, op.ID, map[string]any{"snapshot_id": "snap-1"}))

	final, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.NotNil(t, final.EndTime)
	assert.Equal(t, "snap-1", final.Result["snapshot_id"])

	assert.ErrorIs(t, store.AppendCheckpoint(ctx, op.ID, "late", nil), ErrTerminal)
	assert.ErrorIs(t, store.CompleteOperation(ctx, op.ID, nil), ErrTerminal)
	assert.ErrorIs(t, store.FailOperation(ctx, op.ID, models.OperationError{Message: "late"}), ErrTerminal)
}

func TestSQLiteFailAndRollback(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	op := models.NewOperation(models.OperationRestore)
	require.NoError(t, store.Initialize(ctx, op))
	require.NoError(t, store.FailOperation(ctx, op.ID, models.OperationError{
		Message:   "instance never became available",
		Retryable: false,
		Context:   map[string]string{"target_instance": "db-restored"},
	}))

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "db-restored", got.Error.Context["target_instance"])

	require.NoError(t, store.MarkRolledBack(ctx, op.ID))
	rolled, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, rolled.Status)

	// rolled_back is terminal for further rollbacks too.
	assert.ErrorIs(t, store.MarkRolledBack(ctx, op.ID), ErrTerminal)
}

func TestSQLiteQueryLatest(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	older := models.NewOperation(models.OperationValidation)
	older.StartTime = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Initialize(ctx, older))
	require.NoError(t, store.CompleteOperation(ctx, older.ID, nil))

	newer := models.NewOperation(models.OperationValidation)
	require.NoError(t, store.Initialize(ctx, newer))
	require.NoError(t, store.CompleteOperation(ctx, newer.ID, nil))

	got, err := store.QueryLatest(ctx, models.OperationValidation, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = store.QueryLatest(ctx, models.OperationBackup, models.StatusCompleted)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestSQLiteGetOperationMissing(t *testing.T) {
	store := newTestSQLite(t)

	_, err := store.GetOperation(context.Background(), models.NewOperation(models.OperationBackup).ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestSQLiteMetadataRoundTrip(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	meta := &models.SnapshotMetadata{
		SnapshotID:       "snap-1",
		SourceInstanceID: "db-1",
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
		EngineVersion:    "15.4",
		SizeBytes:        10 << 30,
		Encrypted:        true,
		Tags:             map[string]string{models.TagSourceInstance: "db-1"},
	}
	require.NoError(t, store.PutMetadata(ctx, meta))

	got, err := store.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "db-1", got.SourceInstanceID)
	assert.True(t, got.Encrypted)
	assert.Equal(t, "db-1", got.Tags[models.TagSourceInstance])
	assert.False(t, got.Validated())

	got.SchemaHash = "sha256:aabbcc"
	got.RowCounts = map[string]int64{"orders": 5000}
	got.Checksums = map[string]string{"orders": "c1"}
	require.NoError(t, store.UpdateMetadata(ctx, got))

	enriched, err := store.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, enriched.Validated())
	assert.Equal(t, int64(5000), enriched.RowCounts["orders"])
	assert.Equal(t, "c1", enriched.Checksums["orders"])

	list, err := store.ListMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteMetadata(ctx, "snap-1"))
	_, err = store.GetMetadata(ctx, "snap-1")
	assert.ErrorIs(t, err, models.ErrMetadataNotFound)

	assert.ErrorIs(t, store.UpdateMetadata(ctx, meta), models.ErrMetadataNotFound)
}
