package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisdr/aegis/internal/models"
)

func TestInitializeRejectsDuplicates(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	op := models.NewOperation(models.OperationBackup)
	require.NoError(t, store.Initialize(ctx, op))

	err := store.Initialize(ctx, op)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestAppendCheckpointMovesPendingToInProgress(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	op := models.NewOperation(models.OperationBackup)
	require.NoError(t, store.Initialize(ctx, op))

	require.NoError(t, store.AppendCheckpoint(ctx, op.ID, "snapshot_initiated", map[string]any{"snapshot_id": "snap-1"}))

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	require.Len(t, got.Checkpoints, 1)
	assert.Equal(t, "snapshot_initiated", got.Checkpoints[0].Name)
	assert.Greater(t, got.Version, op.Version)
}

func TestCheckpointsAreOrderedAndVersioned(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	op := models.NewOperation(models.OperationValidation)
	require.NoError(t, store.Initialize(ctx, op))

	names := []string{"restore_initiated", "instance_ready", "validation_complete"}
	for _, name := range names {
		require.NoError(t, store.AppendCheckpoint(ctx, op.ID, name, nil))
	}

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, got.Checkpoints, len(names))
	for i, name := range names {
		assert.Equal(t, name, got.Checkpoints[i].Name)
	}
	// One version bump per checkpoint write.
	assert.Equal(t, op.Version+len(names), got.Version)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	ctx := context.Background()

	t.Run("no checkpoint after completed", func(t *testing.T) {
		store := NewMemory()
		op := models.NewOperation(models.OperationBackup)
		require.NoError(t, store.Initialize(ctx, op))
		require.NoError(t, store.CompleteOperation(ctx, op.ID, map[string]any{"snapshot_id": "snap-1"}))

		err := store.AppendCheckpoint(ctx, op.ID, "late", nil)
		assert.ErrorIs(t, err, ErrTerminal)
	})

	t.Run("no second terminal transition", func(t *testing.T) {
		store := NewMemory()
		op := models.NewOperation(models.OperationBackup)
		require.NoError(t, store.Initialize(ctx, op))
		require.NoError(t, store.CompleteOperation(ctx, op.ID, nil))

		assert.ErrorIs(t, store.CompleteOperation(ctx, op.ID, nil), ErrTerminal)
		assert.ErrorIs(t, store.FailOperation(ctx, op.ID, models.OperationError{Message: "late"}), ErrTerminal)
	})

	t.Run("fail is terminal too", func(t *testing.T) {
		store := NewMemory()
		op := models.NewOperation(models.OperationBackup)
		require.NoError(t, store.Initialize(ctx, op))
		require.NoError(t, store.FailOperation(ctx, op.ID, models.OperationError{Message: "boom", Retryable: false}))

		got, err := store.GetOperation(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "boom", got.Error.Message)
		assert.NotNil(t, got.EndTime)

		assert.ErrorIs(t, store.CompleteOperation(ctx, op.ID, nil), ErrTerminal)
	})
}

func TestMarkRolledBackOnlyFromFailed(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	completed := models.NewOperation(models.OperationRestore)
	require.NoError(t, store.Initialize(ctx, completed))
	require.NoError(t, store.CompleteOperation(ctx, completed.ID, nil))
	assert.ErrorIs(t, store.MarkRolledBack(ctx, completed.ID), ErrTerminal)

	failed := models.NewOperation(models.OperationRestore)
	require.NoError(t, store.Initialize(ctx, failed))
	require.NoError(t, store.FailOperation(ctx, failed.ID, models.OperationError{Message: "boom"}))
	require.NoError(t, store.MarkRolledBack(ctx, failed.ID))

	got, err := store.GetOperation(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, got.Status)
}

func TestQueryLatest(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	first := models.NewOperation(models.OperationValidation)
	first.StartTime = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.Initialize(ctx, first))
	require.NoError(t, store.CompleteOperation(ctx, first.ID, nil))

	second := models.NewOperation(models.OperationValidation)
	require.NoError(t, store.Initialize(ctx, second))
	require.NoError(t, store.CompleteOperation(ctx, second.ID, nil))

	failed := models.NewOperation(models.OperationValidation)
	require.NoError(t, store.Initialize(ctx, failed))
	require.NoError(t, store.FailOperation(ctx, failed.ID, models.OperationError{Message: "boom"}))

	got, err := store.QueryLatest(ctx, models.OperationValidation, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = store.QueryLatest(ctx, models.OperationFailover, models.StatusCompleted)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestGetOperationReturnsCopy(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	op := models.NewOperation(models.OperationBackup)
	require.NoError(t, store.Initialize(ctx, op))

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	got.Status = models.StatusFailed

	again, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestMetadataLifecycle(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	meta := &models.SnapshotMetadata{
		SnapshotID:       "snap-1",
		SourceInstanceID: "db-1",
		CreatedAt:        time.Now().UTC(),
		Encrypted:        true,
		Tags:             map[string]string{models.TagSourceInstance: "db-1"},
	}
	require.NoError(t, store.PutMetadata(ctx, meta))

	got, err := store.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "db-1", got.SourceInstanceID)
	assert.False(t, got.Validated())

	got.SchemaHash = "abc123"
	got.RowCounts = map[string]int64{"orders": 5000}
	require.NoError(t, store.UpdateMetadata(ctx, got))

	enriched, err := store.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, enriched.Validated())
	assert.Equal(t, int64(5000), enriched.RowCounts["orders"])

	list, err := store.ListMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteMetadata(ctx, "snap-1"))
	_, err = store.GetMetadata(ctx, "snap-1")
	assert.ErrorIs(t, err, models.ErrMetadataNotFound)
}
