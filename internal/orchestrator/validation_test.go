package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/secrets"
	"github.com/aegisdr/aegis/internal/state"
)

func seedSnapshot(t *testing.T, env *testEnv, snapshotID string, source, restored *cloud.InstanceData) {
	t.Helper()

	env.sim.AddInstance("db-1", nil)
	env.sim.SetInstanceData("db-1", source)
	env.sim.AddSnapshot(&cloud.Snapshot{ID: snapshotID, SourceInstanceID: "db-1", Encrypted: true})
	env.sim.SetSnapshotData(snapshotID, restored)

	require.NoError(t, env.store.PutMetadata(context.Background(), &models.SnapshotMetadata{
		SnapshotID:       snapshotID,
		SourceInstanceID: "db-1",
		Encrypted:        true,
	}))
}

func healthyData() *cloud.InstanceData {
	return &cloud.InstanceData{
		SchemaHash:  "sha256:aabbcc",
		RowCounts:   map[string]int64{"orders": 5000, "customers": 1200},
		Checksums:   map[string]string{"orders": "c1", "customers": "c2"},
		Indexes:     []string{"orders_pkey", "customers_pkey"},
		Constraints: []string{"orders_customer_fk"},
	}
}

// validationInstanceID returns the id of the disposable instance created by
// the single validation run recorded in the store.
func validationInstanceID(t *testing.T, env *testEnv) string {
	t.Helper()
	ctx := context.Background()

	op, err := env.store.QueryLatest(ctx, models.OperationValidation, models.StatusCompleted)
	if errors.Is(err, state.ErrOperationNotFound) {
		op, err = env.store.QueryLatest(ctx, models.OperationValidation, models.StatusFailed)
	}
	require.NoError(t, err)

	cp, ok := op.Checkpoint("restore_initiated")
	if !ok {
		// The run failed before the checkpoint; derive the name the same
		// way the engine does.
		return "aegis-validate-" + op.ID.String()[:8]
	}
	return cp.Data["disposable_instance"].(string)
}

func TestValidateBackupPasses(t *testing.T) {
	env := newTestEnv(t)
	seedSnapshot(t, env, "snap-1", healthyData(), healthyData())
	ctx := context.Background()

	result, err := env.engine.ValidateBackup(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Issues)
	assert.Equal(t, "sha256:aabbcc", result.SchemaHash)
	assert.Equal(t, int64(5000), result.RowCounts["orders"])

	// Metadata is enriched only by a successful validation.
	meta, err := env.store.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, meta.Validated())
	assert.Equal(t, int64(5000), meta.RowCounts["orders"])

	// The disposable instance is gone and was deleted exactly once.
	disposable := validationInstanceID(t, env)
	assert.Equal(t, 1, env.sim.DeleteInstanceCalls(disposable))
	_, err = env.sim.DescribeInstance(ctx, disposable)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
}

func TestValidateBackupRowCountMismatch(t *testing.T) {
	env := newTestEnv(t)
	stale := healthyData()
	stale.RowCounts = map[string]int64{"orders": 4990, "customers": 1200}
	seedSnapshot(t, env, "snap-1", healthyData(), stale)
	ctx := context.Background()

	result, err := env.engine.ValidateBackup(ctx, "snap-1")
	require.NoError(t, err, "an invalid snapshot is a result, not an error")
	assert.False(t, result.Valid)
	assert.Contains(t, result.Issues, "row count mismatch for orders: source 5000, restored 4990")

	// The operation record carries the failure.
	op, err := env.store.QueryLatest(ctx, models.OperationValidation, models.StatusFailed)
	require.NoError(t, err)
	require.NotNil(t, op.Error)

	// Metadata stays unenriched.
	meta, err := env.store.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.False(t, meta.Validated())

	disposable := validationInstanceID(t, env)
	assert.Equal(t, 1, env.sim.DeleteInstanceCalls(disposable))
}

func TestValidateBackupIndexMismatchIsWarning(t *testing.T) {
	env := newTestEnv(t)
	restored := healthyData()
	restored.Indexes = []string{"orders_pkey"}
	restored.Constraints = nil
	seedSnapshot(t, env, "snap-1", healthyData(), restored)

	result, err := env.engine.ValidateBackup(context.Background(), "snap-1")
	require.NoError(t, err)
	assert.True(t, result.Valid, "index and constraint mismatches must not gate validity")
	assert.Empty(t, result.Issues)
	assert.Contains(t, result.Warnings, "index customers_pkey missing from restored instance")
	assert.Contains(t, result.Warnings, "constraint orders_customer_fk missing from restored instance")
}

func TestValidateBackupMetadataMissing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.ValidateBackup(context.Background(), "snap-unknown")
	require.ErrorIs(t, err, models.ErrMetadataNotFound)

	// Nothing was restored, so nothing is deleted.
	assert.Equal(t, 0, env.sim.DeleteInstanceCallsTotal())
}

func TestValidateBackupTeardownOnError(t *testing.T) {
	env := newTestEnv(t)
	seedSnapshot(t, env, "snap-1", healthyData(), healthyData())

	// Credential resolution throws after the disposable instance exists.
	boom := errors.New("secret backend unreachable")
	env.engine.secrets = failingResolver{err: boom}

	_, err := env.engine.ValidateBackup(context.Background(), "snap-1")
	require.ErrorIs(t, err, boom)

	disposable := validationInstanceID(t, env)
	assert.Equal(t, 1, env.sim.DeleteInstanceCalls(disposable))
}

func TestValidateBackupTeardownOnTimeout(t *testing.T) {
	env := newTestEnv(t)
	seedSnapshot(t, env, "snap-1", healthyData(), healthyData())
	env.sim.SetInstanceReadyAfter(-1)
	ctx := context.Background()

	_, err := env.engine.ValidateBackup(ctx, "snap-1")
	require.ErrorIs(t, err, models.ErrTimeout)

	// Cleanup is still attempted exactly once.
	assert.Equal(t, 1, env.sim.DeleteInstanceCallsTotal())

	op, err := env.store.QueryLatest(ctx, models.OperationValidation, models.StatusFailed)
	require.NoError(t, err)
	require.NotNil(t, op.Error)
	assert.False(t, op.Error.Retryable)
}

func TestValidateBackupDeleteFailureDoesNotMaskResult(t *testing.T) {
	env := newTestEnv(t)
	seedSnapshot(t, env, "snap-1", healthyData(), healthyData())

	// Every instance delete fails; the validation result must survive.
	env.sim.FailAllDeleteInstances(errors.New("delete throttled"))

	result, err := env.engine.ValidateBackup(context.Background(), "snap-1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 1, env.sim.DeleteInstanceCallsTotal())
}

type failingResolver struct{ err error }

func (f failingResolver) GetCredentials(context.Context, string) (cloud.Credentials, error) {
	return cloud.Credentials{}, f.err
}

var _ secrets.Resolver = failingResolver{}
