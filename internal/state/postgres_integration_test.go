//go:build integration

package state

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aegisdr/aegis/internal/models"
)

var testStore *Postgres

func TestMain(m *testing.M) {
	if !dockerAvailable() {
		fmt.Println("Docker is not available, skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("aegis_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to get connection string: %v", err)
	}

	cfg := DefaultPostgresConfig(connStr)
	cfg.MaxConns = 5
	cfg.MinConns = 1

	testStore, err = NewPostgres(ctx, cfg, zerolog.New(zerolog.NewConsoleWriter()))
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to connect to database: %v", err)
	}

	code := m.Run()

	testStore.Close()
	pgContainer.Terminate(ctx)

	os.Exit(code)
}

// dockerAvailable returns true if a Docker daemon is reachable.
func dockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

func cleanTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := testStore.pool.Exec(ctx, "TRUNCATE operations, snapshot_metadata")
	require.NoError(t, err)
}

func TestPostgresConditionalInsert(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()

	op := models.NewOperation(models.OperationBackup)
	require.NoError(t, testStore.Initialize(ctx, op))
	assert.ErrorIs(t, testStore.Initialize(ctx, op), models.ErrAlreadyExists)
}

func TestPostgresOperationLifecycle(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()

	op := models.NewOperation(models.OperationValidation)
	require.NoError(t, testStore.Initialize(ctx, op))

	require.NoError(t, testStore.AppendCheckpoint(ctx, op.ID, "restore_initiated", map[string]any{"disposable_instance": "aegis-validate-1"}))
	require.NoError(t, testStore.AppendCheckpoint(ctx, op.ID, "instance_ready", nil))

	got, err := testStore.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	require.Len(t, got.Checkpoints, 2)
	assert.Equal(t, "restore_initiated", got.Checkpoints[0].Name)
	assert.Equal(t, op.Version+2, got.Version)

	require.NoError(t, testStore.CompleteOperation(ctx, op.ID, map[string]any{"valid": true}))
	assert.ErrorIs(t, testStore.AppendCheckpoint(ctx, op.ID, "late", nil), ErrTerminal)
	assert.ErrorIs(t, testStore.FailOperation(ctx, op.ID, models.OperationError{Message: "late"}), ErrTerminal)

	final, err := testStore.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.NotNil(t, final.EndTime)
}

func TestPostgresRollbackOnlyFromFailed(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()

	op := models.NewOperation(models.OperationRestore)
	require.NoError(t, testStore.Initialize(ctx, op))
	assert.ErrorIs(t, testStore.MarkRolledBack(ctx, op.ID), ErrTerminal)

	require.NoError(t, testStore.FailOperation(ctx, op.ID, models.OperationError{Message: "boom"}))
	require.NoError(t, testStore.MarkRolledBack(ctx, op.ID))

	got, err := testStore.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, got.Status)
}

func TestPostgresQueryLatest(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()

	older := models.NewOperation(models.OperationValidation)
	older.StartTime = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, testStore.Initialize(ctx, older))
	require.NoError(t, testStore.CompleteOperation(ctx, older.ID, nil))

	newer := models.NewOperation(models.OperationValidation)
	require.NoError(t, testStore.Initialize(ctx, newer))
	require.NoError(t, testStore.CompleteOperation(ctx, newer.ID, nil))

	got, err := testStore.QueryLatest(ctx, models.OperationValidation, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = testStore.QueryLatest(ctx, models.OperationFailover, models.StatusCompleted)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestPostgresMetadataRoundTrip(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()

	meta := &models.SnapshotMetadata{
		SnapshotID:       "snap-1",
		SourceInstanceID: "db-1",
		CreatedAt:        time.Now().UTC(),
		EngineVersion:    "15.4",
		SizeBytes:        10 << 30,
		Encrypted:        true,
		Tags:             map[string]string{models.TagSourceInstance: "db-1"},
	}
	require.NoError(t, testStore.PutMetadata(ctx, meta))

	got, err := testStore.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "db-1", got.SourceInstanceID)
	assert.False(t, got.Validated())

	got.SchemaHash = "sha256:aabbcc"
	got.RowCounts = map[string]int64{"orders": 5000}
	got.Checksums = map[string]string{"orders": "c1"}
	require.NoError(t, testStore.UpdateMetadata(ctx, got))

	enriched, err := testStore.GetMetadata(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, enriched.Validated())
	assert.Equal(t, int64(5000), enriched.RowCounts["orders"])

	require.NoError(t, testStore.DeleteMetadata(ctx, "snap-1"))
	_, err = testStore.GetMetadata(ctx, "snap-1")
	assert.ErrorIs(t, err, models.ErrMetadataNotFound)
}
