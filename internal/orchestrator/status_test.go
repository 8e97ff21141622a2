package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
)

func TestBuildReportEmpty(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	report := BuildReport(ReportInputs{Now: now, RTOMinutes: 60})

	assert.Zero(t, report.TotalSnapshots)
	assert.Equal(t, models.RPOSentinelMinutes, report.RPOMinutes, "no snapshot means the sentinel, not infinity")
	assert.Equal(t, 60, report.RTOMinutes)
	assert.Zero(t, report.ComplianceScore)
}

func TestBuildReportCounts(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	report := BuildReport(ReportInputs{
		Now: now,
		Snapshots: []*cloud.Snapshot{
			{ID: "a", CreatedAt: now.Add(-30 * time.Minute), Encrypted: true},
			{ID: "b", CreatedAt: now.Add(-3 * 24 * time.Hour), Encrypted: true, Region: "us-west-2"},
			{ID: "c", CreatedAt: now.Add(-10 * 24 * time.Hour)},
		},
		ReplicationLagSeconds: 42.5,
		RTOMinutes:            60,
	})

	assert.Equal(t, 3, report.TotalSnapshots)
	assert.Equal(t, 1, report.SnapshotsLast24h)
	assert.Equal(t, 2, report.SnapshotsLast7d)
	assert.Equal(t, 1, report.CrossRegionSnapshots)
	assert.Equal(t, 2, report.EncryptedSnapshots)
	assert.Equal(t, 30, report.RPOMinutes)
	assert.Equal(t, 42.5, report.ReplicationLagSeconds)
}

func TestComplianceScoreBounds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("fully compliant", func(t *testing.T) {
		report := BuildReport(ReportInputs{
			Now: now,
			Snapshots: []*cloud.Snapshot{
				{ID: "a", CreatedAt: now.Add(-time.Hour), Encrypted: true},
				{ID: "b", CreatedAt: now.Add(-2 * time.Hour), Encrypted: true},
			},
		})
		assert.Equal(t, 100, report.ComplianceScore)
	})

	t.Run("worst case stays at zero", func(t *testing.T) {
		report := BuildReport(ReportInputs{
			Now: now,
			Snapshots: []*cloud.Snapshot{
				{ID: "a", CreatedAt: now.Add(-100 * 24 * time.Hour)},
				{ID: "b", CreatedAt: now.Add(-200 * 24 * time.Hour)},
			},
		})
		assert.GreaterOrEqual(t, report.ComplianceScore, 0)
		assert.LessOrEqual(t, report.ComplianceScore, 100)
		assert.Zero(t, report.ComplianceScore)
	})

	t.Run("missing 24h backup is penalized", func(t *testing.T) {
		fresh := BuildReport(ReportInputs{
			Now:       now,
			Snapshots: []*cloud.Snapshot{{ID: "a", CreatedAt: now.Add(-time.Hour), Encrypted: true}},
		})
		stale := BuildReport(ReportInputs{
			Now:       now,
			Snapshots: []*cloud.Snapshot{{ID: "a", CreatedAt: now.Add(-2 * 24 * time.Hour), Encrypted: true}},
		})
		assert.Greater(t, fresh.ComplianceScore, stale.ComplianceScore)
	})
}

func TestBuildReportStaleValidationInstances(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	report := BuildReport(ReportInputs{
		Now:                now,
		StaleValidationAge: 2 * time.Hour,
		ValidationInstances: []*cloud.Instance{
			{ID: "aegis-validate-old", CreatedAt: now.Add(-5 * time.Hour)},
			{ID: "aegis-validate-new", CreatedAt: now.Add(-30 * time.Minute)},
		},
	})
	assert.Equal(t, []string{"aegis-validate-old"}, report.StaleValidationInstances)
}

func TestReportGathersState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	env.sim.AddSnapshot(&cloud.Snapshot{ID: "snap-1", CreatedAt: now.Add(-time.Hour), Encrypted: true})

	op := models.NewOperation(models.OperationValidation)
	require.NoError(t, env.store.Initialize(ctx, op))
	require.NoError(t, env.store.CompleteOperation(ctx, op.ID, nil))

	report, err := env.engine.Report(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalSnapshots)
	assert.Equal(t, 12.0, report.ReplicationLagSeconds)
	assert.NotNil(t, report.LastValidationAt)
	assert.Equal(t, now, report.GeneratedAt)
}
