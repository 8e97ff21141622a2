package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/state"
)

// ReportInputs is everything the status computation reads. Gathering the
// inputs is the only part of reporting that touches collaborators; the
// computation itself is pure.
type ReportInputs struct {
	Snapshots             []*cloud.Snapshot
	ValidationInstances   []*cloud.Instance
	LastValidation        *models.Operation
	ReplicationLagSeconds float64
	Now                   time.Time
	StaleValidationAge    time.Duration
	RTOMinutes            int
}

// Report gathers the current snapshot and instance state and computes the
// backup posture report.
func (e *Engine) Report(ctx context.Context, replicationLagSeconds float64) (*models.StatusReport, error) {
	snaps, err := e.snapshots.ListSnapshots(ctx, cloud.SnapshotFilter{})
	if err != nil {
		return nil, err
	}
	validationInstances, err := e.instances.ListInstances(ctx, cloud.InstanceFilter{
		TagKey:   models.TagPurpose,
		TagValue: models.PurposeValidation,
	})
	if err != nil {
		return nil, err
	}

	lastValidation, err := e.store.QueryLatest(ctx, models.OperationValidation, models.StatusCompleted)
	if err != nil && !errors.Is(err, state.ErrOperationNotFound) {
		return nil, err
	}

	return BuildReport(ReportInputs{
		Snapshots:             snaps,
		ValidationInstances:   validationInstances,
		LastValidation:        lastValidation,
		ReplicationLagSeconds: replicationLagSeconds,
		Now:                   e.clock.Now(),
		StaleValidationAge:    e.config.StaleValidationAge,
		RTOMinutes:            e.config.RTOMinutes,
	}), nil
}

// BuildReport computes the status report from its inputs. It has no side
// effects and touches no collaborators.
func BuildReport(in ReportInputs) *models.StatusReport {
	report := &models.StatusReport{
		ReplicationLagSeconds: in.ReplicationLagSeconds,
		RPOMinutes:            models.RPOSentinelMinutes,
		RTOMinutes:            in.RTOMinutes,
		GeneratedAt:           in.Now,
	}

	var newest time.Time
	staleCount := 0
	for _, snap := range in.Snapshots {
		report.TotalSnapshots++
		age := in.Now.Sub(snap.CreatedAt)
		if age <= 24*time.Hour {
			report.SnapshotsLast24h++
		}
		if age <= 7*24*time.Hour {
			report.SnapshotsLast7d++
		} else {
			staleCount++
		}
		if snap.Region != "" {
			report.CrossRegionSnapshots++
		}
		if snap.Encrypted {
			report.EncryptedSnapshots++
		}
		if snap.CreatedAt.After(newest) {
			newest = snap.CreatedAt
		}
	}
	if !newest.IsZero() {
		report.RPOMinutes = int(in.Now.Sub(newest).Minutes())
	}

	if in.LastValidation != nil && in.LastValidation.EndTime != nil {
		report.LastValidationAt = in.LastValidation.EndTime
	}

	cutoff := in.Now.Add(-in.StaleValidationAge)
	for _, inst := range in.ValidationInstances {
		if inst.CreatedAt.Before(cutoff) {
			report.StaleValidationInstances = append(report.StaleValidationInstances, inst.ID)
		}
	}

	report.ComplianceScore = complianceScore(report, staleCount)
	return report
}

// complianceScore derives a 0-100 score from encryption coverage, backup
// freshness and the age distribution of the snapshot set.
func complianceScore(report *models.StatusReport, staleCount int) int {
	if report.TotalSnapshots == 0 {
		return 0
	}

	score := 100.0

	// Up to 40 points for encryption coverage.
	coverage := float64(report.EncryptedSnapshots) / float64(report.TotalSnapshots)
	score -= 40 * (1 - coverage)

	// 30 points for having a backup in the last 24 hours.
	if report.SnapshotsLast24h == 0 {
		score -= 30
	}

	// 30 points when most snapshots are stale.
	if staleCount*2 > report.TotalSnapshots {
		score -= 30
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}
