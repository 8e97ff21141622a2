// Package scheduler drives the periodic orchestration runs: backups of the
// primary instance, validation of the latest snapshot, retention cleanup and
// the stale validation instance sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/orchestrator"
)

// Config holds the cron expressions for the periodic jobs. Empty
// expressions disable the corresponding job.
type Config struct {
	BackupSchedule     string `yaml:"backup_schedule"`
	ValidationSchedule string `yaml:"validation_schedule"`
	CleanupSchedule    string `yaml:"cleanup_schedule"`
	SweepSchedule      string `yaml:"sweep_schedule"`
}

// DefaultConfig returns the standard job cadence: nightly backups, weekly
// validation, daily cleanup and hourly sweeps.
func DefaultConfig() Config {
	return Config{
		BackupSchedule:     "0 2 * * *",
		ValidationSchedule: "0 4 * * 0",
		CleanupSchedule:    "30 3 * * *",
		SweepSchedule:      "15 * * * *",
	}
}

// Scheduler runs the engine's periodic jobs on cron schedules.
type Scheduler struct {
	engine       *orchestrator.Engine
	instanceID   string
	backupConfig models.BackupConfig
	config       Config
	cron         *cron.Cron
	logger       zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
}

// New creates a scheduler for the given primary instance.
func New(engine *orchestrator.Engine, instanceID string, backupConfig models.BackupConfig, config Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine:       engine,
		instanceID:   instanceID,
		backupConfig: backupConfig,
		config:       config,
		cron:         cron.New(),
		logger:       logger.With().Str("component", "scheduler").Logger(),
		entries:      make(map[string]cron.EntryID),
	}
}

// Start registers the configured jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"backup", s.config.BackupSchedule, s.runBackup},
		{"validation", s.config.ValidationSchedule, s.runValidation},
		{"cleanup", s.config.CleanupSchedule, s.runCleanup},
		{"sweep", s.config.SweepSchedule, s.runSweep},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		run := job.run
		entryID, err := s.cron.AddFunc(job.spec, func() { run(ctx) })
		if err != nil {
			return fmt.Errorf("add %s job: %w", job.name, err)
		}
		s.entries[job.name] = entryID
		s.logger.Debug().Str("job", job.name).Str("cron_expression", job.spec).Msg("job registered")
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop stops the cron loop. The returned context is done once in-flight
// jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Stop()
}

// ActiveJobs returns the number of registered jobs.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TriggerBackup runs the backup job immediately.
func (s *Scheduler) TriggerBackup(ctx context.Context) {
	s.runBackup(ctx)
}

func (s *Scheduler) runBackup(ctx context.Context) {
	s.logger.Info().Str("instance_id", s.instanceID).Msg("starting scheduled backup")
	snapshotID, err := s.engine.CreateSnapshot(ctx, s.instanceID, s.backupConfig)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled backup failed")
		return
	}
	s.logger.Info().Str("snapshot_id", snapshotID).Msg("scheduled backup completed")
}

func (s *Scheduler) runValidation(ctx context.Context) {
	snap, err := s.latestSnapshot(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("no snapshot available for scheduled validation")
		return
	}

	s.logger.Info().Str("snapshot_id", snap.ID).Msg("starting scheduled validation")
	result, err := s.engine.ValidateBackup(ctx, snap.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("snapshot_id", snap.ID).Msg("scheduled validation failed")
		return
	}
	if !result.Valid {
		s.logger.Error().
			Str("snapshot_id", snap.ID).
			Strs("issues", result.Issues).
			Msg("scheduled validation found an invalid snapshot")
		return
	}
	s.logger.Info().Str("snapshot_id", snap.ID).Msg("scheduled validation passed")
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	deleted, err := s.engine.Cleanup(ctx, s.backupConfig.RetentionDays)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled cleanup failed")
		return
	}
	s.logger.Info().Int("deleted", deleted).Msg("scheduled cleanup completed")
}

func (s *Scheduler) runSweep(ctx context.Context) {
	swept, err := s.engine.SweepValidationInstances(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("validation instance sweep failed")
		return
	}
	if swept > 0 {
		s.logger.Info().Int("swept", swept).Msg("stale validation instances removed")
	}
}

// latestSnapshot returns the newest snapshot of the primary instance.
func (s *Scheduler) latestSnapshot(ctx context.Context) (*cloud.Snapshot, error) {
	snaps, err := s.engine.ListSnapshots(ctx, cloud.SnapshotFilter{SourceInstanceID: s.instanceID})
	if err != nil {
		return nil, err
	}
	var latest *cloud.Snapshot
	for _, snap := range snaps {
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, models.ErrSnapshotNotFound
	}
	return latest, nil
}
