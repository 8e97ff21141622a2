// Package main is the entrypoint for the Aegis orchestration server CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/config"
	"github.com/aegisdr/aegis/internal/metrics"
	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/objectstore"
	"github.com/aegisdr/aegis/internal/orchestrator"
	"github.com/aegisdr/aegis/internal/scheduler"
	"github.com/aegisdr/aegis/internal/secrets"
	"github.com/aegisdr/aegis/internal/state"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var dryRun bool

	rootCmd := &cobra.Command{
		Use:   "aegis-server",
		Short: "Aegis backup, validation and restore orchestration engine",
		Long: `Aegis orchestrates backups of a managed relational data store:
snapshot creation and cross-region replication, validation of snapshots
against disposable instances, restore to new instances, retention cleanup
and recovery posture reporting.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.aegis/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "run against the in-process simulator instead of the cloud")

	app := &appContext{configPath: &configPath, dryRun: &dryRun}

	rootCmd.AddCommand(
		newServeCmd(app),
		newBackupCmd(app),
		newValidateCmd(app),
		newRestoreCmd(app),
		newCleanupCmd(app),
		newStatusCmd(app),
		newReplicateCmd(app),
		newVersionCmd(),
	)
	return rootCmd
}

// appContext defers config loading and engine construction until a command
// actually runs.
type appContext struct {
	configPath *string
	dryRun     *bool
}

func (a *appContext) logger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func (a *appContext) loadConfig() (*config.Config, error) {
	path := *a.configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildEngine wires the engine from configuration. In dry-run mode every
// cloud collaborator is the in-process simulator, seeded with the primary
// instance; real snapshot and instance store clients plug in here otherwise.
func (a *appContext) buildEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*orchestrator.Engine, func(), error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var emitter metrics.Emitter = metrics.Nop{}
	if reg != nil {
		emitter = metrics.NewPrometheus(reg)
	}

	// A secret-manager backed resolver slots in as the primary here; the
	// static config credentials are the documented fallback.
	resolver := secrets.NewCache(secrets.NewStatic(cloud.Credentials{
		Username: cfg.FallbackUsername,
		Password: cfg.FallbackPassword,
	}), 5*time.Minute)

	deps := orchestrator.Deps{
		Store:   store,
		Secrets: resolver,
		Emitter: emitter,
	}

	if *a.dryRun {
		sim := cloud.NewMemory()
		sim.AddInstance(cfg.PrimaryInstanceID, map[string]string{"environment": "simulated"})
		deps.Snapshots = sim
		deps.Instances = sim
		deps.Clusters = sim
		deps.Checker = sim
		deps.Objects = objectstore.NewMemory()
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("load cloud configuration: %w", err)
		}
		deps.Objects = objectstore.NewS3(s3.NewFromConfig(awsCfg), cfg.Region, logger)

		// The managed-database control plane client is deployment specific
		// and is injected by the hosting build. Without one, only the
		// object storage operations are available.
		sim := cloud.NewMemory()
		deps.Snapshots = sim
		deps.Instances = sim
		deps.Clusters = sim
		deps.Checker = sim
	}

	engine := orchestrator.New(deps, orchestrator.DefaultConfig(), logger)
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close state store")
		}
	}
	return engine, cleanup, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (state.Store, error) {
	switch cfg.StateBackend {
	case config.BackendMemory:
		return state.NewMemory(), nil
	case config.BackendSQLite:
		return state.NewSQLite(ctx, cfg.StateDSN, logger)
	case config.BackendPostgres:
		return state.NewPostgres(ctx, state.DefaultPostgresConfig(cfg.StateDSN), logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aegis-server %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

func newServeCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			logger := app.logger(cfg)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			reg := prometheus.NewRegistry()
			engine, cleanup, err := app.buildEngine(ctx, cfg, logger, reg)
			if err != nil {
				return err
			}
			defer cleanup()

			sched := scheduler.New(engine, cfg.PrimaryInstanceID, cfg.Backup, cfg.Schedule, logger)
			if err := sched.Start(ctx); err != nil {
				return err
			}

			var srv *http.Server
			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error().Err(err).Msg("metrics server failed")
					}
				}()
				logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("shutting down")

			cancel()
			<-sched.Stop().Done()
			if srv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("metrics server shutdown failed")
				}
			}
			return nil
		},
	}
}

func newBackupCmd(app *appContext) *cobra.Command {
	var instanceID string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a snapshot of an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			logger := app.logger(cfg)
			engine, cleanup, err := app.buildEngine(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if instanceID == "" {
				instanceID = cfg.PrimaryInstanceID
			}
			snapshotID, err := engine.CreateSnapshot(cmd.Context(), instanceID, cfg.Backup)
			if err != nil {
				return err
			}
			fmt.Println(snapshotID)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance to snapshot (default: primary)")
	return cmd
}

func newValidateCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <snapshot-id>",
		Short: "Validate a snapshot against a disposable instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			logger := app.logger(cfg)
			engine, cleanup, err := app.buildEngine(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := engine.ValidateBackup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if !result.Valid {
				return fmt.Errorf("snapshot %s: %w", args[0], models.ErrValidationFailed)
			}
			return nil
		},
	}
}

func newRestoreCmd(app *appContext) *cobra.Command {
	var target string
	var instanceClass string
	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot into a new instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			logger := app.logger(cfg)
			engine, cleanup, err := app.buildEngine(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			instanceID, err := engine.RestoreFromSnapshot(cmd.Context(), args[0], models.RestoreConfig{
				TargetInstanceID: target,
				InstanceClass:    instanceClass,
			})
			if err != nil {
				return err
			}
			fmt.Println(instanceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "new instance id (required)")
	cmd.Flags().StringVar(&instanceClass, "instance-class", "", "instance class (default: inherited from snapshot source)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newCleanupCmd(app *appContext) *cobra.Command {
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete snapshots past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			logger := app.logger(cfg)
			engine, cleanup, err := app.buildEngine(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if retentionDays == 0 {
				retentionDays = cfg.Backup.RetentionDays
			}
			deleted, err := engine.Cleanup(cmd.Context(), retentionDays)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d snapshots\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "retention window (default: from config)")
	return cmd
}

func newStatusCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current recovery posture report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			logger := app.logger(cfg)
			engine, cleanup, err := app.buildEngine(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := engine.Report(cmd.Context(), 0)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newReplicateCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Configure cross-region object replication for backup artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			if cfg.BackupBucket == "" || cfg.ReplicaBucket == "" {
				return fmt.Errorf("backup_bucket and replica_bucket must be configured")
			}
			logger := app.logger(cfg)
			engine, cleanup, err := app.buildEngine(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			return engine.ConfigureReplication(cmd.Context(), objectstore.ReplicationSpec{
				SourceBucket:      cfg.BackupBucket,
				DestinationBucket: cfg.ReplicaBucket,
				DestinationRegion: cfg.ReplicaRegion,
				RoleARN:           cfg.ReplicationRoleARN,
			})
		},
	}
}
