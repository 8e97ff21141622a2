// Package config provides configuration management for Aegis.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegisdr/aegis/internal/models"
	"github.com/aegisdr/aegis/internal/scheduler"
)

// StateBackend selects the durable store behind operation tracking.
type StateBackend string

const (
	// BackendMemory keeps state in process. Dry runs and tests only.
	BackendMemory StateBackend = "memory"
	// BackendSQLite stores state in a local SQLite file.
	BackendSQLite StateBackend = "sqlite"
	// BackendPostgres stores state in PostgreSQL.
	BackendPostgres StateBackend = "postgres"
)

// Config is the full server configuration, loaded from a YAML file with
// environment variable overrides.
type Config struct {
	// PrimaryInstanceID is the database instance the engine protects.
	PrimaryInstanceID string `yaml:"primary_instance_id"`
	// Region is the home region of the primary instance.
	Region string `yaml:"region"`

	StateBackend StateBackend `yaml:"state_backend"`
	// StateDSN is the PostgreSQL connection string or SQLite file path,
	// depending on the backend.
	StateDSN string `yaml:"state_dsn"`

	Backup   models.BackupConfig `yaml:"backup"`
	Schedule scheduler.Config    `yaml:"schedule"`

	// BackupBucket and ReplicaBucket name the object storage buckets for
	// logical backup artifacts.
	BackupBucket  string `yaml:"backup_bucket"`
	ReplicaBucket string `yaml:"replica_bucket"`
	ReplicaRegion string `yaml:"replica_region"`
	// ReplicationRoleARN is the IAM role the replication rule assumes.
	ReplicationRoleARN string `yaml:"replication_role_arn"`

	// FallbackUsername and FallbackPassword are the static credentials used
	// when no secret is stored for an instance.
	FallbackUsername string `yaml:"fallback_username"`
	FallbackPassword string `yaml:"fallback_password"`

	// MetricsAddr is the listen address for the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() Config {
	return Config{
		Region:       "us-east-1",
		StateBackend: BackendSQLite,
		StateDSN:     "aegis.db",
		Backup:       models.DefaultBackupConfig(),
		Schedule:     scheduler.DefaultConfig(),
		MetricsAddr:  ":9090",
		LogLevel:     "info",
	}
}

// Validate checks that the configuration can drive the engine.
func (c *Config) Validate() error {
	if c.PrimaryInstanceID == "" {
		return errors.New("primary_instance_id is required")
	}
	switch c.StateBackend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown state_backend %q", c.StateBackend)
	}
	if c.StateBackend != BackendMemory && c.StateDSN == "" {
		return errors.New("state_dsn is required for durable backends")
	}
	if c.Backup.RetentionDays <= 0 {
		return errors.New("backup.retention_days must be positive")
	}
	if c.Backup.CrossRegionBackup && len(c.Backup.TargetRegions) == 0 {
		return errors.New("backup.target_regions is required when cross_region_backup is enabled")
	}
	return nil
}

// DefaultConfigPath returns the default config file path (~/.aegis/config.yml).
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".aegis", "config.yml"), nil
}

// Load reads the configuration from the given path and applies environment
// overrides. A missing file is not an error; defaults and environment values
// are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// Save writes the configuration to the given path, creating directories as
// needed. The file carries credentials, so permissions are user-only.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// applyEnv overlays AEGIS_* environment variables on the configuration.
func applyEnv(cfg *Config) {
	cfg.PrimaryInstanceID = getEnvString("AEGIS_PRIMARY_INSTANCE_ID", cfg.PrimaryInstanceID)
	cfg.Region = getEnvString("AEGIS_REGION", cfg.Region)
	cfg.StateBackend = StateBackend(getEnvString("AEGIS_STATE_BACKEND", string(cfg.StateBackend)))
	cfg.StateDSN = getEnvString("AEGIS_STATE_DSN", cfg.StateDSN)
	cfg.BackupBucket = getEnvString("AEGIS_BACKUP_BUCKET", cfg.BackupBucket)
	cfg.ReplicaBucket = getEnvString("AEGIS_REPLICA_BUCKET", cfg.ReplicaBucket)
	cfg.ReplicaRegion = getEnvString("AEGIS_REPLICA_REGION", cfg.ReplicaRegion)
	cfg.ReplicationRoleARN = getEnvString("AEGIS_REPLICATION_ROLE_ARN", cfg.ReplicationRoleARN)
	cfg.FallbackUsername = getEnvString("AEGIS_FALLBACK_USERNAME", cfg.FallbackUsername)
	cfg.FallbackPassword = getEnvString("AEGIS_FALLBACK_PASSWORD", cfg.FallbackPassword)
	cfg.MetricsAddr = getEnvString("AEGIS_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnvString("AEGIS_LOG_LEVEL", cfg.LogLevel)

	cfg.Backup.RetentionDays = getEnvInt("AEGIS_RETENTION_DAYS", cfg.Backup.RetentionDays)
	cfg.Backup.CrossRegionBackup = getEnvBool("AEGIS_CROSS_REGION_BACKUP", cfg.Backup.CrossRegionBackup)
	if regions := os.Getenv("AEGIS_TARGET_REGIONS"); regions != "" {
		cfg.Backup.TargetRegions = splitAndTrim(regions)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvString reads a string from an environment variable, returning the default if unset.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
