package models

import "time"

// Well-known snapshot and instance tags.
const (
	// TagOperationID links a snapshot to the operation that created it.
	TagOperationID = "aegis:operation-id"
	// TagSourceInstance records the instance a snapshot was taken from.
	TagSourceInstance = "aegis:source-instance"
	// TagProtected marks a snapshot as exempt from retention cleanup.
	TagProtected = "protected"
	// TagPurpose marks an instance with its role (e.g. validation).
	TagPurpose = "purpose"
	// TagAutoDelete marks an instance as safe to sweep.
	TagAutoDelete = "auto-delete"

	// PurposeValidation is the TagPurpose value for disposable validation instances.
	PurposeValidation = "validation"
)

// SnapshotMetadata is the durable provenance record kept for every snapshot,
// separate from the snapshot itself. The schema hash, row counts and
// checksums are empty until a validation run succeeds.
type SnapshotMetadata struct {
	SnapshotID       string            `json:"snapshot_id"`
	SourceInstanceID string            `json:"source_instance_id"`
	CreatedAt        time.Time         `json:"created_at"`
	EngineVersion    string            `json:"engine_version,omitempty"`
	SizeBytes        int64             `json:"size_bytes"`
	Encrypted        bool              `json:"encrypted"`
	Tags             map[string]string `json:"tags,omitempty"`
	SchemaHash       string            `json:"schema_hash,omitempty"`
	RowCounts        map[string]int64  `json:"row_counts,omitempty"`
	Checksums        map[string]string `json:"checksums,omitempty"`
}

// Validated reports whether a validation run has enriched this record.
func (m *SnapshotMetadata) Validated() bool {
	return m.SchemaHash != ""
}

// Protected reports whether the snapshot is exempt from retention cleanup.
func (m *SnapshotMetadata) Protected() bool {
	return m.Tags[TagProtected] == "true"
}

// LifecyclePolicy describes snapshot tiering: transition to cold storage
// after TransitionDays and delete after DeleteAfterDays.
type LifecyclePolicy struct {
	TransitionDays  int `json:"transition_days" yaml:"transition_days"`
	DeleteAfterDays int `json:"delete_after_days" yaml:"delete_after_days"`
}

// BackupConfig is the immutable per-call input to snapshot creation. It is
// never persisted as a live entity; only its effects are.
type BackupConfig struct {
	RetentionDays     int               `json:"retention_days" yaml:"retention_days"`
	CrossRegionBackup bool              `json:"cross_region_backup" yaml:"cross_region_backup"`
	TargetRegions     []string          `json:"target_regions,omitempty" yaml:"target_regions"`
	EncryptionKeyID   string            `json:"encryption_key_id,omitempty" yaml:"encryption_key_id"`
	Lifecycle         LifecyclePolicy   `json:"lifecycle" yaml:"lifecycle"`
	Tags              map[string]string `json:"tags,omitempty" yaml:"tags"`
}

// DefaultBackupConfig returns a BackupConfig with sensible defaults.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		RetentionDays: 30,
		Lifecycle: LifecyclePolicy{
			TransitionDays:  30,
			DeleteAfterDays: 365,
		},
	}
}

// RestoreConfig configures a restore to a new named instance. The target
// instance id must not already exist. Nil booleans take the engine defaults:
// Multi-AZ true, deletion protection true, not publicly accessible.
type RestoreConfig struct {
	TargetInstanceID   string `json:"target_instance_id" yaml:"target_instance_id"`
	InstanceClass      string `json:"instance_class,omitempty" yaml:"instance_class"`
	MultiAZ            *bool  `json:"multi_az,omitempty" yaml:"multi_az"`
	PubliclyAccessible *bool  `json:"publicly_accessible,omitempty" yaml:"publicly_accessible"`
	DeletionProtection *bool  `json:"deletion_protection,omitempty" yaml:"deletion_protection"`
}

// MultiAZOrDefault returns the Multi-AZ setting, defaulting to true.
func (c *RestoreConfig) MultiAZOrDefault() bool {
	if c.MultiAZ == nil {
		return true
	}
	return *c.MultiAZ
}

// PubliclyAccessibleOrDefault returns the accessibility setting, defaulting to false.
func (c *RestoreConfig) PubliclyAccessibleOrDefault() bool {
	if c.PubliclyAccessible == nil {
		return false
	}
	return *c.PubliclyAccessible
}

// DeletionProtectionOrDefault returns the protection setting, defaulting to true.
func (c *RestoreConfig) DeletionProtectionOrDefault() bool {
	if c.DeletionProtection == nil {
		return true
	}
	return *c.DeletionProtection
}
