// Package cloud defines the abstract collaborators the orchestration engine
// drives: the managed-database snapshot and instance stores, the global
// cluster control plane, and the data integrity checker. Concrete cloud SDK
// clients implement these interfaces outside the engine.
package cloud

import (
	"context"
	"time"
)

// Snapshot describes a point-in-time snapshot of a database instance.
type Snapshot struct {
	ID               string
	SourceInstanceID string
	Status           string
	CreatedAt        time.Time
	EngineVersion    string
	SizeBytes        int64
	Encrypted        bool
	Region           string
	Tags             map[string]string
}

// Available reports whether the snapshot is ready for use.
func (s *Snapshot) Available() bool {
	return s.Status == StatusAvailable
}

// Instance describes a managed database instance.
type Instance struct {
	ID            string
	Status        string
	Endpoint      string
	InstanceClass string
	EngineVersion string
	MultiAZ       bool
	CreatedAt     time.Time
	Tags          map[string]string
}

// Available reports whether the instance is ready to serve connections.
func (i *Instance) Available() bool {
	return i.Status == StatusAvailable
}

// StatusAvailable is the resource status both stores report once a snapshot
// or instance is ready.
const StatusAvailable = "available"

// SnapshotFilter narrows ListSnapshots results. Zero values match all.
type SnapshotFilter struct {
	SourceInstanceID string
	Region           string
}

// InstanceFilter narrows ListInstances results. Zero values match all.
type InstanceFilter struct {
	TagKey   string
	TagValue string
}

// RestoreSpec describes a restore of a snapshot into a new instance.
type RestoreSpec struct {
	SnapshotID         string
	TargetInstanceID   string
	InstanceClass      string
	MultiAZ            bool
	PubliclyAccessible bool
	DeletionProtection bool
	Tags               map[string]string
}

// SnapshotAPI is the snapshot store collaborator.
type SnapshotAPI interface {
	// CreateSnapshot starts creation of a snapshot of the given instance.
	// The returned snapshot is typically still in a creating state.
	CreateSnapshot(ctx context.Context, instanceID, snapshotID string, tags map[string]string) (*Snapshot, error)

	// CopySnapshot starts a cross-region copy of an existing snapshot.
	CopySnapshot(ctx context.Context, snapshotID, targetRegion string, tags map[string]string) (*Snapshot, error)

	// DeleteSnapshot deletes a snapshot.
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	// DescribeSnapshot returns the current snapshot state, or
	// models.ErrSnapshotNotFound.
	DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)

	// ListSnapshots returns snapshots matching the filter.
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*Snapshot, error)

	// ApplyLifecycle applies tiering configuration to a snapshot.
	ApplyLifecycle(ctx context.Context, snapshotID string, transitionDays, deleteAfterDays int) error
}

// InstanceAPI is the instance store collaborator.
type InstanceAPI interface {
	// RestoreFromSnapshot starts a restore of a snapshot into a new instance.
	RestoreFromSnapshot(ctx context.Context, spec RestoreSpec) (*Instance, error)

	// DeleteInstance deletes an instance. When skipFinalSnapshot is true no
	// final snapshot is taken and automated backups are removed.
	DeleteInstance(ctx context.Context, instanceID string, skipFinalSnapshot bool) error

	// DescribeInstance returns the current instance state, or
	// models.ErrInstanceNotFound.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)

	// ListInstances returns instances matching the filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
}

// ClusterAPI is the multi-region cluster control plane collaborator.
type ClusterAPI interface {
	// GlobalClusterExists reports whether the named global cluster exists.
	GlobalClusterExists(ctx context.Context, clusterID string) (bool, error)

	// CreateGlobalCluster promotes the given instance into a new global
	// cluster spanning regions.
	CreateGlobalCluster(ctx context.Context, clusterID, sourceInstanceID string) error
}

// Credentials are database credentials for one instance.
type Credentials struct {
	Username string
	Password string
}

// DataChecker runs integrity queries against a database endpoint. Snapshots
// inherit the source engine's auth setup, so the same credentials work for
// both the source instance and an instance restored from its snapshot.
type DataChecker interface {
	// SchemaHash returns a digest of the full schema definition.
	SchemaHash(ctx context.Context, endpoint string, creds Credentials) (string, error)

	// RowCounts returns the row count per table.
	RowCounts(ctx context.Context, endpoint string, creds Credentials) (map[string]int64, error)

	// TableChecksums returns a content digest per table.
	TableChecksums(ctx context.Context, endpoint string, creds Credentials) (map[string]string, error)

	// Indexes returns the names of all indexes.
	Indexes(ctx context.Context, endpoint string, creds Credentials) ([]string, error)

	// Constraints returns the names of all constraints.
	Constraints(ctx context.Context, endpoint string, creds Credentials) ([]string, error)
}
