package models

import "time"

// RPOSentinelMinutes is reported when no usable snapshot exists. A large
// finite value rather than infinity so downstream arithmetic stays sane.
const RPOSentinelMinutes = 999999

// StatusReport aggregates the current backup posture. It is computed as a
// pure function over snapshot and instance state; generating it has no side
// effects.
type StatusReport struct {
	TotalSnapshots           int        `json:"total_snapshots"`
	SnapshotsLast24h         int        `json:"snapshots_last_24h"`
	SnapshotsLast7d          int        `json:"snapshots_last_7d"`
	CrossRegionSnapshots     int        `json:"cross_region_snapshots"`
	EncryptedSnapshots       int        `json:"encrypted_snapshots"`
	ReplicationLagSeconds    float64    `json:"replication_lag_seconds"`
	RPOMinutes               int        `json:"rpo_minutes"`
	RTOMinutes               int        `json:"rto_minutes"`
	ComplianceScore          int        `json:"compliance_score"`
	LastValidationAt         *time.Time `json:"last_validation_at,omitempty"`
	StaleValidationInstances []string   `json:"stale_validation_instances,omitempty"`
	GeneratedAt              time.Time  `json:"generated_at"`
}
