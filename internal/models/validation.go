package models

// Validation check names. Schema, row-count and checksum mismatches gate
// the overall result; index and constraint mismatches are warnings only.
const (
	CheckSchema      = "schema"
	CheckRowCounts   = "row_counts"
	CheckChecksums   = "checksums"
	CheckIndexes     = "indexes"
	CheckConstraints = "constraints"
)

// CheckResult is the outcome of a single integrity check.
type CheckResult struct {
	Name   string   `json:"name"`
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// ValidationResult is the output of one validation run against a snapshot
// restored into a disposable instance. Valid is true iff no gating check
// reported a mismatch.
type ValidationResult struct {
	SnapshotID           string            `json:"snapshot_id"`
	Valid                bool              `json:"valid"`
	SchemaHash           string            `json:"schema_hash,omitempty"`
	RowCounts            map[string]int64  `json:"row_counts,omitempty"`
	Checksums            map[string]string `json:"checksums,omitempty"`
	ValidationDurationMs int64             `json:"validation_duration_ms"`
	Issues               []string          `json:"issues,omitempty"`
	Warnings             []string          `json:"warnings,omitempty"`
}
