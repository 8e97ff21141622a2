package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aegisdr/aegis/internal/models"
)

// SQLite is a Store backed by an embedded SQLite database, for single-node
// deployments and tests. Terminal-once and append-only guarantees come from
// transactions with an optimistic version guard.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLite opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite supports one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	s := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "state_sqlite").Logger(),
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			checkpoints TEXT NOT NULL DEFAULT '[]',
			result TEXT,
			error TEXT,
			version INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_operations_type_status
			ON operations (type, status, start_time);
		CREATE TABLE IF NOT EXISTS snapshot_metadata (
			snapshot_id TEXT PRIMARY KEY,
			source_instance_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			engine_version TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			encrypted INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			schema_hash TEXT,
			row_counts TEXT,
			checksums TEXT
		);
	`)
	return err
}

// Initialize implements OperationStore.
func (s *SQLite) Initialize(ctx context.Context, op *models.Operation) error {
	checkpoints, err := json.Marshal(op.Checkpoints)
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO operations (id, type, status, start_time, checkpoints, version)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID.String(), op.Type, op.Status, op.StartTime, string(checkpoints), op.Version)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrAlreadyExists
	}
	return nil
}

// GetOperation implements OperationStore.
func (s *SQLite) GetOperation(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	return s.scanOperation(s.db.QueryRowContext(ctx, `
		SELECT id, type, status, start_time, end_time, checkpoints, result, error, version
		FROM operations WHERE id = ?
	`, id.String()))
}

// AppendCheckpoint implements OperationStore.
func (s *SQLite) AppendCheckpoint(ctx context.Context, id uuid.UUID, name string, data map[string]any) error {
	return s.withOperation(ctx, id, func(tx *sql.Tx, op *models.Operation) error {
		if op.IsTerminal() {
			return ErrTerminal
		}

		op.Checkpoints = append(op.Checkpoints, models.Checkpoint{
			Name:      name,
			Data:      data,
			CreatedAt: time.Now().UTC(),
		})
		checkpoints, err := json.Marshal(op.Checkpoints)
		if err != nil {
			return fmt.Errorf("marshal checkpoints: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE operations
			SET checkpoints = ?, status = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, string(checkpoints), models.StatusInProgress, id.String(), op.Version)
		if err != nil {
			return fmt.Errorf("append checkpoint: %w", err)
		}
		return requireRow(res)
	})
}

// CompleteOperation implements OperationStore.
func (s *SQLite) CompleteOperation(ctx context.Context, id uuid.UUID, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.finish(ctx, id, models.StatusCompleted, "result", string(payload))
}

// FailOperation implements OperationStore.
func (s *SQLite) FailOperation(ctx context.Context, id uuid.UUID, opErr models.OperationError) error {
	payload, err := json.Marshal(opErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	return s.finish(ctx, id, models.StatusFailed, "error", string(payload))
}

func (s *SQLite) finish(ctx context.Context, id uuid.UUID, status models.OperationStatus, column, payload string) error {
	return s.withOperation(ctx, id, func(tx *sql.Tx, op *models.Operation) error {
		if op.IsTerminal() {
			return ErrTerminal
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE operations SET status = ?, end_time = ?, `+column+` = ?, version = version + 1
			 WHERE id = ? AND version = ?`,
			status, time.Now().UTC(), payload, id.String(), op.Version)
		if err != nil {
			return fmt.Errorf("finish operation: %w", err)
		}
		return requireRow(res)
	})
}

// MarkRolledBack implements OperationStore.
func (s *SQLite) MarkRolledBack(ctx context.Context, id uuid.UUID) error {
	return s.withOperation(ctx, id, func(tx *sql.Tx, op *models.Operation) error {
		if op.Status != models.StatusFailed {
			return ErrTerminal
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE operations SET status = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, models.StatusRolledBack, id.String(), op.Version)
		if err != nil {
			return fmt.Errorf("mark rolled back: %w", err)
		}
		return requireRow(res)
	})
}

// QueryLatest implements OperationStore.
func (s *SQLite) QueryLatest(ctx context.Context, opType models.OperationType, status models.OperationStatus) (*models.Operation, error) {
	return s.scanOperation(s.db.QueryRowContext(ctx, `
		SELECT id, type, status, start_time, end_time, checkpoints, result, error, version
		FROM operations
		WHERE type = ? AND status = ?
		ORDER BY start_time DESC
		LIMIT 1
	`, opType, status))
}

// withOperation runs fn inside a transaction with the current operation row.
func (s *SQLite) withOperation(ctx context.Context, id uuid.UUID, fn func(tx *sql.Tx, op *models.Operation) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	op, err := s.scanOperation(tx.QueryRowContext(ctx, `
		SELECT id, type, status, start_time, end_time, checkpoints, result, error, version
		FROM operations WHERE id = ?
	`, id.String()))
	if err != nil {
		return err
	}

	if err := fn(tx, op); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrTerminal
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op          models.Operation
		idStr       string
		checkpoints string
		result      sql.NullString
		opErr       sql.NullString
		endTime     sql.NullTime
	)
	err := row.Scan(&idStr, &op.Type, &op.Status, &op.StartTime, &endTime,
		&checkpoints, &result, &opErr, &op.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}

	op.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse operation id: %w", err)
	}
	if endTime.Valid {
		op.EndTime = &endTime.Time
	}
	if err := json.Unmarshal([]byte(checkpoints), &op.Checkpoints); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoints: %w", err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &op.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if opErr.Valid && opErr.String != "" {
		op.Error = &models.OperationError{}
		if err := json.Unmarshal([]byte(opErr.String), op.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return &op, nil
}

// PutMetadata implements MetadataStore.
func (s *SQLite) PutMetadata(ctx context.Context, meta *models.SnapshotMetadata) error {
	tags, rowCounts, checksums, err := marshalMetadataFields(meta)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshot_metadata
			(snapshot_id, source_instance_id, created_at, engine_version,
			 size_bytes, encrypted, tags, schema_hash, row_counts, checksums)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (snapshot_id) DO UPDATE SET
			source_instance_id = excluded.source_instance_id,
			engine_version = excluded.engine_version,
			size_bytes = excluded.size_bytes,
			encrypted = excluded.encrypted,
			tags = excluded.tags
	`, meta.SnapshotID, meta.SourceInstanceID, meta.CreatedAt, meta.EngineVersion,
		meta.SizeBytes, meta.Encrypted, nullableJSON(tags), meta.SchemaHash,
		nullableJSON(rowCounts), nullableJSON(checksums))
	if err != nil {
		return fmt.Errorf("put snapshot metadata: %w", err)
	}
	return nil
}

// GetMetadata implements MetadataStore.
func (s *SQLite) GetMetadata(ctx context.Context, snapshotID string) (*models.SnapshotMetadata, error) {
	meta, err := s.scanMetadata(s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, source_instance_id, created_at, engine_version,
		       size_bytes, encrypted, tags, schema_hash, row_counts, checksums
		FROM snapshot_metadata WHERE snapshot_id = ?
	`, snapshotID))
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// UpdateMetadata implements MetadataStore.
func (s *SQLite) UpdateMetadata(ctx context.Context, meta *models.SnapshotMetadata) error {
	tags, rowCounts, checksums, err := marshalMetadataFields(meta)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE snapshot_metadata
		SET source_instance_id = ?, engine_version = ?, size_bytes = ?,
		    encrypted = ?, tags = ?, schema_hash = ?, row_counts = ?, checksums = ?
		WHERE snapshot_id = ?
	`, meta.SourceInstanceID, meta.EngineVersion, meta.SizeBytes, meta.Encrypted,
		nullableJSON(tags), meta.SchemaHash, nullableJSON(rowCounts),
		nullableJSON(checksums), meta.SnapshotID)
	if err != nil {
		return fmt.Errorf("update snapshot metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrMetadataNotFound
	}
	return nil
}

// DeleteMetadata implements MetadataStore.
func (s *SQLite) DeleteMetadata(ctx context.Context, snapshotID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshot_metadata WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return fmt.Errorf("delete snapshot metadata: %w", err)
	}
	return nil
}

// ListMetadata implements MetadataStore.
func (s *SQLite) ListMetadata(ctx context.Context) ([]*models.SnapshotMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, source_instance_id, created_at, engine_version,
		       size_bytes, encrypted, tags, schema_hash, row_counts, checksums
		FROM snapshot_metadata
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshot metadata: %w", err)
	}
	defer rows.Close()

	var out []*models.SnapshotMetadata
	for rows.Next() {
		meta, err := s.scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQLite) scanMetadata(row rowScanner) (*models.SnapshotMetadata, error) {
	var (
		meta       models.SnapshotMetadata
		engineVer  sql.NullString
		schemaHash sql.NullString
		tags       sql.NullString
		rowCounts  sql.NullString
		checksums  sql.NullString
	)
	err := row.Scan(&meta.SnapshotID, &meta.SourceInstanceID, &meta.CreatedAt,
		&engineVer, &meta.SizeBytes, &meta.Encrypted, &tags, &schemaHash,
		&rowCounts, &checksums)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot metadata: %w", err)
	}

	meta.EngineVersion = engineVer.String
	meta.SchemaHash = schemaHash.String

	var tagBytes, rcBytes, csBytes []byte
	if tags.Valid {
		tagBytes = []byte(tags.String)
	}
	if rowCounts.Valid {
		rcBytes = []byte(rowCounts.String)
	}
	if checksums.Valid {
		csBytes = []byte(checksums.String)
	}
	if err := unmarshalMetadataFields(&meta, tagBytes, rcBytes, csBytes); err != nil {
		return nil, err
	}
	return &meta, nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
