package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/models"
)

// PostgresConfig holds connection pool configuration.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPostgresConfig returns a PostgresConfig with sensible defaults.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Postgres is a Store backed by PostgreSQL. Conditional insert and atomic
// guarded updates give the idempotent-start and terminal-once guarantees.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres creates a connection pool, verifies connectivity and ensures
// the schema exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	p := &Postgres{
		pool:   pool,
		logger: logger.With().Str("component", "state_postgres").Logger(),
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	p.logger.Info().Msg("state store connection pool established")
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS operations (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			checkpoints JSONB NOT NULL DEFAULT '[]'::jsonb,
			result JSONB,
			error JSONB,
			version INT NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_operations_type_status
			ON operations (type, status, start_time DESC);
		CREATE TABLE IF NOT EXISTS snapshot_metadata (
			snapshot_id TEXT PRIMARY KEY,
			source_instance_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			engine_version TEXT,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			tags JSONB,
			schema_hash TEXT,
			row_counts JSONB,
			checksums JSONB
		);
	`)
	return err
}

// Initialize implements OperationStore using a conditional insert.
func (p *Postgres) Initialize(ctx context.Context, op *models.Operation) error {
	checkpoints, err := json.Marshal(op.Checkpoints)
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO operations (id, type, status, start_time, checkpoints, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, op.ID, op.Type, op.Status, op.StartTime, checkpoints, op.Version)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAlreadyExists
	}
	return nil
}

// GetOperation implements OperationStore.
func (p *Postgres) GetOperation(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	return p.scanOperation(p.pool.QueryRow(ctx, `
		SELECT id, type, status, start_time, end_time, checkpoints, result, error, version
		FROM operations WHERE id = $1
	`, id))
}

// AppendCheckpoint implements OperationStore. The checkpoint append and
// version increment happen in a single guarded update, so a terminal
// operation can never gain a checkpoint.
func (p *Postgres) AppendCheckpoint(ctx context.Context, id uuid.UUID, name string, data map[string]any) error {
	cp, err := json.Marshal([]models.Checkpoint{{
		Name:      name,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE operations
		SET checkpoints = checkpoints || $2::jsonb,
		    status = $3,
		    version = version + 1
		WHERE id = $1 AND status IN ($4, $3)
	`, id, cp, models.StatusInProgress, models.StatusPending)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrTerminal(ctx, id)
	}
	return nil
}

// CompleteOperation implements OperationStore.
func (p *Postgres) CompleteOperation(ctx context.Context, id uuid.UUID, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, end_time = $3, result = $4, version = version + 1
		WHERE id = $1 AND status IN ($5, $6)
	`, id, models.StatusCompleted, time.Now().UTC(), payload, models.StatusPending, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrTerminal(ctx, id)
	}
	return nil
}

// FailOperation implements OperationStore.
func (p *Postgres) FailOperation(ctx context.Context, id uuid.UUID, opErr models.OperationError) error {
	payload, err := json.Marshal(opErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, end_time = $3, error = $4, version = version + 1
		WHERE id = $1 AND status IN ($5, $6)
	`, id, models.StatusFailed, time.Now().UTC(), payload, models.StatusPending, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("fail operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrTerminal(ctx, id)
	}
	return nil
}

// MarkRolledBack implements OperationStore.
func (p *Postgres) MarkRolledBack(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, version = version + 1
		WHERE id = $1 AND status = $3
	`, id, models.StatusRolledBack, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("mark rolled back: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrTerminal(ctx, id)
	}
	return nil
}

// QueryLatest implements OperationStore.
func (p *Postgres) QueryLatest(ctx context.Context, opType models.OperationType, status models.OperationStatus) (*models.Operation, error) {
	return p.scanOperation(p.pool.QueryRow(ctx, `
		SELECT id, type, status, start_time, end_time, checkpoints, result, error, version
		FROM operations
		WHERE type = $1 AND status = $2
		ORDER BY start_time DESC
		LIMIT 1
	`, opType, status))
}

func (p *Postgres) missingOrTerminal(ctx context.Context, id uuid.UUID) error {
	var status models.OperationStatus
	err := p.pool.QueryRow(ctx, `SELECT status FROM operations WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOperationNotFound
	}
	if err != nil {
		return fmt.Errorf("query operation status: %w", err)
	}
	return ErrTerminal
}

func (p *Postgres) scanOperation(row pgx.Row) (*models.Operation, error) {
	var (
		op          models.Operation
		checkpoints []byte
		result      []byte
		opErr       []byte
	)
	err := row.Scan(&op.ID, &op.Type, &op.Status, &op.StartTime, &op.EndTime,
		&checkpoints, &result, &opErr, &op.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}

	if err := json.Unmarshal(checkpoints, &op.Checkpoints); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoints: %w", err)
	}
	if result != nil {
		if err := json.Unmarshal(result, &op.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if opErr != nil {
		op.Error = &models.OperationError{}
		if err := json.Unmarshal(opErr, op.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return &op, nil
}

// PutMetadata implements MetadataStore.
func (p *Postgres) PutMetadata(ctx context.Context, meta *models.SnapshotMetadata) error {
	tags, rowCounts, checksums, err := marshalMetadataFields(meta)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO snapshot_metadata
			(snapshot_id, source_instance_id, created_at, engine_version,
			 size_bytes, encrypted, tags, schema_hash, row_counts, checksums)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (snapshot_id) DO UPDATE SET
			source_instance_id = EXCLUDED.source_instance_id,
			engine_version = EXCLUDED.engine_version,
			size_bytes = EXCLUDED.size_bytes,
			encrypted = EXCLUDED.encrypted,
			tags = EXCLUDED.tags
	`, meta.SnapshotID, meta.SourceInstanceID, meta.CreatedAt, meta.EngineVersion,
		meta.SizeBytes, meta.Encrypted, tags, meta.SchemaHash, rowCounts, checksums)
	if err != nil {
		return fmt.Errorf("put snapshot metadata: %w", err)
	}
	return nil
}

// GetMetadata implements MetadataStore.
func (p *Postgres) GetMetadata(ctx context.Context, snapshotID string) (*models.SnapshotMetadata, error) {
	var (
		meta      models.SnapshotMetadata
		tags      []byte
		rowCounts []byte
		checksums []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT snapshot_id, source_instance_id, created_at, engine_version,
		       size_bytes, encrypted, tags, schema_hash, row_counts, checksums
		FROM snapshot_metadata WHERE snapshot_id = $1
	`, snapshotID).Scan(&meta.SnapshotID, &meta.SourceInstanceID, &meta.CreatedAt,
		&meta.EngineVersion, &meta.SizeBytes, &meta.Encrypted, &tags,
		&meta.SchemaHash, &rowCounts, &checksums)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot metadata: %w", err)
	}

	if err := unmarshalMetadataFields(&meta, tags, rowCounts, checksums); err != nil {
		return nil, err
	}
	return &meta, nil
}

// UpdateMetadata implements MetadataStore.
func (p *Postgres) UpdateMetadata(ctx context.Context, meta *models.SnapshotMetadata) error {
	tags, rowCounts, checksums, err := marshalMetadataFields(meta)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE snapshot_metadata
		SET source_instance_id = $2, engine_version = $3, size_bytes = $4,
		    encrypted = $5, tags = $6, schema_hash = $7, row_counts = $8, checksums = $9
		WHERE snapshot_id = $1
	`, meta.SnapshotID, meta.SourceInstanceID, meta.EngineVersion, meta.SizeBytes,
		meta.Encrypted, tags, meta.SchemaHash, rowCounts, checksums)
	if err != nil {
		return fmt.Errorf("update snapshot metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrMetadataNotFound
	}
	return nil
}

// DeleteMetadata implements MetadataStore.
func (p *Postgres) DeleteMetadata(ctx context.Context, snapshotID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM snapshot_metadata WHERE snapshot_id = $1`, snapshotID)
	if err != nil {
		return fmt.Errorf("delete snapshot metadata: %w", err)
	}
	return nil
}

// ListMetadata implements MetadataStore.
func (p *Postgres) ListMetadata(ctx context.Context) ([]*models.SnapshotMetadata, error) {
	rows, err := p.pool.Query(ctx, `
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
		var (
			meta      models.SnapshotMetadata
			tags      []byte
			rowCounts []byte
			checksums []byte
		)
		err := rows.Scan(&meta.SnapshotID, &meta.SourceInstanceID, &meta.CreatedAt,
			&meta.EngineVersion, &meta.SizeBytes, &meta.Encrypted, &tags,
			&meta.SchemaHash, &rowCounts, &checksums)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot metadata: %w", err)
		}
		if err := unmarshalMetadataFields(&meta, tags, rowCounts, checksums); err != nil {
			return nil, err
		}
		out = append(out, &meta)
	}
	return out, rows.Err()
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	p.logger.Info().Msg("state store connection pool closed")
	return nil
}

func marshalMetadataFields(meta *models.SnapshotMetadata) (tags, rowCounts, checksums []byte, err error) {
	if meta.Tags != nil {
		if tags, err = json.Marshal(meta.Tags); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal tags: %w", err)
		}
	}
	if meta.RowCounts != nil {
		if rowCounts, err = json.Marshal(meta.RowCounts); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal row counts: %w", err)
		}
	}
	if meta.Checksums != nil {
		if checksums, err = json.Marshal(meta.Checksums); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal checksums: %w", err)
		}
	}
	return tags, rowCounts, checksums, nil
}

func unmarshalMetadataFields(meta *models.SnapshotMetadata, tags, rowCounts, checksums []byte) error {
	if tags != nil {
		if err := json.Unmarshal(tags, &meta.Tags); err != nil {
			return fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if rowCounts != nil {
		if err := json.Unmarshal(rowCounts, &meta.RowCounts); err != nil {
			return fmt.Errorf("unmarshal row counts: %w", err)
		}
	}
	if checksums != nil {
		if err := json.Unmarshal(checksums, &meta.Checksums); err != nil {
			return fmt.Errorf("unmarshal checksums: %w", err)
		}
	}
	return nil
}
