package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/audioshelf/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audio_records (
		id BIGINT PRIMARY KEY,
		title VARCHAR(512) NOT NULL,
		size BIGINT NOT NULL,
		timestamp_ms BIGINT NOT NULL,
		generation VARCHAR(36) NOT NULL,
		chunk_count INT NOT NULL,
		INDEX idx_audio_records_timestamp (timestamp_ms)
	)`,
	`CREATE TABLE IF NOT EXISTS audio_chunks (
		id VARCHAR(36) PRIMARY KEY,
		audio_id BIGINT NOT NULL,
		generation VARCHAR(36) NOT NULL,
		order_index INT NOT NULL,
		hash CHAR(64) NOT NULL,
		minio_object_key VARCHAR(255) NOT NULL,
		size BIGINT NOT NULL,
		INDEX idx_audio_chunks_audio (audio_id, order_index)
	)`,
}

// TiDBClient wraps TiDB operations on audio metadata with tracing
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient opens a connection pool. The connection is verified by EnsureSchema.
func NewTiDBClient(dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &TiDBClient{db: db}, nil
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// EnsureSchema pings the database and creates the tables if missing
func (tc *TiDBClient) EnsureSchema(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tidb.ensure_schema")
	defer span.End()

	if err := tc.db.PingContext(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// ReplaceRecord swaps the record and chunk rows for rec.ID in one transaction
// and returns the object keys of the superseded chunks. maxBytes > 0 enforces
// the store quota inside the same transaction.
func (tc *TiDBClient) ReplaceRecord(ctx context.Context, rec *models.AudioRecord, generation string, chunks []*models.Chunk, maxBytes int64) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.replace_record",
		trace.WithAttributes(
			attribute.Int64("audio_id", rec.ID),
			attribute.Int64("size", rec.Size),
			attribute.Int("chunk_count", len(chunks)),
		),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if maxBytes > 0 {
		var others int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size), 0) FROM audio_records WHERE id <> ?`, rec.ID).Scan(&others)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sum sizes: %w", err)
		}
		if others+rec.Size > maxBytes {
			return nil, models.ErrQuotaExceeded
		}
	}

	oldKeys, err := chunkKeys(ctx, tx, `SELECT minio_object_key FROM audio_chunks WHERE audio_id = ?`, rec.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_chunks WHERE audio_id = ?`, rec.ID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to delete old chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_records WHERE id = ?`, rec.ID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to delete old record: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audio_records (id, title, size, timestamp_ms, generation, chunk_count) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Size, rec.Timestamp, generation, len(chunks))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	for _, chunk := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audio_chunks (id, audio_id, generation, order_index, hash, minio_object_key, size) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			chunk.ID, chunk.AudioID, chunk.Generation, chunk.OrderIndex, chunk.Hash, chunk.MinioObjectKey, chunk.Size)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return oldKeys, nil
}

// GetChunks retrieves the chunks of the current generation for id, in order.
// found is false when no record exists.
func (tc *TiDBClient) GetChunks(ctx context.Context, id int64) ([]*models.Chunk, bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunks",
		trace.WithAttributes(
			attribute.Int64("audio_id", id),
		),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var generation string
	err = tx.QueryRowContext(ctx, `SELECT generation FROM audio_records WHERE id = ?`, id).Scan(&generation)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, false, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to query record: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, audio_id, generation, order_index, hash, minio_object_key, size
		 FROM audio_chunks
		 WHERE audio_id = ? AND generation = ?
		 ORDER BY order_index ASC`, id, generation)
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		if err := rows.Scan(
			&chunk.ID,
			&chunk.AudioID,
			&chunk.Generation,
			&chunk.OrderIndex,
			&chunk.Hash,
			&chunk.MinioObjectKey,
			&chunk.Size,
		); err != nil {
			span.RecordError(err)
			return nil, false, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("error iterating chunks: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Int("chunk_count", len(chunks)),
	)
	return chunks, true, nil
}

// RecordExists checks for a record without touching chunks
func (tc *TiDBClient) RecordExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := tc.db.QueryRowContext(ctx, `SELECT 1 FROM audio_records WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to query record: %w", err)
	}
	return true, nil
}

// DeleteRecord removes the rows for id and returns the orphaned object keys
func (tc *TiDBClient) DeleteRecord(ctx context.Context, id int64) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_record", trace.WithAttributes(attribute.Int64("audio_id", id)))
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	keys, err := chunkKeys(ctx, tx, `SELECT minio_object_key FROM audio_chunks WHERE audio_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_chunks WHERE audio_id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_records WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return keys, nil
}

// DeleteAll removes every record and returns all orphaned object keys
func (tc *TiDBClient) DeleteAll(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_all")
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	keys, err := chunkKeys(ctx, tx, `SELECT minio_object_key FROM audio_chunks`)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_chunks`); err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_records`); err != nil {
		return nil, fmt.Errorf("failed to delete records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return keys, nil
}

// ListRecords returns all record summaries, oldest first
func (tc *TiDBClient) ListRecords(ctx context.Context) ([]models.RecordSummary, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_records")
	defer span.End()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT id, title, size, timestamp_ms FROM audio_records ORDER BY timestamp_ms ASC, id ASC`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []models.RecordSummary{}
	for rows.Next() {
		var r models.RecordSummary
		if err := rows.Scan(&r.ID, &r.Title, &r.Size, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))
	return records, nil
}

func chunkKeys(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan chunk key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
