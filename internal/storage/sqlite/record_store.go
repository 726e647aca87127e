// Package sqlite implements the storage interfaces on modernc.org/sqlite
// (CGO-free). It is the default backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fleetform/intake/internal/storage"
	"github.com/fleetform/intake/pkg/types"
)

// Schema creates the tables used by the intake service. Embeddings live in
// their own table keyed by record ID so that a record without an embedding
// is representable and the candidate query stays a single join.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	fields     TEXT NOT NULL,
	plate_key  TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_plate_key ON records(plate_key);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);

CREATE TABLE IF NOT EXISTS embeddings (
	record_id  TEXT PRIMARY KEY REFERENCES records(id) ON DELETE CASCADE,
	embedding  BLOB NOT NULL,
	dimension  INTEGER NOT NULL,
	model      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// RecordStore implements storage.RecordStore and storage.CandidateSource
// using SQLite.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore opens a SQLite database at the given DSN, configures WAL
// mode, and creates the schema.
func NewRecordStore(dsn string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &RecordStore{db: db}, nil
}

// GetDB exposes the underlying connection for the embedding provider.
func (s *RecordStore) GetDB() *sql.DB {
	return s.db
}

// Store creates or updates a record (upsert on ID).
func (s *RecordStore) Store(ctx context.Context, record *types.VehicleRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: record with ID is required", storage.ErrInvalidInput)
	}

	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to serialize fields: %w", err)
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, fields, plate_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fields = excluded.fields,
			plate_key = excluded.plate_key,
			updated_at = excluded.updated_at
	`, record.ID, string(fieldsJSON), nullableString(record.PlateKey), record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID, including its embedding when present.
func (s *RecordStore) Get(ctx context.Context, id string) (*types.VehicleRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.fields, r.plate_key, r.created_at, r.updated_at,
		       e.embedding, e.dimension, e.model, e.created_at
		FROM records r
		LEFT JOIN embeddings e ON e.record_id = r.id
		WHERE r.id = ?
	`, id)

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return record, nil
}

// List retrieves records with pagination, newest first by default.
func (s *RecordStore) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.VehicleRecord], error) {
	opts.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	order := "DESC"
	if opts.SortOrder == "asc" {
		order = "ASC"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT r.id, r.fields, r.plate_key, r.created_at, r.updated_at,
		       e.embedding, e.dimension, e.model, e.created_at
		FROM records r
		LEFT JOIN embeddings e ON e.record_id = r.id
		ORDER BY r.created_at %s
		LIMIT ? OFFSET ?
	`, order), opts.Limit, opts.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var items []types.VehicleRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		items = append(items, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return &storage.PaginatedResult[types.VehicleRecord]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// Delete removes a record. The embedding row goes with it via the foreign
// key cascade.
func (s *RecordStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCandidatesWithEmbedding returns every record that has a stored
// embedding. The inner join excludes records whose embedding generation
// failed or is still pending.
func (s *RecordStore) ListCandidatesWithEmbedding(ctx context.Context) ([]*types.VehicleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.fields, r.plate_key, r.created_at, r.updated_at,
		       e.embedding, e.dimension, e.model, e.created_at
		FROM records r
		INNER JOIN embeddings e ON e.record_id = r.id
		ORDER BY r.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*types.VehicleRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, record)
	}
	return candidates, rows.Err()
}

// FindByPlate returns records whose plate key equals normalizedKey.
func (s *RecordStore) FindByPlate(ctx context.Context, normalizedKey string) ([]*types.VehicleRecord, error) {
	if normalizedKey == "" {
		return nil, fmt.Errorf("%w: plate key is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.fields, r.plate_key, r.created_at, r.updated_at,
		       e.embedding, e.dimension, e.model, e.created_at
		FROM records r
		LEFT JOIN embeddings e ON e.record_id = r.id
		WHERE r.plate_key = ?
	`, normalizedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query by plate: %w", err)
	}
	defer rows.Close()

	var matches []*types.VehicleRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plate match: %w", err)
		}
		matches = append(matches, record)
	}
	return matches, rows.Err()
}

// Close closes the database connection.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one record row produced by the shared SELECT column list.
func scanRecord(sc scanner) (*types.VehicleRecord, error) {
	var (
		record       types.VehicleRecord
		fieldsJSON   string
		plateKey     sql.NullString
		embBytes     []byte
		embDimension sql.NullInt64
		embModel     sql.NullString
		embCreatedAt sql.NullTime
	)

	err := sc.Scan(&record.ID, &fieldsJSON, &plateKey, &record.CreatedAt, &record.UpdatedAt,
		&embBytes, &embDimension, &embModel, &embCreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &record.Fields); err != nil {
		return nil, fmt.Errorf("failed to deserialize fields: %w", err)
	}
	record.PlateKey = plateKey.String

	if len(embBytes) > 0 && embDimension.Valid {
		vector, err := deserializeEmbedding(embBytes, int(embDimension.Int64))
		if err != nil {
			return nil, err
		}
		record.Embedding = &types.Embedding{
			Vector:    vector,
			Dimension: int(embDimension.Int64),
			Model:     embModel.String,
			CreatedAt: embCreatedAt.Time,
		}
	}
	return &record, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time assertions.
var _ storage.RecordStore = (*RecordStore)(nil)
var _ storage.CandidateSource = (*RecordStore)(nil)
