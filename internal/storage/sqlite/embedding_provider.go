package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fleetform/intake/internal/storage"
)

// EmbeddingProvider implements storage.EmbeddingProvider using SQLite.
// Vectors are stored as little-endian float64 BLOBs.
type EmbeddingProvider struct {
	db *sql.DB
}

// NewEmbeddingProvider creates a new SQLite embedding provider.
func NewEmbeddingProvider(db *sql.DB) *EmbeddingProvider {
	return &EmbeddingProvider{db: db}
}

// StoreEmbedding stores a vector embedding for a record (upsert).
func (p *EmbeddingProvider) StoreEmbedding(ctx context.Context, recordID string, embedding []float64, model string) error {
	if recordID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO embeddings (record_id, embedding, dimension, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(record_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP
	`, recordID, serializeEmbedding(embedding), len(embedding), model)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// GetEmbedding retrieves the embedding for a record.
func (p *EmbeddingProvider) GetEmbedding(ctx context.Context, recordID string) ([]float64, error) {
	if recordID == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	var embBytes []byte
	var dimension int
	err := p.db.QueryRowContext(ctx,
		`SELECT embedding, dimension FROM embeddings WHERE record_id = ?`, recordID,
	).Scan(&embBytes, &dimension)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	return deserializeEmbedding(embBytes, dimension)
}

// DeleteEmbedding removes an embedding.
func (p *EmbeddingProvider) DeleteEmbedding(ctx context.Context, recordID string) error {
	if recordID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	result, err := p.db.ExecContext(ctx, `DELETE FROM embeddings WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
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

// GetDimension returns the embedding dimension stored for a model.
func (p *EmbeddingProvider) GetDimension(ctx context.Context, model string) (int, error) {
	if model == "" {
		return 0, fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	var dimension int
	err := p.db.QueryRowContext(ctx,
		`SELECT dimension FROM embeddings WHERE model = ? LIMIT 1`, model,
	).Scan(&dimension)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get dimension: %w", err)
	}
	return dimension, nil
}

// serializeEmbedding encodes a vector as little-endian float64 bytes.
func serializeEmbedding(embedding []float64) []byte {
	buf := make([]byte, len(embedding)*8)
	for i, v := range embedding {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// deserializeEmbedding decodes a vector, validating against the stored
// dimension.
func deserializeEmbedding(buf []byte, dimension int) ([]float64, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*8 {
		return nil, fmt.Errorf("embedding buffer size mismatch: expected %d bytes, got %d", dimension*8, len(buf))
	}

	embedding := make([]float64, dimension)
	for i := range embedding {
		embedding[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return embedding, nil
}

var _ storage.EmbeddingProvider = (*EmbeddingProvider)(nil)
