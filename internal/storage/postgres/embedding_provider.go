package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/fleetform/intake/internal/storage"
)

// EmbeddingProvider implements storage.EmbeddingProvider using PostgreSQL.
// The BYTEA column is always written; when pgvector is available the vector
// is mirrored into embedding_vec for in-database cosine-distance queries.
type EmbeddingProvider struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// NewEmbeddingProvider creates a new PostgreSQL embedding provider.
func NewEmbeddingProvider(db *sql.DB, pgvectorAvailable bool) *EmbeddingProvider {
	return &EmbeddingProvider{db: db, pgvectorAvailable: pgvectorAvailable}
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
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (record_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = now()
	`, recordID, serializeEmbedding(embedding), len(embedding), model)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}

	if p.pgvectorAvailable {
		vec32 := make([]float32, len(embedding))
		for i, v := range embedding {
			vec32[i] = float32(v)
		}
		_, err := p.db.ExecContext(ctx,
			`UPDATE embeddings SET embedding_vec = $1 WHERE record_id = $2`,
			pgvector.NewVector(vec32), recordID)
		if err != nil {
			// The BYTEA write succeeded; a vector-column failure only
			// degrades in-database ranking.
			log.Printf("postgres: failed to store pgvector column for %s: %v", recordID, err)
		}
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
		`SELECT embedding, dimension FROM embeddings WHERE record_id = $1`, recordID,
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

	result, err := p.db.ExecContext(ctx, `DELETE FROM embeddings WHERE record_id = $1`, recordID)
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
		`SELECT dimension FROM embeddings WHERE model = $1 LIMIT 1`, model,
	).Scan(&dimension)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get dimension: %w", err)
	}
	return dimension, nil
}

func serializeEmbedding(embedding []float64) []byte {
	buf := make([]byte, len(embedding)*8)
	for i, v := range embedding {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

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
