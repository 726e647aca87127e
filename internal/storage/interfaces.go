// Package storage provides composable storage interfaces for the intake
// service. Backends implement small, focused interfaces that the engine and
// the HTTP layer compose as needed, so the duplicate-detection engine only
// ever sees the candidate-source slice of a backend.
package storage

import (
	"context"

	"github.com/fleetform/intake/pkg/types"
)

// RecordStore provides CRUD operations and pagination for vehicle records.
type RecordStore interface {
	// Store creates or updates a record (upsert semantics). The record's
	// PlateKey must be populated by the caller before storing.
	Store(ctx context.Context, record *types.VehicleRecord) error

	// Get retrieves a record by ID. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*types.VehicleRecord, error)

	// List retrieves records with pagination.
	List(ctx context.Context, opts ListOptions) (*PaginatedResult[types.VehicleRecord], error)

	// Delete removes a record and its embedding.
	// Returns ErrNotFound if the record doesn't exist.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the store.
	Close() error
}

// CandidateSource is the slice of a backend the duplicate-detection engine
// consumes: semantic candidates on one side, the exact plate lookup on the
// other.
type CandidateSource interface {
	// ListCandidatesWithEmbedding returns every record that carries a
	// stored embedding. Records without one are invisible to semantic
	// ranking but remain reachable via FindByPlate.
	ListCandidatesWithEmbedding(ctx context.Context) ([]*types.VehicleRecord, error)

	// FindByPlate returns the records whose normalized plate key equals
	// normalizedKey. Returns an empty slice (not an error) on no match.
	FindByPlate(ctx context.Context, normalizedKey string) ([]*types.VehicleRecord, error)
}

// EmbeddingProvider manages vector embeddings with dimension tracking.
// Embeddings are written once at record creation and regenerated when the
// record's fields change.
type EmbeddingProvider interface {
	// StoreEmbedding stores a vector embedding for a record (upsert).
	StoreEmbedding(ctx context.Context, recordID string, embedding []float64, model string) error

	// GetEmbedding retrieves the embedding for a record.
	// Returns ErrNotFound when the record has no embedding.
	GetEmbedding(ctx context.Context, recordID string) ([]float64, error)

	// DeleteEmbedding removes an embedding.
	DeleteEmbedding(ctx context.Context, recordID string) error

	// GetDimension returns the embedding dimension stored for a model.
	GetDimension(ctx context.Context, model string) (int, error)
}
