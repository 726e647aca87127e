package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fleetform/intake/internal/llm"
	"github.com/fleetform/intake/internal/normalize"
	"github.com/fleetform/intake/internal/storage"
	"github.com/fleetform/intake/pkg/types"
)

// DedupEngine decides whether an equivalent record already exists.
//
// Per detection call it walks a fixed fail-open pipeline:
//
//	normalize -> embed -> rank candidates -> threshold decision
//	                \ (gateway failure)        \ (no semantic hit)
//	                 `-----------> exact plate fallback <-'
//
// Infrastructure failures at any stage degrade the decision instead of
// failing it; the caller always receives a well-formed DuplicateResult.
// The one exception is a dimension mismatch inside the scorer, which is a
// deployment bug and propagates.
//
// An engine holds no state across calls; concurrent detections are
// independent given their record and the candidate snapshot they observe.
type DedupEngine struct {
	cfg        Config
	embedder   llm.EmbeddingGenerator
	candidates storage.CandidateSource
}

// NewDedupEngine creates a duplicate-detection engine. The embedder may be
// nil, in which case every detection goes straight to the exact-match
// fallback.
func NewDedupEngine(cfg Config, embedder llm.EmbeddingGenerator, candidates storage.CandidateSource) (*DedupEngine, error) {
	if candidates == nil {
		return nil, fmt.Errorf("candidate source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &DedupEngine{
		cfg:        cfg,
		embedder:   embedder,
		candidates: candidates,
	}, nil
}

// DetectDuplicate checks a newly collected record against the stored corpus.
// The returned error is non-nil only for ErrDimensionMismatch; every other
// failure mode resolves to a result. Failure logs carry no record field
// values, only the failure itself.
func (e *DedupEngine) DetectDuplicate(ctx context.Context, record types.FactRecord) (types.DuplicateResult, error) {
	query, err := e.embedRecord(ctx, record)
	if err != nil {
		log.Printf("dedup: embedding unavailable, using exact-match fallback: %v", err)
		return e.exactFallback(ctx, record), nil
	}

	candidates, err := e.candidates.ListCandidatesWithEmbedding(ctx)
	if err != nil {
		log.Printf("dedup: candidate listing failed, using exact-match fallback: %v", err)
		return e.exactFallback(ctx, record), nil
	}
	if len(candidates) == 0 {
		// Nothing to match against; the fallback has nothing to find either.
		return types.DuplicateResult{}, nil
	}

	vectors := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.HasEmbedding() {
			continue
		}
		vectors = append(vectors, Candidate{ID: c.ID, Vector: c.Embedding.Vector})
	}

	ranked, err := RankCandidates(query, vectors, e.cfg.SimilarityThreshold)
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			return types.DuplicateResult{}, err
		}
		log.Printf("dedup: ranking failed, using exact-match fallback: %v", err)
		return e.exactFallback(ctx, record), nil
	}

	if len(ranked) > 0 {
		best := ranked[0]
		return types.DuplicateResult{
			IsDuplicate:          true,
			SimilarityScore:      best.Similarity,
			ExistingRecordID:     best.ID,
			RequiresConfirmation: true,
		}, nil
	}

	return e.exactFallback(ctx, record), nil
}

// EmbedRecord computes the embedding to persist for a record, using the same
// normalization and gateway path as detection so stored vectors stay
// comparable with query vectors.
func (e *DedupEngine) EmbedRecord(ctx context.Context, record types.FactRecord) ([]float64, error) {
	return e.embedRecord(ctx, record)
}

// EmbedderModel returns the name of the configured embedding model, or an
// empty string when no embedder is configured.
func (e *DedupEngine) EmbedderModel() string {
	if e.embedder == nil {
		return ""
	}
	return e.embedder.GetModel()
}

// embedRecord normalizes the record and computes its query vector through
// the gateway, bounded by the configured timeout.
func (e *DedupEngine) embedRecord(ctx context.Context, record types.FactRecord) ([]float64, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding generator configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	defer cancel()

	vector, err := e.embedder.Embed(ctx, normalize.Normalize(record))
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("gateway returned empty vector")
	}
	return vector, nil
}

// exactFallback is the deterministic safety net: a case-insensitive,
// whitespace-stripped plate lookup. It absorbs its own failures, so a
// degraded store resolves to "no duplicate" rather than an error.
func (e *DedupEngine) exactFallback(ctx context.Context, record types.FactRecord) types.DuplicateResult {
	key, ok := normalize.PlateKey(record)
	if !ok {
		return types.DuplicateResult{}
	}

	matches, err := e.candidates.FindByPlate(ctx, key)
	if err != nil {
		log.Printf("dedup: plate lookup failed, resolving to no duplicate: %v", err)
		return types.DuplicateResult{}
	}
	if len(matches) == 0 {
		return types.DuplicateResult{}
	}

	return types.DuplicateResult{
		IsDuplicate:          true,
		SimilarityScore:      1.0,
		ExistingRecordID:     matches[0].ID,
		RequiresConfirmation: true,
	}
}
