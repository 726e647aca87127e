package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrDimensionMismatch indicates that two vectors of different lengths were
// compared. This means embeddings from different models or sizes ended up in
// the same corpus, which is a deployment bug, not a data condition. It is
// never coerced to a zero score.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// CosineSimilarity returns dot(a,b) / (|a|*|b|) in [-1, 1]. A zero-norm
// vector carries no directional information, so comparisons against it
// score 0 rather than erroring.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// RankCandidates scores every candidate against the query vector, keeps
// those at or above threshold, and returns them sorted by similarity
// descending. The sort is stable, so ties preserve candidate input order
// and the result is deterministic for a fixed input. A dimension mismatch
// on any candidate aborts the ranking.
func RankCandidates(query []float64, candidates []Candidate, threshold float64) ([]RankedCandidate, error) {
	var ranked []RankedCandidate
	for _, c := range candidates {
		similarity, err := CosineSimilarity(query, c.Vector)
		if err != nil {
			return nil, err
		}
		if similarity >= threshold {
			ranked = append(ranked, RankedCandidate{ID: c.ID, Similarity: similarity})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Similarity > ranked[j].Similarity
	})
	return ranked, nil
}
