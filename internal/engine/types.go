// Package engine implements duplicate detection for intake records:
// semantic ranking of embedded candidates with a deterministic exact-plate
// fallback, behind a contract that never surfaces infrastructure failures
// to the caller.
package engine

import (
	"fmt"
	"time"
)

// Config holds the tunables for a duplicate-detection engine. Multiple
// engines with different thresholds can coexist; nothing here is ambient
// process state.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a semantic
	// duplicate hit. Range (0, 1].
	SimilarityThreshold float64

	// EmbedTimeout bounds the single blocking gateway call per detection.
	// Expiry is treated like any other gateway failure.
	EmbedTimeout time.Duration
}

// DefaultConfig returns the production defaults: threshold 0.85, embed
// timeout 10s.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		EmbedTimeout:        10 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0, 1], got %v", c.SimilarityThreshold)
	}
	if c.EmbedTimeout <= 0 {
		return fmt.Errorf("embed timeout must be positive, got %v", c.EmbedTimeout)
	}
	return nil
}

// Candidate pairs a record ID with its stored embedding vector for ranking.
type Candidate struct {
	ID     string
	Vector []float64
}

// RankedCandidate is a candidate that met the similarity threshold.
type RankedCandidate struct {
	ID         string
	Similarity float64
}
