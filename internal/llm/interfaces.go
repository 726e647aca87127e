// Package llm wraps the external model providers the intake service talks
// to: text generation for the dialogue collector and vector embeddings for
// duplicate detection. All provider calls are circuit-breaker protected and
// carry their own timeout; callers treat every failure mode (network,
// timeout, quota, open breaker) identically.
package llm

import "context"

// TextGenerator is the interface for single-turn text completion.
// The dialogue collector is a thin pass-through over this.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator computes a fixed-length vector for a text. The vector
// dimension is determined by the model and must be stable per deployment;
// mixing models produces vectors the scorer will reject.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	GetModel() string
}
