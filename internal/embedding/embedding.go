// Package embedding provides vector embedding generation for associative recall.
//
// Defines a Client interface and an HTTP implementation speaking the Ollama
// embedding API. The interface allows swapping providers (or stubbing in
// tests) without changing consumers.
package embedding

import (
	"context"
	"errors"
)

// ErrInvalidInput is returned when the text to embed is empty after trimming.
var ErrInvalidInput = errors.New("embedding: empty input text")

// ErrUnavailable is returned when the embedding service cannot be reached
// after all retries. Store paths treat it as a soft failure: the record is
// kept without a vector and flagged for back-fill.
var ErrUnavailable = errors.New("embedding: service unavailable")

// Client generates unit-normalized, fixed-dimension embeddings from text.
type Client interface {
	// Embed generates a single embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Healthy returns nil when the service is reachable.
	Healthy(ctx context.Context) error
}
