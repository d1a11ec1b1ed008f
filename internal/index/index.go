// Package index provides dense cosine search over a named Qdrant collection.
//
// Point ids are strict UUIDs, payloads are opaque JSON objects, and upserts
// wait for indexing so a point is queryable the moment the call returns.
package index

import (
	"context"
	"errors"
	"regexp"

	"github.com/google/uuid"
)

// ErrUnavailable indicates the index transport is down.
var ErrUnavailable = errors.New("index: unavailable")

// ErrInvalidInput indicates a malformed id, vector, or collection name.
var ErrInvalidInput = errors.New("index: invalid input")

// ErrNotFound indicates the collection does not exist.
var ErrNotFound = errors.New("index: collection not found")

// Result is one search hit.
type Result struct {
	ID      uuid.UUID
	Score   float32
	Payload map[string]any
}

// Stats summarizes a collection.
type Stats struct {
	Points  uint64
	Indexed uint64
}

// Index is the vector index contract shared by all tiers.
type Index interface {
	Upsert(ctx context.Context, id uuid.UUID, vector []float32, payload map[string]any) error
	Search(ctx context.Context, vector []float32, topK int) ([]Result, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (Stats, error)
	Healthy(ctx context.Context) error
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidCollectionName reports whether name is safe to use as a collection name.
func ValidCollectionName(name string) bool {
	return collectionNameRe.MatchString(name)
}
