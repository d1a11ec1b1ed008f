package embedding

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/vesper-ai/vesper/internal/model"
)

// HashingClient produces deterministic bag-of-words embeddings by hashing
// tokens into buckets. Identical texts map to identical vectors and shared
// vocabulary yields proportional cosine similarity, which makes it a useful
// stand-in for a real model in tests and offline runs. It is always healthy.
type HashingClient struct {
	dims int
}

// NewHashingClient creates a deterministic embedder with the given
// dimensionality.
func NewHashingClient(dims int) *HashingClient {
	return &HashingClient{dims: dims}
}

// Dimensions returns the configured vector size.
func (c *HashingClient) Dimensions() int { return c.dims }

// Embed hashes lowercase tokens into buckets and unit-normalizes the result.
func (c *HashingClient) Embed(_ context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidInput
	}

	vec := make([]float32, c.dims)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		// Sign bit from the hash spreads tokens across both half-spaces.
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum)%c.dims] += sign
	}
	return model.Normalize(vec), nil
}

// EmbedBatch embeds each text in order.
func (c *HashingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// Healthy always succeeds.
func (c *HashingClient) Healthy(context.Context) error { return nil }
