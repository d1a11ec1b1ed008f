package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vesper-ai/vesper/internal/model"
)

// HTTPClient generates embeddings by calling an Ollama-compatible embedding
// server. Embeddings stay on-premises: no external API costs and data never
// leaves the host's network.
type HTTPClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
	retries    int
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithModel overrides the embedding model name.
func WithModel(name string) Option {
	return func(c *HTTPClient) { c.model = name }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithRetries overrides the transport retry count.
func WithRetries(n int) Option {
	return func(c *HTTPClient) { c.retries = n }
}

// NewHTTPClient creates a client for an Ollama-style embedding endpoint.
// Dimensions must match the model's native output size (e.g. 1024 for
// mxbai-embed-large).
func NewHTTPClient(baseURL string, dimensions int, opts ...Option) *HTTPClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   "mxbai-embed-large",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dimensions: dimensions,
		retries:    3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dimensions returns the model's native vector size.
func (c *HTTPClient) Dimensions() int {
	return c.dimensions
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a single unit-normalized embedding vector from text.
// Transport errors are retried with exponential backoff; empty input fails
// immediately with ErrInvalidInput.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidInput
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		vec, retryable, err := c.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// embedOnce performs one request. The second return value reports whether
// the failure is a transport error worth retrying.
func (c *HTTPClient) embedOnce(ctx context.Context, text string) ([]float32, bool, error) {
	reqBody, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, false, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, false, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, true, fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, false, fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(body))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, false, fmt.Errorf("embedding: empty embedding returned")
	}
	if len(result.Embedding) != c.dimensions {
		return nil, false, fmt.Errorf("embedding: got %d dims, want %d", len(result.Embedding), c.dimensions)
	}

	return model.Normalize(result.Embedding), true, nil
}

// maxConcurrency bounds parallel requests to the embedding server.
// Kept low to avoid overwhelming a single local GPU.
const maxConcurrency = 4

// EmbedBatch generates embeddings for multiple texts. The server has no
// native batch API, so calls run concurrently with a bounded worker pool.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := c.Embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	vecs := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := c.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("embedding: batch item %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Healthy probes the server's model listing endpoint.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("embedding: create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
