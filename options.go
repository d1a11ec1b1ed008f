package vesper

import (
	"log/slog"

	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/index"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported, callers use the With* functions.
type resolvedOptions struct {
	logger      *slog.Logger
	version     string
	embedder    embedding.Client
	vectorIndex index.Index
	graphPath   string
	workingURL  string
}

// WithLogger sets the structured logger for the App. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported over MCP and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbedder replaces the HTTP embedding client, e.g. with a local model
// or a test stub.
func WithEmbedder(c embedding.Client) Option {
	return func(o *resolvedOptions) { o.embedder = c }
}

// WithVectorIndex replaces the Qdrant-backed vector index.
func WithVectorIndex(idx index.Index) Option {
	return func(o *resolvedOptions) { o.vectorIndex = idx }
}

// WithGraphPath overrides the sqlite database path from config
// (GRAPH_DB_PATH env var).
func WithGraphPath(path string) Option {
	return func(o *resolvedOptions) { o.graphPath = path }
}

// WithWorkingTierURL overrides the Redis URL from config
// (WORKING_TIER_URL env var).
func WithWorkingTierURL(url string) Option {
	return func(o *resolvedOptions) { o.workingURL = url }
}
