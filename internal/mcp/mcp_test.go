package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/vesper-ai/vesper/internal/conflicts"
	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/index"
	"github.com/vesper-ai/vesper/internal/model"
	"github.com/vesper-ai/vesper/internal/router"
	"github.com/vesper-ai/vesper/internal/service"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/working"
	"github.com/vesper-ai/vesper/migrations"
)

// memIndex is an in-process stand-in for the Qdrant-backed index.
type memIndex struct {
	vectors  map[uuid.UUID][]float32
	payloads map[uuid.UUID]map[string]any
}

func newMemIndex() *memIndex {
	return &memIndex{
		vectors:  make(map[uuid.UUID][]float32),
		payloads: make(map[uuid.UUID]map[string]any),
	}
}

func (m *memIndex) Upsert(_ context.Context, id uuid.UUID, vector []float32, payload map[string]any) error {
	m.vectors[id] = vector
	m.payloads[id] = payload
	return nil
}

func (m *memIndex) Search(_ context.Context, vector []float32, topK int) ([]index.Result, error) {
	out := make([]index.Result, 0, len(m.vectors))
	for id, v := range m.vectors {
		out = append(out, index.Result{ID: id, Score: model.Cosine(vector, v), Payload: m.payloads[id]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memIndex) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.vectors, id)
	delete(m.payloads, id)
	return nil
}

func (m *memIndex) Stats(context.Context) (index.Stats, error) {
	n := uint64(len(m.vectors))
	return index.Stats{Points: n, Indexed: n}, nil
}

func (m *memIndex) Healthy(context.Context) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.Default()

	store, err := graph.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.RunMigrations(context.Background(), migrations.FS))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	embedder := embedding.NewHashingClient(128)
	tier := working.NewWithClient(rdb, embedder, 5, 7*24*time.Hour, logger)
	lib := skills.NewLibrary(store, embedder, 2, logger)
	idx := newMemIndex()
	rt := router.New(tier, store, lib, idx, embedder, 30, logger)
	detector := conflicts.NewDetector(store, logger)

	svc := service.New(tier, store, idx, embedder, rt, lib, detector, logger)
	return New(svc, "test", logger)
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStoreMemory(ctx, callRequest("store_memory", map[string]any{
		"content":  "Maya moved the launch to Thursday",
		"metadata": map[string]any{"key_entities": []any{"Maya"}},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var stored service.StoreResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &stored))
	assert.NotEmpty(t, stored.ID)
	assert.True(t, stored.HasEmbedding)

	result, err = srv.handleRetrieveMemory(ctx, callRequest("retrieve_memory", map[string]any{
		"query": "Maya moved the launch to Thursday",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var retrieved service.RetrieveResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &retrieved))
	assert.Equal(t, "working_fast_path", retrieved.Route)
	require.NotEmpty(t, retrieved.Results)
	assert.Equal(t, stored.ID, retrieved.Results[0].ID)
}

func TestStoreMemoryRequiresContent(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.handleStoreMemory(context.Background(), callRequest("store_memory", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "content is required")
}

func TestErrorEnvelopeCarriesTaxonomy(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleDisable(ctx, callRequest("vesper_disable", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = srv.handleStoreMemory(ctx, callRequest("store_memory", map[string]any{
		"content": "rejected while disabled",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var envelope struct {
		Error struct {
			Kind      string `json:"error_kind"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &envelope))
	assert.Equal(t, "Unavailable", envelope.Error.Kind)
	assert.False(t, envelope.Error.Retryable)
}

func TestStatusReportsEnabledAndHealth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStatus(ctx, callRequest("vesper_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var status struct {
		Enabled bool              `json:"enabled"`
		Health  map[string]string `json:"health"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &status))
	assert.True(t, status.Enabled)
	assert.Equal(t, "ok", status.Health["working_tier"])
}

func TestDeleteMemoryTool(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStoreMemory(ctx, callRequest("store_memory", map[string]any{
		"content": "to be deleted",
	}))
	require.NoError(t, err)
	var stored service.StoreResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &stored))

	result, err = srv.handleDeleteMemory(ctx, callRequest("delete_memory", map[string]any{
		"id": stored.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.JSONEq(t, `{"deleted": true}`, parseToolText(t, result))
}

func TestShareContextTool(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := srv.handleStoreMemory(ctx, callRequest("store_memory", map[string]any{
		"content":   "Kafka partitioning scheme",
		"namespace": "team-a",
	}))
	require.NoError(t, err)

	result, err := srv.handleShareContext(ctx, callRequest("share_context", map[string]any{
		"from":   "team-a",
		"to":     "team-b",
		"filter": "kafka",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var res service.ShareResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &res))
	assert.Equal(t, 1, res.Copied)
	assert.NotEmpty(t, res.HandoffID)
}

func TestGetStatsTool(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := srv.handleStoreMemory(ctx, callRequest("store_memory", map[string]any{
		"content": "one point",
	}))
	require.NoError(t, err)

	result, err := srv.handleGetStats(ctx, callRequest("get_stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var st service.Stats
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &st))
	assert.Equal(t, uint64(1), st.Points)
}
