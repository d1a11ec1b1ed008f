package service

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesper-ai/vesper/internal/conflicts"
	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/index"
	"github.com/vesper-ai/vesper/internal/model"
	"github.com/vesper-ai/vesper/internal/router"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/working"
	"github.com/vesper-ai/vesper/migrations"
)

type memIndex struct {
	vectors     map[uuid.UUID][]float32
	payloads    map[uuid.UUID]map[string]any
	failUpserts bool
}

func newMemIndex() *memIndex {
	return &memIndex{
		vectors:  make(map[uuid.UUID][]float32),
		payloads: make(map[uuid.UUID]map[string]any),
	}
}

func (m *memIndex) Upsert(_ context.Context, id uuid.UUID, vector []float32, payload map[string]any) error {
	if m.failUpserts {
		return index.ErrUnavailable
	}
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

// downEmbedder simulates an unreachable embedding backend.
type downEmbedder struct{}

func (downEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, embedding.ErrUnavailable
}

func (downEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return nil, embedding.ErrUnavailable
}

func (downEmbedder) Dimensions() int               { return 128 }
func (downEmbedder) Healthy(context.Context) error { return embedding.ErrUnavailable }

type fixture struct {
	svc      *Service
	store    *graph.Store
	tier     *working.Tier
	idx      *memIndex
	embedder embedding.Client
}

func newFixture(t *testing.T, embedder embedding.Client) *fixture {
	t.Helper()
	logger := slog.Default()

	store, err := graph.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.RunMigrations(context.Background(), migrations.FS))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if embedder == nil {
		embedder = embedding.NewHashingClient(128)
	}
	tier := working.NewWithClient(rdb, embedder, 5, 7*24*time.Hour, logger)
	lib := skills.NewLibrary(store, embedder, 2, logger)
	idx := newMemIndex()
	rt := router.New(tier, store, lib, idx, embedder, 30, logger)
	detector := conflicts.NewDetector(store, logger)

	return &fixture{
		svc:      New(tier, store, idx, embedder, rt, lib, detector, logger),
		store:    store,
		tier:     tier,
		idx:      idx,
		embedder: embedder,
	}
}

func TestStoreWritesAllTiers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Store(ctx, StoreRequest{
		Content:  "Maya joined the Phoenix project",
		AgentID:  "agent-1",
		Metadata: map[string]any{"key_entities": []any{"Maya", "Phoenix"}},
	})
	require.NoError(t, err)
	assert.True(t, res.HasEmbedding)

	rec, err := f.store.GetMemory(ctx, "default", res.ID)
	require.NoError(t, err)
	assert.Equal(t, "conversation", rec.MemoryType)
	assert.False(t, rec.NeedsEmbedding)

	id, err := uuid.Parse(res.ID)
	require.NoError(t, err)
	assert.Contains(t, f.idx.vectors, id)
	assert.Equal(t, "default", f.idx.payloads[id]["namespace"])

	recent, err := f.tier.Recent(ctx, "default", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, []string{"Maya", "Phoenix"}, recent[0].KeyEntities)
}

func TestStoreRollsBackOnVectorFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.idx.failUpserts = true

	_, err := f.svc.Store(ctx, StoreRequest{Content: "doomed write"})
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindUnavailable, se.Kind)
	assert.True(t, se.Retryable)

	// The graph row was rolled back; nothing reached the working tier.
	rows, err := f.store.RecentMemories(ctx, "default", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	recent, err := f.tier.Recent(ctx, "default", 5)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestStoreWithoutEmbedderDegrades(t *testing.T) {
	f := newFixture(t, downEmbedder{})
	ctx := context.Background()

	res, err := f.svc.Store(ctx, StoreRequest{Content: "embedder is down"})
	require.NoError(t, err)
	assert.False(t, res.HasEmbedding)

	rec, err := f.store.GetMemory(ctx, "default", res.ID)
	require.NoError(t, err)
	assert.True(t, rec.NeedsEmbedding, "flagged for back-fill")
	assert.Empty(t, f.idx.vectors, "no vector was indexed")
}

func TestStoreValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Store(context.Background(), StoreRequest{Content: "   "})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindInvalidInput, se.Kind)
	assert.False(t, se.Retryable)
}

func TestDisabledServiceRejectsOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.svc.Disable()
	require.False(t, f.svc.Enabled())

	_, err := f.svc.Store(ctx, StoreRequest{Content: "while disabled"})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindUnavailable, se.Kind)
	assert.False(t, se.Retryable, "retrying while disabled cannot help")

	_, err = f.svc.Retrieve(ctx, RetrieveRequest{Query: "anything"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindUnavailable, se.Kind)

	f.svc.Enable()
	_, err = f.svc.Store(ctx, StoreRequest{Content: "after re-enable"})
	require.NoError(t, err)
}

func TestStoreDecisionSlowsDecay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.StoreDecision(ctx, StoreRequest{
		Content: "We decided to use Kafka for the event bus",
	})
	require.NoError(t, err)

	rec, err := f.store.GetMemory(ctx, "default", res.ID)
	require.NoError(t, err)
	assert.Equal(t, "decision", rec.MemoryType)
	assert.InDelta(t, 0.5, rec.DecayRate, 1e-9)
}

func TestRetrieveReportsRouteAndLatency(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Store(ctx, StoreRequest{Content: "Phoenix ships on Friday after the smoke tests pass"})
	require.NoError(t, err)

	res, err := f.svc.Retrieve(ctx, RetrieveRequest{Query: "Phoenix ships on Friday after the smoke tests pass"})
	require.NoError(t, err)
	assert.Equal(t, "working_fast_path", res.Route)
	require.NotEmpty(t, res.Results)
	assert.GreaterOrEqual(t, res.LatencyMS, int64(0))
}

func TestRetrieveExcludesAgent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Store(ctx, StoreRequest{Content: "scout found the flaky test in auth", AgentID: "scout"})
	require.NoError(t, err)

	res, err := f.svc.Retrieve(ctx, RetrieveRequest{
		Query:        "scout found the flaky test in auth",
		ExcludeAgent: "scout",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Store(ctx, StoreRequest{Content: "ephemeral note"})
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, "default", res.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, f.idx.vectors)

	recent, err := f.tier.Recent(ctx, "default", 5)
	require.NoError(t, err)
	assert.Empty(t, recent)

	deleted, err = f.svc.Delete(ctx, "default", res.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")
}

func TestShareContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Store(ctx, StoreRequest{Content: "Kafka topic layout for ingestion", Namespace: "team-a"})
	require.NoError(t, err)
	_, err = f.svc.Store(ctx, StoreRequest{Content: "lunch plans", Namespace: "team-a"})
	require.NoError(t, err)

	res, err := f.svc.ShareContext(ctx, "team-a", "team-b", "kafka")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Copied)
	require.NotEmpty(t, res.HandoffID)

	handoff, err := f.store.GetMemory(ctx, "team-b", res.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, "handoff", handoff.MemoryType)
	assert.Contains(t, handoff.Content, "from team-a")

	rows, err := f.store.RecentMemories(ctx, "team-b", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "one copy plus the handoff record")
}

func TestShareContextRejectsSameNamespace(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.ShareContext(context.Background(), "team-a", "team-a", "")
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindInvalidInput, se.Kind)
}

func TestStatsAggregatesIndexAndGraph(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Store(ctx, StoreRequest{Content: "counted point"})
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Points)
	assert.Zero(t, st.Entities, "nothing consolidated yet")
}

func TestListNamespacesUnionsTiers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Store(ctx, StoreRequest{Content: "a", Namespace: "team-a"})
	require.NoError(t, err)
	_, err = f.svc.Store(ctx, StoreRequest{Content: "b", Namespace: "team-b"})
	require.NoError(t, err)

	names, err := f.svc.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"team-a", "team-b"}, names)
}

func TestRecordSkillOutcomeReturnsQuality(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	lib := skills.NewLibrary(f.store, f.embedder, 2, slog.Default())
	sk, err := lib.Save(ctx, model.Skill{
		Namespace: "default",
		Name:      "deploy-canary",
		Summary:   "roll out behind a canary",
	})
	require.NoError(t, err)

	quality, err := f.svc.RecordSkillOutcome(ctx, sk.ID, true, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, quality, 1e-6)

	_, err = f.svc.RecordSkillOutcome(ctx, "skill_missing", true, 1)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindNotFound, se.Kind)
}

func TestHealthReportsDegradedEmbedder(t *testing.T) {
	f := newFixture(t, downEmbedder{})

	health := f.svc.Health(context.Background())
	assert.Equal(t, "degraded", health["embedding"])
	assert.Equal(t, "ok", health["vector_index"])
	assert.Equal(t, "ok", health["working_tier"])
}
