package consolidate

import (
	"context"
	"log/slog"
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
	"github.com/vesper-ai/vesper/internal/model"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/working"
	"github.com/vesper-ai/vesper/migrations"
)

type fixture struct {
	pipeline *Pipeline
	store    *graph.Store
	tier     *working.Tier
	lib      *skills.Library
	embedder embedding.Client
}

func newFixture(t *testing.T) *fixture {
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
	detector := conflicts.NewDetector(store, logger)

	return &fixture{
		pipeline: New(tier, store, detector, lib, embedder, graph.DefaultDecayParams(), 7*24*time.Hour, logger),
		store:    store,
		tier:     tier,
		lib:      lib,
		embedder: embedder,
	}
}

func (f *fixture) storeRecord(t *testing.T, rec model.Conversation) {
	t.Helper()
	if rec.Namespace == "" {
		rec.Namespace = "default"
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	vec, err := f.embedder.Embed(context.Background(), rec.FullText)
	require.NoError(t, err)
	rec.Embedding = vec
	require.NoError(t, f.tier.Store(context.Background(), rec))
}

func TestRunMigratesWorkingIntoGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1",
		FullText:       "David lives in San Francisco. He is pairing with Maya on Phoenix",
		KeyEntities:    []string{"David", "Maya", "Phoenix"},
	})

	st, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.MemoriesProcessed)
	assert.Equal(t, 3, st.EntitiesExtracted)
	assert.Equal(t, 3, st.RelationshipsCreated, "three co-mention pairs")

	// Entities landed in the graph.
	david, err := f.store.GetEntityByName(ctx, "default", "David")
	require.NoError(t, err)
	facts, err := f.store.FactsFor(ctx, david.ID, "location")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "San Francisco", facts[0].Value)
	assert.Equal(t, "c1", facts[0].SourceConversation)

	// The processed record left the working tier.
	recent, err := f.tier.Recent(ctx, "default", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	// Backup metadata was emitted.
	backups, err := f.store.ListBackups(ctx, "default")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, model.BackupConsolidation, backups[0].BackupType)
	assert.Equal(t, 3, backups[0].EntityCount)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1",
		FullText:       "Phoenix uses Kafka for ingestion",
		KeyEntities:    []string{"Phoenix", "Kafka"},
	})

	first, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.MemoriesProcessed)

	second, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.MemoriesProcessed, "processed records are gone")
	assert.Zero(t, second.EntitiesExtracted)
	assert.Zero(t, second.RelationshipsCreated)
	assert.Zero(t, second.ConflictsDetected)

	entities, err := f.store.ListEntities(ctx, "default", "")
	require.NoError(t, err)
	assert.Len(t, entities, 2, "re-running creates nothing")
}

func TestPreferenceShiftAcrossPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1",
		FullText:       "I prefer dark roast coffee",
	})
	first, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, first.ConflictsDetected, "a single preference cannot conflict")

	f.storeRecord(t, model.Conversation{
		ConversationID: "c2",
		FullText:       "Actually I prefer light roast coffee",
	})
	second, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.ConflictsDetected)

	open, err := f.store.OpenConflicts(ctx, "default")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.ConflictPreferenceShift, open[0].Type)

	// Both preference facts survive; neither value was rewritten.
	pref, err := f.store.GetEntityByName(ctx, "default", "prefers coffee")
	require.NoError(t, err)
	facts, err := f.store.FactsFor(ctx, pref.ID, "preference")
	require.NoError(t, err)
	require.Len(t, facts, 2)
}

// A shift phrased around a brand-new topic must still collide with the
// earlier preference instead of opening an unrelated entity.
func TestPreferenceShiftToNewTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1",
		FullText:       "I prefer TypeScript over JavaScript",
	})
	_, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	f.storeRecord(t, model.Conversation{
		ConversationID: "c2",
		FullText:       "I now prefer Rust",
	})
	second, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.ConflictsDetected)

	open, err := f.store.OpenConflicts(ctx, "default")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.ConflictPreferenceShift, open[0].Type)

	// Both statements landed on the entity the first one created.
	pref, err := f.store.GetEntityByName(ctx, "default", "prefers javascript")
	require.NoError(t, err)
	facts, err := f.store.FactsFor(ctx, pref.ID, "preference")
	require.NoError(t, err)
	require.Len(t, facts, 2)
}

func TestRelationTypeFromConnectingVerb(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1",
		FullText:       "Phoenix uses Kafka for ingestion. MCP stands for Model Context Protocol",
		KeyEntities:    []string{"Phoenix", "Kafka", "MCP", "Model Context Protocol"},
	})

	_, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	entities, err := f.store.ListEntities(ctx, "default", "")
	require.NoError(t, err)
	names := make(map[uuid.UUID]string, len(entities))
	for _, e := range entities {
		names[e.ID] = e.Name
	}

	rels, err := f.store.Relationships(ctx, "default")
	require.NoError(t, err)
	typed := make(map[string]string, len(rels))
	for _, r := range rels {
		typed[names[r.SourceID]+" "+names[r.TargetID]] = r.RelationType
	}

	assert.Equal(t, "uses", typed["Phoenix Kafka"])
	assert.Equal(t, "expands_to", typed["MCP Model Context Protocol"])
	assert.Equal(t, "related_to", typed["Phoenix MCP"], "pairs split by a sentence boundary stay untyped")
}

func TestSkillExtractionFromPositiveFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1",
		FullText:       "That worked perfectly, the rollout finished clean",
		Topics:         []string{"canary rollout", "smoke tests"},
	})

	st, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.SkillsExtracted)

	rollout, err := f.store.GetSkillByName(ctx, "default", "canary-rollout")
	require.NoError(t, err)
	assert.Equal(t, "learned", rollout.Category)
	assert.Contains(t, rollout.Triggers, "canary rollout")

	smoke, err := f.store.GetSkillByName(ctx, "default", "smoke-tests")
	require.NoError(t, err)

	// Co-occurrence was recorded for the pair.
	rel, err := f.store.GetSkillRelationship(ctx, rollout.ID, smoke.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.CoOccurrenceCount)
}

func TestNegativeFeedbackExtractsNoSkills(t *testing.T) {
	f := newFixture(t)

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1",
		FullText:       "That broke production again",
		Topics:         []string{"canary rollout"},
	})

	st, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.SkillsExtracted)
}

func TestEmbeddingBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.InsertMemory(ctx, graph.MemoryRecord{
		ID: "m1", Namespace: "default",
		Content: "stored while the embedder was down", NeedsEmbedding: true,
	}))

	_, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	got, err := f.store.GetMemory(ctx, "default", "m1")
	require.NoError(t, err)
	assert.False(t, got.NeedsEmbedding)
	assert.NotEmpty(t, got.Embedding)
}

func TestSkillEmbeddingBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Written straight to the store, the way a skill lands when the
	// embedder is down at save time.
	sk, err := f.store.UpsertSkill(ctx, model.Skill{Namespace: "default", Name: "bare", Summary: "s"})
	require.NoError(t, err)
	require.Empty(t, sk.Embedding)

	_, err = f.pipeline.Run(ctx)
	require.NoError(t, err)

	got, err := f.store.GetSkill(ctx, sk.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Embedding, "consolidation fills vectors for skills saved without one")
}

func TestNamespaceIsolationDuringConsolidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.storeRecord(t, model.Conversation{
		ConversationID: "c1", Namespace: "team-a",
		FullText: "Phoenix uses Kafka", KeyEntities: []string{"Phoenix", "Kafka"},
	})
	f.storeRecord(t, model.Conversation{
		ConversationID: "c2", Namespace: "team-b",
		FullText: "Atlas uses Postgres", KeyEntities: []string{"Atlas", "Postgres"},
	})

	_, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	teamA, err := f.store.ListEntities(ctx, "team-a", "")
	require.NoError(t, err)
	require.Len(t, teamA, 2)
	for _, e := range teamA {
		assert.NotContains(t, []string{"Atlas", "Postgres"}, e.Name)
	}
}
