package graph

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesper-ai/vesper/internal/model"
	"github.com/vesper-ai/vesper/migrations"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.RunMigrations(context.Background(), migrations.FS))
	return s
}

func mustEntity(t *testing.T, s *Store, ns, name string, typ model.EntityType) model.Entity {
	t.Helper()
	e, err := s.UpsertEntity(context.Background(), model.Entity{
		Namespace: ns, Name: name, Type: typ, Confidence: 0.8,
	})
	require.NoError(t, err)
	return e
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RunMigrations(context.Background(), migrations.FS), "second run is a no-op")
}

func TestUpsertEntityIsStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertEntity(ctx, model.Entity{
		Namespace: "default", Name: "David", Type: model.EntityPerson, Confidence: 0.6,
	})
	require.NoError(t, err)

	second, err := s.UpsertEntity(ctx, model.Entity{
		Namespace: "default", Name: "David", Type: model.EntityPerson,
		Description: "the user", Confidence: 0.9,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same (namespace, type, name) keeps its id")
	assert.Equal(t, "the user", second.Description)
	assert.InDelta(t, 0.9, second.Confidence, 1e-6, "confidence only moves up")
}

func TestUpsertEntityRejectsBadType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertEntity(context.Background(), model.Entity{Name: "x", Type: "robot"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetEntityByNameTouchesAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEntity(t, s, "default", "Phoenix", model.EntityProject)

	got, err := s.GetEntityByName(ctx, "default", "phoenix")
	require.NoError(t, err, "lookup is case-insensitive")
	assert.Equal(t, 1, got.AccessCount)

	_, err = s.GetEntityByName(ctx, "default", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelationshipReinforcement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	david := mustEntity(t, s, "default", "David", model.EntityPerson)
	phoenix := mustEntity(t, s, "default", "Phoenix", model.EntityProject)

	edge := model.Relationship{
		Namespace: "default", SourceID: david.ID, TargetID: phoenix.ID,
		RelationType: "works_on", Strength: 0.5, Evidence: []string{"conv-1"},
	}
	first, created, err := s.UpsertRelationship(ctx, edge)
	require.NoError(t, err)
	assert.True(t, created)
	assert.InDelta(t, 0.5, first.Strength, 1e-6)

	edge.Evidence = []string{"conv-2"}
	second, created, err := s.UpsertRelationship(ctx, edge)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, 0.7, second.Strength, 1e-6, "reobservation adds 0.2")
	assert.ElementsMatch(t, []string{"conv-1", "conv-2"}, second.Evidence)

	for i := 0; i < 5; i++ {
		second, _, err = s.UpsertRelationship(ctx, edge)
		require.NoError(t, err)
	}
	assert.InDelta(t, 1.0, second.Strength, 1e-6, "strength caps at 1.0")
}

func TestRelationshipRejectsSelfEdge(t *testing.T) {
	s := newTestStore(t)
	e := mustEntity(t, s, "default", "Solo", model.EntityConcept)
	_, _, err := s.UpsertRelationship(context.Background(), model.Relationship{
		SourceID: e.ID, TargetID: e.ID, RelationType: "related_to",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFactValidityWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := mustEntity(t, s, "default", "David", model.EntityPerson)

	old, err := s.InsertFact(ctx, model.Fact{
		EntityID: e.ID, Property: "location", Value: "San Francisco", Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.True(t, old.OpenEnded())

	require.NoError(t, s.CloseFactValidity(ctx, old.ID, time.Now().UTC()))

	got, err := s.GetFact(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, got.OpenEnded(), "superseded fact keeps its row with a closed window")
	assert.Equal(t, "San Francisco", got.Value, "value is never rewritten")

	err = s.CloseFactValidity(ctx, old.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound, "already-closed facts are left alone")
}

func TestRecordConflictIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := mustEntity(t, s, "default", "David", model.EntityPerson)

	f1, err := s.InsertFact(ctx, model.Fact{EntityID: e.ID, Property: "location", Value: "SF"})
	require.NoError(t, err)
	f2, err := s.InsertFact(ctx, model.Fact{EntityID: e.ID, Property: "location", Value: "NYC"})
	require.NoError(t, err)

	c1, created, err := s.RecordConflict(ctx, model.Conflict{
		FactID1: f1.ID, FactID2: f2.ID, Type: model.ConflictTemporal,
		Description: "location changed", Severity: model.SeverityMedium,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.ResolutionOpen, c1.ResolutionStatus)

	// Swapped order maps to the same canonical pair.
	c2, created, err := s.RecordConflict(ctx, model.Conflict{
		FactID1: f2.ID, FactID2: f1.ID, Type: model.ConflictTemporal,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)

	open, err := s.OpenConflicts(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, s.SetConflictResolution(ctx, c1.ID, model.ResolutionAcknowledged))
	open, err = s.OpenConflicts(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMemoryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	vec := make([]float32, model.EmbeddingDims)
	vec[0] = 1
	require.NoError(t, s.InsertMemory(ctx, MemoryRecord{
		ID: "conv-1", Namespace: "default", Content: "hello", Embedding: vec,
	}))

	err := s.InsertMemory(ctx, MemoryRecord{ID: "conv-1", Namespace: "default", Content: "dup"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetMemory(ctx, "default", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.InDelta(t, 1.0, got.DecayRate, 1e-9)
	assert.Len(t, got.Embedding, model.EmbeddingDims)

	require.NoError(t, s.DeleteMemory(ctx, "default", "conv-1"))
	_, err = s.GetMemory(ctx, "default", "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEmbeddingBackfill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMemory(ctx, MemoryRecord{
		ID: "conv-1", Namespace: "default", Content: "stored while embedder was down",
		NeedsEmbedding: true,
	}))

	pending, err := s.MemoriesNeedingEmbedding(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].Embedding)

	vec := make([]float32, model.EmbeddingDims)
	vec[1] = 1
	require.NoError(t, s.SetMemoryEmbedding(ctx, "default", "conv-1", vec))

	pending, err = s.MemoriesNeedingEmbedding(ctx, "default", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := s.GetMemory(ctx, "default", "conv-1")
	require.NoError(t, err)
	assert.False(t, got.NeedsEmbedding)
	assert.Len(t, got.Embedding, model.EmbeddingDims)
}

func TestSkillOutcomeCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sk, err := s.UpsertSkill(ctx, model.Skill{
		Namespace: "default", Name: "deploy-checklist",
		Summary: "Pre-deploy verification steps", Category: "ops",
		Triggers: []string{"deploy", "release"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sk.Version)
	assert.InDelta(t, 0, sk.QualityScore(), 1e-6, "untested and unrated")

	sk, err = s.RecordSkillOutcome(ctx, sk.ID, true, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 1, sk.SuccessCount)
	assert.InDelta(t, 0.8, sk.AvgUserSatisfaction, 1e-6)
	require.NotNil(t, sk.LastUsed)

	sk, err = s.RecordSkillOutcome(ctx, sk.ID, false, 0.4)
	require.NoError(t, err)
	assert.Equal(t, 1, sk.FailureCount)
	assert.InDelta(t, 0.6, sk.AvgUserSatisfaction, 1e-6, "running average")
	assert.InDelta(t, 0.3, sk.QualityScore(), 1e-6, "0.6 satisfaction at 50% success")

	_, err = s.RecordSkillOutcome(ctx, "no-such-skill", true, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSkillReplaceKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sk, err := s.UpsertSkill(ctx, model.Skill{Namespace: "default", Name: "triage", Summary: "v1"})
	require.NoError(t, err)
	_, err = s.RecordSkillOutcome(ctx, sk.ID, true, 0.9)
	require.NoError(t, err)

	replaced, err := s.UpsertSkill(ctx, model.Skill{Namespace: "default", Name: "triage", Summary: "v2"})
	require.NoError(t, err)
	assert.Equal(t, sk.ID, replaced.ID)
	assert.Equal(t, 2, replaced.Version)
	assert.Equal(t, "v2", replaced.Summary)
	assert.Equal(t, 1, replaced.SuccessCount, "counters survive replacement")
}

func TestSkillArchiveHidesFromListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sk, err := s.UpsertSkill(ctx, model.Skill{Namespace: "default", Name: "old-skill", Summary: "x"})
	require.NoError(t, err)
	require.NoError(t, s.SetSkillArchived(ctx, sk.ID, true))

	listed, err := s.ListSkills(ctx, "default", "")
	require.NoError(t, err)
	assert.Empty(t, listed)

	got, err := s.GetSkill(ctx, sk.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived, "row survives archival")
}

func TestSkillCoOccurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertSkill(ctx, model.Skill{Namespace: "default", Name: "a", Summary: "a"})
	require.NoError(t, err)
	b, err := s.UpsertSkill(ctx, model.Skill{Namespace: "default", Name: "b", Summary: "b"})
	require.NoError(t, err)

	rel, err := s.BumpSkillCoOccurrence(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.CoOccurrenceCount)

	// Reversed argument order hits the same canonical row.
	rel, err = s.BumpSkillCoOccurrence(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rel.CoOccurrenceCount)
	assert.Nil(t, rel.RelationalVector)

	vec := make([]float32, model.EmbeddingDims)
	vec[2] = 1
	require.NoError(t, s.SetRelationalVector(ctx, a.ID, b.ID, vec))

	rel, err = s.GetSkillRelationship(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.Len(t, rel.RelationalVector, model.EmbeddingDims)
}

func TestBackupRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := s.RecordBackup(ctx, model.BackupMetadata{
		Namespace: "default", BackupTimestamp: now.AddDate(0, 0, -10),
		ExpiresAt: now.AddDate(0, 0, -3), MemoryCount: 5,
	})
	require.NoError(t, err)
	_, err = s.RecordBackup(ctx, model.BackupMetadata{
		Namespace: "default", BackupTimestamp: now, MemoryCount: 7,
	})
	require.NoError(t, err)

	pruned, err := s.PruneExpiredBackups(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	remaining, err := s.ListBackups(ctx, "default")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 7, remaining[0].MemoryCount)
}

func TestNamespaceStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := mustEntity(t, s, "team-a", "David", model.EntityPerson)
	_, err := s.InsertFact(ctx, model.Fact{EntityID: e.ID, Namespace: "team-a", Property: "role", Value: "engineer"})
	require.NoError(t, err)
	require.NoError(t, s.InsertMemory(ctx, MemoryRecord{ID: "m1", Namespace: "team-a", Content: "x"}))
	mustEntity(t, s, "team-b", "Other", model.EntityPerson)

	st, err := s.StatsFor(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Memories)
	assert.Equal(t, 1, st.Entities)
	assert.Equal(t, 1, st.Facts)
	assert.Equal(t, 0, st.OpenConflicts)

	names, err := s.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "team-b"}, names)
}

func TestPreferenceQueryRanksFreshFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldPref := mustEntity(t, s, "default", "prefers dark roast coffee", model.EntityPreference)
	newPref := mustEntity(t, s, "default", "prefers oat milk lattes", model.EntityPreference)

	past := time.Now().UTC().AddDate(0, 0, -60)
	_, err := s.InsertFact(ctx, model.Fact{
		EntityID: oldPref.ID, Property: "preference", Value: "dark roast coffee", CreatedAt: past,
	})
	require.NoError(t, err)
	_, err = s.InsertFact(ctx, model.Fact{
		EntityID: newPref.ID, Property: "preference", Value: "oat milk lattes coffee",
	})
	require.NoError(t, err)

	ranked, err := s.PreferenceQuery(ctx, "default", "coffee", 30, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, newPref.ID, ranked[0].Entity.ID, "recent preference outranks the stale one")
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}
