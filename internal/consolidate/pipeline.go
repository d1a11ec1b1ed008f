// Package consolidate migrates working-tier conversations into the semantic
// and procedural tiers. One pass runs nine phases in order: snapshot,
// extraction, decay, conflict detection, pruning, skill mining, relational
// vector recompute, backup metadata, and working-tier cleanup. Per-record
// failures are logged and skipped so one bad record never stalls the pass.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/conflicts"
	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/model"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/working"
)

// Stats reports one consolidation pass.
type Stats struct {
	MemoriesProcessed    int           `json:"memoriesProcessed"`
	EntitiesExtracted    int           `json:"entitiesExtracted"`
	RelationshipsCreated int           `json:"relationshipsCreated"`
	ConflictsDetected    int           `json:"conflictsDetected"`
	MemoriesPruned       int           `json:"memoriesPruned"`
	SkillsExtracted      int           `json:"skillsExtracted"`
	DurationMS           int64         `json:"duration_ms"`
}

func (s *Stats) add(other Stats) {
	s.MemoriesProcessed += other.MemoriesProcessed
	s.EntitiesExtracted += other.EntitiesExtracted
	s.RelationshipsCreated += other.RelationshipsCreated
	s.ConflictsDetected += other.ConflictsDetected
	s.MemoriesPruned += other.MemoriesPruned
	s.SkillsExtracted += other.SkillsExtracted
}

// Pipeline owns one consolidation pass over all namespaces.
type Pipeline struct {
	working  *working.Tier
	store    *graph.Store
	detector *conflicts.Detector
	skills   *skills.Library
	embedder embedding.Client
	decay    graph.DecayParams
	// backupRetention is how long backup metadata rows live.
	backupRetention time.Duration
	logger          *slog.Logger
}

// New wires a pipeline. Zero decay params fall back to defaults; zero
// retention means 7 days.
func New(w *working.Tier, store *graph.Store, detector *conflicts.Detector, lib *skills.Library, embedder embedding.Client, decay graph.DecayParams, backupRetention time.Duration, logger *slog.Logger) *Pipeline {
	if decay.BaseDays <= 0 {
		decay = graph.DefaultDecayParams()
	}
	if backupRetention <= 0 {
		backupRetention = 7 * 24 * time.Hour
	}
	return &Pipeline{
		working:         w,
		store:           store,
		detector:        detector,
		skills:          lib,
		embedder:        embedder,
		decay:           decay,
		backupRetention: backupRetention,
		logger:          logger,
	}
}

// Run consolidates every namespace known to either tier.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	start := time.Now()

	namespaces, err := p.allNamespaces(ctx)
	if err != nil {
		return Stats{}, err
	}

	var total Stats
	for _, ns := range namespaces {
		st, err := p.RunNamespace(ctx, ns)
		if err != nil {
			// A broken namespace must not block the others.
			p.logger.Error("consolidation failed for namespace", "namespace", ns, "error", err)
			continue
		}
		total.add(st)
	}

	if _, err := p.store.PruneExpiredBackups(ctx, time.Now()); err != nil {
		p.logger.Warn("backup retention sweep failed", "error", err)
	}

	total.DurationMS = time.Since(start).Milliseconds()
	p.logger.Info("consolidation complete",
		"namespaces", len(namespaces),
		"memories", total.MemoriesProcessed,
		"entities", total.EntitiesExtracted,
		"relationships", total.RelationshipsCreated,
		"conflicts", total.ConflictsDetected,
		"pruned", total.MemoriesPruned,
		"skills", total.SkillsExtracted,
		"duration_ms", total.DurationMS)
	return total, nil
}

func (p *Pipeline) allNamespaces(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	fromWorking, err := p.working.Namespaces(ctx)
	if err != nil {
		p.logger.Warn("working tier namespaces unavailable", "error", err)
	}
	fromGraph, err := p.store.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("consolidate: list namespaces: %w", err)
	}
	for _, ns := range append(fromWorking, fromGraph...) {
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	return out, nil
}

// RunNamespace executes the phases for one namespace.
func (p *Pipeline) RunNamespace(ctx context.Context, namespace string) (Stats, error) {
	var st Stats
	now := time.Now().UTC()

	// Phase 1: snapshot. The ring bounds this to a handful of records;
	// k=0 means the tier's full ring.
	records, err := p.working.Recent(ctx, namespace, 0)
	if err != nil {
		p.logger.Warn("working tier snapshot unavailable", "namespace", namespace, "error", err)
		records = nil
	}

	p.backfillEmbeddings(ctx, namespace)

	// Phase 2: per-record extraction into the graph.
	touched := make(map[uuid.UUID]bool)
	processed := make([]string, 0, len(records))
	for _, rec := range records {
		recStats, entityIDs, err := p.extractRecord(ctx, namespace, rec)
		if err != nil {
			p.logger.Warn("record extraction failed",
				"namespace", namespace, "conversation", rec.ConversationID, "error", err)
			continue
		}
		st.add(recStats)
		st.MemoriesProcessed++
		processed = append(processed, rec.ConversationID)
		for _, id := range entityIDs {
			touched[id] = true
		}
	}

	// Phase 3: decay all relationships.
	if _, err := p.store.DecayRelationships(ctx, namespace, p.decay, now); err != nil {
		return st, err
	}

	// Phase 4: conflicts over touched entities.
	touchedIDs := make([]uuid.UUID, 0, len(touched))
	for id := range touched {
		touchedIDs = append(touchedIDs, id)
	}
	res, err := p.detector.DetectEntities(ctx, namespace, touchedIDs)
	if err != nil {
		return st, err
	}
	st.ConflictsDetected += len(res.New)

	// Phase 5: prune.
	pruned, err := p.store.PruneRelationships(ctx, namespace, p.decay, now)
	if err != nil {
		return st, err
	}
	st.MemoriesPruned += pruned

	// Phase 6: mine skills from positively-received records.
	for _, rec := range records {
		n, err := p.extractSkills(ctx, namespace, rec)
		if err != nil {
			p.logger.Warn("skill extraction failed",
				"namespace", namespace, "conversation", rec.ConversationID, "error", err)
			continue
		}
		st.SkillsExtracted += n
	}

	// Phase 7: fill relational vectors that were waiting on embeddings.
	if _, err := p.skills.RecomputeRelationalVectors(ctx, namespace); err != nil {
		p.logger.Warn("relational vector recompute failed", "namespace", namespace, "error", err)
	}

	// Phase 8: backup metadata.
	if err := p.recordBackup(ctx, namespace, now); err != nil {
		p.logger.Warn("backup metadata write failed", "namespace", namespace, "error", err)
	}

	// Phase 9: drop processed records from the working tier. Records stored
	// mid-pass survive for the next one.
	for _, id := range processed {
		if err := p.working.Delete(ctx, namespace, id); err != nil {
			p.logger.Warn("working tier cleanup failed",
				"namespace", namespace, "conversation", id, "error", err)
		}
	}

	return st, nil
}

// backfillEmbeddings embeds memories and skills stored while the embedding
// service was unreachable.
func (p *Pipeline) backfillEmbeddings(ctx context.Context, namespace string) {
	pending, err := p.store.MemoriesNeedingEmbedding(ctx, namespace, 100)
	if err != nil {
		p.logger.Warn("embedding backfill scan failed", "namespace", namespace, "error", err)
		pending = nil
	}
	for _, m := range pending {
		vec, err := p.embedder.Embed(ctx, m.Content)
		if err != nil {
			// Still down; the flag stays set for the next pass.
			break
		}
		if err := p.store.SetMemoryEmbedding(ctx, namespace, m.ID, vec); err != nil {
			p.logger.Warn("embedding backfill write failed", "memory", m.ID, "error", err)
		}
	}

	if _, err := p.skills.BackfillEmbeddings(ctx, namespace); err != nil {
		p.logger.Warn("skill embedding backfill failed", "namespace", namespace, "error", err)
	}
}

func (p *Pipeline) extractRecord(ctx context.Context, namespace string, rec model.Conversation) (Stats, []uuid.UUID, error) {
	var st Stats

	names := extractEntityNames(rec)
	entities := make([]model.Entity, 0, len(names))
	for _, name := range names {
		e, err := p.store.UpsertEntity(ctx, model.Entity{
			Namespace:  namespace,
			Name:       name,
			Type:       model.EntityConcept,
			Confidence: 0.6,
		})
		if err != nil {
			return st, nil, err
		}
		entities = append(entities, e)
		st.EntitiesExtracted++
	}

	// Co-mentioned entities get a weak typed edge; repetition across
	// conversations reinforces it. The connecting verb, when one is
	// recognizable, types and directs the edge.
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			relType, reversed := relationFor(rec.FullText, entities[i].Name, entities[j].Name)
			src, tgt := entities[i].ID, entities[j].ID
			if reversed {
				src, tgt = tgt, src
			}
			_, created, err := p.store.UpsertRelationship(ctx, model.Relationship{
				Namespace:    namespace,
				SourceID:     src,
				TargetID:     tgt,
				RelationType: relType,
				Strength:     0.5,
				Evidence:     []string{rec.ConversationID},
			})
			if err != nil {
				return st, nil, err
			}
			if created {
				st.RelationshipsCreated++
			}
		}
	}

	entityIDs := make([]uuid.UUID, 0, len(entities)+2)
	for _, e := range entities {
		entityIDs = append(entityIDs, e.ID)
	}

	// Property assertions about the named entities.
	byName := make(map[string]model.Entity, len(entities))
	for _, e := range entities {
		byName[strings.ToLower(e.Name)] = e
	}
	for _, f := range extractFacts(rec.FullText, names) {
		e, ok := byName[strings.ToLower(f.EntityName)]
		if !ok {
			continue
		}
		if _, err := p.store.InsertFact(ctx, model.Fact{
			Namespace:          namespace,
			EntityID:           e.ID,
			Property:           f.Property,
			Value:              f.Value,
			Confidence:         0.7,
			SourceConversation: rec.ConversationID,
		}); err != nil {
			return st, nil, err
		}
	}

	// Preference statements become preference entities with dated facts.
	// A statement phrased as a shift lands on the most recently updated
	// preference entity, so the old and new values collide even when the
	// new wording shares no words with the old one.
	for _, pref := range extractPreferences(rec.FullText) {
		var target model.Entity
		if pref.Shift {
			latest, err := p.store.LatestPreferenceEntity(ctx, namespace)
			switch {
			case err == nil:
				target = latest
			case !errors.Is(err, graph.ErrNotFound):
				return st, nil, err
			}
		}
		if target.ID == uuid.Nil {
			e, err := p.store.UpsertEntity(ctx, model.Entity{
				Namespace:  namespace,
				Name:       preferenceEntityName(pref.Value),
				Type:       model.EntityPreference,
				Confidence: 0.7,
			})
			if err != nil {
				return st, nil, err
			}
			st.EntitiesExtracted++
			target = e
		}
		entityIDs = append(entityIDs, target.ID)

		if _, err := p.store.InsertFact(ctx, model.Fact{
			Namespace:          namespace,
			EntityID:           target.ID,
			Property:           "preference",
			Value:              pref.Value,
			Confidence:         0.7,
			SourceConversation: rec.ConversationID,
		}); err != nil {
			return st, nil, err
		}
	}

	return st, entityIDs, nil
}

// extractSkills mines topic-tagged, positively-received records into the
// skill library and records co-occurrence among the skills of one record.
func (p *Pipeline) extractSkills(ctx context.Context, namespace string, rec model.Conversation) (int, error) {
	if !hasPositiveFeedback(rec) || len(rec.Topics) == 0 {
		return 0, nil
	}

	extracted := 0
	var ids []string
	for _, topic := range rec.Topics {
		name := skillNameFromTopic(topic)
		if name == "" {
			continue
		}
		sk, err := p.skills.Save(ctx, model.Skill{
			Namespace: namespace,
			Name:      name,
			Summary:   summarize(rec.FullText),
			Category:  "learned",
			Triggers:  []string{strings.ToLower(topic)},
		})
		if err != nil {
			return extracted, err
		}
		ids = append(ids, sk.ID)
		if sk.Version == 1 {
			extracted++
		}
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := p.skills.RecordCoOccurrence(ctx, ids[i], ids[j]); err != nil {
				return extracted, err
			}
		}
	}
	return extracted, nil
}

// summarize truncates text to roughly a summary-sized snippet on a word
// boundary.
func summarize(text string) string {
	const maxLen = 200
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return text
	}
	cut := strings.LastIndex(text[:maxLen], " ")
	if cut <= 0 {
		cut = maxLen
	}
	return text[:cut] + "…"
}

func (p *Pipeline) recordBackup(ctx context.Context, namespace string, now time.Time) error {
	counts, err := p.store.StatsFor(ctx, namespace)
	if err != nil {
		return err
	}
	_, err = p.store.RecordBackup(ctx, model.BackupMetadata{
		Namespace:         namespace,
		BackupTimestamp:   now,
		BackupType:        model.BackupConsolidation,
		Status:            "completed",
		MemoryCount:       counts.Memories,
		EntityCount:       counts.Entities,
		RelationshipCount: counts.Relationships,
		ExpiresAt:         now.Add(p.backupRetention),
	})
	return err
}
