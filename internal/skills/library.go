// Package skills implements the procedural tier: lazy skill listing ranked
// by outcome quality, invocation detection over query strings, and
// embedding-based search including analogical lookup over relational
// vectors.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/model"
)

// ErrNotFound mirrors the store's sentinel at the library surface.
var ErrNotFound = errors.New("skills: not found")

// DefaultCoOccurrenceThreshold gates relational-vector materialization.
const DefaultCoOccurrenceThreshold = 2

// Library fronts the skill tables with ranking, detection, and search.
type Library struct {
	store                 *graph.Store
	embedder              embedding.Client
	coOccurrenceThreshold int
	logger                *slog.Logger
}

// NewLibrary wires the library. threshold <= 0 uses the default.
func NewLibrary(store *graph.Store, embedder embedding.Client, threshold int, logger *slog.Logger) *Library {
	if threshold <= 0 {
		threshold = DefaultCoOccurrenceThreshold
	}
	return &Library{
		store:                 store,
		embedder:              embedder,
		coOccurrenceThreshold: threshold,
		logger:                logger,
	}
}

// embeddingText is the canonical text a skill's vector is derived from.
func embeddingText(sk model.Skill) string {
	return strings.Join([]string{sk.Name, sk.Description, sk.Category, strings.Join(sk.Triggers, " ")}, " | ")
}

// Save upserts a skill, computing its embedding when the embedder is
// reachable. A skill saved while embedding is down simply has no vector
// until the next save or consolidation pass.
func (l *Library) Save(ctx context.Context, sk model.Skill) (model.Skill, error) {
	if len(sk.Embedding) == 0 {
		vec, err := l.embedder.Embed(ctx, embeddingText(sk))
		if err != nil {
			l.logger.Warn("skill embedding unavailable", "skill", sk.Name, "error", err)
		} else {
			sk.Embedding = vec
		}
	}
	return l.store.UpsertSkill(ctx, sk)
}

// BackfillEmbeddings embeds skills that were saved while the embedding
// service was unreachable and returns how many vectors were written. An
// embedder that is still down stops the scan; the remaining skills wait
// for the next pass.
func (l *Library) BackfillEmbeddings(ctx context.Context, namespace string) (int, error) {
	all, err := l.store.ListSkills(ctx, namespace, "")
	if err != nil {
		return 0, err
	}

	written := 0
	for _, sk := range all {
		if len(sk.Embedding) > 0 {
			continue
		}
		vec, err := l.embedder.Embed(ctx, embeddingText(sk))
		if err != nil {
			return written, nil
		}
		if err := l.store.SetSkillEmbedding(ctx, sk.ID, vec); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// Summaries returns lightweight rows ranked by quality_score DESC, then
// satisfaction, then success count.
func (l *Library) Summaries(ctx context.Context, namespace, category string, limit int) ([]model.SkillSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	all, err := l.store.ListSkills(ctx, namespace, category)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		qi, qj := all[i].QualityScore(), all[j].QualityScore()
		if qi != qj {
			return qi > qj
		}
		if all[i].AvgUserSatisfaction != all[j].AvgUserSatisfaction {
			return all[i].AvgUserSatisfaction > all[j].AvgUserSatisfaction
		}
		return all[i].SuccessCount > all[j].SuccessCount
	})
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]model.SkillSummary, 0, len(all))
	for _, sk := range all {
		out = append(out, model.SkillSummary{
			ID:           sk.ID,
			Name:         sk.Name,
			Summary:      sk.Summary,
			Category:     sk.Category,
			Triggers:     sk.Triggers,
			QualityScore: sk.QualityScore(),
		})
	}
	return out, nil
}

// LoadFull returns the complete skill record, including code and the
// derived usage edges from the co-occurrence graph.
func (l *Library) LoadFull(ctx context.Context, id string) (model.Skill, error) {
	sk, err := l.store.GetSkill(ctx, id)
	if errors.Is(err, graph.ErrNotFound) {
		return model.Skill{}, fmt.Errorf("%w: skill %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Skill{}, err
	}

	rels, err := l.store.SkillRelationshipsFor(ctx, id)
	if err != nil {
		return model.Skill{}, err
	}
	for _, rel := range rels {
		other := rel.SkillID1
		if other == id {
			other = rel.SkillID2
		}
		sk.UsesSkills = append(sk.UsesSkills, other)
	}
	return sk, nil
}

// RecordSuccess folds a successful invocation into the counters. A zero
// satisfaction leaves the running average untouched.
func (l *Library) RecordSuccess(ctx context.Context, id string, satisfaction float32) (model.Skill, error) {
	return l.recordOutcome(ctx, id, true, satisfaction)
}

// RecordFailure folds a failed invocation into the counters.
func (l *Library) RecordFailure(ctx context.Context, id string) (model.Skill, error) {
	return l.recordOutcome(ctx, id, false, 0)
}

func (l *Library) recordOutcome(ctx context.Context, id string, success bool, satisfaction float32) (model.Skill, error) {
	sk, err := l.store.RecordSkillOutcome(ctx, id, success, satisfaction)
	if errors.Is(err, graph.ErrNotFound) {
		return model.Skill{}, fmt.Errorf("%w: skill %s", ErrNotFound, id)
	}
	return sk, err
}

// RecordCoOccurrence notes that two skills fired together and materializes
// the pair's relational vector once the count crosses the threshold.
func (l *Library) RecordCoOccurrence(ctx context.Context, id1, id2 string) error {
	rel, err := l.store.BumpSkillCoOccurrence(ctx, id1, id2)
	if err != nil {
		return err
	}
	if rel.CoOccurrenceCount < l.coOccurrenceThreshold || rel.RelationalVector != nil {
		return nil
	}
	return l.materializeRelationalVector(ctx, rel)
}

func (l *Library) materializeRelationalVector(ctx context.Context, rel model.SkillRelationship) error {
	s1, err := l.store.GetSkill(ctx, rel.SkillID1)
	if err != nil {
		return err
	}
	s2, err := l.store.GetSkill(ctx, rel.SkillID2)
	if err != nil {
		return err
	}
	if len(s1.Embedding) == 0 || len(s2.Embedding) == 0 {
		// Left for the consolidation recompute pass once embeddings exist.
		return nil
	}
	vec := model.Sub(s2.Embedding, s1.Embedding)
	return l.store.SetRelationalVector(ctx, rel.SkillID1, rel.SkillID2, vec)
}

// RecomputeRelationalVectors fills in relational vectors for pairs that
// crossed the threshold while an embedding was missing. Returns how many
// vectors were written.
func (l *Library) RecomputeRelationalVectors(ctx context.Context, namespace string) (int, error) {
	all, err := l.store.ListSkills(ctx, namespace, "")
	if err != nil {
		return 0, err
	}

	written := 0
	seen := make(map[string]bool)
	for _, sk := range all {
		rels, err := l.store.SkillRelationshipsFor(ctx, sk.ID)
		if err != nil {
			return written, err
		}
		for _, rel := range rels {
			key := rel.SkillID1 + "\x00" + rel.SkillID2
			if seen[key] {
				continue
			}
			seen[key] = true
			if rel.CoOccurrenceCount < l.coOccurrenceThreshold || rel.RelationalVector != nil {
				continue
			}
			if err := l.materializeRelationalVector(ctx, rel); err != nil {
				return written, err
			}
			updated, err := l.store.GetSkillRelationship(ctx, rel.SkillID1, rel.SkillID2)
			if err != nil {
				return written, err
			}
			if updated.RelationalVector != nil {
				written++
			}
		}
	}
	return written, nil
}
