package skills

import (
	"context"
	"sort"
	"strings"

	"github.com/vesper-ai/vesper/internal/model"
)

// rrfK is the standard reciprocal-rank-fusion constant.
const rrfK = 60

// ScoredSkill pairs a skill with a search score. For embedding search the
// score is cosine similarity; for hybrid search it is the RRF sum.
type ScoredSkill struct {
	Skill model.Skill
	Score float32
}

// SearchByEmbedding ranks active skills by cosine similarity to the query.
// Skills without an embedding are skipped.
func (l *Library) SearchByEmbedding(ctx context.Context, namespace, query string, limit int) ([]ScoredSkill, error) {
	if limit <= 0 {
		limit = 10
	}
	queryVec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	all, err := l.store.ListSkills(ctx, namespace, "")
	if err != nil {
		return nil, err
	}

	out := make([]ScoredSkill, 0, len(all))
	for _, sk := range all {
		if len(sk.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredSkill{Skill: sk, Score: model.Cosine(queryVec, sk.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HybridSearch fuses trigger-substring matches with embedding matches via
// reciprocal rank fusion. A skill found by both lists outranks one found by
// either alone.
func (l *Library) HybridSearch(ctx context.Context, namespace, query string, limit int) ([]ScoredSkill, error) {
	if limit <= 0 {
		limit = 10
	}

	all, err := l.store.ListSkills(ctx, namespace, "")
	if err != nil {
		return nil, err
	}
	triggerRanked := triggerMatches(query, all)

	embRanked, err := l.SearchByEmbedding(ctx, namespace, query, len(all))
	if err != nil {
		// Trigger matching still works while the embedder is down.
		l.logger.Warn("hybrid search falling back to triggers", "error", err)
		embRanked = nil
	}

	fused := make(map[string]*ScoredSkill)
	accumulate := func(ranked []ScoredSkill) {
		for rank, cand := range ranked {
			entry, ok := fused[cand.Skill.ID]
			if !ok {
				sk := cand.Skill
				entry = &ScoredSkill{Skill: sk}
				fused[sk.ID] = entry
			}
			entry.Score += 1.0 / float32(rrfK+rank+1)
		}
	}
	accumulate(triggerRanked)
	accumulate(embRanked)

	out := make([]ScoredSkill, 0, len(fused))
	for _, entry := range fused {
		out = append(out, *entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Skill.ID < out[j].Skill.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// triggerMatches ranks skills whose triggers appear in the query, longest
// matched trigger first.
func triggerMatches(query string, all []model.Skill) []ScoredSkill {
	lower := strings.ToLower(query)
	type match struct {
		skill      model.Skill
		triggerLen int
	}
	var matches []match
	for _, sk := range all {
		best := 0
		for _, trig := range sk.Triggers {
			t := strings.ToLower(strings.TrimSpace(trig))
			if t != "" && strings.Contains(lower, t) && len(t) > best {
				best = len(t)
			}
		}
		if best > 0 {
			matches = append(matches, match{skill: sk, triggerLen: best})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].triggerLen > matches[j].triggerLen })

	out := make([]ScoredSkill, 0, len(matches))
	for _, m := range matches {
		out = append(out, ScoredSkill{Skill: m.skill, Score: float32(m.triggerLen)})
	}
	return out
}

// AnalogicalSearch answers "A is to B as C is to ?" by translating C's
// embedding along the A→B relational vector and returning the nearest
// skill by cosine, excluding A, B, and C. It requires the A-B pair's
// relational vector to be materialized and C to have an embedding;
// otherwise it returns an empty slice.
func (l *Library) AnalogicalSearch(ctx context.Context, namespace, idA, idB, idC string, limit int) ([]ScoredSkill, error) {
	if limit <= 0 {
		limit = 3
	}

	rel, err := l.store.GetSkillRelationship(ctx, idA, idB)
	if err != nil || rel.RelationalVector == nil {
		return nil, nil
	}
	// The stored vector is emb(pair2) - emb(pair1) in canonical id order;
	// flip it when the caller's A is the canonically-second skill.
	a, _ := model.CanonicalSkillPair(idA, idB)
	direction := rel.RelationalVector
	if a != idA {
		zero := make([]float32, len(direction))
		direction = model.Sub(zero, direction)
	}

	c, err := l.store.GetSkill(ctx, idC)
	if err != nil || len(c.Embedding) == 0 {
		return nil, nil
	}
	target := model.Normalize(model.Add(c.Embedding, direction))

	all, err := l.store.ListSkills(ctx, namespace, "")
	if err != nil {
		return nil, err
	}
	exclude := map[string]bool{idA: true, idB: true, idC: true}

	var out []ScoredSkill
	for _, sk := range all {
		if exclude[sk.ID] || len(sk.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredSkill{Skill: sk, Score: model.Cosine(target, sk.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
