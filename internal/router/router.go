package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/index"
	"github.com/vesper-ai/vesper/internal/model"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/working"
)

// FastPathThreshold is the working-tier similarity above which the router
// answers without consulting the deeper tiers.
const FastPathThreshold = 0.85

// temporalWindow bounds the fact scan for temporal queries.
const temporalWindow = 14 * 24 * time.Hour

// Response is a routed retrieval answer with provenance.
type Response struct {
	Results []model.RetrievalResult `json:"results"`
	// Route is the classified query type, or "working_fast_path" when the
	// working tier answered directly.
	Route string `json:"route"`
}

// Router dispatches queries across the three tiers.
type Router struct {
	working  *working.Tier
	store    *graph.Store
	skills   *skills.Library
	idx      index.Index
	embedder embedding.Client
	// decayBaseDays feeds recency discounting on preference and fact
	// ranking.
	decayBaseDays float64
	logger        *slog.Logger
}

// New wires a router. decayBaseDays <= 0 defaults to 30.
func New(w *working.Tier, store *graph.Store, lib *skills.Library, idx index.Index, embedder embedding.Client, decayBaseDays float64, logger *slog.Logger) *Router {
	if decayBaseDays <= 0 {
		decayBaseDays = 30
	}
	return &Router{
		working:       w,
		store:         store,
		skills:        lib,
		idx:           idx,
		embedder:      embedder,
		decayBaseDays: decayBaseDays,
		logger:        logger,
	}
}

// Retrieve classifies the query, probes the working tier, and falls through
// to the per-type strategy. Results are deduplicated by id keeping the
// highest score.
func (r *Router) Retrieve(ctx context.Context, namespace, query string, maxResults int) (Response, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	qt := Classify(query)

	// The working tier is always probed first. A near-exact hit short
	// circuits everything else.
	workingResults, err := r.working.Search(ctx, namespace, query, maxResults)
	if err != nil {
		r.logger.Warn("working tier probe failed", "error", err)
		workingResults = nil
	}
	if len(workingResults) > 0 && workingResults[0].Similarity >= FastPathThreshold {
		return Response{
			Results: conversationResults(workingResults, maxResults),
			Route:   "working_fast_path",
		}, nil
	}

	var results []model.RetrievalResult
	switch qt {
	case QueryPreference:
		results, err = r.preferenceLookup(ctx, namespace, query, maxResults)
	case QueryFactual:
		results, err = r.factualLookup(ctx, namespace, query, maxResults)
	case QueryProject:
		results, err = r.multiHopLookup(ctx, namespace, query, maxResults)
	case QueryTemporal:
		results, err = r.temporalScan(ctx, namespace, query, maxResults)
	case QuerySkill:
		results, err = r.skillLookup(ctx, namespace, query, maxResults)
	default:
		results, err = r.hybridSearch(ctx, namespace, query, maxResults)
	}
	if err != nil {
		return Response{}, err
	}

	// Working-tier partial matches still contribute below the fast path.
	merged := merge(append(conversationResults(workingResults, maxResults), results...))
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}
	return Response{Results: merged, Route: string(qt)}, nil
}

func conversationResults(scored []model.ScoredConversation, limit int) []model.RetrievalResult {
	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]model.RetrievalResult, 0, len(scored))
	for _, sc := range scored {
		out = append(out, model.RetrievalResult{
			ID:        sc.Conversation.ConversationID,
			Content:   sc.Conversation.FullText,
			Score:     sc.Similarity,
			Source:    model.SourceWorking,
			Timestamp: sc.Conversation.Timestamp,
		})
	}
	return out
}

// merge deduplicates by id, keeping the row with the highest score so
// provenance follows the strongest evidence.
func merge(rows []model.RetrievalResult) []model.RetrievalResult {
	best := make(map[string]model.RetrievalResult, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		existing, ok := best[row.ID]
		if !ok {
			best[row.ID] = row
			order = append(order, row.ID)
			continue
		}
		if row.Score > existing.Score {
			best[row.ID] = row
		}
	}
	out := make([]model.RetrievalResult, 0, len(best))
	for _, id := range order {
		out = append(out, best[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (r *Router) preferenceLookup(ctx context.Context, namespace, query string, limit int) ([]model.RetrievalResult, error) {
	var out []model.RetrievalResult
	for _, kw := range keywords(query) {
		ranked, err := r.store.PreferenceQuery(ctx, namespace, kw, r.decayBaseDays, limit)
		if err != nil {
			return nil, err
		}
		for _, se := range ranked {
			out = append(out, model.RetrievalResult{
				ID:        se.Entity.ID.String(),
				Content:   preferenceContent(se.Entity),
				Score:     se.Score,
				Source:    model.SourceSemantic,
				Timestamp: se.Entity.LastAccessed,
			})
		}
	}
	return merge(out), nil
}

func preferenceContent(e model.Entity) string {
	if e.Description != "" {
		return e.Name + ": " + e.Description
	}
	return e.Name
}

func (r *Router) factualLookup(ctx context.Context, namespace, query string, limit int) ([]model.RetrievalResult, error) {
	seeds, err := r.matchEntities(ctx, namespace, query)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return r.hybridSearch(ctx, namespace, query, limit)
	}

	now := time.Now().UTC()
	var out []model.RetrievalResult
	for _, e := range seeds {
		if err := r.store.TouchEntity(ctx, e.ID); err != nil {
			r.logger.Warn("touch entity failed", "entity", e.ID, "error", err)
		}
		facts, err := r.store.FactsFor(ctx, e.ID, "")
		if err != nil {
			return nil, err
		}
		for _, f := range facts {
			out = append(out, model.RetrievalResult{
				ID:        f.ID.String(),
				Content:   fmt.Sprintf("%s %s: %s", e.Name, f.Property, f.Value),
				Score:     float32(factScore(f, now, r.decayBaseDays)),
				Source:    model.SourceSemantic,
				Timestamp: f.CreatedAt,
			})
		}
	}
	out = merge(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func factScore(f model.Fact, now time.Time, decayBaseDays float64) float64 {
	ageDays := now.Sub(f.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	score := float64(f.Confidence) * math.Exp(-ageDays/decayBaseDays)
	if !f.OpenEnded() {
		score *= 0.5
	}
	return score
}

func (r *Router) multiHopLookup(ctx context.Context, namespace, query string, limit int) ([]model.RetrievalResult, error) {
	seeds, err := r.matchEntities(ctx, namespace, query)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return r.hybridSearch(ctx, namespace, query, limit)
	}

	seedIDs := make([]uuid.UUID, 0, len(seeds))
	for _, e := range seeds {
		seedIDs = append(seedIDs, e.ID)
	}
	// Two hops is as far as relevance survives the damping.
	ranked, err := r.store.PersonalizedPageRankWithFacts(ctx, namespace, seedIDs, 2, limit, 3, r.decayBaseDays)
	if err != nil {
		return nil, err
	}

	out := make([]model.RetrievalResult, 0, len(ranked))
	for _, re := range ranked {
		content := re.Entity.Name
		if len(re.Facts) > 0 {
			parts := make([]string, 0, len(re.Facts))
			for _, f := range re.Facts {
				parts = append(parts, f.Property+": "+f.Value)
			}
			content += " (" + strings.Join(parts, "; ") + ")"
		}
		out = append(out, model.RetrievalResult{
			ID:        re.Entity.ID.String(),
			Content:   content,
			Score:     float32(re.Score),
			Source:    model.SourceSemantic,
			Path:      re.Path,
			Timestamp: re.Entity.LastAccessed,
		})
	}
	return out, nil
}

func (r *Router) temporalScan(ctx context.Context, namespace, query string, limit int) ([]model.RetrievalResult, error) {
	facts, err := r.store.FactsByNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	kws := keywords(query)
	cutoff := time.Now().UTC().Add(-temporalWindow)

	var out []model.RetrievalResult
	for _, f := range facts {
		if f.CreatedAt.Before(cutoff) {
			continue
		}
		if len(kws) > 0 && !factMatchesKeywords(f, kws) {
			continue
		}
		out = append(out, model.RetrievalResult{
			ID:        f.ID.String(),
			Content:   f.Property + ": " + f.Value,
			Score:     f.Confidence,
			Source:    model.SourceSemantic,
			Timestamp: f.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func factMatchesKeywords(f model.Fact, kws []string) bool {
	hay := strings.ToLower(f.Property + " " + f.Value)
	for _, kw := range kws {
		if strings.Contains(hay, kw) {
			return true
		}
	}
	return false
}

func (r *Router) skillLookup(ctx context.Context, namespace, query string, limit int) ([]model.RetrievalResult, error) {
	inv, err := r.skills.DetectInvocation(ctx, namespace, query)
	if err != nil {
		return nil, err
	}
	if inv.IsInvocation {
		return []model.RetrievalResult{{
			ID:             inv.Skill.ID,
			Content:        inv.Skill.Name + ": " + inv.Skill.Summary,
			Score:          inv.Confidence,
			Source:         model.SourceSkill,
			MatchedTrigger: inv.MatchedTrigger,
		}}, nil
	}

	ranked, err := r.skills.HybridSearch(ctx, namespace, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.RetrievalResult, 0, len(ranked))
	for _, ss := range ranked {
		out = append(out, model.RetrievalResult{
			ID:      ss.Skill.ID,
			Content: ss.Skill.Name + ": " + ss.Skill.Summary,
			Score:   ss.Score,
			Source:  model.SourceSkill,
		})
	}
	return out, nil
}

// hybridSearch fuses vector-index hits with working-tier hits via RRF.
func (r *Router) hybridSearch(ctx context.Context, namespace, query string, limit int) ([]model.RetrievalResult, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("hybrid search without embedding", "error", err)
		return nil, nil
	}

	hits, err := r.idx.Search(ctx, vec, limit*4)
	if err != nil {
		r.logger.Warn("vector index search failed", "error", err)
		return nil, nil
	}

	out := make([]model.RetrievalResult, 0, len(hits))
	for rank, h := range hits {
		if ns, _ := h.Payload["namespace"].(string); ns != "" && ns != namespace {
			continue
		}
		content, _ := h.Payload["content"].(string)
		row := model.RetrievalResult{
			ID:      h.ID.String(),
			Content: content,
			// RRF score keeps vector hits comparable with other sources.
			Score:  1.0 / float32(60+rank+1),
			Source: model.SourceHybrid,
		}
		if ts, ok := h.Payload["timestamp_unix"].(float64); ok {
			row.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
		out = append(out, row)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// matchEntities finds namespace entities whose names occur in the query.
func (r *Router) matchEntities(ctx context.Context, namespace, query string) ([]model.Entity, error) {
	entities, err := r.store.ListEntities(ctx, namespace, "")
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(query)
	var out []model.Entity
	for _, e := range entities {
		if strings.Contains(lower, strings.ToLower(e.Name)) {
			out = append(out, e)
		}
	}
	return out, nil
}
