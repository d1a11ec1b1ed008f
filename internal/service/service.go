// Package service is the façade the transport talks to. It owns the write
// ordering across the graph store, vector index, and working tier, the
// per-namespace write locks, and the enable/disable toggle. Every operation
// returns taxonomy errors (see errors.go); partial success is never
// reported.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/conflicts"
	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/index"
	"github.com/vesper-ai/vesper/internal/model"
	"github.com/vesper-ai/vesper/internal/router"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/working"
)

// decisionDecayRate halves the decay speed of knowledge derived from
// decision memories.
const decisionDecayRate = 0.5

// Service wires the tiers behind a stable operation surface.
type Service struct {
	working  *working.Tier
	store    *graph.Store
	idx      index.Index
	embedder embedding.Client
	router   *router.Router
	skills   *skills.Library
	detector *conflicts.Detector
	logger   *slog.Logger

	enabled atomic.Bool

	mu      sync.Mutex
	nsLocks map[string]*sync.Mutex
}

// New builds the façade. The service starts enabled.
func New(w *working.Tier, store *graph.Store, idx index.Index, embedder embedding.Client, rt *router.Router, lib *skills.Library, detector *conflicts.Detector, logger *slog.Logger) *Service {
	s := &Service{
		working:  w,
		store:    store,
		idx:      idx,
		embedder: embedder,
		router:   rt,
		skills:   lib,
		detector: detector,
		logger:   logger,
		nsLocks:  make(map[string]*sync.Mutex),
	}
	s.enabled.Store(true)
	return s
}

// lockFor serializes writers per namespace; readers never take it.
func (s *Service) lockFor(namespace string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.nsLocks[namespace]
	if !ok {
		l = &sync.Mutex{}
		s.nsLocks[namespace] = l
	}
	return l
}

// StoreRequest is one ingest call.
type StoreRequest struct {
	Content    string
	MemoryType string
	Namespace  string
	AgentID    string
	TaskID     string
	// Metadata may carry key_entities, topics, and user_intent extracted
	// by the caller; unknown keys are ignored.
	Metadata map[string]any
}

// StoreResult reports the stored id and whether an embedding was computed
// inline. HasEmbedding false means the embedder was unreachable and the
// vector will be back-filled by consolidation.
type StoreResult struct {
	ID           string `json:"id"`
	HasEmbedding bool   `json:"has_embedding"`
}

// Store ingests one memory. Ordering: graph transaction first, then the
// vector index with synchronous indexing, then the working tier. A vector
// failure rolls the graph row back; a working-tier failure is logged and
// tolerated because the canonical record lives in the graph.
func (s *Service) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	res, err := s.storeMemory(ctx, req, 1.0)
	if err != nil {
		return StoreResult{}, Classify(err)
	}
	return res, nil
}

// StoreDecision ingests a decision memory: decay of derived knowledge is
// halved and conflict detection runs immediately so contradictions with
// prior decisions surface at write time.
func (s *Service) StoreDecision(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if req.MemoryType == "" {
		req.MemoryType = "decision"
	}
	res, err := s.storeMemory(ctx, req, decisionDecayRate)
	if err != nil {
		return StoreResult{}, Classify(err)
	}
	if _, derr := s.detector.DetectNamespace(ctx, nsOrDefault(req.Namespace)); derr != nil {
		s.logger.Warn("post-decision conflict scan failed", "error", derr)
	}
	return res, nil
}

func (s *Service) storeMemory(ctx context.Context, req StoreRequest, decayRate float64) (StoreResult, error) {
	if !s.enabled.Load() {
		return StoreResult{}, ErrDisabled
	}
	if strings.TrimSpace(req.Content) == "" {
		return StoreResult{}, fmt.Errorf("%w: content required", graph.ErrInvalidInput)
	}
	namespace := nsOrDefault(req.Namespace)
	if req.MemoryType == "" {
		req.MemoryType = "conversation"
	}

	lock := s.lockFor(namespace)
	lock.Lock()
	defer lock.Unlock()

	id := uuid.New()
	now := time.Now().UTC()

	vec, embErr := s.embedder.Embed(ctx, req.Content)
	hasEmbedding := embErr == nil
	if embErr != nil {
		s.logger.Warn("storing without embedding", "id", id, "error", embErr)
	}

	rec := graph.MemoryRecord{
		ID:             id.String(),
		Namespace:      namespace,
		Content:        req.Content,
		MemoryType:     req.MemoryType,
		AgentID:        req.AgentID,
		TaskID:         req.TaskID,
		Embedding:      vec,
		NeedsEmbedding: !hasEmbedding,
		DecayRate:      decayRate,
		CreatedAt:      now,
	}
	if err := s.store.InsertMemory(ctx, rec); err != nil {
		return StoreResult{}, err
	}

	if hasEmbedding {
		payload := map[string]any{
			"content":        req.Content,
			"namespace":      namespace,
			"memory_type":    req.MemoryType,
			"agent_id":       req.AgentID,
			"task_id":        req.TaskID,
			"timestamp_unix": float64(now.Unix()),
		}
		if err := s.idx.Upsert(ctx, id, vec, payload); err != nil {
			// No partial success: the canonical row goes too.
			if delErr := s.store.DeleteMemory(ctx, namespace, id.String()); delErr != nil {
				s.logger.Error("rollback after vector failure", "id", id, "error", delErr)
			}
			return StoreResult{}, err
		}
	}

	conv := model.Conversation{
		ConversationID: id.String(),
		Namespace:      namespace,
		Timestamp:      now,
		FullText:       req.Content,
		Embedding:      vec,
		MemoryType:     req.MemoryType,
		AgentID:        req.AgentID,
		TaskID:         req.TaskID,
		NeedsEmbedding: !hasEmbedding,
	}
	applyMetadata(&conv, req.Metadata)
	if err := s.working.Store(ctx, conv); err != nil {
		s.logger.Warn("working tier store failed", "id", id, "error", err)
	}

	return StoreResult{ID: id.String(), HasEmbedding: hasEmbedding}, nil
}

func applyMetadata(conv *model.Conversation, meta map[string]any) {
	if meta == nil {
		return
	}
	conv.KeyEntities = stringList(meta["key_entities"])
	conv.Topics = stringList(meta["topics"])
	if intent, ok := meta["user_intent"].(string); ok {
		conv.UserIntent = intent
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RetrieveRequest is one query call.
type RetrieveRequest struct {
	Query      string
	MaxResults int
	Namespace  string
	AgentID    string
	TaskID     string
	// ExcludeAgent drops working-tier results produced by the named agent.
	ExcludeAgent string
}

// RetrieveResult carries routed results and the observed latency.
type RetrieveResult struct {
	Results   []model.RetrievalResult `json:"results"`
	Route     string                  `json:"route"`
	LatencyMS int64                   `json:"latency_ms"`
}

// Retrieve routes a query across the tiers.
func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveResult, error) {
	if !s.enabled.Load() {
		return RetrieveResult{}, Classify(ErrDisabled)
	}
	if strings.TrimSpace(req.Query) == "" {
		return RetrieveResult{}, Classify(fmt.Errorf("%w: query required", graph.ErrInvalidInput))
	}
	namespace := nsOrDefault(req.Namespace)
	start := time.Now()

	resp, err := s.router.Retrieve(ctx, namespace, req.Query, req.MaxResults)
	if err != nil {
		return RetrieveResult{}, Classify(err)
	}

	results := resp.Results
	if req.AgentID != "" || req.TaskID != "" || req.ExcludeAgent != "" {
		results, err = s.filterByAgent(ctx, namespace, results, req)
		if err != nil {
			return RetrieveResult{}, Classify(err)
		}
	}

	return RetrieveResult{
		Results:   results,
		Route:     resp.Route,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// filterByAgent applies agent/task scoping to results whose origin records
// carry agent metadata. Semantic and skill results are agent-agnostic and
// pass through.
func (s *Service) filterByAgent(ctx context.Context, namespace string, results []model.RetrievalResult, req RetrieveRequest) ([]model.RetrievalResult, error) {
	recent, err := s.working.Recent(ctx, namespace, 0)
	if err != nil {
		return results, nil
	}
	meta := make(map[string]model.Conversation, len(recent))
	for _, rec := range recent {
		meta[rec.ConversationID] = rec
	}

	out := results[:0]
	for _, row := range results {
		rec, known := meta[row.ID]
		if !known {
			out = append(out, row)
			continue
		}
		if req.ExcludeAgent != "" && rec.AgentID == req.ExcludeAgent {
			continue
		}
		if req.AgentID != "" && rec.AgentID != "" && rec.AgentID != req.AgentID {
			continue
		}
		if req.TaskID != "" && rec.TaskID != "" && rec.TaskID != req.TaskID {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// ListRecent returns the newest canonical memory rows.
func (s *Service) ListRecent(ctx context.Context, namespace string, limit int) ([]graph.MemoryRecord, error) {
	rows, err := s.store.RecentMemories(ctx, nsOrDefault(namespace), limit)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

// Stats is the aggregate surface for get_stats.
type Stats struct {
	Points        uint64 `json:"points"`
	Entities      int    `json:"entities"`
	Relationships int    `json:"relationships"`
	Facts         int    `json:"facts"`
	Conflicts     int    `json:"conflicts"`
	Skills        int    `json:"skills"`
}

// Stats aggregates vector-index and graph counts for one namespace.
func (s *Service) Stats(ctx context.Context, namespace string) (Stats, error) {
	gs, err := s.store.StatsFor(ctx, nsOrDefault(namespace))
	if err != nil {
		return Stats{}, Classify(err)
	}
	out := Stats{
		Entities:      gs.Entities,
		Relationships: gs.Relationships,
		Facts:         gs.Facts,
		Conflicts:     gs.OpenConflicts,
		Skills:        gs.Skills,
	}
	if is, err := s.idx.Stats(ctx); err != nil {
		s.logger.Warn("vector index stats unavailable", "error", err)
	} else {
		out.Points = is.Points
	}
	return out, nil
}

// Delete removes a memory from all three stores. Returns whether anything
// was deleted.
func (s *Service) Delete(ctx context.Context, namespace, id string) (bool, error) {
	if id == "" {
		return false, Classify(fmt.Errorf("%w: id required", graph.ErrInvalidInput))
	}
	namespace = nsOrDefault(namespace)

	lock := s.lockFor(namespace)
	lock.Lock()
	defer lock.Unlock()

	deleted := false
	switch err := s.store.DeleteMemory(ctx, namespace, id); {
	case err == nil:
		deleted = true
	case errors.Is(err, graph.ErrNotFound):
	default:
		return false, Classify(err)
	}

	if pid, err := uuid.Parse(id); err == nil {
		if err := s.idx.Delete(ctx, pid); err != nil {
			s.logger.Warn("vector delete failed", "id", id, "error", err)
		}
	}
	if err := s.working.Delete(ctx, namespace, id); err != nil {
		s.logger.Warn("working tier delete failed", "id", id, "error", err)
	}
	return deleted, nil
}

// ShareResult reports a cross-namespace copy.
type ShareResult struct {
	Copied    int    `json:"copied"`
	HandoffID string `json:"handoff_id"`
}

// ShareContext copies memories whose content matches the filter substring
// from one namespace into another, then records a handoff memory in the
// target so the receiving agent can see what arrived and from where.
func (s *Service) ShareContext(ctx context.Context, fromNS, toNS, filter string) (ShareResult, error) {
	if !s.enabled.Load() {
		return ShareResult{}, Classify(ErrDisabled)
	}
	if fromNS == "" || toNS == "" || fromNS == toNS {
		return ShareResult{}, Classify(fmt.Errorf("%w: distinct source and target namespaces required", graph.ErrInvalidInput))
	}

	rows, err := s.store.RecentMemories(ctx, fromNS, 100)
	if err != nil {
		return ShareResult{}, Classify(err)
	}

	lock := s.lockFor(toNS)
	lock.Lock()
	defer lock.Unlock()

	copied := 0
	lowerFilter := strings.ToLower(filter)
	for _, m := range rows {
		if filter != "" && !strings.Contains(strings.ToLower(m.Content), lowerFilter) {
			continue
		}
		cid := uuid.New()
		dup := graph.MemoryRecord{
			ID:             cid.String(),
			Namespace:      toNS,
			Content:        m.Content,
			MemoryType:     m.MemoryType,
			AgentID:        m.AgentID,
			TaskID:         m.TaskID,
			Embedding:      m.Embedding,
			NeedsEmbedding: m.NeedsEmbedding,
			DecayRate:      m.DecayRate,
		}
		if err := s.store.InsertMemory(ctx, dup); err != nil {
			s.logger.Warn("share copy failed", "source", m.ID, "error", err)
			continue
		}
		if len(m.Embedding) > 0 {
			payload := map[string]any{
				"content":     m.Content,
				"namespace":   toNS,
				"memory_type": m.MemoryType,
				"shared_from": fromNS,
			}
			if err := s.idx.Upsert(ctx, cid, m.Embedding, payload); err != nil {
				s.logger.Warn("share vector upsert failed", "id", cid, "error", err)
			}
		}
		copied++
	}

	handoff := graph.MemoryRecord{
		ID:         uuid.New().String(),
		Namespace:  toNS,
		Content:    fmt.Sprintf("handoff from %s: %d memories shared (filter %q)", fromNS, copied, filter),
		MemoryType: "handoff",
	}
	if err := s.store.InsertMemory(ctx, handoff); err != nil {
		return ShareResult{}, Classify(err)
	}
	return ShareResult{Copied: copied, HandoffID: handoff.ID}, nil
}

// ListNamespaces returns every namespace known to the graph or working tier.
func (s *Service) ListNamespaces(ctx context.Context) ([]string, error) {
	fromGraph, err := s.store.Namespaces(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	seen := make(map[string]bool, len(fromGraph))
	out := fromGraph
	for _, ns := range fromGraph {
		seen[ns] = true
	}
	if fromWorking, err := s.working.Namespaces(ctx); err == nil {
		for _, ns := range fromWorking {
			if !seen[ns] {
				out = append(out, ns)
			}
		}
	}
	return out, nil
}

// NamespaceStats returns per-table counts for one namespace.
func (s *Service) NamespaceStats(ctx context.Context, namespace string) (graph.NamespaceStats, error) {
	st, err := s.store.StatsFor(ctx, nsOrDefault(namespace))
	if err != nil {
		return graph.NamespaceStats{}, Classify(err)
	}
	return st, nil
}

// LoadSkill returns the full skill record.
func (s *Service) LoadSkill(ctx context.Context, id string) (model.Skill, error) {
	sk, err := s.skills.LoadFull(ctx, id)
	if err != nil {
		return model.Skill{}, Classify(err)
	}
	return sk, nil
}

// RecordSkillOutcome folds an invocation outcome and returns the updated
// quality score.
func (s *Service) RecordSkillOutcome(ctx context.Context, id string, success bool, satisfaction float32) (float32, error) {
	var sk model.Skill
	var err error
	if success {
		sk, err = s.skills.RecordSuccess(ctx, id, satisfaction)
	} else {
		sk, err = s.skills.RecordFailure(ctx, id)
	}
	if err != nil {
		return 0, Classify(err)
	}
	return sk.QualityScore(), nil
}

// Enable turns the service on.
func (s *Service) Enable() bool { s.enabled.Store(true); return true }

// Disable turns the service off. Reads and writes fail with Unavailable
// until re-enabled; background consolidation is unaffected.
func (s *Service) Disable() bool { s.enabled.Store(false); return false }

// Enabled reports the toggle state.
func (s *Service) Enabled() bool { return s.enabled.Load() }

// Health reports per-dependency reachability.
func (s *Service) Health(ctx context.Context) map[string]string {
	out := map[string]string{"embedding": "ok", "vector_index": "ok", "working_tier": "ok"}
	if err := s.embedder.Healthy(ctx); err != nil {
		out["embedding"] = "degraded"
	}
	if err := s.idx.Healthy(ctx); err != nil {
		out["vector_index"] = "degraded"
	}
	if err := s.working.Healthy(ctx); err != nil {
		out["working_tier"] = "degraded"
	}
	return out
}

func nsOrDefault(ns string) string {
	if ns == "" {
		return model.DefaultNamespace
	}
	return ns
}
