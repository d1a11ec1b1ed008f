package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/model"
)

const (
	// pprDamping is the probability of following an edge instead of
	// teleporting back to a seed.
	pprDamping = 0.85
	// pprTolerance is the L1 convergence threshold.
	pprTolerance = 1e-6
	// pprMaxIterations caps the power iteration.
	pprMaxIterations = 50
	// reverseEdgeDiscount halves the weight of traversing an edge against
	// its direction, so "A works_on B" still leaks relevance from B to A.
	reverseEdgeDiscount = 0.5
)

// RankedEntity is one PPR result: an entity, its stationary probability,
// and the hop path from the closest seed.
type RankedEntity struct {
	Entity model.Entity
	Score  float64
	Path   []model.PathHop
	Facts  []model.Fact
}

type pprEdge struct {
	to     int
	weight float64
	// rel is the underlying relationship, nil for the synthetic reverse
	// direction of a stored edge.
	rel     *model.Relationship
	forward bool
}

type pprGraph struct {
	entities []model.Entity
	index    map[uuid.UUID]int
	adj      [][]pprEdge
}

func (s *Store) loadGraph(ctx context.Context, namespace string) (*pprGraph, error) {
	entities, err := s.ListEntities(ctx, namespace, "")
	if err != nil {
		return nil, err
	}
	rels, err := s.Relationships(ctx, namespace)
	if err != nil {
		return nil, err
	}

	g := &pprGraph{
		entities: entities,
		index:    make(map[uuid.UUID]int, len(entities)),
		adj:      make([][]pprEdge, len(entities)),
	}
	for i, e := range entities {
		g.index[e.ID] = i
	}
	for i := range rels {
		r := &rels[i]
		src, okS := g.index[r.SourceID]
		tgt, okT := g.index[r.TargetID]
		if !okS || !okT {
			continue
		}
		w := float64(r.Strength)
		g.adj[src] = append(g.adj[src], pprEdge{to: tgt, weight: w, rel: r, forward: true})
		g.adj[tgt] = append(g.adj[tgt], pprEdge{to: src, weight: w * reverseEdgeDiscount, rel: r, forward: false})
	}
	return g, nil
}

// personalizedPageRank runs power iteration with teleport mass spread
// uniformly over the seeds. Dangling mass also returns to the seeds.
func (g *pprGraph) personalizedPageRank(seeds []int) []float64 {
	n := len(g.entities)
	rank := make([]float64, n)
	next := make([]float64, n)

	teleport := make([]float64, n)
	for _, s := range seeds {
		teleport[s] = 1.0 / float64(len(seeds))
	}
	copy(rank, teleport)

	outWeight := make([]float64, n)
	for i, edges := range g.adj {
		for _, e := range edges {
			outWeight[i] += e.weight
		}
	}

	for iter := 0; iter < pprMaxIterations; iter++ {
		for i := range next {
			next[i] = 0
		}
		var dangling float64
		for i, r := range rank {
			if r == 0 {
				continue
			}
			if outWeight[i] == 0 {
				dangling += r
				continue
			}
			for _, e := range g.adj[i] {
				next[e.to] += pprDamping * r * e.weight / outWeight[i]
			}
		}
		var delta float64
		for i := range next {
			next[i] += (1-pprDamping)*teleport[i] + pprDamping*dangling*teleport[i]
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < pprTolerance {
			break
		}
	}
	return rank
}

// shortestPaths runs BFS from the seed set and records, for every reachable
// node, the hop sequence from its nearest seed. Reverse hops are rendered
// from the stored edge's direction.
func (g *pprGraph) shortestPaths(seeds []int) map[int][]model.PathHop {
	paths := make(map[int][]model.PathHop, len(g.entities))
	queue := make([]int, 0, len(seeds))
	for _, s := range seeds {
		paths[s] = nil
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.adj[cur] {
			if _, seen := paths[e.to]; seen || e.rel == nil {
				continue
			}
			hop := model.PathHop{
				Source:       g.entities[cur].Name,
				RelationType: e.rel.RelationType,
				Target:       g.entities[e.to].Name,
			}
			if !e.forward {
				hop.Source = g.entities[g.index[e.rel.SourceID]].Name
				hop.Target = g.entities[g.index[e.rel.TargetID]].Name
			}
			prefix := paths[cur]
			path := make([]model.PathHop, len(prefix)+1)
			copy(path, prefix)
			path[len(prefix)] = hop
			paths[e.to] = path
			queue = append(queue, e.to)
		}
	}
	return paths
}

// maxHopDepth bounds how far from a seed a ranked entity may sit.
const maxHopDepth = 2

// PersonalizedPageRank ranks namespace entities by relevance to the seed
// entities and returns the top limit, each with its path from the nearest
// seed. Results are restricted to entities within depth hops of a seed;
// depth <= 0 uses maxHopDepth. Seeds themselves are included; unknown
// seeds are skipped.
func (s *Store) PersonalizedPageRank(ctx context.Context, namespace string, seedIDs []uuid.UUID, depth, limit int) ([]RankedEntity, error) {
	if len(seedIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one seed entity required", ErrInvalidInput)
	}
	if depth <= 0 {
		depth = maxHopDepth
	}
	if limit <= 0 {
		limit = 10
	}

	g, err := s.loadGraph(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("graph: load for pagerank: %w", err)
	}

	var seeds []int
	for _, id := range seedIDs {
		if i, ok := g.index[id]; ok {
			seeds = append(seeds, i)
		}
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	rank := g.personalizedPageRank(seeds)
	paths := g.shortestPaths(seeds)

	out := make([]RankedEntity, 0, len(g.entities))
	for i, score := range rank {
		if score <= 0 {
			continue
		}
		path, reachable := paths[i]
		if !reachable || len(path) > depth {
			continue
		}
		out = append(out, RankedEntity{
			Entity: g.entities[i],
			Score:  score,
			Path:   path,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PersonalizedPageRankWithFacts runs PPR and attaches each ranked entity's
// strongest facts, ordered by confidence discounted for age.
func (s *Store) PersonalizedPageRankWithFacts(ctx context.Context, namespace string, seedIDs []uuid.UUID, depth, limit, factsPerEntity int, decayBaseDays float64) ([]RankedEntity, error) {
	if factsPerEntity <= 0 {
		factsPerEntity = 3
	}
	ranked, err := s.PersonalizedPageRank(ctx, namespace, seedIDs, depth, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range ranked {
		facts, err := s.FactsFor(ctx, ranked[i].Entity.ID, "")
		if err != nil {
			return nil, err
		}
		sort.SliceStable(facts, func(a, b int) bool {
			return factWeight(facts[a], now, decayBaseDays) > factWeight(facts[b], now, decayBaseDays)
		})
		if len(facts) > factsPerEntity {
			facts = facts[:factsPerEntity]
		}
		ranked[i].Facts = facts
	}
	return ranked, nil
}

func factWeight(f model.Fact, now time.Time, decayBaseDays float64) float64 {
	ageDays := now.Sub(f.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	w := float64(f.Confidence) * math.Exp(-ageDays/decayBaseDays)
	// Closed-validity facts are history, not current state.
	if !f.OpenEnded() {
		w *= 0.5
	}
	return w
}
