package graph

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/vesper-ai/vesper/internal/model"
)

// DecayParams tunes the nightly strength decay and pruning pass.
type DecayParams struct {
	// BaseDays is the e-folding time of relationship strength.
	BaseDays float64
	// PruneMinStrength, PruneMinAccess, and PruneMinAge gate pruning: an
	// edge goes only when it is weak AND rarely read AND old.
	PruneMinStrength float64
	PruneMinAccess   int
	PruneMinAge      time.Duration
}

// DefaultDecayParams matches the shipped tuning: 30-day base, prune below
// 0.05 strength with fewer than 3 reads after 90 days.
func DefaultDecayParams() DecayParams {
	return DecayParams{
		BaseDays:         30,
		PruneMinStrength: 0.05,
		PruneMinAccess:   3,
		PruneMinAge:      90 * 24 * time.Hour,
	}
}

// DecayRelationships applies exponential strength decay to every edge in
// the namespace and returns how many were updated. Each edge decays by the
// interval since its previous decay pass (or since last_reinforced for an
// edge that has never decayed), so re-running at the same timestamp is a
// no-op and repeated runs in one day only shave off the hours between them.
func (s *Store) DecayRelationships(ctx context.Context, namespace string, p DecayParams, now time.Time) (int, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	if p.BaseDays <= 0 {
		p = DefaultDecayParams()
	}
	now = now.UTC()

	rels, err := s.Relationships(ctx, namespace)
	if err != nil {
		return 0, err
	}
	anchors, err := s.decayAnchors(ctx, namespace)
	if err != nil {
		return 0, err
	}

	// decay_rate on the evidence memories scales the decay speed; decision
	// memories decay at half rate. The slowest rate among a relationship's
	// evidence wins.
	rates, err := s.evidenceDecayRates(ctx, namespace)
	if err != nil {
		return 0, err
	}

	decayed := 0
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rels {
			anchor := r.LastReinforced
			if last, ok := anchors[r.ID.String()]; ok && last.After(anchor) {
				anchor = last
			}
			ageDays := now.Sub(anchor).Hours() / 24
			if ageDays <= 0 {
				continue
			}
			rate := slowestRate(r.Evidence, rates)
			strength := float64(r.Strength) * math.Exp(-ageDays*rate/p.BaseDays)

			// Strength stays in (0, 1]; the schema CHECK rejects zero.
			if strength < 1e-9 {
				strength = 1e-9
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE relationships SET strength = ?, last_decayed = ? WHERE id = ?`,
				strength, now, r.ID.String()); err != nil {
				return fmt.Errorf("decay %s: %w", r.ID, err)
			}
			decayed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("graph: decay relationships: %w", err)
	}
	return decayed, nil
}

// PruneRelationships deletes edges meeting all three prune gates and
// returns how many were removed. Runs after decay so the strength check
// sees decayed values.
func (s *Store) PruneRelationships(ctx context.Context, namespace string, p DecayParams, now time.Time) (int, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	if p.BaseDays <= 0 {
		p = DefaultDecayParams()
	}
	now = now.UTC()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM relationships
		WHERE namespace = ? AND strength < ? AND access_count < ? AND created_at <= ?`,
		namespace, p.PruneMinStrength, p.PruneMinAccess, now.Add(-p.PruneMinAge))
	if err != nil {
		return 0, fmt.Errorf("graph: prune relationships: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned weak relationships", "namespace", namespace, "pruned", n)
	}
	return int(n), nil
}

// decayAnchors returns the last_decayed timestamp per relationship id.
// Edges that have never been through a decay pass are absent.
func (s *Store) decayAnchors(ctx context.Context, namespace string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, last_decayed FROM relationships WHERE namespace = ? AND last_decayed IS NOT NULL`, namespace)
	if err != nil {
		return nil, fmt.Errorf("graph: load decay anchors: %w", err)
	}
	defer rows.Close()

	anchors := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var last sql.NullTime
		if err := rows.Scan(&id, &last); err != nil {
			return nil, fmt.Errorf("graph: scan decay anchor: %w", err)
		}
		if last.Valid {
			anchors[id] = last.Time.UTC()
		}
	}
	return anchors, rows.Err()
}

func (s *Store) evidenceDecayRates(ctx context.Context, namespace string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, decay_rate FROM memories WHERE namespace = ? AND decay_rate <> 1.0`, namespace)
	if err != nil {
		return nil, fmt.Errorf("graph: load decay rates: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]float64)
	for rows.Next() {
		var id string
		var rate float64
		if err := rows.Scan(&id, &rate); err != nil {
			return nil, fmt.Errorf("graph: scan decay rate: %w", err)
		}
		rates[id] = rate
	}
	return rates, rows.Err()
}

func slowestRate(evidence []string, rates map[string]float64) float64 {
	rate := 1.0
	for _, id := range evidence {
		if r, ok := rates[id]; ok && r < rate {
			rate = r
		}
	}
	return rate
}
