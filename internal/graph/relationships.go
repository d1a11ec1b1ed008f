package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/model"
)

const relationshipColumns = `id, namespace, source_id, target_id, relation_type, strength, evidence, access_count, created_at, last_reinforced`

// ReinforceStep is added to strength each time an existing relationship is
// observed again, capped at 1.0.
const ReinforceStep = 0.2

func scanRelationship(row interface{ Scan(...any) error }) (model.Relationship, error) {
	var r model.Relationship
	var id, source, target, evidence string
	err := row.Scan(&id, &r.Namespace, &source, &target, &r.RelationType, &r.Strength,
		&evidence, &r.AccessCount, &r.CreatedAt, &r.LastReinforced)
	if err != nil {
		return model.Relationship{}, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Relationship{}, fmt.Errorf("graph: parse relationship id %q: %w", id, err)
	}
	if r.SourceID, err = uuid.Parse(source); err != nil {
		return model.Relationship{}, fmt.Errorf("graph: parse source id %q: %w", source, err)
	}
	if r.TargetID, err = uuid.Parse(target); err != nil {
		return model.Relationship{}, fmt.Errorf("graph: parse target id %q: %w", target, err)
	}
	r.Evidence = unmarshalStrings(evidence)
	return r, nil
}

// UpsertRelationship creates the edge on first observation or reinforces it
// (strength +0.2, capped at 1.0) when the same typed edge recurs. New
// evidence conversation ids are appended. The bool reports whether the edge
// was created rather than reinforced.
func (s *Store) UpsertRelationship(ctx context.Context, r model.Relationship) (model.Relationship, bool, error) {
	if r.SourceID == uuid.Nil || r.TargetID == uuid.Nil {
		return model.Relationship{}, false, fmt.Errorf("%w: relationship endpoints required", ErrInvalidInput)
	}
	if r.SourceID == r.TargetID {
		return model.Relationship{}, false, fmt.Errorf("%w: self edges are not stored", ErrInvalidInput)
	}
	if r.RelationType == "" {
		return model.Relationship{}, false, fmt.Errorf("%w: relation type required", ErrInvalidInput)
	}
	if r.Namespace == "" {
		r.Namespace = model.DefaultNamespace
	}
	if r.Strength <= 0 {
		r.Strength = 0.5
	}
	if r.Strength > 1 {
		r.Strength = 1
	}
	now := time.Now().UTC()

	var stored model.Relationship
	var created bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+relationshipColumns+` FROM relationships
			 WHERE namespace = ? AND source_id = ? AND target_id = ? AND relation_type = ?`,
			r.Namespace, r.SourceID.String(), r.TargetID.String(), r.RelationType)
		existing, err := scanRelationship(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			r.CreatedAt = now
			r.LastReinforced = now
			_, err := tx.ExecContext(ctx, `
				INSERT INTO relationships (id, namespace, source_id, target_id, relation_type, strength, evidence, access_count, created_at, last_reinforced)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
				r.ID.String(), r.Namespace, r.SourceID.String(), r.TargetID.String(), r.RelationType,
				r.Strength, marshalStrings(r.Evidence), r.CreatedAt, r.LastReinforced)
			if err != nil {
				return fmt.Errorf("insert: %w", err)
			}
			stored = r
			created = true
			return nil
		case err != nil:
			return fmt.Errorf("lookup: %w", err)
		}

		existing.Strength += ReinforceStep
		if existing.Strength > 1 {
			existing.Strength = 1
		}
		existing.LastReinforced = now
		existing.Evidence = mergeEvidence(existing.Evidence, r.Evidence)

		_, err = tx.ExecContext(ctx,
			`UPDATE relationships SET strength = ?, evidence = ?, last_reinforced = ? WHERE id = ?`,
			existing.Strength, marshalStrings(existing.Evidence), existing.LastReinforced, existing.ID.String())
		if err != nil {
			return fmt.Errorf("reinforce: %w", err)
		}
		stored = existing
		return nil
	})
	if err != nil {
		return model.Relationship{}, false, fmt.Errorf("graph: upsert relationship: %w", err)
	}
	return stored, created, nil
}

func mergeEvidence(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}
	out := existing
	for _, e := range incoming {
		if e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// Relationships returns every edge in the namespace.
func (s *Store) Relationships(ctx context.Context, namespace string) ([]model.Relationship, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("graph: list relationships: %w", err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RelationshipsFor returns edges touching the entity in either direction.
func (s *Store) RelationshipsFor(ctx context.Context, entityID uuid.UUID) ([]model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE source_id = ? OR target_id = ?`,
		entityID.String(), entityID.String())
	if err != nil {
		return nil, fmt.Errorf("graph: relationships for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchRelationship bumps access_count when an edge participates in a
// retrieval result.
func (s *Store) TouchRelationship(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE relationships SET access_count = access_count + 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("graph: touch relationship %s: %w", id, err)
	}
	return nil
}

// DeleteRelationship removes an edge.
func (s *Store) DeleteRelationship(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("graph: delete relationship %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
