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

const factColumns = `id, namespace, entity_id, property, value, confidence, valid_from, valid_until, source_conversation, created_at`

func scanFact(row interface{ Scan(...any) error }) (model.Fact, error) {
	var f model.Fact
	var id, entityID string
	var validFrom, validUntil sql.NullTime
	err := row.Scan(&id, &f.Namespace, &entityID, &f.Property, &f.Value, &f.Confidence,
		&validFrom, &validUntil, &f.SourceConversation, &f.CreatedAt)
	if err != nil {
		return model.Fact{}, err
	}
	if f.ID, err = uuid.Parse(id); err != nil {
		return model.Fact{}, fmt.Errorf("graph: parse fact id %q: %w", id, err)
	}
	if f.EntityID, err = uuid.Parse(entityID); err != nil {
		return model.Fact{}, fmt.Errorf("graph: parse fact entity id %q: %w", entityID, err)
	}
	if validFrom.Valid {
		t := validFrom.Time
		f.ValidFrom = &t
	}
	if validUntil.Valid {
		t := validUntil.Time
		f.ValidUntil = &t
	}
	return f, nil
}

// InsertFact stores a new fact row. Facts are append-only; a changed value
// becomes a new fact and the conflict detector flags the overlap.
func (s *Store) InsertFact(ctx context.Context, f model.Fact) (model.Fact, error) {
	if f.EntityID == uuid.Nil {
		return model.Fact{}, fmt.Errorf("%w: fact entity required", ErrInvalidInput)
	}
	if f.Property == "" || f.Value == "" {
		return model.Fact{}, fmt.Errorf("%w: fact property and value required", ErrInvalidInput)
	}
	if f.Namespace == "" {
		f.Namespace = model.DefaultNamespace
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Confidence == 0 {
		f.Confidence = 0.5
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	var validFrom, validUntil any
	if f.ValidFrom != nil {
		validFrom = *f.ValidFrom
	}
	if f.ValidUntil != nil {
		validUntil = *f.ValidUntil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, namespace, entity_id, property, value, confidence, valid_from, valid_until, source_conversation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID.String(), f.Namespace, f.EntityID.String(), f.Property, f.Value, f.Confidence,
		validFrom, validUntil, f.SourceConversation, f.CreatedAt)
	if err != nil {
		return model.Fact{}, fmt.Errorf("graph: insert fact: %w", err)
	}
	return f, nil
}

// GetFact returns a fact by id.
func (s *Store) GetFact(ctx context.Context, id uuid.UUID) (model.Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE id = ?`, id.String())
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Fact{}, ErrNotFound
	}
	if err != nil {
		return model.Fact{}, fmt.Errorf("graph: get fact %s: %w", id, err)
	}
	return f, nil
}

// FactsFor returns all facts on an entity, newest first. An empty property
// returns facts for every property.
func (s *Store) FactsFor(ctx context.Context, entityID uuid.UUID, property string) ([]model.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts WHERE entity_id = ?`
	args := []any{entityID.String()}
	if property != "" {
		query += ` AND property = ?`
		args = append(args, property)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: facts for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FactsByNamespace returns every fact in the namespace, newest first. Used by
// the conflict detector, which pairs facts per (entity, property).
func (s *Store) FactsByNamespace(ctx context.Context, namespace string) ([]model.Fact, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE namespace = ? ORDER BY created_at DESC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("graph: facts by namespace: %w", err)
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClampFactConfidence lowers a fact's confidence to at most max. Used when
// a conflict puts the newer assertion in doubt; the value itself is never
// touched.
func (s *Store) ClampFactConfidence(ctx context.Context, id uuid.UUID, max float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE facts SET confidence = ? WHERE id = ? AND confidence > ?`,
		max, id.String(), max)
	if err != nil {
		return fmt.Errorf("graph: clamp fact confidence %s: %w", id, err)
	}
	return nil
}

// CloseFactValidity sets valid_until on a fact that a newer assertion
// supersedes. The old row is kept; only its validity window narrows.
func (s *Store) CloseFactValidity(ctx context.Context, id uuid.UUID, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET valid_until = ? WHERE id = ? AND valid_until IS NULL`,
		until.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("graph: close fact validity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
