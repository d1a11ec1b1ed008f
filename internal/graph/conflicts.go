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

const conflictColumns = `id, namespace, fact_id_1, fact_id_2, conflict_type, description, severity, resolution_status, detected_at`

func scanConflict(row interface{ Scan(...any) error }) (model.Conflict, error) {
	var c model.Conflict
	var id, f1, f2 string
	err := row.Scan(&id, &c.Namespace, &f1, &f2, &c.Type, &c.Description,
		&c.Severity, &c.ResolutionStatus, &c.DetectedAt)
	if err != nil {
		return model.Conflict{}, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return model.Conflict{}, fmt.Errorf("graph: parse conflict id %q: %w", id, err)
	}
	if c.FactID1, err = uuid.Parse(f1); err != nil {
		return model.Conflict{}, fmt.Errorf("graph: parse conflict fact id %q: %w", f1, err)
	}
	if c.FactID2, err = uuid.Parse(f2); err != nil {
		return model.Conflict{}, fmt.Errorf("graph: parse conflict fact id %q: %w", f2, err)
	}
	return c, nil
}

// RecordConflict inserts a conflict for an unordered fact pair. Re-detecting
// the same pair and type is a no-op: the existing row is returned with
// created=false, and its resolution status is left alone.
func (s *Store) RecordConflict(ctx context.Context, c model.Conflict) (model.Conflict, bool, error) {
	if c.FactID1 == uuid.Nil || c.FactID2 == uuid.Nil {
		return model.Conflict{}, false, fmt.Errorf("%w: conflict fact ids required", ErrInvalidInput)
	}
	if c.Namespace == "" {
		c.Namespace = model.DefaultNamespace
	}
	c.FactID1, c.FactID2 = model.CanonicalPair(c.FactID1, c.FactID2)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Severity == "" {
		c.Severity = model.SeverityLow
	}
	c.ResolutionStatus = model.ResolutionOpen
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, namespace, fact_id_1, fact_id_2, conflict_type, description, severity, resolution_status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Namespace, c.FactID1.String(), c.FactID2.String(), string(c.Type),
		c.Description, string(c.Severity), string(c.ResolutionStatus), c.DetectedAt)
	if err != nil {
		if !isUniqueViolation(err) {
			return model.Conflict{}, false, fmt.Errorf("graph: record conflict: %w", err)
		}
		existing, lookupErr := s.conflictByPair(ctx, c.FactID1, c.FactID2, c.Type)
		if lookupErr != nil {
			return model.Conflict{}, false, lookupErr
		}
		return existing, false, nil
	}
	return c, true, nil
}

func (s *Store) conflictByPair(ctx context.Context, f1, f2 uuid.UUID, typ model.ConflictType) (model.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE fact_id_1 = ? AND fact_id_2 = ? AND conflict_type = ?`,
		f1.String(), f2.String(), string(typ))
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conflict{}, ErrNotFound
	}
	if err != nil {
		return model.Conflict{}, fmt.Errorf("graph: conflict by pair: %w", err)
	}
	return c, nil
}

// OpenConflicts returns unresolved conflicts in the namespace, newest first.
func (s *Store) OpenConflicts(ctx context.Context, namespace string) ([]model.Conflict, error) {
	return s.listConflicts(ctx, namespace, true)
}

// Conflicts returns every conflict in the namespace, newest first.
func (s *Store) Conflicts(ctx context.Context, namespace string) ([]model.Conflict, error) {
	return s.listConflicts(ctx, namespace, false)
}

func (s *Store) listConflicts(ctx context.Context, namespace string, openOnly bool) ([]model.Conflict, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE namespace = ?`
	args := []any{namespace}
	if openOnly {
		query += ` AND resolution_status = 'open'`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConflictResolution moves a conflict through its caller-driven lifecycle.
func (s *Store) SetConflictResolution(ctx context.Context, id uuid.UUID, status model.ResolutionStatus) error {
	switch status {
	case model.ResolutionOpen, model.ResolutionAcknowledged, model.ResolutionSuperseded:
	default:
		return fmt.Errorf("%w: unknown resolution status %q", ErrInvalidInput, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolution_status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("graph: set conflict resolution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
