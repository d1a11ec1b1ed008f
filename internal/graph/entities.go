package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/model"
)

const entityColumns = `id, namespace, name, type, description, confidence, created_at, last_accessed, access_count`

func scanEntity(row interface{ Scan(...any) error }) (model.Entity, error) {
	var e model.Entity
	var id string
	err := row.Scan(&id, &e.Namespace, &e.Name, &e.Type, &e.Description, &e.Confidence,
		&e.CreatedAt, &e.LastAccessed, &e.AccessCount)
	if err != nil {
		return model.Entity{}, err
	}
	e.ID, err = uuid.Parse(id)
	if err != nil {
		return model.Entity{}, fmt.Errorf("graph: parse entity id %q: %w", id, err)
	}
	return e, nil
}

// UpsertEntity creates the entity on first mention or refreshes description
// and confidence on subsequent ones. Returns the stored entity.
func (s *Store) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.Name == "" {
		return model.Entity{}, fmt.Errorf("%w: entity name required", ErrInvalidInput)
	}
	if !model.ValidEntityType(e.Type) {
		return model.Entity{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, e.Type)
	}
	if e.Namespace == "" {
		e.Namespace = model.DefaultNamespace
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = now
	}
	if e.Confidence == 0 {
		e.Confidence = 0.5
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, namespace, name, type, description, confidence, created_at, last_accessed, access_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT (namespace, type, name) DO UPDATE SET
				description = CASE WHEN excluded.description <> '' THEN excluded.description ELSE entities.description END,
				confidence  = MAX(entities.confidence, excluded.confidence)`,
			e.ID.String(), e.Namespace, e.Name, string(e.Type), e.Description, e.Confidence, e.CreatedAt, e.LastAccessed)
		return err
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("graph: upsert entity %q: %w", e.Name, err)
	}

	stored, err := s.getEntityByNameAndType(ctx, e.Namespace, e.Name, e.Type)
	if err != nil {
		return model.Entity{}, err
	}
	return stored, nil
}

func (s *Store) getEntityByNameAndType(ctx context.Context, namespace, name string, typ model.EntityType) (model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE namespace = ? AND name = ? AND type = ?`,
		namespace, name, string(typ))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("graph: get entity %q: %w", name, err)
	}
	return e, nil
}

// GetEntity returns an entity by id without touching access metadata.
func (s *Store) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id.String())
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("graph: get entity %s: %w", id, err)
	}
	return e, nil
}

// GetEntityByName finds an entity by name across types (exact match first,
// then case-insensitive) and records the read in last_accessed/access_count.
func (s *Store) GetEntityByName(ctx context.Context, namespace, name string) (model.Entity, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE namespace = ? AND name = ? COLLATE NOCASE
		 ORDER BY CASE WHEN name = ? THEN 0 ELSE 1 END, access_count DESC
		 LIMIT 1`,
		namespace, name, name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("graph: get entity by name %q: %w", name, err)
	}

	if err := s.TouchEntity(ctx, e.ID); err != nil {
		s.logger.Warn("graph: touch entity failed", "id", e.ID, "error", err)
	} else {
		e.AccessCount++
		e.LastAccessed = time.Now().UTC()
	}
	return e, nil
}

// TouchEntity bumps access_count and last_accessed.
func (s *Store) TouchEntity(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("graph: touch entity %s: %w", id, err)
	}
	return nil
}

// ListEntities returns all entities in a namespace, optionally filtered by type.
func (s *Store) ListEntities(ctx context.Context, namespace string, typ model.EntityType) ([]model.Entity, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE namespace = ?`
	args := []any{namespace}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: list entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestPreferenceEntity returns the preference entity whose newest
// preference fact is the most recent in the namespace. Shifted preference
// statements attach to this entity so the old and new values collide.
func (s *Store) LatestPreferenceEntity(ctx context.Context, namespace string) (model.Entity, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.namespace, e.name, e.type, e.description, e.confidence, e.created_at, e.last_accessed, e.access_count
		FROM entities e
		JOIN facts f ON f.entity_id = e.id AND f.property = 'preference'
		WHERE e.namespace = ? AND e.type = 'preference'
		GROUP BY e.id
		ORDER BY MAX(f.created_at) DESC
		LIMIT 1`, namespace)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("graph: latest preference entity: %w", err)
	}
	return e, nil
}

// ScoredEntity is a preference-query result: base confidence discounted by
// how long ago its facts were reinforced.
type ScoredEntity struct {
	Entity model.Entity
	Score  float32
}

// PreferenceQuery ranks preference entities whose name or facts mention the
// topic. Ranking is confidence × exp(−ageDays/decayBase) using the freshest
// fact on the entity.
func (s *Store) PreferenceQuery(ctx context.Context, namespace, topic string, decayBaseDays float64, limit int) ([]ScoredEntity, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	if limit <= 0 {
		limit = 10
	}

	pattern := "%" + topic + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.namespace, e.name, e.type, e.description, e.confidence, e.created_at, e.last_accessed, e.access_count, COALESCE(MAX(f.created_at), e.created_at) AS freshest
		FROM entities e
		LEFT JOIN facts f ON f.entity_id = e.id
		WHERE e.namespace = ? AND e.type = 'preference'
		  AND (e.name LIKE ? COLLATE NOCASE
		       OR e.description LIKE ? COLLATE NOCASE
		       OR EXISTS (SELECT 1 FROM facts fx WHERE fx.entity_id = e.id
		                  AND (fx.value LIKE ? COLLATE NOCASE OR fx.property LIKE ? COLLATE NOCASE)))
		GROUP BY e.id`,
		namespace, pattern, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("graph: preference query: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []ScoredEntity
	for rows.Next() {
		var e model.Entity
		var id string
		// COALESCE/MAX strip the column's declared type, so the driver
		// returns the stored text instead of a time.Time; parse it back
		// using the layout the driver writes.
		var freshestRaw string
		if err := rows.Scan(&id, &e.Namespace, &e.Name, &e.Type, &e.Description, &e.Confidence,
			&e.CreatedAt, &e.LastAccessed, &e.AccessCount, &freshestRaw); err != nil {
			return nil, fmt.Errorf("graph: scan preference row: %w", err)
		}
		freshest, err := time.Parse("2006-01-02 15:04:05.999999999 -0700 MST", freshestRaw)
		if err != nil {
			return nil, fmt.Errorf("graph: parse freshest %q: %w", freshestRaw, err)
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("graph: parse entity id %q: %w", id, err)
		}

		ageDays := now.Sub(freshest).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score := e.Confidence * float32(math.Exp(-ageDays/decayBaseDays))
		out = append(out, ScoredEntity{Entity: e, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
