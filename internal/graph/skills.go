package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/model"
)

const skillColumns = `id, namespace, name, summary, description, category, triggers, success_count, failure_count, avg_user_satisfaction, code, code_type, prerequisites, embedding, is_archived, created_at, last_modified, last_used, version`

// NewSkillID mints a skill id. The skill_ prefix with a plain hex tail
// makes ids greppable in conversation text, which invocation detection
// relies on.
func NewSkillID() string {
	return "skill_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func scanSkill(row interface{ Scan(...any) error }) (model.Skill, error) {
	var sk model.Skill
	var triggers, prereqs string
	var blob []byte
	var archived int
	var lastUsed sql.NullTime
	err := row.Scan(&sk.ID, &sk.Namespace, &sk.Name, &sk.Summary, &sk.Description, &sk.Category,
		&triggers, &sk.SuccessCount, &sk.FailureCount, &sk.AvgUserSatisfaction,
		&sk.Code, &sk.CodeType, &prereqs, &blob, &archived,
		&sk.CreatedAt, &sk.LastModified, &lastUsed, &sk.Version)
	if err != nil {
		return model.Skill{}, err
	}
	sk.Triggers = unmarshalStrings(triggers)
	sk.Prerequisites = unmarshalStrings(prereqs)
	sk.IsArchived = archived != 0
	if lastUsed.Valid {
		t := lastUsed.Time
		sk.LastUsed = &t
	}
	if len(blob) > 0 {
		vec, err := model.DecodeVector(blob)
		if err != nil {
			return model.Skill{}, fmt.Errorf("graph: decode skill embedding: %w", err)
		}
		sk.Embedding = vec
	}
	return sk, nil
}

// UpsertSkill inserts a new skill or replaces an existing one by
// (namespace, name), bumping version and last_modified on replacement.
func (s *Store) UpsertSkill(ctx context.Context, sk model.Skill) (model.Skill, error) {
	if sk.Name == "" {
		return model.Skill{}, fmt.Errorf("%w: skill name required", ErrInvalidInput)
	}
	if sk.Namespace == "" {
		sk.Namespace = model.DefaultNamespace
	}
	if len(sk.Triggers) > model.MaxSkillTriggers {
		sk.Triggers = sk.Triggers[:model.MaxSkillTriggers]
	}
	if sk.CodeType == "" {
		sk.CodeType = model.CodeInline
	}
	now := time.Now().UTC()

	var stored model.Skill
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+skillColumns+` FROM skills WHERE namespace = ? AND name = ?`,
			sk.Namespace, sk.Name)
		existing, err := scanSkill(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if sk.ID == "" {
				sk.ID = NewSkillID()
			}
			sk.CreatedAt = now
			sk.LastModified = now
			sk.Version = 1
			var blob []byte
			if len(sk.Embedding) > 0 {
				blob = model.EncodeVector(sk.Embedding)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO skills (id, namespace, name, summary, description, category, triggers, success_count, failure_count, avg_user_satisfaction, code, code_type, prerequisites, embedding, is_archived, created_at, last_modified, last_used, version)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, 0, ?, ?, NULL, 1)`,
				sk.ID, sk.Namespace, sk.Name, sk.Summary, sk.Description, sk.Category,
				marshalStrings(sk.Triggers), sk.Code, string(sk.CodeType),
				marshalStrings(sk.Prerequisites), blob, sk.CreatedAt, sk.LastModified)
			if err != nil {
				return fmt.Errorf("insert: %w", err)
			}
			stored = sk
			return nil
		case err != nil:
			return fmt.Errorf("lookup: %w", err)
		}

		// Replacement keeps id, counters, and usage history.
		existing.Summary = sk.Summary
		existing.Description = sk.Description
		existing.Category = sk.Category
		existing.Triggers = sk.Triggers
		existing.Code = sk.Code
		existing.CodeType = sk.CodeType
		existing.Prerequisites = sk.Prerequisites
		if len(sk.Embedding) > 0 {
			existing.Embedding = sk.Embedding
		}
		existing.LastModified = now
		existing.Version++

		var blob []byte
		if len(existing.Embedding) > 0 {
			blob = model.EncodeVector(existing.Embedding)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE skills SET summary = ?, description = ?, category = ?, triggers = ?, code = ?, code_type = ?, prerequisites = ?, embedding = ?, last_modified = ?, version = ?
			WHERE id = ?`,
			existing.Summary, existing.Description, existing.Category, marshalStrings(existing.Triggers),
			existing.Code, string(existing.CodeType), marshalStrings(existing.Prerequisites),
			blob, existing.LastModified, existing.Version, existing.ID)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		stored = existing
		return nil
	})
	if err != nil {
		return model.Skill{}, fmt.Errorf("graph: upsert skill %q: %w", sk.Name, err)
	}
	return stored, nil
}

// GetSkill returns a skill by id, archived or not.
func (s *Store) GetSkill(ctx context.Context, id string) (model.Skill, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+skillColumns+` FROM skills WHERE id = ?`, id)
	sk, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Skill{}, ErrNotFound
	}
	if err != nil {
		return model.Skill{}, fmt.Errorf("graph: get skill %s: %w", id, err)
	}
	return sk, nil
}

// GetSkillByName resolves a skill by its unique (namespace, name).
func (s *Store) GetSkillByName(ctx context.Context, namespace, name string) (model.Skill, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+skillColumns+` FROM skills WHERE namespace = ? AND name = ?`, namespace, name)
	sk, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Skill{}, ErrNotFound
	}
	if err != nil {
		return model.Skill{}, fmt.Errorf("graph: get skill %q: %w", name, err)
	}
	return sk, nil
}

// ListSkills returns active (non-archived) skills in a namespace, optionally
// filtered by category.
func (s *Store) ListSkills(ctx context.Context, namespace, category string) ([]model.Skill, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	query := `SELECT ` + skillColumns + ` FROM skills WHERE namespace = ? AND is_archived = 0`
	args := []any{namespace}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: list skills: %w", err)
	}
	defer rows.Close()

	var out []model.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// RecordSkillOutcome folds one invocation outcome into the counters.
// Satisfaction is merged as a running average over all rated invocations.
func (s *Store) RecordSkillOutcome(ctx context.Context, id string, success bool, satisfaction float32) (model.Skill, error) {
	var updated model.Skill
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+skillColumns+` FROM skills WHERE id = ?`, id)
		sk, err := scanSkill(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}

		prior := sk.SuccessCount + sk.FailureCount
		if success {
			sk.SuccessCount++
		} else {
			sk.FailureCount++
		}
		if satisfaction > 0 {
			sk.AvgUserSatisfaction = (sk.AvgUserSatisfaction*float32(prior) + satisfaction) / float32(prior+1)
		}
		now := time.Now().UTC()
		sk.LastUsed = &now

		_, err = tx.ExecContext(ctx,
			`UPDATE skills SET success_count = ?, failure_count = ?, avg_user_satisfaction = ?, last_used = ? WHERE id = ?`,
			sk.SuccessCount, sk.FailureCount, sk.AvgUserSatisfaction, now, sk.ID)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		updated = sk
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Skill{}, ErrNotFound
		}
		return model.Skill{}, fmt.Errorf("graph: record skill outcome %s: %w", id, err)
	}
	return updated, nil
}

// SetSkillEmbedding back-fills a skill's vector without touching version
// or the usage counters.
func (s *Store) SetSkillEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE skills SET embedding = ?, last_modified = ? WHERE id = ?`,
		model.EncodeVector(vec), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("graph: set skill embedding %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSkillArchived flips the archive flag. Archived skills keep their rows
// and history but drop out of listings and search.
func (s *Store) SetSkillArchived(ctx context.Context, id string, archived bool) error {
	flag := 0
	if archived {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE skills SET is_archived = ?, last_modified = ? WHERE id = ?`,
		flag, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("graph: set skill archived %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpSkillCoOccurrence increments the co-occurrence counter for an
// unordered skill pair and returns the updated relationship.
func (s *Store) BumpSkillCoOccurrence(ctx context.Context, id1, id2 string) (model.SkillRelationship, error) {
	if id1 == "" || id2 == "" || id1 == id2 {
		return model.SkillRelationship{}, fmt.Errorf("%w: distinct skill ids required", ErrInvalidInput)
	}
	a, b := model.CanonicalSkillPair(id1, id2)
	now := time.Now().UTC()

	var rel model.SkillRelationship
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO skill_relationships (skill_id_1, skill_id_2, relationship_type, co_occurrence_count, updated_at)
			VALUES (?, ?, 'co_occurrence', 1, ?)
			ON CONFLICT (skill_id_1, skill_id_2, relationship_type) DO UPDATE SET
				co_occurrence_count = skill_relationships.co_occurrence_count + 1,
				updated_at = excluded.updated_at`,
			a, b, now)
		if err != nil {
			return fmt.Errorf("bump: %w", err)
		}
		got, err := getSkillRelationship(ctx, tx, a, b)
		if err != nil {
			return err
		}
		rel = got
		return nil
	})
	if err != nil {
		return model.SkillRelationship{}, fmt.Errorf("graph: bump skill co-occurrence: %w", err)
	}
	return rel, nil
}

func getSkillRelationship(ctx context.Context, q querier, a, b string) (model.SkillRelationship, error) {
	var rel model.SkillRelationship
	var blob []byte
	err := q.QueryRowContext(ctx, `
		SELECT skill_id_1, skill_id_2, relationship_type, co_occurrence_count, relational_vector, updated_at
		FROM skill_relationships
		WHERE skill_id_1 = ? AND skill_id_2 = ? AND relationship_type = 'co_occurrence'`,
		a, b).Scan(&rel.SkillID1, &rel.SkillID2, &rel.RelationshipType, &rel.CoOccurrenceCount, &blob, &rel.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SkillRelationship{}, ErrNotFound
	}
	if err != nil {
		return model.SkillRelationship{}, fmt.Errorf("graph: get skill relationship: %w", err)
	}
	if len(blob) > 0 {
		vec, err := model.DecodeVector(blob)
		if err != nil {
			return model.SkillRelationship{}, fmt.Errorf("graph: decode relational vector: %w", err)
		}
		rel.RelationalVector = vec
	}
	return rel, nil
}

// GetSkillRelationship returns the co-occurrence row for an unordered pair.
func (s *Store) GetSkillRelationship(ctx context.Context, id1, id2 string) (model.SkillRelationship, error) {
	a, b := model.CanonicalSkillPair(id1, id2)
	return getSkillRelationship(ctx, s.db, a, b)
}

// SetRelationalVector stores the materialized emb(B) - emb(A) difference
// vector for a skill pair that crossed the co-occurrence threshold.
func (s *Store) SetRelationalVector(ctx context.Context, id1, id2 string, vec []float32) error {
	a, b := model.CanonicalSkillPair(id1, id2)
	res, err := s.db.ExecContext(ctx, `
		UPDATE skill_relationships SET relational_vector = ?, updated_at = ?
		WHERE skill_id_1 = ? AND skill_id_2 = ? AND relationship_type = 'co_occurrence'`,
		model.EncodeVector(vec), time.Now().UTC(), a, b)
	if err != nil {
		return fmt.Errorf("graph: set relational vector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SkillRelationshipsFor returns co-occurrence rows touching the skill.
func (s *Store) SkillRelationshipsFor(ctx context.Context, id string) ([]model.SkillRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill_id_1, skill_id_2, relationship_type, co_occurrence_count, relational_vector, updated_at
		FROM skill_relationships WHERE skill_id_1 = ? OR skill_id_2 = ?`, id, id)
	if err != nil {
		return nil, fmt.Errorf("graph: skill relationships for %s: %w", id, err)
	}
	defer rows.Close()

	var out []model.SkillRelationship
	for rows.Next() {
		var rel model.SkillRelationship
		var blob []byte
		if err := rows.Scan(&rel.SkillID1, &rel.SkillID2, &rel.RelationshipType,
			&rel.CoOccurrenceCount, &blob, &rel.UpdatedAt); err != nil {
			return nil, fmt.Errorf("graph: scan skill relationship: %w", err)
		}
		if len(blob) > 0 {
			vec, err := model.DecodeVector(blob)
			if err != nil {
				return nil, fmt.Errorf("graph: decode relational vector: %w", err)
			}
			rel.RelationalVector = vec
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}
