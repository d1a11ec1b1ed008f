package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vesper-ai/vesper/internal/model"
)

// MemoryRecord is the canonical durable copy of one stored memory. The
// working tier and vector index hold projections of this row.
type MemoryRecord struct {
	ID             string
	Namespace      string
	Content        string
	MemoryType     string
	AgentID        string
	TaskID         string
	Embedding      []float32
	NeedsEmbedding bool
	// DecayRate scales relationship decay for knowledge derived from this
	// memory. Decisions use 0.5 so rationale outlives chit-chat.
	DecayRate float64
	CreatedAt time.Time
}

const memoryColumns = `id, namespace, content, memory_type, agent_id, task_id, embedding, needs_embedding, decay_rate, created_at`

func scanMemory(row interface{ Scan(...any) error }) (MemoryRecord, error) {
	var m MemoryRecord
	var blob []byte
	var needsEmbedding int
	err := row.Scan(&m.ID, &m.Namespace, &m.Content, &m.MemoryType, &m.AgentID, &m.TaskID,
		&blob, &needsEmbedding, &m.DecayRate, &m.CreatedAt)
	if err != nil {
		return MemoryRecord{}, err
	}
	m.NeedsEmbedding = needsEmbedding != 0
	if len(blob) > 0 {
		vec, err := model.DecodeVector(blob)
		if err != nil {
			return MemoryRecord{}, fmt.Errorf("graph: decode memory embedding: %w", err)
		}
		m.Embedding = vec
	}
	return m, nil
}

// InsertMemory stores the canonical memory row. Storing the same id twice
// returns ErrConflict.
func (s *Store) InsertMemory(ctx context.Context, m MemoryRecord) error {
	if m.ID == "" || m.Content == "" {
		return fmt.Errorf("%w: memory id and content required", ErrInvalidInput)
	}
	if m.Namespace == "" {
		m.Namespace = model.DefaultNamespace
	}
	if m.MemoryType == "" {
		m.MemoryType = "conversation"
	}
	if m.DecayRate == 0 {
		m.DecayRate = 1.0
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var blob []byte
	if len(m.Embedding) > 0 {
		blob = model.EncodeVector(m.Embedding)
	}
	needsEmbedding := 0
	if m.NeedsEmbedding {
		needsEmbedding = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, namespace, content, memory_type, agent_id, task_id, embedding, needs_embedding, decay_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Namespace, m.Content, m.MemoryType, m.AgentID, m.TaskID,
		blob, needsEmbedding, m.DecayRate, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: memory %s exists", ErrConflict, m.ID)
		}
		return fmt.Errorf("graph: insert memory: %w", err)
	}
	return nil
}

// GetMemory returns one memory row by id.
func (s *Store) GetMemory(ctx context.Context, namespace, id string) (MemoryRecord, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE namespace = ? AND id = ?`, namespace, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryRecord{}, ErrNotFound
	}
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("graph: get memory %s: %w", id, err)
	}
	return m, nil
}

// RecentMemories returns the newest rows in the namespace.
func (s *Store) RecentMemories(ctx context.Context, namespace string, limit int) ([]MemoryRecord, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE namespace = ? ORDER BY created_at DESC LIMIT ?`,
		namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("graph: recent memories: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MemoriesSince returns rows created at or after cutoff, oldest first, in
// consolidation's processing order.
func (s *Store) MemoriesSince(ctx context.Context, namespace string, cutoff time.Time) ([]MemoryRecord, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE namespace = ? AND created_at >= ? ORDER BY created_at ASC`,
		namespace, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("graph: memories since: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MemoriesNeedingEmbedding returns rows stored while the embedding service
// was down, oldest first, for consolidation back-fill.
func (s *Store) MemoriesNeedingEmbedding(ctx context.Context, namespace string, limit int) ([]MemoryRecord, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE namespace = ? AND needs_embedding = 1 ORDER BY created_at ASC LIMIT ?`,
		namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("graph: memories needing embedding: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMemoryEmbedding back-fills a memory's vector and clears the pending flag.
func (s *Store) SetMemoryEmbedding(ctx context.Context, namespace, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ?, needs_embedding = 0 WHERE namespace = ? AND id = ?`,
		model.EncodeVector(vec), namespace, id)
	if err != nil {
		return fmt.Errorf("graph: set memory embedding %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMemory removes the canonical row.
func (s *Store) DeleteMemory(ctx context.Context, namespace, id string) error {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("graph: delete memory %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NamespaceStats summarizes one namespace's footprint across the graph store.
type NamespaceStats struct {
	Namespace     string    `json:"namespace"`
	Memories      int       `json:"memories"`
	Entities      int       `json:"entities"`
	Relationships int       `json:"relationships"`
	Facts         int       `json:"facts"`
	OpenConflicts int       `json:"open_conflicts"`
	Skills        int       `json:"skills"`
	OldestMemory  time.Time `json:"oldest_memory,omitempty"`
	NewestMemory  time.Time `json:"newest_memory,omitempty"`
}

// StatsFor counts a namespace's rows table by table.
func (s *Store) StatsFor(ctx context.Context, namespace string) (NamespaceStats, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	st := NamespaceStats{Namespace: namespace}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM memories WHERE namespace = ?`, &st.Memories},
		{`SELECT COUNT(*) FROM entities WHERE namespace = ?`, &st.Entities},
		{`SELECT COUNT(*) FROM relationships WHERE namespace = ?`, &st.Relationships},
		{`SELECT COUNT(*) FROM facts WHERE namespace = ?`, &st.Facts},
		{`SELECT COUNT(*) FROM conflicts WHERE namespace = ? AND resolution_status = 'open'`, &st.OpenConflicts},
		{`SELECT COUNT(*) FROM skills WHERE namespace = ? AND is_archived = 0`, &st.Skills},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, namespace).Scan(c.dest); err != nil {
			return NamespaceStats{}, fmt.Errorf("graph: namespace stats: %w", err)
		}
	}

	// MIN/MAX strip the column's declared type, so the driver would hand
	// back a raw string; plain column reads keep the TIMESTAMP conversion.
	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT created_at FROM memories WHERE namespace = ?1 ORDER BY created_at ASC LIMIT 1),
		        (SELECT created_at FROM memories WHERE namespace = ?1 ORDER BY created_at DESC LIMIT 1)`, namespace).
		Scan(&oldest, &newest)
	if err != nil {
		return NamespaceStats{}, fmt.Errorf("graph: namespace stats range: %w", err)
	}
	if oldest.Valid {
		st.OldestMemory = oldest.Time
	}
	if newest.Valid {
		st.NewestMemory = newest.Time
	}
	return st, nil
}

// Namespaces lists every namespace that has at least one memory, entity, or
// skill row.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace FROM memories
		UNION SELECT namespace FROM entities
		UNION SELECT namespace FROM skills
		ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("graph: list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("graph: scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}
