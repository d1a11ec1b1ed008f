package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/model"
)

// RecordBackup writes one backup metadata row.
func (s *Store) RecordBackup(ctx context.Context, b model.BackupMetadata) (model.BackupMetadata, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Namespace == "" {
		b.Namespace = model.DefaultNamespace
	}
	if b.BackupType == "" {
		b.BackupType = model.BackupConsolidation
	}
	if b.Status == "" {
		b.Status = "completed"
	}
	if b.BackupTimestamp.IsZero() {
		b.BackupTimestamp = time.Now().UTC()
	}
	if b.ExpiresAt.IsZero() {
		b.ExpiresAt = b.BackupTimestamp.AddDate(0, 0, 7)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_metadata (id, namespace, backup_timestamp, backup_type, status, memory_count, entity_count, relationship_count, expires_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.Namespace, b.BackupTimestamp, string(b.BackupType), b.Status,
		b.MemoryCount, b.EntityCount, b.RelationshipCount, b.ExpiresAt, b.Notes)
	if err != nil {
		return model.BackupMetadata{}, fmt.Errorf("graph: record backup: %w", err)
	}
	return b, nil
}

// ListBackups returns backup rows for the namespace, newest first.
func (s *Store) ListBackups(ctx context.Context, namespace string) ([]model.BackupMetadata, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, backup_timestamp, backup_type, status, memory_count, entity_count, relationship_count, expires_at, notes
		FROM backup_metadata WHERE namespace = ? ORDER BY backup_timestamp DESC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("graph: list backups: %w", err)
	}
	defer rows.Close()

	var out []model.BackupMetadata
	for rows.Next() {
		var b model.BackupMetadata
		var id string
		if err := rows.Scan(&id, &b.Namespace, &b.BackupTimestamp, &b.BackupType, &b.Status,
			&b.MemoryCount, &b.EntityCount, &b.RelationshipCount, &b.ExpiresAt, &b.Notes); err != nil {
			return nil, fmt.Errorf("graph: scan backup: %w", err)
		}
		if b.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("graph: parse backup id %q: %w", id, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PruneExpiredBackups deletes metadata rows past their expiry and returns
// how many were removed.
func (s *Store) PruneExpiredBackups(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backup_metadata WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("graph: prune expired backups: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
