// Package conflicts scans the fact store for inconsistencies and records
// them without resolving anything. Detection is idempotent: the same fact
// pair and rule never produces a second conflict row, and fact values are
// never rewritten. The only side effect on facts is lowering both sides'
// confidence to at most 0.5 so downstream ranking distrusts disputed data.
package conflicts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/model"
)

// disputedConfidenceCap is applied to both facts of a detected conflict.
const disputedConfidenceCap = 0.5

// Detector runs the three conflict rules over facts in a namespace.
type Detector struct {
	store  *graph.Store
	logger *slog.Logger
}

// NewDetector wires a detector to the graph store.
func NewDetector(store *graph.Store, logger *slog.Logger) *Detector {
	return &Detector{store: store, logger: logger}
}

// Result reports one detection pass.
type Result struct {
	// New holds conflicts created by this pass; re-detections of existing
	// rows are excluded.
	New []model.Conflict
	// Examined counts fact pairs that were compared.
	Examined int
}

// DetectNamespace scans every entity in the namespace.
func (d *Detector) DetectNamespace(ctx context.Context, namespace string) (Result, error) {
	return d.detect(ctx, namespace, nil)
}

// DetectEntities scans only the given entities. Consolidation uses this to
// limit the nightly pass to entities touched by new memories.
func (d *Detector) DetectEntities(ctx context.Context, namespace string, entityIDs []uuid.UUID) (Result, error) {
	if len(entityIDs) == 0 {
		return Result{}, nil
	}
	scope := make(map[uuid.UUID]bool, len(entityIDs))
	for _, id := range entityIDs {
		scope[id] = true
	}
	return d.detect(ctx, namespace, scope)
}

func (d *Detector) detect(ctx context.Context, namespace string, scope map[uuid.UUID]bool) (Result, error) {
	facts, err := d.store.FactsByNamespace(ctx, namespace)
	if err != nil {
		return Result{}, fmt.Errorf("conflicts: load facts: %w", err)
	}

	entityTypes, err := d.entityTypes(ctx, namespace)
	if err != nil {
		return Result{}, err
	}

	// Group facts per (entity, property); order each group oldest first so
	// "newer overrides older" reads naturally in descriptions.
	groups := make(map[string][]model.Fact)
	for _, f := range facts {
		if scope != nil && !scope[f.EntityID] {
			continue
		}
		key := f.EntityID.String() + "\x00" + strings.ToLower(f.Property)
		groups[key] = append(groups[key], f)
	}

	var res Result
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				res.Examined++
				older, newer := group[i], group[j]
				typ, severity, ok := classify(older, newer, entityTypes[older.EntityID])
				if !ok {
					continue
				}
				created, err := d.record(ctx, namespace, older, newer, typ, severity)
				if err != nil {
					return Result{}, err
				}
				if created != nil {
					res.New = append(res.New, *created)
				}
			}
		}
	}

	if len(res.New) > 0 {
		d.logger.Info("conflicts detected",
			"namespace", namespace, "new", len(res.New), "examined", res.Examined)
	}
	return res, nil
}

func (d *Detector) entityTypes(ctx context.Context, namespace string) (map[uuid.UUID]model.EntityType, error) {
	entities, err := d.store.ListEntities(ctx, namespace, "")
	if err != nil {
		return nil, fmt.Errorf("conflicts: load entities: %w", err)
	}
	types := make(map[uuid.UUID]model.EntityType, len(entities))
	for _, e := range entities {
		types[e.ID] = e.Type
	}
	return types, nil
}

// classify applies the rules in priority order. Preference entities shift,
// they never contradict; two open-ended assertions of different values are a
// contradiction; overlapping bounded windows are a temporal conflict.
func classify(older, newer model.Fact, entityType model.EntityType) (model.ConflictType, model.Severity, bool) {
	if equalValues(older.Value, newer.Value) {
		return "", "", false
	}
	if entityType == model.EntityPreference {
		return model.ConflictPreferenceShift, model.SeverityLow, true
	}
	if older.OpenEnded() && newer.OpenEnded() {
		return model.ConflictContradiction, model.SeverityHigh, true
	}
	if intervalsOverlap(older, newer) {
		return model.ConflictTemporal, model.SeverityMedium, true
	}
	return "", "", false
}

func equalValues(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// intervalsOverlap treats a nil valid_from as the beginning of time and a
// nil valid_until as forever.
func intervalsOverlap(a, b model.Fact) bool {
	aStart, aEnd := interval(a)
	bStart, bEnd := interval(b)
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func interval(f model.Fact) (time.Time, time.Time) {
	start := time.Time{}
	if f.ValidFrom != nil {
		start = *f.ValidFrom
	}
	end := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if f.ValidUntil != nil {
		end = *f.ValidUntil
	}
	return start, end
}

func (d *Detector) record(ctx context.Context, namespace string, older, newer model.Fact, typ model.ConflictType, severity model.Severity) (*model.Conflict, error) {
	conflict, created, err := d.store.RecordConflict(ctx, model.Conflict{
		Namespace: namespace,
		FactID1:   older.ID,
		FactID2:   newer.ID,
		Type:      typ,
		Severity:  severity,
		Description: fmt.Sprintf("%s: %q (from %s) vs %q (from %s)",
			older.Property, older.Value, older.CreatedAt.Format("2006-01-02"),
			newer.Value, newer.CreatedAt.Format("2006-01-02")),
	})
	if err != nil {
		return nil, fmt.Errorf("conflicts: record: %w", err)
	}
	if !created {
		return nil, nil
	}

	for _, id := range []uuid.UUID{older.ID, newer.ID} {
		if err := d.store.ClampFactConfidence(ctx, id, disputedConfidenceCap); err != nil {
			return nil, err
		}
	}
	return &conflict, nil
}
