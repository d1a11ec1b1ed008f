package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType classifies a semantic-tier entity.
type EntityType string

const (
	EntityPerson     EntityType = "person"
	EntityProject    EntityType = "project"
	EntityConcept    EntityType = "concept"
	EntityPreference EntityType = "preference"
)

// ValidEntityType reports whether t is one of the four known entity types.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityPerson, EntityProject, EntityConcept, EntityPreference:
		return true
	}
	return false
}

// Entity is a node in the semantic knowledge graph. Name is unique per
// (namespace, type). Entities are never deleted directly; pruning acts on
// relationships and facts.
type Entity struct {
	ID           uuid.UUID  `json:"id"`
	Namespace    string     `json:"namespace"`
	Name         string     `json:"name"`
	Type         EntityType `json:"type"`
	Description  string     `json:"description,omitempty"`
	Confidence   float32    `json:"confidence"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int        `json:"access_count"`
}

// Relationship is a weighted directed edge between two entities.
// (source, target, relation_type) is unique per namespace, endpoints must
// differ, and strength stays in (0, 1].
type Relationship struct {
	ID             uuid.UUID `json:"id"`
	Namespace      string    `json:"namespace"`
	SourceID       uuid.UUID `json:"source_id"`
	TargetID       uuid.UUID `json:"target_id"`
	RelationType   string    `json:"relation_type"`
	Strength       float32   `json:"strength"`
	Evidence       []string  `json:"evidence,omitempty"`
	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastReinforced time.Time `json:"last_reinforced"`
}

// Fact is a temporally-valid property assertion on an entity. A nil
// ValidUntil means the fact is open-ended.
type Fact struct {
	ID                 uuid.UUID  `json:"id"`
	Namespace          string     `json:"namespace"`
	EntityID           uuid.UUID  `json:"entity_id"`
	Property           string     `json:"property"`
	Value              string     `json:"value"`
	Confidence         float32    `json:"confidence"`
	ValidFrom          *time.Time `json:"valid_from,omitempty"`
	ValidUntil         *time.Time `json:"valid_until,omitempty"`
	SourceConversation string     `json:"source_conversation,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// OpenEnded reports whether the fact has no upper validity bound.
func (f Fact) OpenEnded() bool { return f.ValidUntil == nil }

// ConflictType classifies a detected fact inconsistency.
type ConflictType string

const (
	ConflictTemporal        ConflictType = "temporal"
	ConflictContradiction   ConflictType = "contradiction"
	ConflictPreferenceShift ConflictType = "preference_shift"
)

// Severity grades how disruptive a conflict is to downstream callers.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ResolutionStatus tracks the caller-driven lifecycle of a conflict record.
// The detector only ever creates conflicts as open.
type ResolutionStatus string

const (
	ResolutionOpen         ResolutionStatus = "open"
	ResolutionAcknowledged ResolutionStatus = "acknowledged"
	ResolutionSuperseded   ResolutionStatus = "superseded"
)

// Conflict is an immutable record of a pairwise fact inconsistency. The
// unordered pair {FactID1, FactID2, Type} is unique; detection never
// mutates fact values.
type Conflict struct {
	ID               uuid.UUID        `json:"id"`
	Namespace        string           `json:"namespace"`
	FactID1          uuid.UUID        `json:"fact_id_1"`
	FactID2          uuid.UUID        `json:"fact_id_2"`
	Type             ConflictType     `json:"conflict_type"`
	Description      string           `json:"description"`
	Severity         Severity         `json:"severity"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	DetectedAt       time.Time        `json:"detected_at"`
}

// CanonicalPair returns the two fact ids in a stable order so the unordered
// pair maps to a single row regardless of detection order.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}
