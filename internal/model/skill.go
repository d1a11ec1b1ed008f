package model

import (
	"time"

	"github.com/google/uuid"
)

// CodeType says whether a skill carries its code inline or references it.
type CodeType string

const (
	CodeInline    CodeType = "inline"
	CodeReference CodeType = "reference"
)

// MaxSkillTriggers bounds the ordered trigger list on a skill.
const MaxSkillTriggers = 5

// Skill is a procedural-tier record. Summary is kept short (≈50 tokens) for
// lazy injection into prompts; Description is loaded on demand.
type Skill struct {
	ID                  string    `json:"id"`
	Namespace           string    `json:"namespace"`
	Name                string    `json:"name"`
	Summary             string    `json:"summary"`
	Description         string    `json:"description,omitempty"`
	Category            string    `json:"category,omitempty"`
	Triggers            []string  `json:"triggers,omitempty"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	AvgUserSatisfaction float32   `json:"avg_user_satisfaction"`
	Code                string    `json:"code,omitempty"`
	CodeType            CodeType  `json:"code_type,omitempty"`
	Prerequisites       []string  `json:"prerequisites,omitempty"`
	UsesSkills          []string  `json:"uses_skills,omitempty"`
	UsedBySkills        []string  `json:"used_by_skills,omitempty"`
	Embedding           []float32 `json:"embedding,omitempty"`
	IsArchived          bool      `json:"is_archived"`
	CreatedAt           time.Time `json:"created_at"`
	LastModified        time.Time `json:"last_modified"`
	LastUsed            *time.Time `json:"last_used,omitempty"`
	Version             int       `json:"version"`
}

// QualityScore derives the ranking score from outcome counters:
// avg_satisfaction × success rate, halved while the skill is untested.
func (s Skill) QualityScore() float32 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return s.AvgUserSatisfaction * 0.5
	}
	return s.AvgUserSatisfaction * float32(s.SuccessCount) / float32(total)
}

// SkillSummary is the lightweight row returned by lazy listing.
type SkillSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Summary      string   `json:"summary"`
	Category     string   `json:"category,omitempty"`
	Triggers     []string `json:"triggers,omitempty"`
	QualityScore float32  `json:"quality_score"`
}

// SkillRelationship records co-occurrence between two skills. The pair is
// stored canonically ordered by id; RelationalVector is materialized lazily
// once CoOccurrenceCount reaches the configured threshold.
type SkillRelationship struct {
	SkillID1          string    `json:"skill_id_1"`
	SkillID2          string    `json:"skill_id_2"`
	RelationshipType  string    `json:"relationship_type"`
	CoOccurrenceCount int       `json:"co_occurrence_count"`
	RelationalVector  []float32 `json:"relational_vector,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CanonicalSkillPair orders two skill ids so the unordered pair maps to a
// single relationship row.
func CanonicalSkillPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// BackupType distinguishes pipeline-emitted backups from operator-requested ones.
type BackupType string

const (
	BackupConsolidation BackupType = "consolidation"
	BackupManual        BackupType = "manual"
)

// BackupMetadata summarizes one consolidation or manual backup pass.
type BackupMetadata struct {
	ID                uuid.UUID  `json:"id"`
	Namespace         string     `json:"namespace"`
	BackupTimestamp   time.Time  `json:"backup_timestamp"`
	BackupType        BackupType `json:"backup_type"`
	Status            string     `json:"status"`
	MemoryCount       int        `json:"memory_count"`
	EntityCount       int        `json:"entity_count"`
	RelationshipCount int        `json:"relationship_count"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Notes             string     `json:"notes,omitempty"`
}
