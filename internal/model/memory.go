// Package model defines the core data types shared across Vesper's memory
// tiers: working-tier conversations, the semantic knowledge graph (entities,
// relationships, facts, conflicts), the procedural skill library, and backup
// metadata. Types here have no behavior beyond validation and conversion;
// the tiers own all lifecycle logic.
package model

import (
	"time"
)

// DefaultNamespace isolates records when the caller does not name one.
const DefaultNamespace = "default"

// EmbeddingDims is the fixed dimensionality of all vectors in the system.
// Every stored embedding is unit-normalized at this size.
const EmbeddingDims = 1024

// Conversation is one working-tier record: a short conversational episode
// with its embedding and lightweight extraction results.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	Namespace      string    `json:"namespace"`
	Timestamp      time.Time `json:"timestamp"`
	FullText       string    `json:"full_text"`
	Embedding      []float32 `json:"embedding,omitempty"`
	KeyEntities    []string  `json:"key_entities,omitempty"`
	Topics         []string  `json:"topics,omitempty"`
	UserIntent     string    `json:"user_intent,omitempty"`
	MemoryType     string    `json:"memory_type,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	// NeedsEmbedding marks a record stored while the embedding service was
	// unreachable; consolidation back-fills it.
	NeedsEmbedding bool `json:"needs_embedding,omitempty"`
}

// ScoredConversation pairs a working-tier record with its cosine similarity
// to a query.
type ScoredConversation struct {
	Conversation Conversation `json:"conversation"`
	Similarity   float32      `json:"similarity"`
}

// Source identifies which tier produced a retrieval result.
type Source string

const (
	SourceWorking  Source = "working"
	SourceSemantic Source = "semantic"
	SourceSkill    Source = "skill"
	SourceHybrid   Source = "hybrid"
)

// PathHop is one edge of a multi-hop retrieval path, recorded for
// explainability: src --rel_type--> tgt.
type PathHop struct {
	Source       string `json:"source"`
	RelationType string `json:"relation_type"`
	Target       string `json:"target"`
}

// RetrievalResult is one merged answer row with provenance.
type RetrievalResult struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Score          float32   `json:"score"`
	Source         Source    `json:"source"`
	Path           []PathHop `json:"path,omitempty"`
	MatchedTrigger string    `json:"matched_trigger,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}
