// Package domain defines the entities shared by every subsystem: knowledge
// objects and their content variants, the relationships discovered between
// them, per-session dialogue state, and append-only usage records.
package domain

import "time"

// KnowledgeObjectType enumerates the kinds of knowledge the system stores.
type KnowledgeObjectType string

const (
	TypeTurn           KnowledgeObjectType = "TURN"
	TypeExtractedFact  KnowledgeObjectType = "EXTRACTED_FACT"
	TypeSessionMemory  KnowledgeObjectType = "SESSION_MEMORY"
	TypeFileChunk      KnowledgeObjectType = "FILE_CHUNK"
	TypeSummary        KnowledgeObjectType = "SUMMARY"
)

// ContentVariantKind enumerates the renderings a KnowledgeObject may have.
type ContentVariantKind string

const (
	VariantRaw          ContentVariantKind = "RAW"
	VariantShort        ContentVariantKind = "SHORT"
	VariantBulletFacts  ContentVariantKind = "BULLET_FACTS"
)

// RelationshipType enumerates the edges the relationship discoverer emits.
type RelationshipType string

const (
	RelationSupports   RelationshipType = "SUPPORTS"
	RelationReferences RelationshipType = "REFERENCES"
	RelationContradicts RelationshipType = "CONTRADICTS"
)

// KnowledgeObject is an immutable-once-created unit of stored knowledge.
type KnowledgeObject struct {
	ID             string
	TenantID       string
	Type           KnowledgeObjectType
	SessionID      string
	UserID         string
	ParentID       string
	Tags           []string
	Metadata       map[string]any
	Archived       bool
	CreatedAt      time.Time
	OriginalTokens int
}

// ContentVariant is an alternative rendering of a KnowledgeObject's payload.
type ContentVariant struct {
	ID                string
	KnowledgeObjectID string
	Variant           ContentVariantKind
	Content           string
	Tokens            int
	CreatedAt         time.Time
}

// KnowledgeRelationship is a directed, weakly-referenced edge between two
// KnowledgeObjects.
type KnowledgeRelationship struct {
	ID         string
	SourceID   string
	TargetID   string
	Type       RelationshipType
	Confidence float64
	Evidence   string
	DetectedBy string
	CreatedAt  time.Time
}

// DialogueState is the per-session rolling context.
type DialogueState struct {
	ID               string
	TenantID         string
	SessionID        string
	UserID           string
	SummaryShort     string
	SummaryBullets   []string
	Topics           []string
	CumulativeTokens int
	TurnCount        int
	LastUpdatedAt    time.Time

	// TurnsSinceSummary and TokensSinceSummary back the conditional
	// session-summarization trigger; they reset to zero whenever
	// dialogue.Service.Summarize runs. The ingestion pipeline then creates a
	// SESSION_MEMORY object; the /jobs/session-summarize path does not.
	TurnsSinceSummary  int
	TokensSinceSummary int

	// RecentTurns is a bounded metadata buffer of the last N turns, used to
	// give the summarizer and memory extractor short-term recall without a
	// second round trip to the knowledge store.
	RecentTurns []TurnRef
}

// TurnRef is a compact pointer into RecentTurns.
type TurnRef struct {
	UserTurnID      string
	AssistantTurnID string
	At              time.Time
}

// UsageLog is an append-only usage record.
type UsageLog struct {
	TenantID        string
	UserID          string
	SessionID       string
	RequestID       string
	Model           string
	InputTokens     int
	OutputTokens    int
	KnowledgeTokens int
	Cost            float64
	Timestamp       time.Time
}
