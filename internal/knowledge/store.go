// Package knowledge persists KnowledgeObjects, their ContentVariants,
// KnowledgeRelationships, DialogueStates, and UsageLogs. Every read path
// filters on tenantId and excludes archived objects and orphaned
// relationships, per the ownership invariants of the data model.
package knowledge

import (
	"context"
	"time"

	"cortexgate/internal/domain"
)

// ObjectWithVariant bundles a KnowledgeObject with its first ContentVariant,
// since an object is never created without at least one variant.
type ObjectWithVariant struct {
	Object  domain.KnowledgeObject
	Variant domain.ContentVariant
}

// ModelStats aggregates usage for one model within a Stats() window.
type ModelStats struct {
	Requests int
	Tokens   int
	Cost     float64
}

// StatsResult is the return value of Store.UsageStats.
type StatsResult struct {
	TotalRequests int
	TotalTokens   int
	TotalCost     float64
	ByModel       map[string]ModelStats
}

// Store is the persistence boundary for everything in the data model except
// embeddings themselves, which live behind vectorindex.Index.
type Store interface {
	InitSchema(ctx context.Context) error

	// CreateObjectsWithVariants persists one or more objects and their first
	// variant atomically: either all succeed or none are committed. Used for
	// the user+assistant TURN pair in ingestion step 1, and for single-object
	// creates elsewhere (len(objs) == 1).
	CreateObjectsWithVariants(ctx context.Context, objs []ObjectWithVariant) error

	// AddVariant adds an additional rendering to an existing object.
	AddVariant(ctx context.Context, tenantID string, variant domain.ContentVariant) error

	GetObject(ctx context.Context, tenantID, objectID string) (domain.KnowledgeObject, bool, error)
	GetVariants(ctx context.Context, tenantID, objectID string) ([]domain.ContentVariant, error)
	ArchiveObject(ctx context.Context, tenantID, objectID string) error

	UpsertRelationship(ctx context.Context, rel domain.KnowledgeRelationship) error
	ListRelationships(ctx context.Context, tenantID, objectID string) ([]domain.KnowledgeRelationship, error)
	CleanupRelationshipsOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int, error)

	GetOrCreateDialogueState(ctx context.Context, tenantID, sessionID, userID string) (domain.DialogueState, error)
	SaveDialogueState(ctx context.Context, state domain.DialogueState) error

	// ListDialogueStatesNeedingSummary returns up to limit sessions, across
	// all tenants, whose TurnsSinceSummary or TokensSinceSummary has crossed
	// the given threshold. Backs the batch session-summarize job.
	ListDialogueStatesNeedingSummary(ctx context.Context, turnThreshold, tokenThreshold, limit int) ([]domain.DialogueState, error)

	AppendUsageLog(ctx context.Context, log domain.UsageLog) error
	UsageStats(ctx context.Context, tenantID string, from, to time.Time) (StatsResult, error)
}
