// Package ingestion implements ProcessTurn: durable turn persistence
// followed by asynchronous memory extraction, conditional summarization, and
// relationship discovery.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cortexgate/internal/dialogue"
	"cortexgate/internal/domain"
	"cortexgate/internal/embedding"
	"cortexgate/internal/extraction"
	"cortexgate/internal/ingestqueue"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/relationship"
	"cortexgate/internal/tokenutil"
	"cortexgate/internal/vectorindex"
)

// Result is the ProcessTurn return value.
type Result struct {
	UserTurnID      string
	AssistantTurnID string
	MemoryIDs       []string
	SessionMemoryID string
}

// SummarizeConfig configures the conditional summarization trigger.
type SummarizeConfig struct {
	TurnCountThreshold int
	TokenThreshold     int
}

// Pipeline wires together every component step 1-5 of ProcessTurn touches.
type Pipeline struct {
	Store        knowledge.Store
	Index        vectorindex.Index
	Embedder     embedding.Embedder
	Dialogue     *dialogue.Service
	Extractor    *extraction.Extractor
	Relationship *relationship.Discoverer
	Queue        ingestqueue.Queue
	Summarize    SummarizeConfig
}

// ProcessTurn persists the turn pair synchronously and submits steps 2-5 to
// the ingest queue. It returns to the caller only after the turn is durable.
func (p *Pipeline) ProcessTurn(ctx context.Context, tenantID, sessionID, userID, userMessage, assistantMessage string, promptTokens, completionTokens, knowledgeTokens int) (Result, error) {
	now := time.Now().UTC()
	userTurnID := uuid.New().String()
	assistantTurnID := uuid.New().String()

	userTokens := tokenutil.EstimateTokens(userMessage)
	assistantTokens := tokenutil.EstimateTokens(assistantMessage)

	objs := []knowledge.ObjectWithVariant{
		{
			Object: domain.KnowledgeObject{ID: userTurnID, TenantID: tenantID, Type: domain.TypeTurn, SessionID: sessionID, UserID: userID, CreatedAt: now, OriginalTokens: userTokens},
			Variant: domain.ContentVariant{ID: uuid.New().String(), KnowledgeObjectID: userTurnID, Variant: domain.VariantRaw, Content: userMessage, Tokens: userTokens, CreatedAt: now},
		},
		{
			Object: domain.KnowledgeObject{ID: assistantTurnID, TenantID: tenantID, Type: domain.TypeTurn, SessionID: sessionID, UserID: userID, ParentID: userTurnID, CreatedAt: now, OriginalTokens: assistantTokens},
			Variant: domain.ContentVariant{ID: uuid.New().String(), KnowledgeObjectID: assistantTurnID, Variant: domain.VariantRaw, Content: assistantMessage, Tokens: assistantTokens, CreatedAt: now},
		},
	}

	if err := p.Store.CreateObjectsWithVariants(ctx, objs); err != nil {
		return Result{}, fmt.Errorf("persist turn: %w", err)
	}

	p.indexVariant(ctx, tenantID, objs[0].Object, objs[0].Variant)
	p.indexVariant(ctx, tenantID, objs[1].Object, objs[1].Variant)

	if p.Queue != nil {
		p.Queue.Submit(ingestqueue.Envelope{
			TenantID: tenantID, SessionID: sessionID, UserID: userID,
			UserTurnID: userTurnID, AssistantTurnID: assistantTurnID,
			UserMessage: userMessage, AssistantMessage: assistantMessage,
			PromptTokens: promptTokens, CompletionTokens: completionTokens, KnowledgeTokens: knowledgeTokens,
			SubmittedAt: now,
		})
	}

	return Result{UserTurnID: userTurnID, AssistantTurnID: assistantTurnID}, nil
}

func (p *Pipeline) indexVariant(ctx context.Context, tenantID string, obj domain.KnowledgeObject, variant domain.ContentVariant) {
	if p.Index == nil || p.Embedder == nil {
		return
	}
	vectors, err := p.Embedder.EmbedBatch(ctx, []string{variant.Content})
	if err != nil || len(vectors) == 0 {
		return
	}
	if _, err := p.Index.Store(ctx, obj.ID, variant.ID, variant.Content, vectors[0]); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("object_id", obj.ID).Msg("ingestion: failed to index content variant")
	}
}

// HandleEnvelope runs steps 2-5 against a submitted envelope. It never
// returns an error to its caller in a way that would retry destructively:
// each step logs and continues on failure, per the documented non-fatal
// semantics for steps 2-5.
func (p *Pipeline) HandleEnvelope(ctx context.Context, env ingestqueue.Envelope) error {
	tenantID, sessionID := env.TenantID, env.SessionID

	turnRef := domain.TurnRef{UserTurnID: env.UserTurnID, AssistantTurnID: env.AssistantTurnID, At: env.SubmittedAt}
	state, err := p.Dialogue.RecordTurn(ctx, tenantID, sessionID, env.UserID, turnRef, env.PromptTokens, env.CompletionTokens, env.KnowledgeTokens)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ingestion: dialogue state update failed")
	}

	memoryIDs := p.extractMemory(ctx, tenantID, sessionID, env)

	if err == nil && dialogue.NeedsSummary(state, p.Summarize.TurnCountThreshold, p.Summarize.TokenThreshold) {
		p.summarizeSession(ctx, tenantID, sessionID, state)
	}

	newIDs := append([]string{env.UserTurnID, env.AssistantTurnID}, memoryIDs...)
	if p.Relationship != nil {
		if _, err := p.Relationship.DiscoverBatch(ctx, tenantID, newIDs); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ingestion: relationship discovery failed")
		}
	}
	return nil
}

func (p *Pipeline) extractMemory(ctx context.Context, tenantID, sessionID string, env ingestqueue.Envelope) []string {
	if p.Extractor == nil {
		return nil
	}
	result := p.Extractor.Extract(ctx, env.UserMessage, env.AssistantMessage, "")

	var ids []string
	now := time.Now().UTC()
	for _, fact := range result.Facts {
		id := p.persistExtractedMemory(ctx, tenantID, sessionID, env.UserID, now, fact.Content,
			map[string]any{"source": fact.Source, "confidence": fact.Confidence, "entity_type": "fact", "tags": fact.Tags})
		if id != "" {
			ids = append(ids, id)
		}
	}
	for _, entity := range result.Entities {
		content := entity.Name
		if entity.Description != "" {
			content = entity.Name + ": " + entity.Description
		}
		id := p.persistExtractedMemory(ctx, tenantID, sessionID, env.UserID, now, content,
			map[string]any{"confidence": entity.Confidence, "entity_type": "entity", "name": entity.Name, "type": entity.Type, "attributes": entity.Attributes})
		if id != "" {
			ids = append(ids, id)
		}
	}
	for _, task := range result.Tasks {
		id := p.persistExtractedMemory(ctx, tenantID, sessionID, env.UserID, now, task.Description,
			map[string]any{"entity_type": "task", "status": task.Status, "priority": task.Priority, "assignee": task.Assignee, "dueDate": task.DueDate})
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Pipeline) persistExtractedMemory(ctx context.Context, tenantID, sessionID, userID string, now time.Time, content string, metadata map[string]any) string {
	id := uuid.New().String()
	obj := domain.KnowledgeObject{
		ID: id, TenantID: tenantID, Type: domain.TypeExtractedFact, SessionID: sessionID, UserID: userID,
		Metadata:  metadata,
		CreatedAt: now,
	}
	variant := domain.ContentVariant{ID: uuid.New().String(), KnowledgeObjectID: id, Variant: domain.VariantBulletFacts, Content: content, Tokens: tokenutil.EstimateTokens(content), CreatedAt: now}
	if err := p.Store.CreateObjectsWithVariants(ctx, []knowledge.ObjectWithVariant{{Object: obj, Variant: variant}}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("entity_type", fmt.Sprint(metadata["entity_type"])).Msg("ingestion: failed to persist extracted memory")
		return ""
	}
	p.indexVariant(ctx, tenantID, obj, variant)
	return id
}

func (p *Pipeline) summarizeSession(ctx context.Context, tenantID, sessionID string, state domain.DialogueState) {
	recent := make([]string, 0, len(state.RecentTurns)*2)
	for _, turn := range state.RecentTurns {
		recent = append(recent, p.turnText(ctx, tenantID, turn.UserTurnID), p.turnText(ctx, tenantID, turn.AssistantTurnID))
	}
	summarized, err := p.Dialogue.Summarize(ctx, tenantID, sessionID, recent)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ingestion: session summarization failed")
		return
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	obj := domain.KnowledgeObject{ID: id, TenantID: tenantID, Type: domain.TypeSessionMemory, SessionID: sessionID, CreatedAt: now}
	variant := domain.ContentVariant{ID: uuid.New().String(), KnowledgeObjectID: id, Variant: domain.VariantShort, Content: summarized.SummaryShort, Tokens: tokenutil.EstimateTokens(summarized.SummaryShort), CreatedAt: now}
	if err := p.Store.CreateObjectsWithVariants(ctx, []knowledge.ObjectWithVariant{{Object: obj, Variant: variant}}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("ingestion: failed to persist session memory")
		return
	}
	p.indexVariant(ctx, tenantID, obj, variant)
}

func (p *Pipeline) turnText(ctx context.Context, tenantID, objectID string) string {
	if objectID == "" {
		return ""
	}
	variants, err := p.Store.GetVariants(ctx, tenantID, objectID)
	if err != nil || len(variants) == 0 {
		return ""
	}
	for _, v := range variants {
		if v.Variant == domain.VariantRaw {
			return v.Content
		}
	}
	return variants[0].Content
}
