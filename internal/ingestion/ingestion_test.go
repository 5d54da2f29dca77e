package ingestion

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexgate/internal/dialogue"
	"cortexgate/internal/domain"
	"cortexgate/internal/embedding"
	"cortexgate/internal/extraction"
	"cortexgate/internal/ingestqueue"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/llm"
	"cortexgate/internal/relationship"
	"cortexgate/internal/vectorindex"
)

type fakeProvider struct {
	reply llm.Message
	err   error
}

func (f fakeProvider) Chat(context.Context, []llm.Message, string, llm.ChatOptions) (llm.Message, llm.Usage, error) {
	return f.reply, llm.Usage{}, f.err
}

type nullIndex struct{}

func (nullIndex) Store(context.Context, string, string, string, []float32) (string, error) {
	return "", nil
}
func (nullIndex) FindSimilar(context.Context, []float32, int, map[string]string) ([]vectorindex.Match, error) {
	return nil, nil
}
func (nullIndex) Delete(context.Context, string) error { return nil }
func (nullIndex) Health(context.Context) error         { return nil }

func newTestPipeline(store knowledge.Store) *Pipeline {
	embedder := embedding.NewDeterministic(8, true, 1)
	provider := fakeProvider{reply: llm.Message{Content: `{
		"facts":[{"content":"user likes go","source":"user","confidence":0.9}],
		"entities":[{"name":"Go","type":"technology","description":"a programming language","confidence":0.8}],
		"tasks":[{"description":"write more tests","status":"open"}]
	}`}}
	return &Pipeline{
		Store:        store,
		Index:        nullIndex{},
		Embedder:     embedder,
		Dialogue:     dialogue.New(store, provider, "test-model"),
		Extractor:    extraction.New(provider, "test-model"),
		Relationship: relationship.New(nullIndex{}, store, embedder),
		Queue:        nil,
		Summarize:    SummarizeConfig{TurnCountThreshold: 1000, TokenThreshold: 1000000},
	}
}

func TestProcessTurnPersistsBothTurnObjects(t *testing.T) {
	store := knowledge.NewMemoryStore()
	p := newTestPipeline(store)

	res, err := p.ProcessTurn(context.Background(), "tenant-1", "sess-1", "user-1", "hello there", "hi, how can I help?", 10, 5, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, res.UserTurnID)
	assert.NotEmpty(t, res.AssistantTurnID)

	obj, found, err := store.GetObject(context.Background(), "tenant-1", res.UserTurnID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.TypeTurn, obj.Type)
}

func TestHandleEnvelopeUpdatesDialogueAndExtractsFacts(t *testing.T) {
	store := knowledge.NewMemoryStore()
	p := newTestPipeline(store)
	ctx := context.Background()

	res, err := p.ProcessTurn(ctx, "tenant-1", "sess-1", "user-1", "hello there", "hi, how can I help?", 10, 5, 0)
	require.NoError(t, err)

	err = p.HandleEnvelope(ctx, ingestqueue.Envelope{
		TenantID: "tenant-1", SessionID: "sess-1", UserID: "user-1",
		UserTurnID: res.UserTurnID, AssistantTurnID: res.AssistantTurnID,
		UserMessage: "hello there", AssistantMessage: "hi, how can I help?",
		PromptTokens: 10, CompletionTokens: 5,
	})
	require.NoError(t, err)

	state, err := store.GetOrCreateDialogueState(ctx, "tenant-1", "sess-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.TurnCount)

	facts := store.ObjectsByType("tenant-1", "sess-1", domain.TypeExtractedFact)
	require.Len(t, facts, 3)
	entityTypes := make(map[string]int)
	for _, f := range facts {
		entityTypes[fmt.Sprint(f.Metadata["entity_type"])]++
	}
	assert.Equal(t, 1, entityTypes["fact"])
	assert.Equal(t, 1, entityTypes["entity"])
	assert.Equal(t, 1, entityTypes["task"])
}

func TestHandleEnvelopeTriggersSummarizationWhenThresholdCrossed(t *testing.T) {
	store := knowledge.NewMemoryStore()
	p := newTestPipeline(store)
	p.Summarize = SummarizeConfig{TurnCountThreshold: 1, TokenThreshold: 1000000}
	p.Extractor = nil
	ctx := context.Background()

	res, err := p.ProcessTurn(ctx, "tenant-1", "sess-1", "user-1", "hello", "hi", 1, 1, 0)
	require.NoError(t, err)

	err = p.HandleEnvelope(ctx, ingestqueue.Envelope{
		TenantID: "tenant-1", SessionID: "sess-1", UserID: "user-1",
		UserTurnID: res.UserTurnID, AssistantTurnID: res.AssistantTurnID,
		UserMessage: "hello", AssistantMessage: "hi",
	})
	require.NoError(t, err)

	state, err := store.GetOrCreateDialogueState(ctx, "tenant-1", "sess-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.TurnsSinceSummary)

	sessionMemories := store.ObjectsByType("tenant-1", "sess-1", domain.TypeSessionMemory)
	require.Len(t, sessionMemories, 1)
}
