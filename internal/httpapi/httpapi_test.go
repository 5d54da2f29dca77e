package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexgate/internal/contextbuilder"
	"cortexgate/internal/dialogue"
	"cortexgate/internal/embedding"
	"cortexgate/internal/extraction"
	"cortexgate/internal/ingestion"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/llm"
	"cortexgate/internal/ratelimit"
	"cortexgate/internal/relationship"
	"cortexgate/internal/tenancy"
	"cortexgate/internal/vectorindex"
)

type fakeVerifier struct {
	keys map[string]tenancy.ApiKey
}

func (f *fakeVerifier) Verify(_ context.Context, secret string) (tenancy.ApiKey, error) {
	k, ok := f.keys[secret]
	if !ok {
		return tenancy.ApiKey{}, tenancy.ErrKeyNotFound
	}
	return k, nil
}
func (f *fakeVerifier) TouchKey(context.Context, string) error { return nil }

type fakeProvider struct {
	reply llm.Message
	usage llm.Usage
	err   error
}

func (f fakeProvider) Chat(context.Context, []llm.Message, string, llm.ChatOptions) (llm.Message, llm.Usage, error) {
	return f.reply, f.usage, f.err
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

func newTestServer(t *testing.T, provider llm.Provider) (*Server, *fakeVerifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := knowledge.NewMemoryStore()
	verifier := &fakeVerifier{keys: map[string]tenancy.ApiKey{"sk-good": {ID: "key-1", TenantID: "tenant-1", Active: true}}}
	engine := ratelimit.New(rdb, store, ratelimit.Limits{PerMinute: 100, PerHour: 1000}, ratelimit.Pricing{})
	embedder := embedding.NewDeterministic(8, true, 1)
	builder := contextbuilder.New(nullIndex{}, store, embedder, func(string) int { return 4000 })

	pipeline := &ingestion.Pipeline{
		Store:        store,
		Index:        nullIndex{},
		Embedder:     embedder,
		Dialogue:     dialogue.New(store, provider, "test-model"),
		Extractor:    extraction.New(provider, "test-model"),
		Relationship: relationship.New(nullIndex{}, store, embedder),
		Summarize:    ingestion.SummarizeConfig{TurnCountThreshold: 1000, TokenThreshold: 1000000},
	}

	srv := NewServer(&Server{
		Auth:      verifier,
		RateLimit: engine,
		Context:   builder,
		Provider:  provider,
		Embedder:  embedder,
		Pipeline:  pipeline,
		Models:    []ModelInfo{{ID: "test-model", OwnedBy: "cortexgate", MaxTokens: 4096, KnowledgeAware: true}},
	})
	return srv, verifier
}

func TestChatCompletionsRejectsMissingAuth(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{reply: llm.Message{Role: "assistant", Content: "hi"}})

	body := bytes.NewBufferString(`{"model":"test-model","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, 401, rec.Code)
}

func TestChatCompletionsHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{reply: llm.Message{Role: "assistant", Content: "hi there"}, usage: llm.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}})

	body := bytes.NewBufferString(`{"model":"test-model","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestChatCompletionsReturnsBadGatewayOnUpstreamFailure(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{err: assert.AnError})

	body := bytes.NewBufferString(`{"model":"test-model","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, 502, rec.Code)
	assert.EqualValues(t, 1, srv.RateLimit.CurrentUsage(context.Background(), "tenant-1").ReqPerMin,
		"the request was admitted, so the admission counter must still be incremented on upstream failure")
}

func TestChatCompletionsReturnsGatewayTimeoutOnUpstreamDeadlineExceeded(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{err: context.DeadlineExceeded})

	body := bytes.NewBufferString(`{"model":"test-model","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, 504, rec.Code)
}

func TestChatCompletionsRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{})

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(`not json`))
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{})

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	data := payload["data"].([]any)
	assert.Len(t, data, 1)
}

func TestJobsHealthReportsOkWithNoHealthChecker(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{})

	req := httptest.NewRequest("GET", "/jobs/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}

func TestSessionSummarizeJobSummarizesNothingWhenNoCandidates(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{})

	req := httptest.NewRequest("POST", "/jobs/session-summarize?batch_size=10", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, float64(0), payload["summarized"])
}

func TestEmbeddingsHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, fakeProvider{})

	req := httptest.NewRequest("POST", "/v1/embeddings", bytes.NewBufferString(`{"model":"test-model","input":"hello world"}`))
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp embeddingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Len(t, resp.Data[0].Embedding, 8)
}
