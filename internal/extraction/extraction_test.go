package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexgate/internal/llm"
)

type fakeProvider struct {
	reply llm.Message
	err   error
}

func (f fakeProvider) Chat(context.Context, []llm.Message, string, llm.ChatOptions) (llm.Message, llm.Usage, error) {
	return f.reply, llm.Usage{}, f.err
}

func TestExtractParsesWellFormedJSON(t *testing.T) {
	reply := llm.Message{Content: `Sure, here you go: {"facts":[{"content":"User likes Go","source":"turn","confidence":0.9,"tags":["pref"]}],"entities":[],"tasks":[],"confidence":0.9}`}
	e := New(fakeProvider{reply: reply}, "test-model")

	result := e.Extract(context.Background(), "I really like Go", "Noted.", "")
	require.Len(t, result.Facts, 1)
	assert.Equal(t, "user likes go", result.Facts[0].Content)
	assert.Equal(t, "llm", result.Metadata["extraction_method"])
}

func TestExtractFallsBackOnUpstreamError(t *testing.T) {
	e := New(fakeProvider{err: errors.New("boom")}, "test-model")
	result := e.Extract(context.Background(), "hello there", "hi", "")
	assert.Equal(t, "fallback", result.Metadata["extraction_method"])
	assert.NotEmpty(t, result.Facts)
}

func TestExtractFallsBackOnUnparseableReply(t *testing.T) {
	e := New(fakeProvider{reply: llm.Message{Content: "not json at all"}}, "test-model")
	result := e.Extract(context.Background(), "hello there", "hi", "")
	assert.Equal(t, "fallback", result.Metadata["extraction_method"])
}

func TestValidateAndDedupeFactsDropsInvalidAndCoalescesDuplicates(t *testing.T) {
	facts := []Fact{
		{Content: "  Likes   Go  ", Confidence: 0.5},
		{Content: "likes go", Confidence: 0.9},
		{Content: "", Confidence: 0.5},
		{Content: "bad confidence", Confidence: 1.5},
	}
	out := validateAndDedupeFacts(facts)
	require.Len(t, out, 1)
	assert.Equal(t, "likes go", out[0].Content)
	assert.Equal(t, 0.9, out[0].Confidence)
}

func TestExtractJSONObjectFindsFirstBalancedObject(t *testing.T) {
	s := `prefix text {"a": {"b": 1}} suffix {"c": 2}`
	got := extractJSONObject(s)
	assert.Equal(t, `{"a": {"b": 1}}`, got)
}
