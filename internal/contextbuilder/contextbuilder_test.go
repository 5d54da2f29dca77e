package contextbuilder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexgate/internal/domain"
	"cortexgate/internal/embedding"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/vectorindex"
)

type fakeIndex struct {
	matches []vectorindex.Match
	err     error
}

func (f *fakeIndex) Store(context.Context, string, string, string, []float32) (string, error) {
	return "", nil
}
func (f *fakeIndex) FindSimilar(context.Context, []float32, int, map[string]string) ([]vectorindex.Match, error) {
	return f.matches, f.err
}
func (f *fakeIndex) Delete(context.Context, string) error { return nil }
func (f *fakeIndex) Health(context.Context) error         { return nil }

func seedStore(t *testing.T, tenantID string, n int) *knowledge.MemoryStore {
	t.Helper()
	store := knowledge.NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := "obj-" + string(rune('a'+i))
		obj := domain.KnowledgeObject{ID: id, TenantID: tenantID, Type: domain.TypeExtractedFact, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		variant := domain.ContentVariant{ID: id + "-v", KnowledgeObjectID: id, Variant: domain.VariantRaw, Content: "the quick brown fox jumps over lazy dog number " + string(rune('0'+i))}
		require.NoError(t, store.CreateObjectsWithVariants(context.Background(), []knowledge.ObjectWithVariant{{Object: obj, Variant: variant}}))
	}
	return store
}

func fixedBudget(n int) TokenBudgetFunc {
	return func(string) int { return n }
}

func TestBuildContextReturnsSentinelOnEmbedError(t *testing.T) {
	b := New(&fakeIndex{}, knowledge.NewMemoryStore(), failingEmbedder{}, fixedBudget(1000))
	res := b.BuildContext(context.Background(), "tenant-a", "sess-1", "hello", DefaultOptions())
	assert.Empty(t, res.ContextText)
	assert.Empty(t, res.UsedObjects)
}

func TestBuildContextReturnsSentinelOnEmptyMatches(t *testing.T) {
	b := New(&fakeIndex{matches: nil}, knowledge.NewMemoryStore(), embedding.NewDeterministic(16, true, 1), fixedBudget(1000))
	res := b.BuildContext(context.Background(), "tenant-a", "sess-1", "hello", DefaultOptions())
	assert.Empty(t, res.UsedObjects)
}

func TestBuildContextReturnsSentinelOnIndexError(t *testing.T) {
	b := New(&fakeIndex{err: errors.New("boom")}, knowledge.NewMemoryStore(), embedding.NewDeterministic(16, true, 1), fixedBudget(1000))
	res := b.BuildContext(context.Background(), "tenant-a", "sess-1", "hello", DefaultOptions())
	assert.Empty(t, res.UsedObjects)
}

func TestBuildContextAdmitsNothingWithZeroBudget(t *testing.T) {
	store := seedStore(t, "tenant-a", 3)
	idx := &fakeIndex{matches: []vectorindex.Match{
		{ObjectID: "obj-a", VariantID: "obj-a-v", Score: 0.9},
		{ObjectID: "obj-b", VariantID: "obj-b-v", Score: 0.8},
		{ObjectID: "obj-c", VariantID: "obj-c-v", Score: 0.7},
	}}
	b := New(idx, store, embedding.NewDeterministic(16, true, 1), fixedBudget(0))
	opts := DefaultOptions()
	opts.SimilarityThreshold = 0

	res := b.BuildContext(context.Background(), "tenant-a", "sess-1", "prompt", opts)
	assert.Empty(t, res.UsedObjects, "zero budget plus reserve must admit nothing")
}

func TestBuildContextDedupesByObjectKeepingBestScore(t *testing.T) {
	store := seedStore(t, "tenant-a", 1)
	idx := &fakeIndex{matches: []vectorindex.Match{
		{ObjectID: "obj-a", VariantID: "obj-a-v", Score: 0.4},
		{ObjectID: "obj-a", VariantID: "obj-a-v", Score: 0.95},
	}}
	b := New(idx, store, embedding.NewDeterministic(16, true, 1), fixedBudget(10000))
	opts := DefaultOptions()
	opts.SimilarityThreshold = 0

	res := b.BuildContext(context.Background(), "tenant-a", "sess-1", "prompt", opts)
	require.Len(t, res.UsedObjects, 1)
	assert.InDelta(t, 0.95, res.UsedObjects[0].Score, 1e-9)
}

func TestBuildContextExcludesOtherTenantObjects(t *testing.T) {
	store := seedStore(t, "tenant-other", 1)
	idx := &fakeIndex{matches: []vectorindex.Match{{ObjectID: "obj-a", VariantID: "obj-a-v", Score: 0.9}}}
	b := New(idx, store, embedding.NewDeterministic(16, true, 1), fixedBudget(10000))
	opts := DefaultOptions()
	opts.SimilarityThreshold = 0

	res := b.BuildContext(context.Background(), "tenant-a", "sess-1", "prompt", opts)
	assert.Empty(t, res.UsedObjects)
}

func TestJaccardSimilarityIdenticalStringsIsOne(t *testing.T) {
	sim := jaccardSimilarity("the quick brown fox", "the quick brown fox")
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestJaccardSimilarityDisjointIsZero(t *testing.T) {
	sim := jaccardSimilarity("alpha beta", "gamma delta")
	assert.Equal(t, 0.0, sim)
}

func TestMmrSelectPrefersDiverseCandidatesAsDiversityIncreases(t *testing.T) {
	now := time.Now()
	candidates := []candidate{
		{object: domain.KnowledgeObject{ID: "1", CreatedAt: now}, variant: domain.ContentVariant{Content: "alpha beta gamma"}, score: 0.9},
		{object: domain.KnowledgeObject{ID: "2", CreatedAt: now.Add(time.Minute)}, variant: domain.ContentVariant{Content: "alpha beta gamma"}, score: 0.89},
		{object: domain.KnowledgeObject{ID: "3", CreatedAt: now.Add(2 * time.Minute)}, variant: domain.ContentVariant{Content: "totally different content here"}, score: 0.5},
	}

	// lambda=1 (diversity=0): pure relevance order.
	selected := mmrSelect(candidates, 1.0, 3)
	require.Len(t, selected, 3)
	assert.Equal(t, "1", selected[0].object.ID)
	assert.Equal(t, "2", selected[1].object.ID)

	// lambda=0 (diversity=1): the near-duplicate of #1 is penalized, #3 should surface before #2.
	selected = mmrSelect(candidates, 0.0, 3)
	require.Len(t, selected, 3)
	assert.Equal(t, "1", selected[0].object.ID)
	assert.Equal(t, "3", selected[1].object.ID)
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding backend unavailable")
}
func (failingEmbedder) Name() string               { return "failing" }
func (failingEmbedder) Dimension() int             { return 0 }
func (failingEmbedder) Ping(context.Context) error { return errors.New("unavailable") }
