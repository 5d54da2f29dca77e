package relationship

import (
	"context"
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
}

func (f *fakeIndex) Store(context.Context, string, string, string, []float32) (string, error) {
	return "", nil
}
func (f *fakeIndex) FindSimilar(context.Context, []float32, int, map[string]string) ([]vectorindex.Match, error) {
	return f.matches, nil
}
func (f *fakeIndex) Delete(context.Context, string) error { return nil }
func (f *fakeIndex) Health(context.Context) error         { return nil }

func seedObject(t *testing.T, store *knowledge.MemoryStore, id, tenantID string) {
	t.Helper()
	obj := domain.KnowledgeObject{ID: id, TenantID: tenantID, Type: domain.TypeExtractedFact, CreatedAt: time.Now()}
	variant := domain.ContentVariant{ID: id + "-v", KnowledgeObjectID: id, Variant: domain.VariantRaw, Content: "content for " + id}
	require.NoError(t, store.CreateObjectsWithVariants(context.Background(), []knowledge.ObjectWithVariant{{Object: obj, Variant: variant}}))
}

func TestClassifyMapsScoreToType(t *testing.T) {
	assert.Equal(t, domain.RelationSupports, classify(0.95))
	assert.Equal(t, domain.RelationReferences, classify(0.7))
	assert.Equal(t, domain.RelationContradicts, classify(0.5))
	assert.Equal(t, domain.RelationReferences, classify(0.1))
}

func TestDiscoverSkipsSelfMatchAndWritesRelationships(t *testing.T) {
	store := knowledge.NewMemoryStore()
	seedObject(t, store, "obj-a", "tenant-1")
	seedObject(t, store, "obj-b", "tenant-1")

	idx := &fakeIndex{matches: []vectorindex.Match{
		{ObjectID: "obj-a", Score: 1.0}, // self-match, must be skipped
		{ObjectID: "obj-b", Score: 0.85},
	}}
	d := New(idx, store, embedding.NewDeterministic(16, true, 1))

	n, err := d.Discover(context.Background(), "tenant-1", "obj-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rels, err := store.ListRelationships(context.Background(), "tenant-1", "obj-a")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, domain.RelationSupports, rels[0].Type)
}

func TestDiscoverReturnsZeroForUnknownObject(t *testing.T) {
	store := knowledge.NewMemoryStore()
	idx := &fakeIndex{}
	d := New(idx, store, embedding.NewDeterministic(16, true, 1))

	n, err := d.Discover(context.Background(), "tenant-1", "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDiscoverBatchFansOutAcrossObjects(t *testing.T) {
	store := knowledge.NewMemoryStore()
	for _, id := range []string{"obj-a", "obj-b", "obj-c"} {
		seedObject(t, store, id, "tenant-1")
	}
	idx := &fakeIndex{matches: []vectorindex.Match{{ObjectID: "obj-z", Score: 0.9}}}
	d := New(idx, store, embedding.NewDeterministic(16, true, 1))

	seedObject(t, store, "obj-z", "tenant-1")
	total, err := d.DiscoverBatch(context.Background(), "tenant-1", []string{"obj-a", "obj-b", "obj-c"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestCleanupOlderThanRemovesStaleRelationships(t *testing.T) {
	store := knowledge.NewMemoryStore()
	seedObject(t, store, "obj-a", "tenant-1")
	seedObject(t, store, "obj-b", "tenant-1")
	require.NoError(t, store.UpsertRelationship(context.Background(), domain.KnowledgeRelationship{
		SourceID: "obj-a", TargetID: "obj-b", Type: domain.RelationReferences, CreatedAt: time.Now().Add(-48 * time.Hour),
	}))

	d := New(&fakeIndex{}, store, embedding.NewDeterministic(16, true, 1))
	removed, err := d.CleanupOlderThan(context.Background(), "tenant-1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
