package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexgate/internal/domain"
)

func TestCreateAndGetObjectIsTenantScoped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	obj := domain.KnowledgeObject{ID: "obj-1", TenantID: "tenant-a", Type: domain.TypeTurn, CreatedAt: time.Now()}
	variant := domain.ContentVariant{ID: "var-1", KnowledgeObjectID: "obj-1", Variant: domain.VariantRaw, Content: "hello"}
	require.NoError(t, s.CreateObjectsWithVariants(ctx, []ObjectWithVariant{{Object: obj, Variant: variant}}))

	got, found, err := s.GetObject(ctx, "tenant-a", "obj-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "obj-1", got.ID)

	_, found, err = s.GetObject(ctx, "tenant-b", "obj-1")
	require.NoError(t, err)
	assert.False(t, found, "object from another tenant must not be visible")

	variants, err := s.GetVariants(ctx, "tenant-a", "obj-1")
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "hello", variants[0].Content)
}

func TestArchiveObjectHidesItFromGetObject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	obj := domain.KnowledgeObject{ID: "obj-2", TenantID: "tenant-a", Type: domain.TypeSessionMemory, CreatedAt: time.Now()}
	require.NoError(t, s.CreateObjectsWithVariants(ctx, []ObjectWithVariant{{Object: obj, Variant: domain.ContentVariant{ID: "v", KnowledgeObjectID: "obj-2", Variant: domain.VariantShort}}}))

	require.NoError(t, s.ArchiveObject(ctx, "tenant-a", "obj-2"))

	_, found, err := s.GetObject(ctx, "tenant-a", "obj-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertRelationshipRejectsSelfLoop(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpsertRelationship(context.Background(), domain.KnowledgeRelationship{SourceID: "a", TargetID: "a", Type: domain.RelationSupports})
	assert.Error(t, err)
}

func TestListRelationshipsExcludesArchivedEndpoints(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := domain.KnowledgeObject{ID: "a", TenantID: "t1", Type: domain.TypeTurn, CreatedAt: time.Now()}
	b := domain.KnowledgeObject{ID: "b", TenantID: "t1", Type: domain.TypeTurn, CreatedAt: time.Now()}
	require.NoError(t, s.CreateObjectsWithVariants(ctx, []ObjectWithVariant{
		{Object: a, Variant: domain.ContentVariant{ID: "va", KnowledgeObjectID: "a", Variant: domain.VariantRaw}},
		{Object: b, Variant: domain.ContentVariant{ID: "vb", KnowledgeObjectID: "b", Variant: domain.VariantRaw}},
	}))
	require.NoError(t, s.UpsertRelationship(ctx, domain.KnowledgeRelationship{SourceID: "a", TargetID: "b", Type: domain.RelationReferences, CreatedAt: time.Now()}))

	rels, err := s.ListRelationships(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Len(t, rels, 1)

	require.NoError(t, s.ArchiveObject(ctx, "t1", "b"))
	rels, err = s.ListRelationships(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Empty(t, rels, "relationship to an archived object must not be listed")
}

func TestDialogueStateRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	st, err := s.GetOrCreateDialogueState(ctx, "t1", "sess-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", st.TenantID)
	assert.Equal(t, 0, st.TurnCount)

	st.TurnCount = 3
	st.SummaryShort = "discussing Go modules"
	require.NoError(t, s.SaveDialogueState(ctx, st))

	again, err := s.GetOrCreateDialogueState(ctx, "t1", "sess-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, again.TurnCount)
	assert.Equal(t, "discussing Go modules", again.SummaryShort)
}

func TestUsageStatsAggregatesByModelWithinWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendUsageLog(ctx, domain.UsageLog{TenantID: "t1", Model: "gpt-x", InputTokens: 10, OutputTokens: 5, Timestamp: base}))
	require.NoError(t, s.AppendUsageLog(ctx, domain.UsageLog{TenantID: "t1", Model: "gpt-x", InputTokens: 20, OutputTokens: 10, Timestamp: base.Add(time.Hour)}))
	require.NoError(t, s.AppendUsageLog(ctx, domain.UsageLog{TenantID: "t1", Model: "gpt-y", InputTokens: 1, OutputTokens: 1, Timestamp: base.Add(2 * time.Hour)}))
	require.NoError(t, s.AppendUsageLog(ctx, domain.UsageLog{TenantID: "t2", Model: "gpt-x", InputTokens: 99, OutputTokens: 99, Timestamp: base}))

	stats, err := s.UsageStats(ctx, "t1", base, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRequests)
	assert.Equal(t, 45, stats.TotalTokens)
	assert.Equal(t, 2, stats.ByModel["gpt-x"].Requests)
	_, hasY := stats.ByModel["gpt-y"]
	assert.False(t, hasY, "usage outside the window must be excluded")
}
