package knowledge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexgate/internal/domain"
	"cortexgate/internal/objectstore"
)

func TestBlobBackedStoreOffloadsLargeContentAndResolvesOnRead(t *testing.T) {
	inner := NewMemoryStore()
	blobs := objectstore.NewMemoryStore()
	store := NewBlobBackedStore(inner, blobs, 16)

	large := strings.Repeat("x", 100)
	obj := domain.KnowledgeObject{ID: "obj-1", TenantID: "tenant-1", Type: domain.TypeTurn, CreatedAt: time.Now()}
	variant := domain.ContentVariant{ID: "v1", KnowledgeObjectID: "obj-1", Variant: domain.VariantRaw, Content: large}

	require.NoError(t, store.CreateObjectsWithVariants(context.Background(), []ObjectWithVariant{{Object: obj, Variant: variant}}))

	raw, err := inner.GetVariants(context.Background(), "tenant-1", "obj-1")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.True(t, strings.HasPrefix(raw[0].Content, blobRefPrefix), "relational row should hold a blob reference, not the full payload")

	resolved, err := store.GetVariants(context.Background(), "tenant-1", "obj-1")
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, large, resolved[0].Content)
}

func TestBlobBackedStoreKeepsSmallContentInline(t *testing.T) {
	inner := NewMemoryStore()
	blobs := objectstore.NewMemoryStore()
	store := NewBlobBackedStore(inner, blobs, 4096)

	obj := domain.KnowledgeObject{ID: "obj-1", TenantID: "tenant-1", Type: domain.TypeTurn, CreatedAt: time.Now()}
	variant := domain.ContentVariant{ID: "v1", KnowledgeObjectID: "obj-1", Variant: domain.VariantRaw, Content: "short"}

	require.NoError(t, store.CreateObjectsWithVariants(context.Background(), []ObjectWithVariant{{Object: obj, Variant: variant}}))

	raw, err := inner.GetVariants(context.Background(), "tenant-1", "obj-1")
	require.NoError(t, err)
	assert.Equal(t, "short", raw[0].Content)
}
