package knowledge

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"cortexgate/internal/domain"
	"cortexgate/internal/objectstore"
)

const (
	blobRefPrefix          = "blob://"
	defaultInlineThreshold = 4096
)

// BlobBackedStore wraps a Store and offloads ContentVariant payloads above a
// size threshold to an ObjectStore, keeping the relational row small. Reads
// transparently resolve the blob reference back to its content; a resolution
// failure falls back to returning the raw reference string rather than
// failing the caller.
type BlobBackedStore struct {
	Store
	blobs     objectstore.ObjectStore
	threshold int
}

// NewBlobBackedStore wraps inner with blob offload. threshold <= 0 uses
// defaultInlineThreshold.
func NewBlobBackedStore(inner Store, blobs objectstore.ObjectStore, threshold int) *BlobBackedStore {
	if threshold <= 0 {
		threshold = defaultInlineThreshold
	}
	return &BlobBackedStore{Store: inner, blobs: blobs, threshold: threshold}
}

func (s *BlobBackedStore) CreateObjectsWithVariants(ctx context.Context, objs []ObjectWithVariant) error {
	for i := range objs {
		s.offload(ctx, objs[i].Object.TenantID, objs[i].Object.ID, &objs[i].Variant)
	}
	return s.Store.CreateObjectsWithVariants(ctx, objs)
}

func (s *BlobBackedStore) AddVariant(ctx context.Context, tenantID string, variant domain.ContentVariant) error {
	s.offload(ctx, tenantID, variant.KnowledgeObjectID, &variant)
	return s.Store.AddVariant(ctx, tenantID, variant)
}

func (s *BlobBackedStore) GetVariants(ctx context.Context, tenantID, objectID string) ([]domain.ContentVariant, error) {
	variants, err := s.Store.GetVariants(ctx, tenantID, objectID)
	if err != nil {
		return nil, err
	}
	for i := range variants {
		s.resolve(ctx, &variants[i])
	}
	return variants, nil
}

func (s *BlobBackedStore) offload(ctx context.Context, tenantID, objectID string, variant *domain.ContentVariant) {
	if s.blobs == nil || len(variant.Content) <= s.threshold || strings.HasPrefix(variant.Content, blobRefPrefix) {
		return
	}
	key := fmt.Sprintf("%s/%s/%s", tenantID, objectID, variant.Variant)
	if _, err := s.blobs.Put(ctx, key, strings.NewReader(variant.Content), objectstore.PutOptions{ContentType: "text/plain; charset=utf-8"}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("object_id", objectID).Msg("knowledge: blob offload failed, storing content inline")
		return
	}
	variant.Content = blobRefPrefix + key
}

func (s *BlobBackedStore) resolve(ctx context.Context, variant *domain.ContentVariant) {
	key, ok := strings.CutPrefix(variant.Content, blobRefPrefix)
	if !ok {
		return
	}
	r, _, err := s.blobs.Get(ctx, key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("knowledge: blob resolve failed, returning reference")
		return
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("knowledge: blob read failed, returning reference")
		return
	}
	variant.Content = string(body)
}

var _ Store = (*BlobBackedStore)(nil)
