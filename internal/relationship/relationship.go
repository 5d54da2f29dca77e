// Package relationship discovers KnowledgeRelationship edges between
// similar KnowledgeObjects by querying the vector index and mapping
// similarity score to relationship type.
package relationship

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"cortexgate/internal/domain"
	"cortexgate/internal/embedding"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/vectorindex"
)

const (
	maxSimilarPerObject = 10
	maxFanOut           = 8
)

// Discoverer implements Discover/DiscoverBatch/CleanupOlderThan.
type Discoverer struct {
	Index    vectorindex.Index
	Store    knowledge.Store
	Embedder embedding.Embedder
}

func New(index vectorindex.Index, store knowledge.Store, embedder embedding.Embedder) *Discoverer {
	return &Discoverer{Index: index, Store: store, Embedder: embedder}
}

// classify maps a similarity score to a relationship type per the documented
// thresholds.
func classify(score float64) domain.RelationshipType {
	switch {
	case score > 0.8:
		return domain.RelationSupports
	case score > 0.6:
		return domain.RelationReferences
	case score > 0.4:
		return domain.RelationContradicts
	default:
		return domain.RelationReferences
	}
}

// Discover embeds the object's representative text, queries the vector index
// for similar objects, and upserts a relationship for each match other than
// the source itself. Returns the number of edges written.
func (d *Discoverer) Discover(ctx context.Context, tenantID, objectID string) (int, error) {
	_, found, err := d.Store.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return 0, fmt.Errorf("load object: %w", err)
	}
	if !found {
		return 0, nil
	}

	variants, err := d.Store.GetVariants(ctx, tenantID, objectID)
	if err != nil || len(variants) == 0 {
		return 0, nil
	}
	text := representativeText(variants)

	vectors, err := d.Embedder.EmbedBatch(ctx, []string{text})
	if err != nil || len(vectors) == 0 {
		return 0, nil
	}

	matches, err := d.Index.FindSimilar(ctx, vectors[0], maxSimilarPerObject, map[string]string{"tenantId": tenantID})
	if err != nil {
		return 0, nil
	}

	written := 0
	for _, m := range matches {
		if m.ObjectID == "" || m.ObjectID == objectID {
			continue
		}
		rel := domain.KnowledgeRelationship{
			SourceID:   objectID,
			TargetID:   m.ObjectID,
			Type:       classify(m.Score),
			Confidence: m.Score,
			Evidence:   fmt.Sprintf("Vector similarity: %.4f", m.Score),
			DetectedBy: "RelationshipDiscoverer",
			CreatedAt:  time.Now().UTC(),
		}
		if err := d.Store.UpsertRelationship(ctx, rel); err == nil {
			written++
		}
	}
	return written, nil
}

// DiscoverBatch fans Discover out across goroutines bounded by errgroup's
// SetLimit so a large batch does not open unbounded concurrent vector-index
// or database connections.
func (d *Discoverer) DiscoverBatch(ctx context.Context, tenantID string, objectIDs []string) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)

	total := 0
	counts := make([]int, len(objectIDs))
	for i, id := range objectIDs {
		i, id := i, id
		g.Go(func() error {
			n, err := d.Discover(ctx, tenantID, id)
			if err != nil {
				return nil // a single object's failure must not abort the batch
			}
			counts[i] = n
			return nil
		})
	}
	_ = g.Wait()
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// CleanupOlderThan removes relationships older than the given age cutoff.
func (d *Discoverer) CleanupOlderThan(ctx context.Context, tenantID string, age time.Duration) (int, error) {
	return d.Store.CleanupRelationshipsOlderThan(ctx, tenantID, time.Now().UTC().Add(-age))
}

func representativeText(variants []domain.ContentVariant) string {
	for _, v := range variants {
		if v.Variant == domain.VariantShort {
			return v.Content
		}
	}
	for _, v := range variants {
		if v.Variant == domain.VariantRaw {
			return v.Content
		}
	}
	return variants[0].Content
}
