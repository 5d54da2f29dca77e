// Package contextbuilder assembles the knowledge block injected into an
// upstream chat completion: embed the prompt, retrieve similar content,
// diversify the selection with Maximal Marginal Relevance, and pack the
// result under a per-tenant token budget.
package contextbuilder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cortexgate/internal/domain"
	"cortexgate/internal/embedding"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/tokenutil"
	"cortexgate/internal/vectorindex"
)

const formattingReserveTokens = 100

// Options mirrors the tunables a caller may override per request.
type Options struct {
	Diversity            float64
	MaxResults           int
	MaxContextObjects    int
	SimilarityThreshold  float64
	IncludeRecent        bool
	IncludeRelated       bool
}

// DefaultOptions matches the contract's documented defaults.
func DefaultOptions() Options {
	return Options{
		Diversity:           0.3,
		MaxResults:          20,
		MaxContextObjects:   10,
		SimilarityThreshold: 0.5,
	}
}

// UsedObject is one object that made it into the packed context.
type UsedObject struct {
	ID    string
	Type  domain.KnowledgeObjectType
	Score float64
}

// Result is the BuildContext return value. An empty ContextText with no
// UsedObjects is the documented sentinel for "no context available" — the
// caller proceeds without failing the enclosing request.
type Result struct {
	ContextText string
	UsedObjects []UsedObject
	UsedTokens  int
}

// TokenBudgetFunc resolves the per-tenant token budget for packing context.
type TokenBudgetFunc func(tenantID string) int

// Builder implements BuildContext.
type Builder struct {
	Index       vectorindex.Index
	Store       knowledge.Store
	Embedder    embedding.Embedder
	TokenBudget TokenBudgetFunc
}

func New(index vectorindex.Index, store knowledge.Store, embedder embedding.Embedder, tokenBudget TokenBudgetFunc) *Builder {
	return &Builder{Index: index, Store: store, Embedder: embedder, TokenBudget: tokenBudget}
}

type candidate struct {
	object  domain.KnowledgeObject
	variant domain.ContentVariant
	score   float64
}

// BuildContext implements the algorithm. It never returns an error to the
// caller for retrieval-path failures: any internal error collapses to the
// empty-context sentinel so the enclosing request can still proceed.
func (b *Builder) BuildContext(ctx context.Context, tenantID, sessionID, prompt string, opts Options) Result {
	empty := Result{UsedObjects: []UsedObject{}}

	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultOptions().MaxResults
	}
	if opts.MaxContextObjects <= 0 {
		opts.MaxContextObjects = DefaultOptions().MaxContextObjects
	}

	vectors, err := b.Embedder.EmbedBatch(ctx, []string{prompt})
	if err != nil || len(vectors) == 0 {
		return empty
	}

	matches, err := b.Index.FindSimilar(ctx, vectors[0], opts.MaxResults, map[string]string{"tenantId": tenantID})
	if err != nil || len(matches) == 0 {
		return empty
	}

	candidates := b.dedupeAndSelectVariant(ctx, tenantID, matches, opts.SimilarityThreshold)
	if len(candidates) == 0 {
		return empty
	}

	lambda := 1 - opts.Diversity
	selected := mmrSelect(candidates, lambda, opts.MaxContextObjects)
	if len(selected) == 0 {
		return empty
	}

	budget := b.TokenBudget(tenantID) - formattingReserveTokens
	if budget < 0 {
		budget = 0
	}

	text, used, usedTokens := pack(selected, budget)
	if len(used) == 0 {
		return empty
	}
	return Result{ContextText: text, UsedObjects: used, UsedTokens: usedTokens}
}

// dedupeAndSelectVariant loads the owning object for each match, drops
// objects owned by another tenant or below the similarity threshold, keeps
// each object's best match score, and picks the object's variant as SHORT
// over RAW over whatever variant is first available, whichever variant matched.
func (b *Builder) dedupeAndSelectVariant(ctx context.Context, tenantID string, matches []vectorindex.Match, threshold float64) []candidate {
	bestScore := map[string]float64{}
	order := []string{}
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		if prev, ok := bestScore[m.ObjectID]; !ok || m.Score > prev {
			if !ok {
				order = append(order, m.ObjectID)
			}
			bestScore[m.ObjectID] = m.Score
		}
	}

	out := make([]candidate, 0, len(order))
	for _, objectID := range order {
		obj, found, err := b.Store.GetObject(ctx, tenantID, objectID)
		if err != nil || !found || obj.Archived || obj.TenantID != tenantID {
			continue
		}
		variants, err := b.Store.GetVariants(ctx, tenantID, objectID)
		if err != nil || len(variants) == 0 {
			continue
		}
		variant := preferredVariant(variants)
		out = append(out, candidate{object: obj, variant: variant, score: bestScore[objectID]})
	}
	return out
}

func preferredVariant(variants []domain.ContentVariant) domain.ContentVariant {
	var short, raw domain.ContentVariant
	haveShort, haveRaw := false, false
	for _, v := range variants {
		switch v.Variant {
		case domain.VariantShort:
			if !haveShort {
				short, haveShort = v, true
			}
		case domain.VariantRaw:
			if !haveRaw {
				raw, haveRaw = v, true
			}
		}
	}
	if haveShort {
		return short
	}
	if haveRaw {
		return raw
	}
	return variants[0]
}

// mmrSelect runs Maximal Marginal Relevance: seed with the top-scoring
// candidate, then repeatedly add the candidate maximizing
// λ·relevance(c) + (1−λ)·(1−maxSim(c, selected)).
func mmrSelect(candidates []candidate, lambda float64, limit int) []candidate {
	remaining := make([]candidate, len(candidates))
	copy(remaining, candidates)
	sort.SliceStable(remaining, func(i, j int) bool {
		return betterCandidate(remaining[i], remaining[j])
	})

	if len(remaining) == 0 {
		return nil
	}

	selected := []candidate{remaining[0]}
	remaining = remaining[1:]

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		var bestScore float64
		for i, c := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := jaccardSimilarity(c.variant.Content, s.variant.Content); sim > maxSim {
					maxSim = sim
				}
			}
			mmrScore := lambda*c.score + (1-lambda)*(1-maxSim)
			if bestIdx == -1 || mmrScore > bestScore ||
				(mmrScore == bestScore && betterCandidate(c, remaining[bestIdx])) {
				bestIdx = i
				bestScore = mmrScore
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// betterCandidate implements the documented tie-break: higher relevance
// first, then earlier createdAt, then lexically smaller id.
func betterCandidate(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.object.CreatedAt.Equal(b.object.CreatedAt) {
		return a.object.CreatedAt.Before(b.object.CreatedAt)
	}
	return a.object.ID < b.object.ID
}

// jaccardSimilarity computes token-set Jaccard similarity between two
// strings, used as the MMR content-similarity proxy.
func jaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// pack emits selected candidates in MMR order under the token budget,
// stopping at the first one that would overflow it.
func pack(selected []candidate, budget int) (string, []UsedObject, int) {
	var sb strings.Builder
	sb.WriteString("Relevant prior knowledge:\n")

	used := make([]UsedObject, 0, len(selected))
	cumulative := 0
	wrote := false
	for _, c := range selected {
		tokens := tokenutil.EstimateTokens(c.variant.Content)
		if cumulative+tokens > budget {
			break
		}
		cumulative += tokens
		sb.WriteString(fmt.Sprintf("\n• %s [src:%s, type:%s]\n", trimForDisplay(c.variant.Content), c.object.ID, c.object.Type))
		used = append(used, UsedObject{ID: c.object.ID, Type: c.object.Type, Score: c.score})
		wrote = true
	}
	if !wrote {
		return "", nil, 0
	}
	return sb.String(), used, cumulative
}

func trimForDisplay(s string) string {
	const maxChars = 2000
	s = strings.TrimSpace(s)
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "…"
}
