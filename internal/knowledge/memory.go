package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortexgate/internal/domain"
)

// MemoryStore is an in-process Store used by tests; cmd/server always
// builds a PostgresStore.
type MemoryStore struct {
	mu            sync.RWMutex
	objects       map[string]domain.KnowledgeObject
	variants      map[string][]domain.ContentVariant // keyed by knowledge object id
	relationships map[string]domain.KnowledgeRelationship
	dialogues     map[string]domain.DialogueState // keyed by tenantID+"/"+sessionID
	usage         []domain.UsageLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:       map[string]domain.KnowledgeObject{},
		variants:      map[string][]domain.ContentVariant{},
		relationships: map[string]domain.KnowledgeRelationship{},
		dialogues:     map[string]domain.DialogueState{},
	}
}

func (s *MemoryStore) InitSchema(context.Context) error { return nil }

func (s *MemoryStore) CreateObjectsWithVariants(_ context.Context, objs []ObjectWithVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ov := range objs {
		s.objects[ov.Object.ID] = ov.Object
		s.variants[ov.Object.ID] = append(s.variants[ov.Object.ID], ov.Variant)
	}
	return nil
}

// ObjectsByType returns every KnowledgeObject of the given type in a
// session, for test assertions. Not part of the Store interface.
func (s *MemoryStore) ObjectsByType(tenantID, sessionID string, typ domain.KnowledgeObjectType) []domain.KnowledgeObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.KnowledgeObject
	for _, obj := range s.objects {
		if obj.TenantID == tenantID && obj.SessionID == sessionID && obj.Type == typ {
			out = append(out, obj)
		}
	}
	return out
}

func (s *MemoryStore) AddVariant(_ context.Context, tenantID string, variant domain.ContentVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[variant.KnowledgeObjectID]
	if !ok || obj.TenantID != tenantID {
		return fmt.Errorf("knowledge object %s not owned by tenant %s", variant.KnowledgeObjectID, tenantID)
	}
	existing := s.variants[variant.KnowledgeObjectID]
	for i, v := range existing {
		if v.Variant == variant.Variant {
			existing[i] = variant
			return nil
		}
	}
	s.variants[variant.KnowledgeObjectID] = append(existing, variant)
	return nil
}

func (s *MemoryStore) GetObject(_ context.Context, tenantID, objectID string) (domain.KnowledgeObject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectID]
	if !ok || obj.TenantID != tenantID || obj.Archived {
		return domain.KnowledgeObject{}, false, nil
	}
	return obj, true, nil
}

func (s *MemoryStore) GetVariants(_ context.Context, tenantID, objectID string) ([]domain.ContentVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectID]
	if !ok || obj.TenantID != tenantID {
		return nil, nil
	}
	out := make([]domain.ContentVariant, len(s.variants[objectID]))
	copy(out, s.variants[objectID])
	return out, nil
}

func (s *MemoryStore) ArchiveObject(_ context.Context, tenantID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectID]
	if !ok || obj.TenantID != tenantID {
		return fmt.Errorf("knowledge object %s not found for tenant %s", objectID, tenantID)
	}
	obj.Archived = true
	s.objects[objectID] = obj
	return nil
}

func (s *MemoryStore) UpsertRelationship(_ context.Context, rel domain.KnowledgeRelationship) error {
	if rel.SourceID == rel.TargetID {
		return fmt.Errorf("relationship source and target must differ")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rel.SourceID + "|" + rel.TargetID + "|" + string(rel.Type)
	for k, existing := range s.relationships {
		if k == key {
			rel.ID = existing.ID
			break
		}
	}
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	s.relationships[key] = rel
	return nil
}

func (s *MemoryStore) ListRelationships(_ context.Context, tenantID, objectID string) ([]domain.KnowledgeRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.KnowledgeRelationship
	for _, rel := range s.relationships {
		if rel.SourceID != objectID && rel.TargetID != objectID {
			continue
		}
		src, srcOK := s.objects[rel.SourceID]
		tgt, tgtOK := s.objects[rel.TargetID]
		if !srcOK || !tgtOK || src.TenantID != tenantID || tgt.TenantID != tenantID {
			continue
		}
		if src.Archived || tgt.Archived {
			continue
		}
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CleanupRelationshipsOlderThan(_ context.Context, tenantID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rel := range s.relationships {
		src, ok := s.objects[rel.SourceID]
		if !ok || src.TenantID != tenantID {
			continue
		}
		if rel.CreatedAt.Before(cutoff) {
			delete(s.relationships, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) GetOrCreateDialogueState(_ context.Context, tenantID, sessionID, userID string) (domain.DialogueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + sessionID
	if st, ok := s.dialogues[key]; ok {
		return st, nil
	}
	st := domain.DialogueState{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		SessionID:     sessionID,
		UserID:        userID,
		LastUpdatedAt: time.Now().UTC(),
	}
	s.dialogues[key] = st
	return st, nil
}

func (s *MemoryStore) SaveDialogueState(_ context.Context, state domain.DialogueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogues[state.TenantID+"/"+state.SessionID] = state
	return nil
}

func (s *MemoryStore) ListDialogueStatesNeedingSummary(_ context.Context, turnThreshold, tokenThreshold, limit int) ([]domain.DialogueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.dialogues))
	for k := range s.dialogues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []domain.DialogueState
	for _, k := range keys {
		st := s.dialogues[k]
		if st.TurnsSinceSummary >= turnThreshold || st.TokensSinceSummary >= tokenThreshold {
			out = append(out, st)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendUsageLog(_ context.Context, log domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, log)
	return nil
}

func (s *MemoryStore) UsageStats(_ context.Context, tenantID string, from, to time.Time) (StatsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := StatsResult{ByModel: map[string]ModelStats{}}
	for _, log := range s.usage {
		if log.TenantID != tenantID || log.Timestamp.Before(from) || !log.Timestamp.Before(to) {
			continue
		}
		ms := result.ByModel[log.Model]
		ms.Requests++
		ms.Tokens += log.InputTokens + log.OutputTokens + log.KnowledgeTokens
		ms.Cost += log.Cost
		result.ByModel[log.Model] = ms
		result.TotalRequests++
		result.TotalTokens += log.InputTokens + log.OutputTokens + log.KnowledgeTokens
		result.TotalCost += log.Cost
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
