package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cortexgate/internal/domain"
)

// PostgresStore is the production Store backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS knowledge_objects (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  type TEXT NOT NULL,
  session_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  parent_id TEXT NOT NULL DEFAULT '',
  tags TEXT[] NOT NULL DEFAULT '{}',
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  archived BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  original_tokens INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS knowledge_objects_tenant_idx ON knowledge_objects (tenant_id, archived);
CREATE INDEX IF NOT EXISTS knowledge_objects_session_idx ON knowledge_objects (tenant_id, session_id);

CREATE TABLE IF NOT EXISTS content_variants (
  id TEXT PRIMARY KEY,
  knowledge_object_id TEXT NOT NULL REFERENCES knowledge_objects(id) ON DELETE CASCADE,
  variant TEXT NOT NULL,
  content TEXT NOT NULL,
  tokens INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE(knowledge_object_id, variant)
);

CREATE TABLE IF NOT EXISTS knowledge_relationships (
  id TEXT PRIMARY KEY,
  source_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  type TEXT NOT NULL,
  confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
  evidence TEXT NOT NULL DEFAULT '',
  detected_by TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE(source_id, target_id, type)
);
CREATE INDEX IF NOT EXISTS knowledge_relationships_source_idx ON knowledge_relationships (source_id);
CREATE INDEX IF NOT EXISTS knowledge_relationships_target_idx ON knowledge_relationships (target_id);

CREATE TABLE IF NOT EXISTS dialogue_states (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  summary_short TEXT NOT NULL DEFAULT '',
  summary_bullets TEXT[] NOT NULL DEFAULT '{}',
  topics TEXT[] NOT NULL DEFAULT '{}',
  cumulative_tokens INT NOT NULL DEFAULT 0,
  turn_count INT NOT NULL DEFAULT 0,
  turns_since_summary INT NOT NULL DEFAULT 0,
  tokens_since_summary INT NOT NULL DEFAULT 0,
  recent_turns JSONB NOT NULL DEFAULT '[]'::jsonb,
  last_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE(tenant_id, session_id)
);

CREATE TABLE IF NOT EXISTS usage_logs (
  tenant_id TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL DEFAULT '',
  request_id TEXT NOT NULL,
  model TEXT NOT NULL,
  input_tokens INT NOT NULL DEFAULT 0,
  output_tokens INT NOT NULL DEFAULT 0,
  knowledge_tokens INT NOT NULL DEFAULT 0,
  cost DOUBLE PRECISION NOT NULL DEFAULT 0,
  ts TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS usage_logs_tenant_ts_idx ON usage_logs (tenant_id, ts);
`)
	if err != nil {
		return fmt.Errorf("init knowledge schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateObjectsWithVariants(ctx context.Context, objs []ObjectWithVariant) error {
	if len(objs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, ov := range objs {
		md, err := json.Marshal(ov.Object.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO knowledge_objects(id, tenant_id, type, session_id, user_id, parent_id, tags, metadata, archived, created_at, original_tokens)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, ov.Object.ID, ov.Object.TenantID, string(ov.Object.Type), ov.Object.SessionID, ov.Object.UserID, ov.Object.ParentID,
			ov.Object.Tags, md, ov.Object.Archived, ov.Object.CreatedAt, ov.Object.OriginalTokens)
		if err != nil {
			return fmt.Errorf("insert knowledge object: %w", err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO content_variants(id, knowledge_object_id, variant, content, tokens, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, ov.Variant.ID, ov.Variant.KnowledgeObjectID, string(ov.Variant.Variant), ov.Variant.Content, ov.Variant.Tokens, ov.Variant.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert content variant: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AddVariant(ctx context.Context, tenantID string, variant domain.ContentVariant) error {
	var owned bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM knowledge_objects WHERE id=$1 AND tenant_id=$2)`,
		variant.KnowledgeObjectID, tenantID).Scan(&owned)
	if err != nil {
		return fmt.Errorf("check ownership: %w", err)
	}
	if !owned {
		return fmt.Errorf("knowledge object %s not owned by tenant %s", variant.KnowledgeObjectID, tenantID)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO content_variants(id, knowledge_object_id, variant, content, tokens, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (knowledge_object_id, variant) DO UPDATE SET content=EXCLUDED.content, tokens=EXCLUDED.tokens
`, variant.ID, variant.KnowledgeObjectID, string(variant.Variant), variant.Content, variant.Tokens, variant.CreatedAt)
	return err
}

func (s *PostgresStore) GetObject(ctx context.Context, tenantID, objectID string) (domain.KnowledgeObject, bool, error) {
	var obj domain.KnowledgeObject
	var typ string
	var md []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, type, session_id, user_id, parent_id, tags, metadata, archived, created_at, original_tokens
FROM knowledge_objects WHERE id=$1 AND tenant_id=$2 AND archived=false
`, objectID, tenantID).Scan(&obj.ID, &obj.TenantID, &typ, &obj.SessionID, &obj.UserID, &obj.ParentID, &obj.Tags, &md, &obj.Archived, &obj.CreatedAt, &obj.OriginalTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.KnowledgeObject{}, false, nil
	}
	if err != nil {
		return domain.KnowledgeObject{}, false, fmt.Errorf("get knowledge object: %w", err)
	}
	obj.Type = domain.KnowledgeObjectType(typ)
	if len(md) > 0 {
		_ = json.Unmarshal(md, &obj.Metadata)
	}
	return obj, true, nil
}

func (s *PostgresStore) GetVariants(ctx context.Context, tenantID, objectID string) ([]domain.ContentVariant, error) {
	rows, err := s.pool.Query(ctx, `
SELECT cv.id, cv.knowledge_object_id, cv.variant, cv.content, cv.tokens, cv.created_at
FROM content_variants cv
JOIN knowledge_objects ko ON ko.id = cv.knowledge_object_id
WHERE cv.knowledge_object_id=$1 AND ko.tenant_id=$2
`, objectID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list content variants: %w", err)
	}
	defer rows.Close()
	var out []domain.ContentVariant
	for rows.Next() {
		var v domain.ContentVariant
		var kind string
		if err := rows.Scan(&v.ID, &v.KnowledgeObjectID, &kind, &v.Content, &v.Tokens, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Variant = domain.ContentVariantKind(kind)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ArchiveObject(ctx context.Context, tenantID, objectID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE knowledge_objects SET archived=true WHERE id=$1 AND tenant_id=$2`, objectID, tenantID)
	return err
}

func (s *PostgresStore) UpsertRelationship(ctx context.Context, rel domain.KnowledgeRelationship) error {
	if rel.SourceID == rel.TargetID {
		return fmt.Errorf("relationship source and target must differ")
	}
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO knowledge_relationships(id, source_id, target_id, type, confidence, evidence, detected_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (source_id, target_id, type) DO UPDATE SET confidence=EXCLUDED.confidence, evidence=EXCLUDED.evidence
`, rel.ID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Confidence, rel.Evidence, rel.DetectedBy, rel.CreatedAt)
	return err
}

func (s *PostgresStore) ListRelationships(ctx context.Context, tenantID, objectID string) ([]domain.KnowledgeRelationship, error) {
	rows, err := s.pool.Query(ctx, `
SELECT r.id, r.source_id, r.target_id, r.type, r.confidence, r.evidence, r.detected_by, r.created_at
FROM knowledge_relationships r
JOIN knowledge_objects s ON s.id = r.source_id
JOIN knowledge_objects t ON t.id = r.target_id
WHERE (r.source_id=$1 OR r.target_id=$1)
  AND s.tenant_id=$2 AND t.tenant_id=$2
  AND s.archived=false AND t.archived=false
`, objectID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	var out []domain.KnowledgeRelationship
	for rows.Next() {
		var r domain.KnowledgeRelationship
		var typ string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &typ, &r.Confidence, &r.Evidence, &r.DetectedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = domain.RelationshipType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CleanupRelationshipsOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM knowledge_relationships r
USING knowledge_objects s
WHERE r.source_id = s.id AND s.tenant_id=$1 AND r.created_at < $2
`, tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetOrCreateDialogueState(ctx context.Context, tenantID, sessionID, userID string) (domain.DialogueState, error) {
	state, found, err := s.loadDialogueState(ctx, tenantID, sessionID)
	if err != nil {
		return domain.DialogueState{}, err
	}
	if found {
		return state, nil
	}
	state = domain.DialogueState{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		SessionID:     sessionID,
		UserID:        userID,
		LastUpdatedAt: time.Now().UTC(),
	}
	if err := s.SaveDialogueState(ctx, state); err != nil {
		return domain.DialogueState{}, err
	}
	return state, nil
}

func (s *PostgresStore) loadDialogueState(ctx context.Context, tenantID, sessionID string) (domain.DialogueState, bool, error) {
	var st domain.DialogueState
	var recentRaw []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, session_id, user_id, summary_short, summary_bullets, topics,
       cumulative_tokens, turn_count, turns_since_summary, tokens_since_summary, recent_turns, last_updated_at
FROM dialogue_states WHERE tenant_id=$1 AND session_id=$2
`, tenantID, sessionID).Scan(&st.ID, &st.TenantID, &st.SessionID, &st.UserID, &st.SummaryShort, &st.SummaryBullets,
		&st.Topics, &st.CumulativeTokens, &st.TurnCount, &st.TurnsSinceSummary, &st.TokensSinceSummary, &recentRaw, &st.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DialogueState{}, false, nil
	}
	if err != nil {
		return domain.DialogueState{}, false, fmt.Errorf("load dialogue state: %w", err)
	}
	if len(recentRaw) > 0 {
		_ = json.Unmarshal(recentRaw, &st.RecentTurns)
	}
	return st, true, nil
}

func (s *PostgresStore) SaveDialogueState(ctx context.Context, state domain.DialogueState) error {
	recentRaw, err := json.Marshal(state.RecentTurns)
	if err != nil {
		return fmt.Errorf("marshal recent turns: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO dialogue_states(id, tenant_id, session_id, user_id, summary_short, summary_bullets, topics,
  cumulative_tokens, turn_count, turns_since_summary, tokens_since_summary, recent_turns, last_updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (tenant_id, session_id) DO UPDATE SET
  user_id=EXCLUDED.user_id,
  summary_short=EXCLUDED.summary_short,
  summary_bullets=EXCLUDED.summary_bullets,
  topics=EXCLUDED.topics,
  cumulative_tokens=EXCLUDED.cumulative_tokens,
  turn_count=EXCLUDED.turn_count,
  turns_since_summary=EXCLUDED.turns_since_summary,
  tokens_since_summary=EXCLUDED.tokens_since_summary,
  recent_turns=EXCLUDED.recent_turns,
  last_updated_at=EXCLUDED.last_updated_at
`, state.ID, state.TenantID, state.SessionID, state.UserID, state.SummaryShort, state.SummaryBullets, state.Topics,
		state.CumulativeTokens, state.TurnCount, state.TurnsSinceSummary, state.TokensSinceSummary, recentRaw, state.LastUpdatedAt)
	return err
}

func (s *PostgresStore) ListDialogueStatesNeedingSummary(ctx context.Context, turnThreshold, tokenThreshold, limit int) ([]domain.DialogueState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant_id, session_id, user_id, summary_short, summary_bullets, topics,
       cumulative_tokens, turn_count, turns_since_summary, tokens_since_summary, recent_turns, last_updated_at
FROM dialogue_states
WHERE turns_since_summary >= $1 OR tokens_since_summary >= $2
ORDER BY last_updated_at ASC
LIMIT $3
`, turnThreshold, tokenThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("list dialogue states needing summary: %w", err)
	}
	defer rows.Close()

	var out []domain.DialogueState
	for rows.Next() {
		var st domain.DialogueState
		var recentRaw []byte
		if err := rows.Scan(&st.ID, &st.TenantID, &st.SessionID, &st.UserID, &st.SummaryShort, &st.SummaryBullets,
			&st.Topics, &st.CumulativeTokens, &st.TurnCount, &st.TurnsSinceSummary, &st.TokensSinceSummary, &recentRaw, &st.LastUpdatedAt); err != nil {
			return nil, err
		}
		if len(recentRaw) > 0 {
			_ = json.Unmarshal(recentRaw, &st.RecentTurns)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendUsageLog(ctx context.Context, log domain.UsageLog) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO usage_logs(tenant_id, user_id, session_id, request_id, model, input_tokens, output_tokens, knowledge_tokens, cost, ts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, log.TenantID, log.UserID, log.SessionID, log.RequestID, log.Model, log.InputTokens, log.OutputTokens, log.KnowledgeTokens, log.Cost, log.Timestamp)
	return err
}

func (s *PostgresStore) UsageStats(ctx context.Context, tenantID string, from, to time.Time) (StatsResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT model, count(*), sum(input_tokens+output_tokens+knowledge_tokens), sum(cost)
FROM usage_logs
WHERE tenant_id=$1 AND ts >= $2 AND ts < $3
GROUP BY model
`, tenantID, from, to)
	if err != nil {
		return StatsResult{}, fmt.Errorf("usage stats: %w", err)
	}
	defer rows.Close()

	result := StatsResult{ByModel: map[string]ModelStats{}}
	for rows.Next() {
		var model string
		var reqs int
		var tokens *int
		var cost *float64
		if err := rows.Scan(&model, &reqs, &tokens, &cost); err != nil {
			return StatsResult{}, err
		}
		ms := ModelStats{Requests: reqs}
		if tokens != nil {
			ms.Tokens = *tokens
		}
		if cost != nil {
			ms.Cost = *cost
		}
		result.ByModel[model] = ms
		result.TotalRequests += ms.Requests
		result.TotalTokens += ms.Tokens
		result.TotalCost += ms.Cost
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
