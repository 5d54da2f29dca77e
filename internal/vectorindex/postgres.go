package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgIndex struct {
	pool       *pgxpool.Pool
	dimensions int
	metric     string // cosine|l2|ip
}

// NewPostgres bootstraps a pgvector-backed Index on an existing pool. Schema
// creation is idempotent so it is safe to call on every process start.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, dimensions int, metric string) (Index, error) {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	vecType := "vector"
	if dimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", dimensions)
	}
	_, err := pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS embeddings (
  id TEXT PRIMARY KEY,
  object_id TEXT NOT NULL,
  variant_id TEXT NOT NULL,
  text_snippet TEXT NOT NULL,
  vec %s,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS embeddings_object_id_idx ON embeddings (object_id);
`, vecType))
	if err != nil {
		return nil, fmt.Errorf("create embeddings table: %w", err)
	}
	return &pgIndex{pool: pool, dimensions: dimensions, metric: strings.ToLower(strings.TrimSpace(metric))}, nil
}

func (p *pgIndex) Store(ctx context.Context, objectID, variantID, text string, vector []float32) (string, error) {
	id := uuid.New().String()
	_, err := p.pool.Exec(ctx, `
INSERT INTO embeddings(id, object_id, variant_id, text_snippet, vec, metadata)
VALUES ($1, $2, $3, $4, $5::vector, '{}'::jsonb)
`, id, objectID, variantID, text, toVectorLiteral(vector))
	if err != nil {
		return "", fmt.Errorf("pgvector upsert: %w", err)
	}
	return id, nil
}

func (p *pgIndex) FindSimilar(ctx context.Context, vector []float32, k int, filters map[string]string) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	op := "<=>"
	scoreExpr := "1 - (vec <=> $1::vector)"
	switch p.metric {
	case "l2", "euclidean":
		op = "<->"
		scoreExpr = "-(vec <-> $1::vector)"
	case "ip", "dot":
		op = "<#>"
		scoreExpr = "-(vec <#> $1::vector)"
	}
	args := []any{toVectorLiteral(vector), k}
	where := ""
	if len(filters) > 0 {
		where = "WHERE metadata @> $3"
		args = append(args, filters)
	}
	query := fmt.Sprintf(`
SELECT object_id, variant_id, %s AS score, text_snippet, metadata
FROM embeddings %s
ORDER BY vec %s $1::vector
LIMIT $2`, scoreExpr, where, op)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	out := make([]Match, 0, k)
	for rows.Next() {
		var m Match
		var md map[string]string
		if err := rows.Scan(&m.ObjectID, &m.VariantID, &m.Score, &m.Text, &md); err != nil {
			return nil, err
		}
		m.Metadata = md
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *pgIndex) Delete(ctx context.Context, embeddingID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM embeddings WHERE id=$1`, embeddingID)
	return err
}

func (p *pgIndex) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	b := strings.Builder{}
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf("%g", x))
	}
	b.WriteByte(']')
	return b.String()
}
