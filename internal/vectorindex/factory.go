package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config selects and parameterizes a vector backend.
type Config struct {
	Backend    string // "qdrant" | "postgres"
	DSN        string
	Dimensions int
	Metric     string
}

// New builds the configured Index. For the postgres backend it reuses the
// shared relational pool rather than opening a second connection pool.
func New(ctx context.Context, cfg Config, sharedPool *pgxpool.Pool) (Index, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "qdrant":
		return NewQdrant(ctx, cfg.DSN, cfg.Dimensions, cfg.Metric)
	case "postgres", "pg", "pgvector":
		if sharedPool == nil {
			return nil, fmt.Errorf("postgres vector backend requires a shared pool")
		}
		return NewPostgres(ctx, sharedPool, cfg.Dimensions, cfg.Metric)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}
