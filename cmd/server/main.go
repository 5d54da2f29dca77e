package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"cortexgate/internal/config"
	"cortexgate/internal/contextbuilder"
	"cortexgate/internal/dialogue"
	"cortexgate/internal/embedding"
	"cortexgate/internal/extraction"
	"cortexgate/internal/httpapi"
	"cortexgate/internal/ingestion"
	"cortexgate/internal/ingestqueue"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/llm"
	"cortexgate/internal/objectstore"
	"cortexgate/internal/observability"
	"cortexgate/internal/pg"
	"cortexgate/internal/ratelimit"
	"cortexgate/internal/relationship"
	"cortexgate/internal/tenancy"
	"cortexgate/internal/vectorindex"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("cortexgate")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			return fmt.Errorf("init otel: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	pool, err := pg.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()

	pgStore := knowledge.NewPostgresStore(pool)
	if err := pgStore.InitSchema(ctx); err != nil {
		return fmt.Errorf("init knowledge schema: %w", err)
	}

	blobs, err := newObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	var store knowledge.Store = pgStore
	if blobs != nil {
		store = knowledge.NewBlobBackedStore(pgStore, blobs, 0)
	}

	tenants := tenancy.NewStore(pool)
	if err := tenants.InitSchema(ctx); err != nil {
		return fmt.Errorf("init tenancy schema: %w", err)
	}

	index, err := vectorindex.New(ctx, vectorindex.Config{
		Backend:    cfg.Vector.Backend,
		DSN:        cfg.Vector.DSN,
		Dimensions: cfg.Vector.Dimensions,
		Metric:     cfg.Vector.Metric,
	}, pool)
	if err != nil {
		return fmt.Errorf("init vector index: %w", err)
	}

	embedder := embedding.NewClient(embedding.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Timeout: config.HTTPClientTimeout,
	}, cfg.Embedding.Dimension)

	provider := llm.NewProvider(cfg.LLM.BaseURL, cfg.LLM.APIKey)

	engine := ratelimit.New(rdb, store, ratelimit.Limits{PerMinute: cfg.RateLimit.PerMinute, PerHour: cfg.RateLimit.PerHour}, ratelimit.Pricing{})

	tokenBudget := cfg.TokenBudgetDefault
	builder := contextbuilder.New(index, store, embedder, func(string) int { return tokenBudget })

	discoverer := relationship.New(index, store, embedder)
	dialogueSvc := dialogue.New(store, provider, cfg.LLM.Model)
	extractor := extraction.New(provider, cfg.LLM.Model)

	var queue ingestqueue.Queue
	if len(cfg.KafkaBrokers) > 0 {
		queue = ingestqueue.NewKafkaBacked(cfg.KafkaBrokers, "cortexgate.ingestion", "cortexgate-ingestion", 4)
	} else {
		queue = ingestqueue.NewInProcess(256, 4)
	}

	pipeline := &ingestion.Pipeline{
		Store:        store,
		Index:        index,
		Embedder:     embedder,
		Dialogue:     dialogueSvc,
		Extractor:    extractor,
		Relationship: discoverer,
		Queue:        queue,
		Summarize:    ingestion.SummarizeConfig{TurnCountThreshold: cfg.SessionSummarize.TurnCountThreshold, TokenThreshold: cfg.SessionSummarize.TokenThreshold},
	}
	queue.Start(ctx, pipeline.HandleEnvelope)
	defer queue.Close()

	health := &backendHealth{pool: pool, redis: rdb}

	server := httpapi.NewServer(&httpapi.Server{
		Auth:      tenants,
		RateLimit: engine,
		Context:   builder,
		Provider:  provider,
		Embedder:  embedder,
		Pipeline:  pipeline,
		Queue:     queue,
		Health:    health,
		Models: []httpapi.ModelInfo{
			{ID: cfg.LLM.Model, OwnedBy: "cortexgate", MaxTokens: 128000, KnowledgeAware: true},
		},
		DefaultModel: cfg.LLM.Model,
	})

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("cortexgate: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("cortexgate: listen failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("cortexgate: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newObjectStore builds the blob backend that offloads oversized
// ContentVariant payloads. "local" and an empty backend both return an
// in-process MemoryStore, so a non-error return is never nil.
func newObjectStore(ctx context.Context, cfg config.Config) (objectstore.ObjectStore, error) {
	switch cfg.ObjectStore.Backend {
	case "s3":
		return objectstore.NewS3Store(ctx, cfg.ObjectStore.S3)
	case "local", "":
		return objectstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.ObjectStore.Backend)
	}
}

type backendHealth struct {
	pool  interface{ Ping(context.Context) error }
	redis *redis.Client
}

func (h *backendHealth) PingRedis(ctx context.Context) error {
	return h.redis.Ping(ctx).Err()
}

func (h *backendHealth) PingPostgres(ctx context.Context) error {
	return h.pool.Ping(ctx)
}
