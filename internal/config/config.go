// Package config loads runtime configuration from the environment, with an
// optional local .env file for development, per the variables this service
// recognizes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// S3SSEConfig configures server-side encryption for the S3 object store
// backend.
type S3SSEConfig struct {
	Mode     string // "", "sse-s3", "sse-kms"
	KMSKeyID string
}

// S3Config configures the S3 object store backend.
type S3Config struct {
	Bucket                string
	Region                string
	Endpoint              string
	AccessKey             string
	SecretKey             string
	Prefix                string
	UsePathStyle          bool
	TLSInsecureSkipVerify bool
	SSE                   S3SSEConfig
}

// ObsConfig configures OpenTelemetry export.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// LLMConfig configures the upstream chat-completions provider.
type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
}

// RateLimitConfig configures the windowed admission limiter.
type RateLimitConfig struct {
	PerMinute int
	PerHour   int
}

// SessionSummarizeConfig configures the conditional summarization trigger.
type SessionSummarizeConfig struct {
	TurnCountThreshold int
	TokenThreshold     int
}

// VectorConfig selects and parameterizes the vector index backend.
type VectorConfig struct {
	Backend    string // "qdrant" | "postgres"
	DSN        string
	Metric     string // "cosine" | "l2" | "ip"
	Dimensions int
}

// ObjectStoreConfig selects and parameterizes the blob storage backend.
type ObjectStoreConfig struct {
	Backend       string // "local" | "s3"
	Bucket        string
	LocalBasePath string
	S3            S3Config
}

// Config is the fully resolved runtime configuration.
type Config struct {
	HTTPAddr string

	DatabaseURL string
	RedisURL    string

	LLM       LLMConfig
	Embedding EmbeddingConfig

	RateLimit         RateLimitConfig
	TokenBudgetDefault int
	SessionSummarize   SessionSummarizeConfig

	Vector      VectorConfig
	ObjectStore ObjectStoreConfig
	KafkaBrokers []string

	Obs ObsConfig

	LogPath  string
	LogLevel string
}

// Load reads configuration from the environment. If a .env file is present
// in the working directory it is loaded first; real environment variables
// always take precedence since godotenv.Load does not override values
// already set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr: getEnvDefault("HTTP_ADDR", ":8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		LLM: LLMConfig{
			BaseURL: os.Getenv("LLM_BASE_URL"),
			Model:   os.Getenv("LLM_MODEL"),
			APIKey:  os.Getenv("LLM_API_KEY"),
		},
		Embedding: EmbeddingConfig{
			BaseURL: os.Getenv("EMBEDDING_BASE_URL"),
			Model:   os.Getenv("EMBEDDING_MODEL"),
			APIKey:  os.Getenv("EMBEDDING_API_KEY"),
		},

		Vector: VectorConfig{
			Backend: getEnvDefault("VECTOR_BACKEND", "qdrant"),
			DSN:     os.Getenv("VECTOR_DSN"),
			Metric:  getEnvDefault("VECTOR_METRIC", "cosine"),
		},
		ObjectStore: ObjectStoreConfig{
			Backend:       getEnvDefault("OBJECTSTORE_BACKEND", "local"),
			Bucket:        os.Getenv("OBJECTSTORE_BUCKET"),
			LocalBasePath: getEnvDefault("BLOB_STORAGE_LOCAL_BASE_PATH", "./data/blobs"),
		},

		Obs: ObsConfig{
			OTLP:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:    "cortexgate",
			ServiceVersion: "dev",
			Environment:    getEnvDefault("APP_ENV", "development"),
		},

		LogPath:  getEnvDefault("LOG_PATH", ""),
		LogLevel: getEnvDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.Embedding.Dimension, err = getEnvInt("EMBEDDING_DIMENSION", 1536); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.PerMinute, err = getEnvInt("RATE_LIMIT_MIN", 100); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.PerHour, err = getEnvInt("RATE_LIMIT_HOUR", 1000); err != nil {
		return Config{}, err
	}
	if cfg.TokenBudgetDefault, err = getEnvInt("TOKEN_BUDGET_DEFAULT", 4000); err != nil {
		return Config{}, err
	}
	if cfg.SessionSummarize.TurnCountThreshold, err = getEnvInt("SESSION_SUMMARIZE_TURN_COUNT", 20); err != nil {
		return Config{}, err
	}
	if cfg.SessionSummarize.TokenThreshold, err = getEnvInt("SESSION_SUMMARIZE_TOKEN_THRESHOLD", 6000); err != nil {
		return Config{}, err
	}

	cfg.Vector.Dimensions = cfg.Embedding.Dimension

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if cfg.ObjectStore.Backend == "s3" {
		cfg.ObjectStore.S3 = S3Config{
			Bucket:                cfg.ObjectStore.Bucket,
			Region:                os.Getenv("S3_REGION"),
			Endpoint:              os.Getenv("S3_ENDPOINT"),
			AccessKey:             os.Getenv("S3_ACCESS_KEY"),
			SecretKey:             os.Getenv("S3_SECRET_KEY"),
			Prefix:                os.Getenv("S3_PREFIX"),
			UsePathStyle:          os.Getenv("S3_USE_PATH_STYLE") == "true",
			TLSInsecureSkipVerify: os.Getenv("S3_TLS_INSECURE_SKIP_VERIFY") == "true",
		}
		if mode := os.Getenv("S3_SSE_MODE"); mode != "" {
			cfg.ObjectStore.S3.SSE = S3SSEConfig{Mode: mode, KMSKeyID: os.Getenv("S3_SSE_KMS_KEY_ID")}
		}
	}

	return cfg, nil
}

// HTTPClientTimeout is the default timeout applied to outbound calls that
// don't carry a more specific deadline from the request context.
const HTTPClientTimeout = 60 * time.Second

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return n, nil
}

