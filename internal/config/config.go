package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration value")
)

type Config struct {
	// Server
	ServerPort int    `envconfig:"SERVER_PORT" default:"8081"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`

	// Postgres
	EnablePostgres bool   `envconfig:"ENABLE_POSTGRES" default:"true"`
	DBHost         string `envconfig:"DB_HOST" default:"postgres"`
	DBPort         int    `envconfig:"DB_PORT" default:"5432"`
	DBUser         string `envconfig:"DB_USER" default:"tubeqa"`
	DBPass         string `envconfig:"DB_PASS" default:"password"`
	DBName         string `envconfig:"DB_NAME" default:"tubeqa"`
	MigrationPath  string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Index backends
	IndexBackend   string `envconfig:"INDEX_BACKEND" default:"memory"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	SnapshotDir    string `envconfig:"SNAPSHOT_DIR" default:"data/indexes"`

	// Queue
	EnableNSQ     bool   `envconfig:"ENABLE_NSQ" default:"false"`
	NSQLookupd    string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost      string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQMaxMsgSize int64  `envconfig:"NSQ_MAX_MSG_SIZE" default:"10485760"` // 10MB

	// Models
	EmbeddingProvider     string        `envconfig:"EMBEDDING_PROVIDER" default:"gemini"`
	GenerationProvider    string        `envconfig:"GENERATION_PROVIDER" default:"gemini"`
	GeminiAPIKey          string        `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey          string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL         string        `envconfig:"OPENAI_BASE_URL"`
	EmbeddingModel        string        `envconfig:"EMBEDDING_MODEL"`
	GenerationModel       string        `envconfig:"GENERATION_MODEL" default:"gemini-1.5-flash"`
	GenerationTemperature float32       `envconfig:"GENERATION_TEMPERATURE" default:"0.2"`
	GenerationMaxTokens   int           `envconfig:"GENERATION_MAX_TOKENS" default:"512"`
	GenerationAttempts    int           `envconfig:"GENERATION_ATTEMPTS" default:"3"`
	GenerationTimeout     time.Duration `envconfig:"GENERATION_TIMEOUT" default:"30s"`
	GenerationBackoff     time.Duration `envconfig:"GENERATION_BACKOFF" default:"500ms"`
	GenerationRPM         int           `envconfig:"GENERATION_RPM" default:"60"`
	RedisAddr             string        `envconfig:"REDIS_ADDR"`
	EmbeddingCacheTTL     time.Duration `envconfig:"EMBEDDING_CACHE_TTL" default:"168h"`

	// Pipeline
	ChunkMaxWords          int      `envconfig:"CHUNK_MAX_WORDS" default:"200"`
	ChunkOverlapWords      int      `envconfig:"CHUNK_OVERLAP_WORDS" default:"30"`
	RetrievalTopK          int      `envconfig:"RETRIEVAL_TOP_K" default:"4"`
	RetrievalMinScore      *float64 `envconfig:"RETRIEVAL_MIN_SCORE"`
	ContextBudgetWords     int      `envconfig:"CONTEXT_BUDGET_WORDS" default:"600"`
	IngestionConcurrency   int      `envconfig:"INGESTION_CONCURRENCY" default:"4"`
	EmbeddingRPM           int      `envconfig:"EMBEDDING_RPM" default:"1500"`
	IngestCleanTranscripts bool     `envconfig:"INGEST_CLEAN_TRANSCRIPTS" default:"true"`
	TranscriptBaseURL      string   `envconfig:"TRANSCRIPT_BASE_URL" default:"https://video.google.com/timedtext"`
	TranscriptLang         string   `envconfig:"TRANSCRIPT_LANG" default:"en"`

	// Evaluation
	EvalConcurrency  int    `envconfig:"EVAL_CONCURRENCY" default:"4"`
	EvalFaithfulness string `envconfig:"EVAL_FAITHFULNESS" default:"embedding"`
	TrackingDir      string `envconfig:"TRACKING_DIR" default:"data/runs"`

	// Monitoring
	MonitorWindow  int           `envconfig:"MONITOR_WINDOW" default:"50"`
	MonitorQueue   int           `envconfig:"MONITOR_QUEUE" default:"1024"`
	DriftDetector  string        `envconfig:"DRIFT_DETECTOR" default:"mean_shift"`
	DriftThreshold float64       `envconfig:"DRIFT_THRESHOLD" default:"0.5"`
	DriftInterval  time.Duration `envconfig:"DRIFT_INTERVAL" default:"1m"`
	MetricsLogPath string        `envconfig:"METRICS_LOG_PATH" default:"data/logs/metrics.jsonl"`
	QueryLogPath   string        `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	OTLPEndpoint   string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// env vars set in the shell win over .env files
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func oneOf(name, value string, allowed ...string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("%w: %s=%q, want one of %v", ErrInvalid, name, value, allowed)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.EnablePostgres {
		if c.DBHost == "" {
			return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
		}
		if c.DBUser == "" {
			return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
		}
		if c.DBName == "" {
			return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
		}
	}

	checks := []error{
		oneOf("LOG_FORMAT", c.LogFormat, "json", "text"),
		oneOf("INDEX_BACKEND", c.IndexBackend, "memory", "weaviate"),
		oneOf("EMBEDDING_PROVIDER", c.EmbeddingProvider, "gemini", "openai", "hash"),
		oneOf("GENERATION_PROVIDER", c.GenerationProvider, "gemini", "openai"),
		oneOf("EVAL_FAITHFULNESS", c.EvalFaithfulness, "embedding", "generation"),
		oneOf("DRIFT_DETECTOR", c.DriftDetector, "mean_shift", "ks"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if c.ChunkMaxWords <= 0 || c.ChunkOverlapWords < 0 || c.ChunkOverlapWords >= c.ChunkMaxWords {
		return fmt.Errorf("%w: CHUNK_OVERLAP_WORDS must be in [0, CHUNK_MAX_WORDS)", ErrInvalid)
	}
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("%w: RETRIEVAL_TOP_K must be positive", ErrInvalid)
	}
	if c.GenerationAttempts <= 0 {
		return fmt.Errorf("%w: GENERATION_ATTEMPTS must be positive", ErrInvalid)
	}
	if c.MonitorWindow <= 0 {
		return fmt.Errorf("%w: MONITOR_WINDOW must be positive", ErrInvalid)
	}
	return nil
}
