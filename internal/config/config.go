// Package config loads ctxengine configuration from defaults, an optional
// .env file and CTXENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "CTXENGINE_"

// Backends of the vector store client
const (
	BackendQdrant = "qdrant"
	BackendSQLite = "sqlite"
)

// Config is the complete engine configuration
type Config struct {
	LogLevel    string
	Workspace   WorkspaceConfig
	Chunking    ChunkingConfig
	Embedding   EmbeddingConfig
	VectorStore VectorStoreConfig
	Pool        PoolConfig
	Retry       RetryConfig
	Health      HealthConfig
	Indexing    IndexingConfig
	Query       QueryConfig
}

// WorkspaceConfig controls file discovery
type WorkspaceConfig struct {
	Root          string
	Include       []string
	Exclude       []string
	MaxFileSize   int64
	IncludeBinary bool
}

// ChunkingConfig controls the sliding window, sizes are in bytes
type ChunkingConfig struct {
	MinSize int
	MaxSize int
	Overlap int
}

// EmbeddingConfig selects and configures the embedding provider
type EmbeddingConfig struct {
	Provider  string // ollama, openai, jina, static; empty auto-detects
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int // Required for static, optional hint otherwise
	BatchSize int // 0 uses the provider maximum
	CacheSize int
	Timeout   time.Duration
}

// VectorStoreConfig selects the vector database
type VectorStoreConfig struct {
	Backend    string
	URL        string // Qdrant gRPC address, host:port or http(s)://host:port
	APIKey     string
	DBPath     string
	Collection string
	Distance   string
	BatchSize  int
	HealthTTL  time.Duration
}

// PoolConfig bounds the connection pool
type PoolConfig struct {
	MinConnections  int
	MaxConnections  int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	HealthInterval  time.Duration
	CleanupInterval time.Duration
}

// RetryConfig is the backoff policy for network operations
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// HealthConfig controls the health monitor
type HealthConfig struct {
	Interval         time.Duration
	FailureThreshold int
	AutoRecovery     bool
	RecoveryDelay    time.Duration
	SlowThreshold    time.Duration
}

// IndexingConfig controls the orchestrator
type IndexingConfig struct {
	MaxWorkers int // 0 means NumCPU-1
}

// QueryConfig controls the query engine
type QueryConfig struct {
	MaxResults           int
	MinSimilarity        float64
	RelatedMinSimilarity float64
	MaxRelated           int
	OverfetchFactor      int
	CacheSize            int
	CacheTTL             time.Duration
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Workspace: WorkspaceConfig{
			Root:        ".",
			Include:     []string{"**/*"},
			MaxFileSize: 1 << 20,
		},
		Chunking: ChunkingConfig{
			MinSize: 500,
			MaxSize: 1500,
			Overlap: 200,
		},
		Embedding: EmbeddingConfig{
			CacheSize: 10000,
			Timeout:   30 * time.Second,
		},
		VectorStore: VectorStoreConfig{
			Backend:    BackendQdrant,
			URL:        "localhost:6334",
			DBPath:     filepath.Join(".ctxengine", "vectors.db"),
			Collection: "code-context",
			Distance:   "Cosine",
			BatchSize:  100,
			HealthTTL:  30 * time.Second,
		},
		Pool: PoolConfig{
			MinConnections:  1,
			MaxConnections:  5,
			AcquireTimeout:  10 * time.Second,
			IdleTimeout:     5 * time.Minute,
			HealthInterval:  30 * time.Second,
			CleanupInterval: time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       10 * time.Second,
			Multiplier:     2.0,
			AttemptTimeout: 30 * time.Second,
		},
		Health: HealthConfig{
			Interval:         30 * time.Second,
			FailureThreshold: 3,
			AutoRecovery:     true,
			RecoveryDelay:    5 * time.Second,
			SlowThreshold:    2 * time.Second,
		},
		Query: QueryConfig{
			MaxResults:           10,
			MinSimilarity:        0.5,
			RelatedMinSimilarity: 0.3,
			MaxRelated:           5,
			OverfetchFactor:      4,
			CacheSize:            1000,
			CacheTTL:             5 * time.Minute,
		},
	}
}

// Load builds a Config from defaults, the optional env file and the environment.
// A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)

	str("WORKSPACE", &c.Workspace.Root)
	list("INCLUDE", &c.Workspace.Include)
	list("EXCLUDE", &c.Workspace.Exclude)
	int64v("MAX_FILE_SIZE", &c.Workspace.MaxFileSize)
	boolean("INCLUDE_BINARY", &c.Workspace.IncludeBinary)

	integer("CHUNK_MIN_SIZE", &c.Chunking.MinSize)
	integer("CHUNK_MAX_SIZE", &c.Chunking.MaxSize)
	integer("CHUNK_OVERLAP", &c.Chunking.Overlap)

	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_MODEL", &c.Embedding.Model)
	str("EMBEDDING_URL", &c.Embedding.BaseURL)
	str("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	integer("EMBEDDING_DIMENSION", &c.Embedding.Dimension)
	integer("EMBEDDING_BATCH_SIZE", &c.Embedding.BatchSize)
	integer("EMBEDDING_CACHE_SIZE", &c.Embedding.CacheSize)
	duration("EMBEDDING_TIMEOUT", &c.Embedding.Timeout)

	str("VECTOR_BACKEND", &c.VectorStore.Backend)
	str("QDRANT_URL", &c.VectorStore.URL)
	str("QDRANT_API_KEY", &c.VectorStore.APIKey)
	str("DB_PATH", &c.VectorStore.DBPath)
	str("COLLECTION", &c.VectorStore.Collection)
	str("DISTANCE", &c.VectorStore.Distance)
	integer("UPSERT_BATCH_SIZE", &c.VectorStore.BatchSize)
	duration("HEALTH_TTL", &c.VectorStore.HealthTTL)

	integer("POOL_MIN", &c.Pool.MinConnections)
	integer("POOL_MAX", &c.Pool.MaxConnections)
	duration("POOL_ACQUIRE_TIMEOUT", &c.Pool.AcquireTimeout)
	duration("POOL_IDLE_TIMEOUT", &c.Pool.IdleTimeout)
	duration("POOL_HEALTH_INTERVAL", &c.Pool.HealthInterval)
	duration("POOL_CLEANUP_INTERVAL", &c.Pool.CleanupInterval)

	integer("RETRY_MAX", &c.Retry.MaxRetries)
	duration("RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	duration("RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	float("RETRY_MULTIPLIER", &c.Retry.Multiplier)
	duration("RETRY_ATTEMPT_TIMEOUT", &c.Retry.AttemptTimeout)

	duration("HEALTH_INTERVAL", &c.Health.Interval)
	integer("HEALTH_FAILURE_THRESHOLD", &c.Health.FailureThreshold)
	boolean("HEALTH_AUTO_RECOVERY", &c.Health.AutoRecovery)
	duration("HEALTH_RECOVERY_DELAY", &c.Health.RecoveryDelay)
	duration("HEALTH_SLOW_THRESHOLD", &c.Health.SlowThreshold)

	integer("MAX_WORKERS", &c.Indexing.MaxWorkers)

	integer("MAX_RESULTS", &c.Query.MaxResults)
	float("MIN_SIMILARITY", &c.Query.MinSimilarity)
	float("RELATED_MIN_SIMILARITY", &c.Query.RelatedMinSimilarity)
	integer("MAX_RELATED", &c.Query.MaxRelated)
	integer("OVERFETCH_FACTOR", &c.Query.OverfetchFactor)
	integer("QUERY_CACHE_SIZE", &c.Query.CacheSize)
	duration("QUERY_CACHE_TTL", &c.Query.CacheTTL)

	return errors.Join(errs...)
}

// applyProviderDefaults picks the embedding provider when none is configured.
// Priority: explicit provider, JINA_API_KEY, OPENAI_API_KEY, local Ollama.
func (c *Config) applyProviderDefaults() {
	jinaKey := os.Getenv("JINA_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")

	if c.Embedding.Provider == "" {
		switch {
		case jinaKey != "":
			c.Embedding.Provider = "jina"
		case openaiKey != "":
			c.Embedding.Provider = "openai"
		default:
			c.Embedding.Provider = "ollama"
		}
	}
	c.Embedding.Provider = strings.ToLower(c.Embedding.Provider)

	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "jina":
			c.Embedding.APIKey = jinaKey
		case "openai":
			c.Embedding.APIKey = openaiKey
		}
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace root is required"))
	}
	if c.Workspace.MaxFileSize <= 0 {
		errs = append(errs, errors.New("max file size must be positive"))
	}

	ch := c.Chunking
	if ch.MinSize <= 0 || ch.MaxSize <= ch.MinSize {
		errs = append(errs, fmt.Errorf("chunk sizes must satisfy 0 < min (%d) < max (%d)", ch.MinSize, ch.MaxSize))
	} else if ch.MaxSize-ch.MinSize < 2 {
		errs = append(errs, errors.New("chunk max size must exceed min size by at least 2"))
	}
	if ch.Overlap < 0 || ch.Overlap >= ch.MinSize {
		errs = append(errs, fmt.Errorf("chunk overlap must satisfy 0 <= overlap (%d) < min (%d)", ch.Overlap, ch.MinSize))
	}

	switch c.Embedding.Provider {
	case "", "ollama", "openai", "jina":
	case "static":
		if c.Embedding.Dimension <= 0 {
			errs = append(errs, errors.New("static embedding provider requires a dimension"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}

	switch c.VectorStore.Backend {
	case BackendQdrant:
		if c.VectorStore.URL == "" {
			errs = append(errs, errors.New("qdrant URL is required"))
		}
	case BackendSQLite:
		if c.VectorStore.DBPath == "" {
			errs = append(errs, errors.New("sqlite database path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.VectorStore.Backend))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("collection name is required"))
	}
	if c.VectorStore.BatchSize <= 0 {
		errs = append(errs, errors.New("upsert batch size must be positive"))
	}

	if c.Pool.MinConnections < 0 || c.Pool.MaxConnections < 1 || c.Pool.MinConnections > c.Pool.MaxConnections {
		errs = append(errs, fmt.Errorf("pool bounds must satisfy 0 <= min (%d) <= max (%d), max >= 1", c.Pool.MinConnections, c.Pool.MaxConnections))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("pool acquire timeout must be positive"))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}

	if c.Health.FailureThreshold < 1 {
		errs = append(errs, errors.New("health failure threshold must be at least 1"))
	}
	if c.Indexing.MaxWorkers < 0 {
		errs = append(errs, errors.New("max workers must not be negative"))
	}

	q := c.Query
	if q.MaxResults < 1 {
		errs = append(errs, errors.New("max results must be at least 1"))
	}
	if q.MinSimilarity < 0 || q.MinSimilarity > 1 || q.RelatedMinSimilarity < 0 || q.RelatedMinSimilarity > 1 {
		errs = append(errs, errors.New("similarity thresholds must be between 0 and 1"))
	}
	if q.OverfetchFactor < 1 {
		errs = append(errs, errors.New("overfetch factor must be at least 1"))
	}

	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
