package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root inkwell service configuration, loaded from
// config/inkwell.yaml with environment variable overrides applied on top.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service" yaml:"service"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store" yaml:"vector_store"`
	Embeddings  EmbeddingsConfig  `mapstructure:"embeddings" yaml:"embeddings"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Reranker    RerankerConfig    `mapstructure:"reranker" yaml:"reranker"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval" yaml:"retrieval"`
	Chat        ChatConfig        `mapstructure:"chat" yaml:"chat"`
	SQLChat     SQLChatConfig     `mapstructure:"sql_chat" yaml:"sql_chat"`
	Sessions    SessionsConfig    `mapstructure:"sessions" yaml:"sessions"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	Streaming   StreamingConfig   `mapstructure:"streaming" yaml:"streaming"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`

	CircuitBreakers CircuitBreakersConfig `mapstructure:"circuit_breakers" yaml:"circuit_breakers"`

	Pricing PricingConfig `mapstructure:"pricing" yaml:"pricing"`
}

// ServiceConfig contains the HTTP server settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	MetricsPort     int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout of zero keeps SSE and WebSocket streams open indefinitely.
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"` // "json" or "console"

	OutputPaths      []string `mapstructure:"output_paths" yaml:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths" yaml:"error_output_paths"`
}

// AuthConfig contains API authentication settings. When no API key is
// configured the middleware runs in skip-auth mode for local development.
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	SkipAuth bool   `mapstructure:"skip_auth" yaml:"skip_auth"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
}

// DatabaseConfig contains the application store settings (notebooks,
// conversations, saved connections, telemetry).
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig contains Redis settings for the embedding cache and the
// rate limit counters.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// VectorStoreConfig contains the pgvector chunk store settings.
type VectorStoreConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode"`

	TableName string `mapstructure:"table_name" yaml:"table_name"`
	EmbedDim  int    `mapstructure:"embed_dim" yaml:"embed_dim"`

	// IVFFlat index lists; only used when the index is first created.
	IndexLists   int           `mapstructure:"index_lists" yaml:"index_lists"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
}

// ConnectionString builds a lib/pq keyword DSN for the vector store.
func (v VectorStoreConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		v.Host, v.Port, v.User, v.Password, v.Database, v.SSLMode)
}

// EmbeddingsConfig contains the embedding provider settings.
type EmbeddingsConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Model    string        `mapstructure:"model" yaml:"model"`
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`

	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	MaxLRU        int           `mapstructure:"max_lru" yaml:"max_lru"`
	UseRedisCache bool          `mapstructure:"use_redis_cache" yaml:"use_redis_cache"`

	Chunking ChunkingConfig `mapstructure:"chunking" yaml:"chunking"`
}

// ChunkingConfig controls how ingested documents are split before embedding.
type ChunkingConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	MaxTokens      int  `mapstructure:"max_tokens" yaml:"max_tokens"`
	OverlapTokens  int  `mapstructure:"overlap_tokens" yaml:"overlap_tokens"`
	MinChunkTokens int  `mapstructure:"min_chunk_tokens" yaml:"min_chunk_tokens"`
}

// LLMConfig contains the completion provider settings.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`

	// Client-side pacing; zero disables.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `mapstructure:"tokens_per_minute" yaml:"tokens_per_minute"`
}

// RerankerConfig contains the cross-encoder reranker settings.
type RerankerConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Model   string        `mapstructure:"model" yaml:"model"`
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	TopN    int           `mapstructure:"top_n" yaml:"top_n"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RetrievalConfig contains the RAG retrieval settings.
type RetrievalConfig struct {
	// Strategy is one of "hybrid", "vector", "keyword", "router".
	Strategy      string  `mapstructure:"strategy" yaml:"strategy"`
	TopK          int     `mapstructure:"top_k" yaml:"top_k"`
	LexicalWeight float64 `mapstructure:"lexical_weight" yaml:"lexical_weight"`
	VectorWeight  float64 `mapstructure:"vector_weight" yaml:"vector_weight"`

	// Each leg fetches top_k * candidate_multiplier before fusion.
	CandidateMultiplier int     `mapstructure:"candidate_multiplier" yaml:"candidate_multiplier"`
	MinScore            float64 `mapstructure:"min_score" yaml:"min_score"`

	// At or below this many candidate nodes the retriever skips lexical
	// fusion and reranking and falls back to pure vector search.
	RerankThreshold int `mapstructure:"rerank_threshold" yaml:"rerank_threshold"`
}

// ChatConfig contains the conversational RAG engine settings.
type ChatConfig struct {
	MemoryTokenLimit int  `mapstructure:"memory_token_limit" yaml:"memory_token_limit"`
	CondenseEnabled  bool `mapstructure:"condense_enabled" yaml:"condense_enabled"`
}

// SQLChatConfig contains the natural-language-to-SQL pipeline settings.
type SQLChatConfig struct {
	EncryptionKey     string `mapstructure:"encryption_key" yaml:"encryption_key"`
	SkipReadOnlyCheck bool   `mapstructure:"skip_readonly_check" yaml:"skip_readonly_check"`

	// Connection pool sizing for target databases.
	PoolSize       int           `mapstructure:"pool_size" yaml:"pool_size"`
	MaxOverflow    int           `mapstructure:"max_overflow" yaml:"max_overflow"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	QueryTimeout  time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	MaxResultRows int           `mapstructure:"max_result_rows" yaml:"max_result_rows"`

	MaxSyntaxRetries   int `mapstructure:"max_syntax_retries" yaml:"max_syntax_retries"`
	MaxSemanticRetries int `mapstructure:"max_semantic_retries" yaml:"max_semantic_retries"`

	SchemaCacheTTL   time.Duration `mapstructure:"schema_cache_ttl" yaml:"schema_cache_ttl"`
	SchemaTopK       int           `mapstructure:"schema_top_k" yaml:"schema_top_k"`
	SampleValueLimit int           `mapstructure:"sample_value_limit" yaml:"sample_value_limit"`

	FewShotTopK     int `mapstructure:"few_shot_top_k" yaml:"few_shot_top_k"`
	MaxSubQuestions int `mapstructure:"max_sub_questions" yaml:"max_sub_questions"`

	// Conversation ring size per session.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`

	MaxInspectionRows int `mapstructure:"max_inspection_rows" yaml:"max_inspection_rows"`

	// EXPLAIN gate thresholds.
	MaxEstimatedRows int64   `mapstructure:"max_estimated_rows" yaml:"max_estimated_rows"`
	MaxEstimatedCost float64 `mapstructure:"max_estimated_cost" yaml:"max_estimated_cost"`
}

// SessionsConfig contains in-memory SQL chat session settings.
type SessionsConfig struct {
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	MaxSessions     int           `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// TelemetryConfig contains query telemetry settings. Sink "db" persists
// records through the application store, "memory" keeps a bounded ring,
// "auto" picks db when a database is configured.
type TelemetryConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Sink         string        `mapstructure:"sink" yaml:"sink"`
	RingCapacity int           `mapstructure:"ring_capacity" yaml:"ring_capacity"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// RateLimitConfig contains per-key request rate limits enforced through
// Redis sliding windows; disabled when Redis is unavailable.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

// StreamingConfig contains the event stream settings.
type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity" yaml:"ring_capacity"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// HealthConfig contains health check settings.
type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CircuitBreakersConfig contains all circuit breaker configurations.
type CircuitBreakersConfig struct {
	Redis    CircuitBreakerConfig `mapstructure:"redis" yaml:"redis"`
	Database CircuitBreakerConfig `mapstructure:"database" yaml:"database"`
	LLM      CircuitBreakerConfig `mapstructure:"llm" yaml:"llm"`
}

// CircuitBreakerConfig represents circuit breaker settings.
type CircuitBreakerConfig struct {
	MaxRequests   uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxFailures   uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	OnStateChange bool          `mapstructure:"on_state_change" yaml:"on_state_change"`
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
}

// PricingConfig points at the model pricing catalog.
type PricingConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Default returns the built-in configuration. File and environment values
// are merged over it, so every field here must be a safe standalone value.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:            8080,
			MetricsPort:     2112,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
		},
		Logging: LoggingConfig{
			Level:            "info",
			Development:      false,
			Encoding:         "json",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Auth: AuthConfig{
			Enabled:  false,
			SkipAuth: true,
			APIKey:   "",
		},
		Database: DatabaseConfig{
			URL:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		},
		VectorStore: VectorStoreConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "postgres",
			Password:     "postgres",
			Database:     "postgres",
			SSLMode:      "disable",
			TableName:    "inkwell_chunks",
			EmbedDim:     1536,
			IndexLists:   100,
			QueryTimeout: 10 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:      "openai",
			Model:         "text-embedding-3-small",
			BaseURL:       "",
			Timeout:       30 * time.Second,
			CacheTTL:      time.Hour,
			MaxLRU:        2048,
			UseRedisCache: false,
			Chunking: ChunkingConfig{
				Enabled:        true,
				MaxTokens:      1024,
				OverlapTokens:  200,
				MinChunkTokens: 100,
			},
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			BaseURL:     "",
			Timeout:     60 * time.Second,
			MaxTokens:   1024,
			Temperature: 0.1,
		},
		Reranker: RerankerConfig{
			Enabled: false,
			Model:   "BAAI/bge-reranker-base",
			BaseURL: "",
			TopN:    3,
			Timeout: 10 * time.Second,
		},
		Retrieval: RetrievalConfig{
			Strategy:            "hybrid",
			TopK:                5,
			LexicalWeight:       0.5,
			VectorWeight:        0.5,
			CandidateMultiplier: 3,
			MinScore:            0,
		},
		Chat: ChatConfig{
			MemoryTokenLimit: 3000,
			CondenseEnabled:  true,
		},
		SQLChat: SQLChatConfig{
			EncryptionKey:      "",
			SkipReadOnlyCheck:  false,
			PoolSize:           5,
			MaxOverflow:        10,
			ConnectTimeout:     30 * time.Second,
			QueryTimeout:       30 * time.Second,
			MaxResultRows:      10000,
			MaxSyntaxRetries:   3,
			MaxSemanticRetries: 3,
			SchemaCacheTTL:     300 * time.Second,
			SchemaTopK:         5,
			SampleValueLimit:   5,
			FewShotTopK:        3,
			MaxSubQuestions:    5,
			HistoryLimit:       10,
			MaxInspectionRows:  5000,
			MaxEstimatedRows:   100000,
			MaxEstimatedCost:   50000,
		},
		Sessions: SessionsConfig{
			TTL:             2 * time.Hour,
			CleanupInterval: 10 * time.Minute,
			MaxSessions:     1000,
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			Sink:         "auto",
			RingCapacity: 1000,
			QueueSize:    256,
			Workers:      2,
			DrainTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Streaming: StreamingConfig{
			RingCapacity: 256,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "inkwell",
			OTLPEndpoint: "localhost:4317",
		},
		Health: HealthConfig{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
			Timeout:       5 * time.Second,
		},
		CircuitBreakers: CircuitBreakersConfig{
			Redis: CircuitBreakerConfig{
				MaxRequests:   5,
				Interval:      30 * time.Second,
				Timeout:       60 * time.Second,
				MaxFailures:   5,
				OnStateChange: true,
				Enabled:       true,
			},
			Database: CircuitBreakerConfig{
				MaxRequests:   3,
				Interval:      30 * time.Second,
				Timeout:       60 * time.Second,
				MaxFailures:   3,
				OnStateChange: true,
				Enabled:       true,
			},
			LLM: CircuitBreakerConfig{
				MaxRequests:   5,
				Interval:      30 * time.Second,
				Timeout:       60 * time.Second,
				MaxFailures:   5,
				OnStateChange: true,
				Enabled:       true,
			},
		},
		Pricing: PricingConfig{
			Path: "",
		},
	}
}

// Load reads the config file at path, merges it over the defaults, and
// applies environment overrides. A missing file is not an error; the
// defaults plus environment are enough to boot a development instance.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v := viper.New()
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			// Unmarshal only assigns keys present in the file, so defaults
			// survive for everything the file leaves out.
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv resolves the config path from CONFIG_PATH or well-known
// locations and loads it.
func LoadFromEnv() (*Config, error) {
	return Load(ResolvePath())
}

// ResolvePath returns the config file path from CONFIG_PATH or the first
// existing candidate, or "" when none is found.
func ResolvePath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	candidates := []string{
		"/app/config/inkwell.yaml",
		"config/inkwell.yaml",
		"../../config/inkwell.yaml",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// applyEnvOverrides layers environment variables over the merged config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Service.Port = x
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Service.MetricsPort = x
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Vector store connection.
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.VectorStore.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.VectorStore.Port = x
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.VectorStore.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.VectorStore.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		cfg.VectorStore.Database = v
	}
	if v := os.Getenv("PGVECTOR_TABLE_NAME"); v != "" {
		cfg.VectorStore.TableName = v
	}
	if v := os.Getenv("PGVECTOR_EMBED_DIM"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.VectorStore.EmbedDim = x
		}
	}

	// Provider selection.
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embeddings.Provider = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embeddings.BaseURL = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	// OPENAI_API_KEY covers both clients; the specific vars win.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	// Setting a reranker model turns reranking on.
	if v := os.Getenv("RERANKER_MODEL"); v != "" {
		cfg.Reranker.Model = v
		cfg.Reranker.Enabled = true
	}
	if v := os.Getenv("RETRIEVAL_STRATEGY"); v != "" {
		cfg.Retrieval.Strategy = strings.ToLower(v)
	}

	if v := os.Getenv("SQL_CHAT_ENCRYPTION_KEY"); v != "" {
		cfg.SQLChat.EncryptionKey = v
	}
	if v := os.Getenv("SQL_CHAT_SKIP_READONLY_CHECK"); v != "" {
		cfg.SQLChat.SkipReadOnlyCheck = v == "1" || strings.EqualFold(v, "true")
	}

	// Configuring an API key enables authentication.
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
		cfg.Auth.SkipAuth = false
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("TELEMETRY_SINK"); v != "" {
		cfg.Telemetry.Sink = strings.ToLower(v)
	}
	if v := os.Getenv("PRICING_CONFIG_PATH"); v != "" {
		cfg.Pricing.Path = v
	}
}

var validStrategies = map[string]bool{
	"hybrid":  true,
	"vector":  true,
	"keyword": true,
	"router":  true,
}

// Validate checks the merged configuration for values that would fail at
// runtime in confusing ways.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service port must be between 1 and 65535, got %d", c.Service.Port)
	}
	if c.Service.MetricsPort < 1 || c.Service.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1 and 65535, got %d", c.Service.MetricsPort)
	}
	if !validStrategies[c.Retrieval.Strategy] {
		return fmt.Errorf("retrieval strategy must be one of hybrid, vector, keyword, router; got %q", c.Retrieval.Strategy)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval top_k must be at least 1, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.LexicalWeight < 0 || c.Retrieval.VectorWeight < 0 {
		return fmt.Errorf("retrieval weights cannot be negative")
	}
	if sum := c.Retrieval.LexicalWeight + c.Retrieval.VectorWeight; sum <= 0 {
		return fmt.Errorf("retrieval weights must sum to a positive value, got %v", sum)
	}
	if c.VectorStore.EmbedDim < 1 {
		return fmt.Errorf("vector store embed_dim must be positive, got %d", c.VectorStore.EmbedDim)
	}
	if c.Chat.MemoryTokenLimit < 1 {
		return fmt.Errorf("chat memory_token_limit must be positive, got %d", c.Chat.MemoryTokenLimit)
	}
	if c.SQLChat.PoolSize < 1 {
		return fmt.Errorf("sql_chat pool_size must be at least 1, got %d", c.SQLChat.PoolSize)
	}
	if c.SQLChat.MaxOverflow < 0 {
		return fmt.Errorf("sql_chat max_overflow cannot be negative, got %d", c.SQLChat.MaxOverflow)
	}
	if c.SQLChat.MaxResultRows < 1 {
		return fmt.Errorf("sql_chat max_result_rows must be at least 1, got %d", c.SQLChat.MaxResultRows)
	}
	if c.SQLChat.HistoryLimit < 1 {
		return fmt.Errorf("sql_chat history_limit must be at least 1, got %d", c.SQLChat.HistoryLimit)
	}
	return nil
}

// asFloat coerces YAML and JSON numeric decodings to float64.
func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// ValidateMap validates a raw configuration map before it replaces the
// running configuration. Registered with the watcher so malformed edits
// to inkwell.yaml are rejected instead of applied.
func ValidateMap(raw map[string]interface{}) error {
	if service, ok := raw["service"].(map[string]interface{}); ok {
		if port, ok := asFloat(service["port"]); ok && (port < 1 || port > 65535) {
			return fmt.Errorf("service port must be between 1 and 65535, got %v", port)
		}
	}
	if retrieval, ok := raw["retrieval"].(map[string]interface{}); ok {
		if s, ok := retrieval["strategy"].(string); ok && !validStrategies[strings.ToLower(s)] {
			return fmt.Errorf("retrieval strategy must be one of hybrid, vector, keyword, router; got %q", s)
		}
		var lex, vec float64
		var hasLex, hasVec bool
		if v, ok := asFloat(retrieval["lexical_weight"]); ok {
			if v < 0 {
				return fmt.Errorf("lexical_weight cannot be negative, got %v", v)
			}
			lex, hasLex = v, true
		}
		if v, ok := asFloat(retrieval["vector_weight"]); ok {
			if v < 0 {
				return fmt.Errorf("vector_weight cannot be negative, got %v", v)
			}
			vec, hasVec = v, true
		}
		if hasLex && hasVec && lex+vec <= 0 {
			return fmt.Errorf("retrieval weights must sum to a positive value")
		}
	}
	if vs, ok := raw["vector_store"].(map[string]interface{}); ok {
		if dim, ok := asFloat(vs["embed_dim"]); ok && dim < 1 {
			return fmt.Errorf("vector store embed_dim must be positive, got %v", dim)
		}
	}
	if sc, ok := raw["sql_chat"].(map[string]interface{}); ok {
		if v, ok := asFloat(sc["pool_size"]); ok && v < 1 {
			return fmt.Errorf("sql_chat pool_size must be at least 1, got %v", v)
		}
		if v, ok := asFloat(sc["max_result_rows"]); ok && v < 1 {
			return fmt.Errorf("sql_chat max_result_rows must be at least 1, got %v", v)
		}
	}
	return nil
}
