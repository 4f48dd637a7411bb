package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendQdrant   = "qdrant"
	BackendMongo    = "mongodb"
	BackendNeo4j    = "neo4j"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Index      IndexConfig      `mapstructure:"index"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Neo4j      Neo4jConfig      `mapstructure:"neo4j"`
	Redis      RedisConfig      `mapstructure:"redis"`

	OllamaHost    string `mapstructure:"ollama_host"`
	OpenAIAPIKey  string `mapstructure:"openai_api_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type IndexConfig struct {
	Backend string `mapstructure:"backend"`
}

type EmbeddingsConfig struct {
	Provider           string        `mapstructure:"provider"`
	Model              string        `mapstructure:"model"`
	Dimension          int           `mapstructure:"dimension"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

type RetrievalConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	TopK                int     `mapstructure:"top_k"`
	NameTopK            int     `mapstructure:"name_top_k"`
	MaxSources          int     `mapstructure:"max_sources"`
	NameMaxSources      int     `mapstructure:"name_max_sources"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type QdrantConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	Collection  string `mapstructure:"collection"`
	SearchIndex string `mapstructure:"search_index"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads config.yaml (working directory or ./config) when present and
// overlays environment variables on top, so a bare container can run on env
// alone.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	bindEnv(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("index.backend", BackendPostgres)

	v.SetDefault("embeddings.provider", ProviderOllama)
	v.SetDefault("embeddings.model", "nomic-embed-text")
	v.SetDefault("embeddings.dimension", 768)
	v.SetDefault("embeddings.cache_ttl", "24h")
	v.SetDefault("embeddings.breaker_max_failures", 5)
	v.SetDefault("embeddings.breaker_cooldown", "30s")

	v.SetDefault("llm.provider", ProviderOllama)
	v.SetDefault("llm.model", "llama3.2")

	v.SetDefault("retrieval.similarity_threshold", 0.35)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.name_top_k", 8)
	v.SetDefault("retrieval.max_sources", 3)
	v.SetDefault("retrieval.name_max_sources", 5)

	v.SetDefault("postgres.dsn", "postgres://localhost:5432/webwhisper?sslmode=disable")

	v.SetDefault("qdrant.url", "http://localhost:6333")
	v.SetDefault("qdrant.collection", "webwhisper_chunks")
	v.SetDefault("qdrant.timeout", "15s")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "webwhisper")
	v.SetDefault("mongo.collection", "chunks")
	v.SetDefault("mongo.search_index", "chunk_vectors")

	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "password")

	v.SetDefault("ollama_host", "http://localhost:11434")
}

// bindEnv keeps the short env names deployments already use instead of the
// dotted viper keys.
func bindEnv(v *viper.Viper) {
	bindings := map[string]string{
		"server.addr":          "SERVER_ADDR",
		"log.level":            "LOG_LEVEL",
		"log.format":           "LOG_FORMAT",
		"index.backend":        "INDEX_BACKEND",
		"embeddings.provider":  "EMBEDDINGS_PROVIDER",
		"embeddings.model":     "EMBEDDINGS_MODEL",
		"embeddings.dimension": "EMBEDDINGS_DIMENSION",
		"llm.provider":         "LLM_PROVIDER",
		"llm.model":            "LLM_MODEL",
		"postgres.dsn":         "POSTGRES_DSN",
		"qdrant.url":           "QDRANT_URL",
		"qdrant.api_key":       "QDRANT_API_KEY",
		"qdrant.collection":    "QDRANT_COLLECTION",
		"mongo.uri":            "MONGO_URI",
		"mongo.database":       "MONGO_DATABASE",
		"neo4j.uri":            "NEO4J_URI",
		"neo4j.user":           "NEO4J_USERNAME",
		"neo4j.password":       "NEO4J_PASSWORD",
		"redis.addr":           "REDIS_ADDR",
		"redis.password":       "REDIS_PASSWORD",
		"ollama_host":          "OLLAMA_HOST",
		"openai_api_key":       "OPENAI_API_KEY",
		"openai_base_url":      "OPENAI_BASE_URL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

func (c Config) validate() error {
	switch c.Index.Backend {
	case BackendPostgres, BackendMemory, BackendQdrant, BackendMongo, BackendNeo4j:
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	return nil
}
