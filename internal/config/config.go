// Package config provides YAML-based configuration loading for sitechat.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level sitechat configuration, loaded from sitechat.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Chat      ChatConfig      `yaml:"chat"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig controls where per-tenant retrieval data lives on disk.
type StorageConfig struct {
	BaseDir      string `yaml:"base_dir"`
	PruneOnStart *bool  `yaml:"prune_on_start"`
}

// ShouldPruneOnStart reports whether orphaned tenant storage is removed at start-up.
func (s StorageConfig) ShouldPruneOnStart() bool {
	return s.PruneOnStart == nil || *s.PruneOnStart
}

// Retrieval backends.
const (
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendQdrant   = "qdrant"
	BackendPGVector = "pgvector"
	BackendMemory   = "memory"
)

// RetrievalConfig selects and configures the retrieval store backend.
type RetrievalConfig struct {
	Backend   string       `yaml:"backend"`
	TopK      int          `yaml:"top_k"`
	ChunkSize int          `yaml:"chunk_size"`
	MySQL     DSNConfig    `yaml:"mysql"`
	PGVector  DSNConfig    `yaml:"pgvector"`
	Qdrant    QdrantConfig `yaml:"qdrant"`
}

// DSNConfig holds a database connection string.
type DSNConfig struct {
	DSN string `yaml:"dsn"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Embedding providers.
const (
	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"
)

// EmbeddingConfig selects how text is turned into vectors.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Dimensions int    `yaml:"dimensions"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
}

// Generation providers.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// LLMConfig configures the generation model.
type LLMConfig struct {
	Provider     string  `yaml:"provider"`
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutSec   int     `yaml:"timeout_sec"`
	SystemPrompt string  `yaml:"system_prompt"`
	ClaudeBinary string  `yaml:"claude_binary"`
}

// Timeout returns the generation deadline.
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

// FetchConfig bounds the content fetcher.
type FetchConfig struct {
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxBytes   int64  `yaml:"max_bytes"`
	UserAgent  string `yaml:"user_agent"`
}

// Timeout returns the fetch deadline.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

// ReaperConfig controls idle-session eviction.
type ReaperConfig struct {
	TTLSec      int    `yaml:"ttl_sec"`
	IntervalSec int    `yaml:"interval_sec"`
	Schedule    string `yaml:"schedule"` // optional 5-field cron expression
}

// TTL returns the idle threshold.
func (r ReaperConfig) TTL() time.Duration {
	return time.Duration(r.TTLSec) * time.Second
}

// Interval returns the fixed sweep interval.
func (r ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

// ChatConfig tunes the answer orchestrator.
type ChatConfig struct {
	HistoryWindow       int    `yaml:"history_window"`
	FallbackAnswer      string `yaml:"fallback_answer"`
	DefaultConversation string `yaml:"default_conversation"`
}

// Ingest policies for re-ingesting the URL a tenant already holds.
const (
	PolicyReset      = "reset"
	PolicyAccumulate = "accumulate"
)

// IngestConfig controls re-ingestion behavior.
type IngestConfig struct {
	Policy string `yaml:"policy"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, unmarshals YAML bytes, and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}

	if c.Storage.BaseDir == "" {
		c.Storage.BaseDir = "chroma_db"
	}

	if c.Retrieval.Backend == "" {
		c.Retrieval.Backend = BackendSQLite
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.ChunkSize == 0 {
		c.Retrieval.ChunkSize = 1000
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = EmbedderHash
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = 256
	}
	if c.Embedding.Provider == EmbedderOpenAI && c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenAI
	}
	if c.LLM.Model == "" && c.LLM.Provider == ProviderOpenAI {
		c.LLM.Model = "gemini-1.5-pro"
	}
	if c.LLM.BaseURL == "" && c.LLM.Provider == ProviderOpenAI {
		c.LLM.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 1.0
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 60
	}
	if c.LLM.ClaudeBinary == "" {
		c.LLM.ClaudeBinary = "claude"
	}

	if c.Fetch.TimeoutSec == 0 {
		c.Fetch.TimeoutSec = 10
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 10 << 20
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "sitechat/1.0"
	}

	if c.Reaper.TTLSec == 0 {
		c.Reaper.TTLSec = 24 * 60 * 60
	}
	if c.Reaper.IntervalSec == 0 {
		c.Reaper.IntervalSec = 60 * 60
	}

	if c.Chat.HistoryWindow == 0 {
		c.Chat.HistoryWindow = 5
	}
	if c.Chat.FallbackAnswer == "" {
		c.Chat.FallbackAnswer = "No AI response generated."
	}
	if c.Chat.DefaultConversation == "" {
		c.Chat.DefaultConversation = "default"
	}

	if c.Ingest.Policy == "" {
		c.Ingest.Policy = PolicyReset
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	switch c.Retrieval.Backend {
	case BackendSQLite, BackendMemory:
	case BackendMySQL:
		if c.Retrieval.MySQL.DSN == "" {
			errs = append(errs, "retrieval.mysql.dsn is required for the mysql backend")
		}
	case BackendPGVector:
		if c.Retrieval.PGVector.DSN == "" {
			errs = append(errs, "retrieval.pgvector.dsn is required for the pgvector backend")
		}
	case BackendQdrant:
		if c.Retrieval.Qdrant.URL == "" {
			errs = append(errs, "retrieval.qdrant.url is required for the qdrant backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("retrieval.backend %q is not one of sqlite, mysql, qdrant, pgvector, memory", c.Retrieval.Backend))
	}
	if c.Retrieval.TopK < 0 {
		errs = append(errs, "retrieval.top_k must be positive")
	}
	if c.Retrieval.ChunkSize < 0 {
		errs = append(errs, "retrieval.chunk_size must be positive")
	}

	switch c.Embedding.Provider {
	case EmbedderHash:
		if c.Embedding.Dimensions < 0 {
			errs = append(errs, "embedding.dimensions must be positive")
		}
	case EmbedderOpenAI:
		if c.Embedding.Endpoint == "" {
			errs = append(errs, "embedding.endpoint is required for the openai provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("embedding.provider %q is not one of hash, openai", c.Embedding.Provider))
	}

	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.Model == "" {
			errs = append(errs, "llm.model is required for the openai provider")
		}
	case ProviderClaude:
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not one of openai, claude", c.LLM.Provider))
	}
	if c.LLM.TimeoutSec < 0 {
		errs = append(errs, "llm.timeout_sec must be positive")
	}

	if c.Fetch.TimeoutSec < 0 {
		errs = append(errs, "fetch.timeout_sec must be positive")
	}
	if c.Fetch.MaxBytes < 0 {
		errs = append(errs, "fetch.max_bytes must be positive")
	}

	if c.Reaper.TTLSec < 0 {
		errs = append(errs, "reaper.ttl_sec must be positive")
	}
	if c.Reaper.IntervalSec < 0 {
		errs = append(errs, "reaper.interval_sec must be positive")
	}
	if c.Reaper.Schedule != "" {
		if _, err := CronParser.Parse(c.Reaper.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("reaper.schedule %q: %v", c.Reaper.Schedule, err))
		}
	}

	if c.Chat.HistoryWindow < 0 {
		errs = append(errs, "chat.history_window must be positive")
	}

	switch c.Ingest.Policy {
	case PolicyReset, PolicyAccumulate:
	default:
		errs = append(errs, fmt.Sprintf("ingest.policy %q is not one of reset, accumulate", c.Ingest.Policy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CronParser accepts standard 5-field cron expressions (minute, hour, dom, month, dow).
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
