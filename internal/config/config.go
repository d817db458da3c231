package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "COMPLAINTS"

// Config is read from the environment by envconfig with split_words, so a
// field such as Ollama.EmbedModel maps to COMPLAINTS_OLLAMA_EMBED_MODEL.
type Config struct {
	Log        LogConfig        `split_words:"true"`
	Ollama     OllamaConfig     `split_words:"true"`
	Gemini     GeminiConfig     `split_words:"true"`
	Storage    StorageConfig    `split_words:"true"`
	Source     SourceConfig     `split_words:"true"`
	Sink       SinkConfig       `split_words:"true"`
	Embedding  EmbeddingConfig  `split_words:"true"`
	Pipeline   PipelineConfig   `split_words:"true"`
	DeadLetter DeadLetterConfig `split_words:"true"`
	Agent      AgentConfig      `split_words:"true"`
	Server     ServerConfig     `split_words:"true"`
	Redis      RedisConfig      `split_words:"true"`
}

type LogConfig struct {
	Level  string `split_words:"true"`
	Format string `split_words:"true"`
}

type OllamaConfig struct {
	URL        string `split_words:"true"`
	EmbedModel string `split_words:"true"`
	// ChatModel, when set, replaces the model id of every Ollama entry in
	// the prompt registry.
	ChatModel string `split_words:"true"`
}

type GeminiConfig struct {
	APIKey     string `split_words:"true"`
	BaseURL    string `split_words:"true"`
	EmbedModel string `split_words:"true"`
}

type StorageConfig struct {
	DataDir string `split_words:"true"`
	// VectorBackend is sqlite or postgres.
	VectorBackend string `split_words:"true"`
	PostgresDSN   string `split_words:"true"`
	// ContentTable names the Postgres table holding complaint rows, joined
	// on complaint_id to return descriptions with search hits.
	ContentTable string `split_words:"true"`
}

type SourceConfig struct {
	// Kind is file or jetstream.
	Kind    string `split_words:"true"`
	Path    string `split_words:"true"`
	Follow  bool   `split_words:"true"`
	NatsURL string `split_words:"true"`
	Stream  string `split_words:"true"`
	Subject string `split_words:"true"`
	Durable string `split_words:"true"`
	// Table filters change events by source table. Empty accepts all.
	Table string `split_words:"true"`
}

type SinkConfig struct {
	BatchSize     int           `split_words:"true"`
	FlushInterval time.Duration `split_words:"true"`
	MaxRetries    int           `split_words:"true"`
	Backoff       time.Duration `split_words:"true"`
}

type EmbeddingConfig struct {
	// Provider is ollama or gemini.
	Provider    string        `split_words:"true"`
	Dimension   int           `split_words:"true"`
	MaxAttempts int           `split_words:"true"`
	Backoff     time.Duration `split_words:"true"`
}

type PipelineConfig struct {
	PurgeOnDelete bool `split_words:"true"`
}

type DeadLetterConfig struct {
	// Backend is sqlite or redis.
	Backend  string `split_words:"true"`
	RedisKey string `split_words:"true"`
}

type AgentConfig struct {
	// RegistryPath points at a YAML model/prompt registry. Empty uses the
	// embedded default.
	RegistryPath string        `split_words:"true"`
	ModelTimeout time.Duration `split_words:"true"`
	Concurrency  int           `split_words:"true"`
	// Sinks is a comma-separated list of sqlite, redis and log.
	Sinks        string `split_words:"true"`
	RedisStream  string `split_words:"true"`
	StreamMaxLen int    `split_words:"true"`
}

type ServerConfig struct {
	Addr  string `split_words:"true"`
	Token string `split_words:"true"`
}

type RedisConfig struct {
	URL string `split_words:"true"`
}

// SinkNames splits Agent.Sinks into trimmed, non-empty names.
func (c AgentConfig) SinkNames() []string {
	var out []string
	for _, s := range strings.Split(c.Sinks, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Ollama: OllamaConfig{
			URL:        "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Gemini: GeminiConfig{EmbedModel: "text-embedding-004"},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: "sqlite",
		},
		Source: SourceConfig{
			Kind:    "file",
			Path:    "complaints.jsonl",
			NatsURL: "nats://localhost:4222",
			Stream:  "DEBEZIUM",
			Subject: "debezium.complaints.>",
			Durable: "complaint-embedder",
		},
		Sink: SinkConfig{
			BatchSize:     50,
			FlushInterval: 200 * time.Millisecond,
			MaxRetries:    3,
			Backoff:       100 * time.Millisecond,
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			MaxAttempts: 3,
			Backoff:     time.Second,
		},
		Pipeline:   PipelineConfig{PurgeOnDelete: true},
		DeadLetter: DeadLetterConfig{Backend: "sqlite", RedisKey: "complaints:deadletters"},
		Agent: AgentConfig{
			ModelTimeout: 60 * time.Second,
			Concurrency:  4,
			Sinks:        "sqlite,log",
			RedisStream:  "complaints:sentiment",
			StreamMaxLen: 10000,
		},
		Server: ServerConfig{Addr: "127.0.0.1:4000"},
		Redis:  RedisConfig{URL: "redis://localhost:6379/0"},
	}
}

// Load reads configuration from defaults, the JSON file backend at
// $XDG_CONFIG_HOME/complaints/config.json, a .env file in the working
// directory, and COMPLAINTS_* environment variables, in that order of
// precedence (last wins). Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), ".env")
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if envFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated settings and the secrets they require.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", key, val, strings.Join(allowed, ", ")))
	}

	oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error")
	oneOf("log.format", c.Log.Format, "console", "json")
	oneOf("storage.vector_backend", c.Storage.VectorBackend, "sqlite", "postgres")
	oneOf("source.kind", c.Source.Kind, "file", "jetstream")
	oneOf("embedding.provider", c.Embedding.Provider, "ollama", "gemini")
	oneOf("dead_letter.backend", c.DeadLetter.Backend, "sqlite", "redis")
	for _, s := range c.Agent.SinkNames() {
		oneOf("agent.sinks", s, "sqlite", "redis", "log")
	}

	if c.Storage.VectorBackend == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("missing required config: Postgres DSN. Set it via environment variable %s", envName("storage.postgres_dsn")))
	}
	if c.Embedding.Provider == "gemini" && c.Gemini.APIKey == "" {
		errs = append(errs, fmt.Errorf("missing required config: Gemini API key. Set it via environment variable %s", envName("gemini.api_key")))
	}
	if c.Agent.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("agent.concurrency: must be positive, got %d", c.Agent.Concurrency))
	}
	if c.Agent.ModelTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.model_timeout: must be positive, got %s", c.Agent.ModelTimeout))
	}
	return errors.Join(errs...)
}
