package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// envName maps a config key to the environment variable envconfig reads for
// it: storage.data_dir becomes COMPLAINTS_STORAGE_DATA_DIR.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func str(key string, secret bool, set func(*Config, string), get func(Config) string) keySpec {
	return keySpec{
		key: key, typ: kString, secret: secret,
		apply:   func(cfg *Config, v any) { set(cfg, v.(string)) },
		extract: func(cfg Config) any { return get(cfg) },
	}
}

func integer(key string, set func(*Config, int), get func(Config) int) keySpec {
	return keySpec{
		key: key, typ: kInt,
		apply:   func(cfg *Config, v any) { set(cfg, v.(int)) },
		extract: func(cfg Config) any { return get(cfg) },
	}
}

func boolean(key string, set func(*Config, bool), get func(Config) bool) keySpec {
	return keySpec{
		key: key, typ: kBool,
		apply:   func(cfg *Config, v any) { set(cfg, v.(bool)) },
		extract: func(cfg Config) any { return get(cfg) },
	}
}

func duration(key string, set func(*Config, time.Duration), get func(Config) time.Duration) keySpec {
	return keySpec{
		key: key, typ: kDuration,
		apply:   func(cfg *Config, v any) { set(cfg, v.(time.Duration)) },
		extract: func(cfg Config) any { return get(cfg) },
	}
}

var specs = []keySpec{
	str("log.level", false, func(c *Config, v string) { c.Log.Level = v }, func(c Config) string { return c.Log.Level }),
	str("log.format", false, func(c *Config, v string) { c.Log.Format = v }, func(c Config) string { return c.Log.Format }),

	str("ollama.url", false, func(c *Config, v string) { c.Ollama.URL = v }, func(c Config) string { return c.Ollama.URL }),
	str("ollama.embed_model", false, func(c *Config, v string) { c.Ollama.EmbedModel = v }, func(c Config) string { return c.Ollama.EmbedModel }),
	str("ollama.chat_model", false, func(c *Config, v string) { c.Ollama.ChatModel = v }, func(c Config) string { return c.Ollama.ChatModel }),

	str("gemini.api_key", true, func(c *Config, v string) { c.Gemini.APIKey = v }, func(c Config) string { return c.Gemini.APIKey }),
	str("gemini.base_url", false, func(c *Config, v string) { c.Gemini.BaseURL = v }, func(c Config) string { return c.Gemini.BaseURL }),
	str("gemini.embed_model", false, func(c *Config, v string) { c.Gemini.EmbedModel = v }, func(c Config) string { return c.Gemini.EmbedModel }),

	str("storage.data_dir", false, func(c *Config, v string) { c.Storage.DataDir = v }, func(c Config) string { return c.Storage.DataDir }),
	str("storage.vector_backend", false, func(c *Config, v string) { c.Storage.VectorBackend = v }, func(c Config) string { return c.Storage.VectorBackend }),
	str("storage.postgres_dsn", true, func(c *Config, v string) { c.Storage.PostgresDSN = v }, func(c Config) string { return c.Storage.PostgresDSN }),
	str("storage.content_table", false, func(c *Config, v string) { c.Storage.ContentTable = v }, func(c Config) string { return c.Storage.ContentTable }),

	str("source.kind", false, func(c *Config, v string) { c.Source.Kind = v }, func(c Config) string { return c.Source.Kind }),
	str("source.path", false, func(c *Config, v string) { c.Source.Path = v }, func(c Config) string { return c.Source.Path }),
	boolean("source.follow", func(c *Config, v bool) { c.Source.Follow = v }, func(c Config) bool { return c.Source.Follow }),
	str("source.nats_url", false, func(c *Config, v string) { c.Source.NatsURL = v }, func(c Config) string { return c.Source.NatsURL }),
	str("source.stream", false, func(c *Config, v string) { c.Source.Stream = v }, func(c Config) string { return c.Source.Stream }),
	str("source.subject", false, func(c *Config, v string) { c.Source.Subject = v }, func(c Config) string { return c.Source.Subject }),
	str("source.durable", false, func(c *Config, v string) { c.Source.Durable = v }, func(c Config) string { return c.Source.Durable }),
	str("source.table", false, func(c *Config, v string) { c.Source.Table = v }, func(c Config) string { return c.Source.Table }),

	integer("sink.batch_size", func(c *Config, v int) { c.Sink.BatchSize = v }, func(c Config) int { return c.Sink.BatchSize }),
	duration("sink.flush_interval", func(c *Config, v time.Duration) { c.Sink.FlushInterval = v }, func(c Config) time.Duration { return c.Sink.FlushInterval }),
	integer("sink.max_retries", func(c *Config, v int) { c.Sink.MaxRetries = v }, func(c Config) int { return c.Sink.MaxRetries }),
	duration("sink.backoff", func(c *Config, v time.Duration) { c.Sink.Backoff = v }, func(c Config) time.Duration { return c.Sink.Backoff }),

	str("embedding.provider", false, func(c *Config, v string) { c.Embedding.Provider = v }, func(c Config) string { return c.Embedding.Provider }),
	integer("embedding.dimension", func(c *Config, v int) { c.Embedding.Dimension = v }, func(c Config) int { return c.Embedding.Dimension }),
	integer("embedding.max_attempts", func(c *Config, v int) { c.Embedding.MaxAttempts = v }, func(c Config) int { return c.Embedding.MaxAttempts }),
	duration("embedding.backoff", func(c *Config, v time.Duration) { c.Embedding.Backoff = v }, func(c Config) time.Duration { return c.Embedding.Backoff }),

	boolean("pipeline.purge_on_delete", func(c *Config, v bool) { c.Pipeline.PurgeOnDelete = v }, func(c Config) bool { return c.Pipeline.PurgeOnDelete }),

	str("dead_letter.backend", false, func(c *Config, v string) { c.DeadLetter.Backend = v }, func(c Config) string { return c.DeadLetter.Backend }),
	str("dead_letter.redis_key", false, func(c *Config, v string) { c.DeadLetter.RedisKey = v }, func(c Config) string { return c.DeadLetter.RedisKey }),

	str("agent.registry_path", false, func(c *Config, v string) { c.Agent.RegistryPath = v }, func(c Config) string { return c.Agent.RegistryPath }),
	duration("agent.model_timeout", func(c *Config, v time.Duration) { c.Agent.ModelTimeout = v }, func(c Config) time.Duration { return c.Agent.ModelTimeout }),
	integer("agent.concurrency", func(c *Config, v int) { c.Agent.Concurrency = v }, func(c Config) int { return c.Agent.Concurrency }),
	str("agent.sinks", false, func(c *Config, v string) { c.Agent.Sinks = v }, func(c Config) string { return c.Agent.Sinks }),
	str("agent.redis_stream", false, func(c *Config, v string) { c.Agent.RedisStream = v }, func(c Config) string { return c.Agent.RedisStream }),
	integer("agent.stream_max_len", func(c *Config, v int) { c.Agent.StreamMaxLen = v }, func(c Config) int { return c.Agent.StreamMaxLen }),

	str("server.addr", false, func(c *Config, v string) { c.Server.Addr = v }, func(c Config) string { return c.Server.Addr }),
	str("server.token", true, func(c *Config, v string) { c.Server.Token = v }, func(c Config) string { return c.Server.Token }),

	str("redis.url", false, func(c *Config, v string) { c.Redis.URL = v }, func(c Config) string { return c.Redis.URL }),
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
