package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/agent"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/cdc"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/config"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/deadletter"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/embedding"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/llm"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/logging"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/ollama"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/redisclient"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/registry"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/retrieval"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/sentiment"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/vectorstore"
)

// loadConfig is replaced in tests.
var loadConfig = config.Load

// app opens the collaborators a command needs from config. Everything is
// opened lazily and closed in reverse order by Close.
type app struct {
	cfg     config.Config
	ollama  *ollama.Client
	closers []func() error

	store    *storage.Store
	redis    *redis.Client
	gemini   *genai.Client
	embedder embedding.Embedder
	vectors  vectorstore.Store
	reg      *registry.Registry
	router   *llm.Router
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, ollama: ollama.New(cfg.Ollama.URL)}, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) Store() (*storage.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := storage.Open(a.cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func (a *app) Redis(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	c, err := redisclient.New(ctx, redisclient.Config{URL: a.cfg.Redis.URL})
	if err != nil {
		return nil, err
	}
	a.redis = c
	a.closers = append(a.closers, c.Close)
	return c, nil
}

// Gemini returns nil without an API key.
func (a *app) Gemini(ctx context.Context) (*genai.Client, error) {
	if a.gemini != nil || a.cfg.Gemini.APIKey == "" {
		return a.gemini, nil
	}
	c, err := llm.NewGeminiClient(ctx, a.cfg.Gemini.APIKey, a.cfg.Gemini.BaseURL)
	if err != nil {
		return nil, err
	}
	a.gemini = c
	return c, nil
}

func (a *app) Embedder(ctx context.Context) (embedding.Embedder, error) {
	if a.embedder != nil {
		return a.embedder, nil
	}
	switch a.cfg.Embedding.Provider {
	case "gemini":
		c, err := a.Gemini(ctx)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, errors.New("gemini embeddings need an API key")
		}
		a.embedder = embedding.NewGeminiEmbedder(c, a.cfg.Gemini.EmbedModel, a.cfg.Embedding.Dimension)
	default:
		a.embedder = embedding.NewOllamaEmbedder(a.ollama, a.cfg.Ollama.EmbedModel)
	}
	return a.embedder, nil
}

// VectorStore opens the configured vector backend. Postgres needs the
// dimension up front; when none is configured it is learned by embedding a
// probe text.
func (a *app) VectorStore(ctx context.Context) (vectorstore.Store, error) {
	if a.vectors != nil {
		return a.vectors, nil
	}
	if a.cfg.Storage.VectorBackend != "postgres" {
		s, err := a.Store()
		if err != nil {
			return nil, err
		}
		a.vectors = vectorstore.NewSQLiteStore(s.DB())
		return a.vectors, nil
	}

	dim := a.cfg.Embedding.Dimension
	if dim <= 0 {
		emb, err := a.Embedder(ctx)
		if err != nil {
			return nil, err
		}
		probe, err := emb.Embed(ctx, "dimension probe")
		if err != nil {
			return nil, fmt.Errorf("probing embedding dimension: %w", err)
		}
		dim = len(probe)
	}
	pg, err := vectorstore.OpenPostgres(ctx, a.cfg.Storage.PostgresDSN, dim, a.cfg.Storage.ContentTable)
	if err != nil {
		return nil, err
	}
	a.vectors = pg
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *app) DeadLetters(ctx context.Context) (deadletter.Queue, error) {
	if a.cfg.DeadLetter.Backend == "redis" {
		c, err := a.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return deadletter.NewRedisQueue(c, a.cfg.DeadLetter.RedisKey), nil
	}
	s, err := a.Store()
	if err != nil {
		return nil, err
	}
	return deadletter.NewSQLiteQueue(s), nil
}

// Source opens the configured change source. File sources resume from the
// offset committed in the local store.
func (a *app) Source(ctx context.Context) (cdc.Source, error) {
	if a.cfg.Source.Kind == "jetstream" {
		src, err := cdc.OpenJetStream(ctx, cdc.JetStreamOptions{
			URL:     a.cfg.Source.NatsURL,
			Stream:  a.cfg.Source.Stream,
			Subject: a.cfg.Source.Subject,
			Durable: a.cfg.Source.Durable,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, src.Close)
		return src, nil
	}

	s, err := a.Store()
	if err != nil {
		return nil, err
	}
	src, err := cdc.OpenFile(ctx, a.cfg.Source.Path, cdc.FileOptions{
		Follow:  a.cfg.Source.Follow,
		Offsets: s,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, src.Close)
	return src, nil
}

// Registry loads the model registry and applies the Ollama chat model
// override to every Ollama resource.
func (a *app) Registry() (*registry.Registry, error) {
	if a.reg != nil {
		return a.reg, nil
	}
	reg := registry.Default()
	if p := a.cfg.Agent.RegistryPath; p != "" {
		var err error
		if reg, err = registry.Load(p); err != nil {
			return nil, err
		}
	}
	if id := a.cfg.Ollama.ChatModel; id != "" {
		for _, name := range reg.Models() {
			res, err := reg.Resolve(name)
			if err != nil {
				return nil, err
			}
			if res.Provider != registry.ProviderOllama {
				continue
			}
			if reg, err = reg.WithModelID(name, id); err != nil {
				return nil, err
			}
		}
	}
	a.reg = reg
	return reg, nil
}

func (a *app) Router(ctx context.Context) (*llm.Router, error) {
	if a.router != nil {
		return a.router, nil
	}
	reg, err := a.Registry()
	if err != nil {
		return nil, err
	}
	gc, err := a.Gemini(ctx)
	if err != nil {
		return nil, err
	}
	a.router = llm.NewRouter(reg, llm.RouterOptions{OllamaURL: a.cfg.Ollama.URL, Gemini: gc})
	return a.router, nil
}

func (a *app) OutputSinks(ctx context.Context) ([]agent.OutputSink, error) {
	var sinks []agent.OutputSink
	for _, name := range a.cfg.Agent.SinkNames() {
		switch name {
		case "sqlite":
			s, err := a.Store()
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sentiment.NewSQLiteSink(s))
		case "redis":
			c, err := a.Redis(ctx)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sentiment.NewStreamSink(c, a.cfg.Agent.RedisStream, int64(a.cfg.Agent.StreamMaxLen)))
		case "log":
			sinks = append(sinks, sentiment.NewLogSink(slog.Default()))
		default:
			return nil, fmt.Errorf("unknown output sink %q", name)
		}
	}
	return sinks, nil
}

func (a *app) SentimentRuntime(ctx context.Context) (*sentiment.Runtime, error) {
	reg, err := a.Registry()
	if err != nil {
		return nil, err
	}
	router, err := a.Router(ctx)
	if err != nil {
		return nil, err
	}
	sinks, err := a.OutputSinks(ctx)
	if err != nil {
		return nil, err
	}
	ag, err := sentiment.NewAgent(reg)
	if err != nil {
		return nil, err
	}
	rt := agent.New[sentiment.Scratch](router, agent.Options{
		ModelTimeout: a.cfg.Agent.ModelTimeout,
		Concurrency:  a.cfg.Agent.Concurrency,
		Sinks:        sinks,
	})
	if err := ag.Register(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func (a *app) Assembler(ctx context.Context) (*retrieval.Assembler, error) {
	emb, err := a.Embedder(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := a.VectorStore(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.Registry()
	if err != nil {
		return nil, err
	}
	router, err := a.Router(ctx)
	if err != nil {
		return nil, err
	}
	return retrieval.New(emb, vectors, router, reg), nil
}

// ollamaModels lists the Ollama models the process will call: the embedding
// model when Ollama embeds, plus chat models when withChat is set.
func (a *app) ollamaModels(withChat bool) ([]string, error) {
	var models []string
	if a.cfg.Embedding.Provider == "ollama" {
		models = append(models, a.cfg.Ollama.EmbedModel)
	}
	if withChat {
		reg, err := a.Registry()
		if err != nil {
			return nil, err
		}
		models = append(models, reg.ModelIDs(registry.ProviderOllama)...)
	}
	return models, nil
}

// ensureReady checks Ollama and pulls missing models. It is a no-op when no
// Ollama model is needed.
func (a *app) ensureReady(ctx context.Context, withChat bool, w io.Writer) error {
	models, err := a.ollamaModels(withChat)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return nil
	}
	return ollama.EnsureReady(ctx, a.ollama, models, w)
}
