package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/ollama"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/registry"
)

// Factory builds a chat model for a resolved model resource.
type Factory func(ctx context.Context, res registry.Resolution) (model.BaseChatModel, error)

// RouterOptions configures the default provider factory.
type RouterOptions struct {
	// OllamaURL is used for ollama resources that do not set an endpoint.
	OllamaURL string
	// Gemini is shared by every gemini resource. Nil disables the provider.
	Gemini *genai.Client
	// Factory replaces the default provider factory when set.
	Factory Factory
}

// Router resolves model resource names through the registry and calls the
// matching chat model. Models are built lazily and cached per resource.
type Router struct {
	reg     *registry.Registry
	factory Factory

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewRouter creates a Router over reg.
func NewRouter(reg *registry.Registry, opts RouterOptions) *Router {
	f := opts.Factory
	if f == nil {
		f = defaultFactory(opts.OllamaURL, opts.Gemini)
	}
	return &Router{reg: reg, factory: f, models: make(map[string]model.BaseChatModel)}
}

// Call sends messages to the named model resource and returns its reply.
func (r *Router) Call(ctx context.Context, name string, messages []*schema.Message) (*schema.Message, error) {
	m, err := r.model(ctx, name)
	if err != nil {
		return nil, err
	}
	out, err := m.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}
	if out == nil {
		return nil, fmt.Errorf("calling %s: empty reply", name)
	}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		slog.Debug("chat model call",
			"model", name,
			"prompt_tokens", out.ResponseMeta.Usage.PromptTokens,
			"completion_tokens", out.ResponseMeta.Usage.CompletionTokens,
		)
	}
	return out, nil
}

func (r *Router) model(ctx context.Context, name string) (model.BaseChatModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[name]; ok {
		return m, nil
	}
	res, err := r.reg.Resolve(name)
	if err != nil {
		return nil, err
	}
	m, err := r.factory(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("building chat model %s: %w", name, err)
	}
	r.models[name] = m
	return m, nil
}

func defaultFactory(ollamaURL string, gc *genai.Client) Factory {
	return func(ctx context.Context, res registry.Resolution) (model.BaseChatModel, error) {
		switch res.Provider {
		case registry.ProviderOllama:
			endpoint := res.Endpoint
			if endpoint == "" {
				endpoint = ollamaURL
			}
			if endpoint == "" {
				return nil, fmt.Errorf("no ollama endpoint for %s", res.Name)
			}
			return NewOllamaChatModel(ollama.New(endpoint), OllamaConfig{
				Model:       res.ModelID,
				Temperature: res.Temperature,
				MaxTokens:   res.MaxTokens,
				Format:      res.Format,
			})
		case registry.ProviderGemini:
			if gc == nil {
				return nil, fmt.Errorf("gemini client not configured for %s", res.Name)
			}
			cfg := &gemini.Config{Client: gc, Model: res.ModelID, Temperature: res.Temperature}
			if res.MaxTokens > 0 {
				cfg.MaxTokens = &res.MaxTokens
			}
			return gemini.NewChatModel(ctx, cfg)
		default:
			return nil, fmt.Errorf("unsupported provider %q", res.Provider)
		}
	}
}

// NewGeminiClient creates the shared genai client for the gemini provider.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = baseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return client, nil
}
