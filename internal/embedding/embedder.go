package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/ollama"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// OllamaEmbedder embeds through a local Ollama model.
type OllamaEmbedder struct {
	client *ollama.Client
	model  string
}

func NewOllamaEmbedder(c *ollama.Client, model string) *OllamaEmbedder {
	return &OllamaEmbedder{client: c, model: model}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.model, err)
	}
	return vec, nil
}

// GeminiEmbedder embeds through the Gemini API.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int32
}

// NewGeminiEmbedder builds an embedder for model. A positive dimension asks the
// API to truncate vectors to that size.
func NewGeminiEmbedder(client *genai.Client, model string, dimension int) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: model, dimension: int32(dimension)}
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	var cfg *genai.EmbedContentConfig
	if e.dimension > 0 {
		cfg = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(e.dimension)}
	}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.model, err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("embedding with %s: empty response", e.model)
	}
	values := resp.Embeddings[0].Values
	vec := make([]float64, len(values))
	for i, v := range values {
		vec[i] = float64(v)
	}
	return vec, nil
}
