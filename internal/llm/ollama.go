// Package llm adapts the chat providers the agent runtime can call to the
// eino chat model contract and routes model resource names to them.
package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/ollama"
)

// ollamaChatter is the subset of the Ollama client the chat model needs.
type ollamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, opts ollama.ChatOptions) (ollama.ChatResult, error)
}

// OllamaConfig configures an OllamaChatModel.
type OllamaConfig struct {
	Model       string
	Temperature *float32
	MaxTokens   int
	// Format is "json" to request JSON-only output, or empty.
	Format string
}

// OllamaChatModel exposes an Ollama model as an eino chat model.
type OllamaChatModel struct {
	client ollamaChatter
	cfg    OllamaConfig
}

var _ model.BaseChatModel = (*OllamaChatModel)(nil)

// NewOllamaChatModel returns a chat model backed by client.
func NewOllamaChatModel(client ollamaChatter, cfg OllamaConfig) (*OllamaChatModel, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama chat model: model is required")
	}
	return &OllamaChatModel{client: client, cfg: cfg}, nil
}

func (m *OllamaChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	base := &model.Options{Temperature: m.cfg.Temperature, Model: &m.cfg.Model}
	if m.cfg.MaxTokens > 0 {
		base.MaxTokens = &m.cfg.MaxTokens
	}
	o := model.GetCommonOptions(base, opts...)

	msgs := make([]ollama.Message, 0, len(input))
	for _, in := range input {
		if in == nil {
			continue
		}
		msgs = append(msgs, ollama.Message{Role: string(in.Role), Content: in.Content})
	}

	co := ollama.ChatOptions{Temperature: o.Temperature}
	if o.MaxTokens != nil {
		co.NumPredict = *o.MaxTokens
	}
	if m.cfg.Format != "" {
		co.Format = m.cfg.Format
	}

	res, err := m.client.Chat(ctx, *o.Model, msgs, co)
	if err != nil {
		return nil, err
	}
	return &schema.Message{
		Role:    schema.Assistant,
		Content: res.Message.Content,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: res.DoneReason,
			Usage: &schema.TokenUsage{
				PromptTokens:     res.PromptTokens,
				CompletionTokens: res.CompletionTokens,
				TotalTokens:      res.PromptTokens + res.CompletionTokens,
			},
		},
	}, nil
}

// Stream returns the whole reply as a single chunk. Ollama is called in
// non-streaming mode.
func (m *OllamaChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{out}), nil
}
