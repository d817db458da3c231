// Package retrieval answers questions over the stored complaint embeddings:
// it embeds text, finds the nearest complaints and asks a chat model with
// those complaints as context.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/embedding"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/registry"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/vectorstore"
)

const (
	// AnswerModel is the model resource used by Ask.
	AnswerModel = "complaintAnswerModel"

	defaultTopK      = 5
	maxTopK          = 100
	defaultMaxChars  = 16000
	embedConcurrency = 4
)

// ChatCaller sends messages to a named model resource.
type ChatCaller interface {
	Call(ctx context.Context, model string, messages []*schema.Message) (*schema.Message, error)
}

// Searcher is the read side of the vector store.
type Searcher interface {
	Search(ctx context.Context, vector []float64, k int) ([]vectorstore.Hit, error)
}

// Answer is the result of Ask.
type Answer struct {
	Text string            `json:"answer"`
	Hits []vectorstore.Hit `json:"relevantComplaints"`
}

// Assembler combines embedding, similarity search and generation.
type Assembler struct {
	embedder embedding.Embedder
	store    Searcher
	chat     ChatCaller
	reg      *registry.Registry

	// MaxContextChars caps the complaint text injected into the prompt.
	// Lowest ranked complaints are dropped first.
	MaxContextChars int
}

// New creates an Assembler. chat and reg may be nil when only search is used.
func New(e embedding.Embedder, store Searcher, chat ChatCaller, reg *registry.Registry) *Assembler {
	return &Assembler{embedder: e, store: store, chat: chat, reg: reg, MaxContextChars: defaultMaxChars}
}

// Embed returns the embedding of text.
func (a *Assembler) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := a.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds several texts concurrently. The result is index-aligned
// with texts.
func (a *Assembler) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float64, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := a.embedder.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SimilaritySearch returns the k stored complaints closest to vector,
// nearest first.
func (a *Assembler) SimilaritySearch(ctx context.Context, vector []float64, k int) ([]vectorstore.Hit, error) {
	hits, err := a.store.Search(ctx, vector, clampK(k))
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	return hits, nil
}

// Search embeds query and returns its nearest complaints.
func (a *Assembler) Search(ctx context.Context, query string, k int) ([]vectorstore.Hit, error) {
	vec, err := a.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return a.SimilaritySearch(ctx, vec, k)
}

// Generate sends prompt as a single user message to the answer model.
func (a *Assembler) Generate(ctx context.Context, prompt string) (string, error) {
	return a.generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
}

func (a *Assembler) generate(ctx context.Context, msgs []*schema.Message) (string, error) {
	if a.chat == nil {
		return "", fmt.Errorf("generation is not configured")
	}
	out, err := a.chat.Call(ctx, AnswerModel, msgs)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// Ask retrieves the k complaints most similar to question and has the answer
// model respond using them as context.
func (a *Assembler) Ask(ctx context.Context, question string, k int) (Answer, error) {
	if strings.TrimSpace(question) == "" {
		return Answer{}, fmt.Errorf("question is empty")
	}
	if a.reg == nil {
		return Answer{}, fmt.Errorf("generation is not configured")
	}
	hits, err := a.Search(ctx, question, k)
	if err != nil {
		return Answer{}, err
	}

	res, err := a.reg.Resolve(AnswerModel)
	if err != nil {
		return Answer{}, err
	}
	msgs, err := registry.Render(ctx, res.Prompt, map[string]any{
		"context":  BuildContext(hits, a.MaxContextChars),
		"question": question,
	})
	if err != nil {
		return Answer{}, err
	}
	text, err := a.generate(ctx, msgs)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, Hits: hits}, nil
}

// BuildContext renders hits as numbered complaint blocks, keeping the
// nearest complaints when the text exceeds maxChars.
func BuildContext(hits []vectorstore.Hit, maxChars int) string {
	var sb strings.Builder
	for i, h := range hits {
		block := fmt.Sprintf("[Complaint #%d]\nID: %d\nDistance: %.4f\nDescription: %s\n\n", i+1, h.EntityID, h.Distance, h.Content)
		if maxChars > 0 && sb.Len()+len(block) > maxChars {
			break
		}
		sb.WriteString(block)
	}
	return sb.String()
}

func clampK(k int) int {
	switch {
	case k <= 0:
		return defaultTopK
	case k > maxTopK:
		return maxTopK
	default:
		return k
	}
}
