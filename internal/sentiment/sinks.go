package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/agent"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
)

func asResult(v any) (Result, error) {
	switch r := v.(type) {
	case Result:
		return r, nil
	case *Result:
		return *r, nil
	default:
		return Result{}, fmt.Errorf("unexpected output type %T", v)
	}
}

type resultSaver interface {
	SaveSentimentResult(ctx context.Context, r storage.SentimentRecord) error
}

// SQLiteSink stores results in the sentiment_results table.
type SQLiteSink struct {
	store resultSaver
}

var _ agent.OutputSink = (*SQLiteSink)(nil)

func NewSQLiteSink(store *storage.Store) *SQLiteSink {
	return &SQLiteSink{store: store}
}

func (s *SQLiteSink) Publish(ctx context.Context, contextID uuid.UUID, v any) error {
	r, err := asResult(v)
	if err != nil {
		return err
	}
	themes, err := json.Marshal(r.Themes)
	if err != nil {
		return fmt.Errorf("encoding themes: %w", err)
	}
	err = s.store.SaveSentimentResult(ctx, storage.SentimentRecord{
		ID:          uuid.NewString(),
		ContextID:   contextID.String(),
		Country:     r.Country,
		WindowStart: r.WindowStart,
		WindowEnd:   r.WindowEnd,
		Severity:    r.Severity,
		Themes:      string(themes),
		Summary:     r.Summary,
	})
	if err != nil {
		return fmt.Errorf("saving sentiment result: %w", err)
	}
	return nil
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamSink appends results to a Redis stream for downstream consumers.
type StreamSink struct {
	client streamAdder
	stream string
	maxLen int64
}

var _ agent.OutputSink = (*StreamSink)(nil)

// NewStreamSink publishes to stream, trimming it to roughly maxLen entries
// when maxLen > 0.
func NewStreamSink(client redis.Cmdable, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Publish(ctx context.Context, contextID uuid.UUID, v any) error {
	r, err := asResult(v)
	if err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"contextId": contextID.String(),
			"country":   r.Country,
			"severity":  r.Severity,
			"result":    string(b),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.stream, err)
	}
	return nil
}

// LogSink logs every result.
type LogSink struct {
	log *slog.Logger
}

var _ agent.OutputSink = (*LogSink)(nil)

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Publish(_ context.Context, contextID uuid.UUID, v any) error {
	r, err := asResult(v)
	if err != nil {
		return err
	}
	s.log.Info("sentiment analysis",
		"context_id", contextID,
		"country", r.Country,
		"window_start", r.WindowStart,
		"window_end", r.WindowEnd,
		"severity", r.Severity,
		"themes", strings.Join(r.Themes, ", "),
		"summary", r.Summary,
	)
	return nil
}
