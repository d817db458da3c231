package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/retry"
)

type JetStreamOptions struct {
	URL     string
	Stream  string
	Subject string
	Durable string
	// FetchBatch and FetchWait bound each pull request.
	FetchBatch int
	FetchWait  time.Duration
	// MaxFetchFailures is how many consecutive failed pulls end Next with an
	// error. Failed pulls back off exponentially from FetchBackoff.
	MaxFetchFailures int
	FetchBackoff     time.Duration
}

// fetcher is the part of jetstream.Consumer the source pulls with.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

type pendingMsg struct {
	seq uint64
	msg jetstream.Msg
}

// JetStreamSource consumes Debezium events that Debezium Server publishes to a
// JetStream stream. Records are acknowledged only on Commit, so a crash before
// the sink flush redelivers them to the durable consumer.
type JetStreamSource struct {
	nc         *nats.Conn
	consumer   fetcher
	fetchBatch int
	fetchWait  time.Duration
	fetchRetry retry.Policy
	buf        []jetstream.Msg
	logger     *slog.Logger

	// pending is shared between Next and Commit, which run on different
	// goroutines in the pipeline.
	mu      sync.Mutex
	pending []pendingMsg
}

var _ Source = (*JetStreamSource)(nil)

func OpenJetStream(ctx context.Context, opts JetStreamOptions) (*JetStreamSource, error) {
	nc, err := nats.Connect(opts.URL, nats.Name("complaints-pipeline"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	stream, err := js.Stream(ctx, opts.Stream)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get stream %s: %w", opts.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: opts.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create consumer %s: %w", opts.Durable, err)
	}

	slog.Info("consuming change stream", "stream", opts.Stream, "subject", opts.Subject, "durable", opts.Durable)
	s := newJetStreamSource(consumer, opts)
	s.nc = nc
	return s, nil
}

func newJetStreamSource(c fetcher, opts JetStreamOptions) *JetStreamSource {
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 64
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = time.Second
	}
	if opts.MaxFetchFailures <= 0 {
		opts.MaxFetchFailures = 10
	}
	if opts.FetchBackoff <= 0 {
		opts.FetchBackoff = 200 * time.Millisecond
	}
	return &JetStreamSource{
		consumer:   c,
		fetchBatch: opts.FetchBatch,
		fetchWait:  opts.FetchWait,
		fetchRetry: retry.Policy{
			MaxAttempts: opts.MaxFetchFailures,
			Initial:     opts.FetchBackoff,
			Max:         10 * time.Second,
		},
		logger: slog.Default(),
	}
}

func (s *JetStreamSource) Next(ctx context.Context) (ChangeRecord, error) {
	for {
		if err := s.fill(ctx); err != nil {
			return ChangeRecord{}, err
		}

		msg := s.buf[0]
		s.buf = s.buf[1:]
		meta, err := msg.Metadata()
		if err != nil {
			s.logger.Warn("dropping message without metadata", "subject", msg.Subject(), "error", err)
			continue
		}
		seq := meta.Sequence.Stream
		s.mu.Lock()
		s.pending = append(s.pending, pendingMsg{seq: seq, msg: msg})
		s.mu.Unlock()

		rec, err := Decode(msg.Data(), seq)
		if errors.Is(err, ErrTombstone) {
			continue
		}
		if err != nil {
			return ChangeRecord{}, &DecodeError{Offset: seq, Raw: msg.Data(), Err: err}
		}
		return rec, nil
	}
}

// fill pulls until at least one message is buffered.
func (s *JetStreamSource) fill(ctx context.Context) error {
	for len(s.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		var batch jetstream.MessageBatch
		attempts, err := retry.Do(ctx, s.fetchRetry, func(ctx context.Context, attempt int) error {
			var err error
			batch, err = s.consumer.Fetch(s.fetchBatch, jetstream.FetchMaxWait(s.fetchWait))
			if err != nil && attempt < s.fetchRetry.MaxAttempts {
				s.logger.Warn("fetch failed, backing off", "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("fetching change events: %d consecutive failures: %w", attempts, err)
		}
		for msg := range batch.Messages() {
			s.buf = append(s.buf, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			s.logger.Warn("message fetch error", "error", err)
		}
	}
	return nil
}

// Commit acknowledges every delivered message whose stream sequence is at or
// below offset, including skipped tombstones.
func (s *JetStreamSource) Commit(ctx context.Context, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for ; i < len(s.pending) && s.pending[i].seq <= offset; i++ {
		if err := s.pending[i].msg.Ack(); err != nil {
			s.pending = s.pending[i:]
			return fmt.Errorf("acking sequence %d: %w", s.pending[0].seq, err)
		}
	}
	s.pending = s.pending[i:]
	return nil
}

func (s *JetStreamSource) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
