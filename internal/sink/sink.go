// Package sink batches keyed vector writes and applies them atomically.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/retry"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/vectorstore"
)

// ErrExhausted is returned when a batch still fails after every retry. The
// pipeline treats it as fatal.
var ErrExhausted = errors.New("sink write retries exhausted")

// Writer applies a batch atomically.
type Writer interface {
	Apply(ctx context.Context, batch []vectorstore.Mutation) error
}

// CommitFunc is told the highest source offset covered by a durable flush.
type CommitFunc func(ctx context.Context, offset uint64) error

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxRetries is the number of retries after the first failed write.
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Commit     CommitFunc
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Stats counts what the sink has written so far.
type Stats struct {
	Batches   int
	Upserts   int
	Deletes   int
	Coalesced int
}

// BatchSink buffers mutations keyed by entity id. Within a batch the latest
// mutation for an entity replaces earlier ones, so the stored state matches
// arrival order. A BatchSink is owned by a single goroutine.
type BatchSink struct {
	writer Writer
	opts   Options
	policy retry.Policy

	index   map[int64]int
	batch   []vectorstore.Mutation
	offset  uint64
	dirty   bool
	started time.Time
	now     func() time.Time

	stats  Stats
	logger *slog.Logger
}

func New(w Writer, opts Options) *BatchSink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	return &BatchSink{
		writer: w,
		opts:   opts,
		policy: retry.Policy{
			MaxAttempts: opts.MaxRetries + 1,
			Initial:     opts.Backoff,
			Max:         opts.MaxBackoff,
			Sleep:       opts.Sleep,
		},
		index:  make(map[int64]int),
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Upsert buffers a vector for entityID and flushes when the batch is full.
func (s *BatchSink) Upsert(ctx context.Context, entityID int64, vector []float64, content string, offset uint64) error {
	return s.add(ctx, vectorstore.Mutation{Op: vectorstore.OpUpsert, EntityID: entityID, Vector: vector, Content: content}, offset)
}

// Delete buffers removal of entityID's vector.
func (s *BatchSink) Delete(ctx context.Context, entityID int64, offset uint64) error {
	return s.add(ctx, vectorstore.Mutation{Op: vectorstore.OpDelete, EntityID: entityID}, offset)
}

// Advance records that offset was processed without producing a write, so
// it is committed with the next flush.
func (s *BatchSink) Advance(offset uint64) {
	s.track(offset)
}

func (s *BatchSink) track(offset uint64) {
	if !s.dirty {
		s.started = s.now()
	}
	if offset > s.offset {
		s.offset = offset
	}
	s.dirty = true
}

func (s *BatchSink) add(ctx context.Context, m vectorstore.Mutation, offset uint64) error {
	s.track(offset)
	if i, ok := s.index[m.EntityID]; ok {
		s.batch[i] = m
		s.stats.Coalesced++
	} else {
		s.index[m.EntityID] = len(s.batch)
		s.batch = append(s.batch, m)
	}
	if len(s.batch) >= s.opts.BatchSize {
		return s.Flush(ctx)
	}
	return nil
}

// Len returns the number of buffered mutations.
func (s *BatchSink) Len() int {
	return len(s.batch)
}

// Due reports whether buffered work has waited at least the flush interval.
func (s *BatchSink) Due() bool {
	return s.dirty && s.now().Sub(s.started) >= s.opts.FlushInterval
}

// FlushIfDue flushes when Due reports true.
func (s *BatchSink) FlushIfDue(ctx context.Context) error {
	if !s.Due() {
		return nil
	}
	return s.Flush(ctx)
}

// Flush writes the buffered batch in one transaction, retrying the whole batch
// on failure. On success the covered offset is committed. On exhaustion the
// batch stays buffered and ErrExhausted is returned.
func (s *BatchSink) Flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}

	if len(s.batch) > 0 {
		attempts, err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
			err := s.writer.Apply(ctx, s.batch)
			if err != nil && attempt <= s.opts.MaxRetries {
				s.logger.Warn("sink write failed, retrying batch", "size", len(s.batch), "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %d attempts: %w", ErrExhausted, attempts, err)
		}
		s.stats.Batches++
		for _, m := range s.batch {
			if m.Op == vectorstore.OpDelete {
				s.stats.Deletes++
			} else {
				s.stats.Upserts++
			}
		}
		s.logger.Debug("batch written", "size", len(s.batch), "offset", s.offset)
	}

	offset := s.offset
	s.batch = s.batch[:0]
	clear(s.index)
	s.dirty = false

	if s.opts.Commit != nil {
		if err := s.opts.Commit(ctx, offset); err != nil {
			// Writes are idempotent, so a lost commit only causes replay.
			s.logger.Warn("committing source offset failed", "offset", offset, "error", err)
		}
	}
	return nil
}

func (s *BatchSink) Stats() Stats {
	return s.stats
}
