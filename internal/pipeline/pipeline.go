// Package pipeline wires a change source through the embedding generator into
// the batching vector sink.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/cdc"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/deadletter"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/embedding"
)

// Generator produces the vector for a change record.
type Generator interface {
	Generate(ctx context.Context, rec cdc.ChangeRecord) (embedding.Result, error)
}

// Sink buffers keyed writes and flushes them in batches.
type Sink interface {
	Upsert(ctx context.Context, entityID int64, vector []float64, content string, offset uint64) error
	Delete(ctx context.Context, entityID int64, offset uint64) error
	Advance(offset uint64)
	FlushIfDue(ctx context.Context) error
	Flush(ctx context.Context) error
}

type Options struct {
	// Table, when set, drops records from other tables.
	Table string
	// PurgeOnDelete removes the stored vector when the complaint is deleted.
	PurgeOnDelete bool
	// Tick is how often the flush interval is checked.
	Tick time.Duration
	// ShutdownTimeout bounds the final flush after the context ends.
	ShutdownTimeout time.Duration
}

// Stats counts records by what happened to them.
type Stats struct {
	Records      int
	Embedded     int
	Skipped      int
	Deleted      int
	DeadLettered int
}

// Pipeline reads one ordered stream. Records are handled one at a time on the
// Run goroutine, so per-entity order reaches the sink unchanged.
type Pipeline struct {
	source cdc.Source
	gen    Generator
	sink   Sink
	dead   deadletter.Queue
	opts   Options
	stats  Stats
	logger *slog.Logger
}

func New(src cdc.Source, gen Generator, snk Sink, dead deadletter.Queue, opts Options) *Pipeline {
	if opts.Tick <= 0 {
		opts.Tick = 50 * time.Millisecond
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Pipeline{
		source: src,
		gen:    gen,
		sink:   snk,
		dead:   dead,
		opts:   opts,
		logger: slog.Default(),
	}
}

type item struct {
	rec       cdc.ChangeRecord
	decodeErr *cdc.DecodeError
}

// Run processes records until the source is exhausted or ctx ends, then
// flushes what is buffered. It returns an error only for fatal conditions:
// sink retry exhaustion, a dead-letter write failure, or a broken source.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	items := make(chan item)

	g.Go(func() error {
		defer close(items)
		for {
			rec, err := p.source.Next(gctx)
			var de *cdc.DecodeError
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.As(err, &de):
				select {
				case items <- item{decodeErr: de}:
				case <-gctx.Done():
					return nil
				}
				continue
			case err != nil:
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reading change source: %w", err)
			}
			select {
			case items <- item{rec: rec}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(p.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case it, ok := <-items:
				if !ok {
					return p.finalFlush(ctx)
				}
				if err := p.handle(gctx, it); err != nil {
					return p.stopOn(ctx, gctx, err)
				}
			case <-ticker.C:
				if err := p.sink.FlushIfDue(gctx); err != nil {
					return p.stopOn(ctx, gctx, err)
				}
			case <-gctx.Done():
				return p.finalFlush(ctx)
			}
		}
	})

	err := g.Wait()
	p.logger.Info("pipeline stopped",
		"records", p.stats.Records,
		"embedded", p.stats.Embedded,
		"skipped", p.stats.Skipped,
		"deleted", p.stats.Deleted,
		"dead_lettered", p.stats.DeadLettered)
	return err
}

// stopOn turns an error caused by shutdown into a final flush. The record
// that was in flight is not advanced past, so it is read again on restart.
func (p *Pipeline) stopOn(ctx, gctx context.Context, err error) error {
	if gctx.Err() == nil || !(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return p.finalFlush(ctx)
}

func (p *Pipeline) finalFlush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ShutdownTimeout)
	defer cancel()
	if err := p.sink.Flush(flushCtx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, it item) error {
	p.stats.Records++
	if it.decodeErr != nil {
		return p.deadLetterUndecodable(ctx, it.decodeErr)
	}

	rec := it.rec
	if p.opts.Table != "" && rec.Table != "" && rec.Table != p.opts.Table {
		p.stats.Skipped++
		p.sink.Advance(rec.Offset)
		return nil
	}

	if rec.Op == cdc.OpDelete {
		id, ok := rec.EntityID()
		if !ok || !p.opts.PurgeOnDelete {
			p.stats.Skipped++
			p.sink.Advance(rec.Offset)
			return nil
		}
		p.stats.Deleted++
		return p.sink.Delete(ctx, id, rec.Offset)
	}

	res, err := p.gen.Generate(ctx, rec)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case embedding.Embedded:
		p.stats.Embedded++
		return p.sink.Upsert(ctx, res.EntityID, res.Vector, res.Content, rec.Offset)
	case embedding.DeadLettered:
		p.stats.DeadLettered++
	default:
		p.stats.Skipped++
	}
	p.sink.Advance(rec.Offset)
	return nil
}

func (p *Pipeline) deadLetterUndecodable(ctx context.Context, de *cdc.DecodeError) error {
	p.stats.DeadLettered++
	p.logger.Error("dead-lettering undecodable change", "offset", de.Offset, "error", de.Err)

	// Raw may not be valid JSON, so it travels as a JSON string.
	payload, err := json.Marshal(string(de.Raw))
	if err != nil {
		return fmt.Errorf("encoding undecodable payload: %w", err)
	}
	err = p.dead.Publish(ctx, deadletter.Letter{
		Operation:    "unknown",
		SourceOffset: de.Offset,
		Payload:      payload,
		Reason:       de.Err.Error(),
	})
	if err != nil {
		return fmt.Errorf("dead-lettering offset %d: %w", de.Offset, err)
	}
	p.sink.Advance(de.Offset)
	return nil
}

func (p *Pipeline) Stats() Stats {
	return p.stats
}
