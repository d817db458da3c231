// Package embedding converts complaint change records into vectors, retrying
// transient failures and dead-lettering records that keep failing.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/cdc"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/deadletter"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/ollama"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/retry"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension the store was set up with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Outcome int

const (
	// Embedded means Result.Vector holds a new vector for the entity.
	Embedded Outcome = iota
	// Skipped means the record carries nothing to embed (no after image).
	Skipped
	// DeadLettered means the record was routed to the dead-letter queue.
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Embedded:
		return "embedded"
	case Skipped:
		return "skipped"
	case DeadLettered:
		return "dead-lettered"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome  Outcome
	EntityID int64
	Vector   []float64
	Content  string
}

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// Dimension pins the vector size. Zero learns it from the first vector.
	Dimension int
	// Sleep overrides the wait between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Generator embeds the description of each inserted or updated complaint.
type Generator struct {
	embedder Embedder
	dead     deadletter.Queue
	policy   retry.Policy
	logger   *slog.Logger

	mu        sync.Mutex
	dimension int
}

func NewGenerator(e Embedder, dead deadletter.Queue, opts Options) *Generator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Generator{
		embedder: e,
		dead:     dead,
		policy: retry.Policy{
			MaxAttempts: opts.MaxAttempts,
			Initial:     opts.Backoff,
			Max:         opts.MaxBackoff,
			ShouldRetry: retryable,
			Sleep:       opts.Sleep,
		},
		dimension: opts.Dimension,
		logger:    slog.Default(),
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrDimensionMismatch) && !ollama.IsPermanent(err)
}

// Dimension returns the pinned or learned vector size, zero if unknown yet.
func (g *Generator) Dimension() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dimension
}

func (g *Generator) checkDimension(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dimension == 0 {
		g.dimension = n
		return nil
	}
	if n != g.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, g.dimension)
	}
	return nil
}

// Generate returns the vector for rec, a skip, or a dead-letter outcome. The
// error is non-nil only when ctx ends or the dead-letter queue rejects the
// record; both stop the pipeline.
func (g *Generator) Generate(ctx context.Context, rec cdc.ChangeRecord) (Result, error) {
	if rec.After == nil {
		id, _ := rec.EntityID()
		return Result{Outcome: Skipped, EntityID: id}, nil
	}

	res := Result{EntityID: rec.After.ComplaintID, Content: rec.After.Description}
	text := strings.TrimSpace(rec.After.Description)
	if text == "" {
		return g.deadLetter(ctx, rec, res.EntityID, 0, errors.New("empty description"))
	}

	attempts, err := retry.Do(ctx, g.policy, func(ctx context.Context, attempt int) error {
		vec, err := g.embedder.Embed(ctx, text)
		if err != nil {
			if attempt < g.policy.MaxAttempts && retryable(err) {
				g.logger.Warn("embedding failed, retrying", "entity_id", res.EntityID, "attempt", attempt, "error", err)
			}
			return err
		}
		if err := g.checkDimension(len(vec)); err != nil {
			return err
		}
		res.Vector = vec
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return g.deadLetter(ctx, rec, res.EntityID, attempts, err)
	}

	res.Outcome = Embedded
	return res, nil
}

func (g *Generator) deadLetter(ctx context.Context, rec cdc.ChangeRecord, entityID int64, attempts int, cause error) (Result, error) {
	g.logger.Error("dead-lettering change", "entity_id", entityID, "offset", rec.Offset, "attempts", attempts, "error", cause)
	err := g.dead.Publish(ctx, deadletter.Letter{
		EntityID:     entityID,
		Operation:    rec.Op.String(),
		SourceOffset: rec.Offset,
		Payload:      rec.Raw,
		Reason:       cause.Error(),
		Attempts:     attempts,
	})
	if err != nil {
		return Result{}, fmt.Errorf("dead-lettering entity %d: %w", entityID, err)
	}
	return Result{Outcome: DeadLettered, EntityID: entityID}, nil
}
