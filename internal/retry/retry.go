// Package retry runs an operation with a bounded number of attempts and
// exponential backoff between them.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls a retry loop. The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	// Initial is the wait after the first failure; it doubles per attempt up to Max.
	Initial time.Duration
	Max     time.Duration
	// ShouldRetry decides whether an error is worth another attempt. When nil,
	// everything except context cancellation is retried.
	ShouldRetry func(error) bool
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, the attempts run out, ShouldRetry rejects the
// error, or ctx ends. It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.shouldRetry(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var timer backoff.Timer
	if p.Sleep != nil {
		timer = &sleepTimer{ctx: ctx, sleep: p.Sleep}
	}
	if err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(p.newBackOff(), ctx), nil, timer); err != nil {
		if lastErr == nil {
			return attempt, err
		}
		return attempt, lastErr
	}
	return attempt, nil
}

// newBackOff returns a fresh schedule allowing MaxAttempts-1 waits.
func (p Policy) newBackOff() backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(p.schedule(), uint64(attempts-1))
}

// schedule is the unbounded wait sequence: Initial, doubling, capped at Max.
func (p Policy) schedule() backoff.BackOff {
	if p.Initial <= 0 {
		return &backoff.ZeroBackOff{}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Duration(math.MaxInt64)
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	b := p.schedule()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if p.ShouldRetry == nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return p.ShouldRetry(err)
}

// sleepTimer adapts a Sleep func to backoff.Timer. The channel fires once the
// sleep returns, unless ctx ended meanwhile.
type sleepTimer struct {
	ctx   context.Context
	sleep func(ctx context.Context, d time.Duration) error
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	t.sleep(t.ctx, d)
	if t.ctx.Err() == nil {
		t.c <- time.Now()
	}
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
