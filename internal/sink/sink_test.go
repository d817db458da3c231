package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/vectorstore"
)

type fakeWriter struct {
	batches  [][]vectorstore.Mutation
	failures int
	calls    int
}

func (w *fakeWriter) Apply(_ context.Context, batch []vectorstore.Mutation) error {
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("database is locked")
	}
	w.batches = append(w.batches, append([]vectorstore.Mutation(nil), batch...))
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func noSleep(context.Context, time.Duration) error { return nil }

func newTestSink(w Writer, opts Options) (*BatchSink, *fakeClock) {
	opts.Sleep = noSleep
	s := New(w, opts)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = clock.now
	return s, clock
}

func TestUpsert_LastArrivalWinsWithinBatch(t *testing.T) {
	w := &fakeWriter{}
	s, _ := newTestSink(w, Options{BatchSize: 10})
	ctx := context.Background()

	s.Upsert(ctx, 7, []float64{1}, "", 1)
	s.Upsert(ctx, 8, []float64{5}, "", 2)
	s.Upsert(ctx, 7, []float64{2}, "", 3)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(w.batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(w.batches))
	}
	batch := w.batches[0]
	if batch[0].EntityID != 7 || batch[0].Vector[0] != 2 {
		t.Errorf("entity 7 = %+v, want vector [2]", batch[0])
	}
	if s.Stats().Coalesced != 1 {
		t.Errorf("Coalesced = %d, want 1", s.Stats().Coalesced)
	}
}

func TestDeleteAfterUpsertWithinBatch(t *testing.T) {
	w := &fakeWriter{}
	s, _ := newTestSink(w, Options{BatchSize: 10})
	ctx := context.Background()

	s.Upsert(ctx, 3, []float64{1}, "", 1)
	s.Delete(ctx, 3, 2)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := w.batches[0]; len(got) != 1 || got[0].Op != vectorstore.OpDelete {
		t.Errorf("batch = %+v, want single delete", got)
	}
}

func TestFlush_OnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	var committed []uint64
	s, _ := newTestSink(w, Options{
		BatchSize: 2,
		Commit: func(_ context.Context, offset uint64) error {
			committed = append(committed, offset)
			return nil
		},
	})
	ctx := context.Background()

	if err := s.Upsert(ctx, 1, []float64{1}, "", 10); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(w.batches) != 0 {
		t.Fatal("flushed before batch was full")
	}
	if err := s.Upsert(ctx, 2, []float64{1}, "", 11); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(w.batches) != 1 || len(w.batches[0]) != 2 {
		t.Fatalf("batches = %v, want one batch of 2", w.batches)
	}
	if len(committed) != 1 || committed[0] != 11 {
		t.Errorf("committed = %v, want [11]", committed)
	}
	if s.Len() != 0 {
		t.Errorf("Len after flush = %d", s.Len())
	}
}

func TestFlush_OnInterval(t *testing.T) {
	w := &fakeWriter{}
	s, clock := newTestSink(w, Options{BatchSize: 100, FlushInterval: 200 * time.Millisecond})
	ctx := context.Background()

	s.Upsert(ctx, 1, []float64{1}, "", 1)
	clock.advance(150 * time.Millisecond)
	if err := s.FlushIfDue(ctx); err != nil {
		t.Fatalf("FlushIfDue: %v", err)
	}
	if len(w.batches) != 0 {
		t.Fatal("flushed before interval elapsed")
	}

	clock.advance(60 * time.Millisecond)
	if !s.Due() {
		t.Fatal("Due = false after interval")
	}
	if err := s.FlushIfDue(ctx); err != nil {
		t.Fatalf("FlushIfDue: %v", err)
	}
	if len(w.batches) != 1 {
		t.Errorf("got %d batches, want 1", len(w.batches))
	}
	if s.Due() {
		t.Error("Due = true with empty buffer")
	}
}

func TestAdvance_CommitsWithoutWrite(t *testing.T) {
	w := &fakeWriter{}
	var committed []uint64
	s, clock := newTestSink(w, Options{
		BatchSize:     10,
		FlushInterval: time.Second,
		Commit: func(_ context.Context, offset uint64) error {
			committed = append(committed, offset)
			return nil
		},
	})

	s.Advance(5)
	clock.advance(time.Second)
	if err := s.FlushIfDue(context.Background()); err != nil {
		t.Fatalf("FlushIfDue: %v", err)
	}
	if w.calls != 0 {
		t.Errorf("writer called %d times for empty batch", w.calls)
	}
	if len(committed) != 1 || committed[0] != 5 {
		t.Errorf("committed = %v, want [5]", committed)
	}
}

func TestFlush_RetriesWholeBatch(t *testing.T) {
	w := &fakeWriter{failures: 2}
	s, _ := newTestSink(w, Options{BatchSize: 10, MaxRetries: 3})
	ctx := context.Background()

	s.Upsert(ctx, 1, []float64{1}, "", 1)
	s.Upsert(ctx, 2, []float64{2}, "", 2)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.calls != 3 {
		t.Errorf("calls = %d, want 3", w.calls)
	}
	if len(w.batches) != 1 || len(w.batches[0]) != 2 {
		t.Errorf("batches = %v, want the full batch once", w.batches)
	}
}

func TestFlush_ExhaustedIsFatal(t *testing.T) {
	w := &fakeWriter{failures: 100}
	committed := false
	s, _ := newTestSink(w, Options{
		BatchSize:  10,
		MaxRetries: 3,
		Commit: func(context.Context, uint64) error {
			committed = true
			return nil
		},
	})
	ctx := context.Background()

	s.Upsert(ctx, 1, []float64{1}, "", 1)
	err := s.Flush(ctx)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Flush error = %v, want ErrExhausted", err)
	}
	if w.calls != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", w.calls)
	}
	if committed {
		t.Error("offset committed for a failed batch")
	}
	if s.Len() != 1 {
		t.Errorf("failed batch dropped: Len = %d", s.Len())
	}
}
