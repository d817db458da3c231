package cdc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type fakeMsg struct {
	jetstream.Msg
	seq   uint64
	data  []byte
	acked bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{Sequence: jetstream.SequencePair{Stream: m.seq}}, nil
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}

type fakeBatch struct {
	msgs chan jetstream.Msg
}

func newFakeBatch(msgs ...*fakeMsg) *fakeBatch {
	ch := make(chan jetstream.Msg, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeBatch{msgs: ch}
}

func (b *fakeBatch) Messages() <-chan jetstream.Msg { return b.msgs }
func (b *fakeBatch) Error() error                   { return nil }

// scriptedConsumer fails the first failures pulls, then serves batches in order.
type scriptedConsumer struct {
	failures int
	err      error
	batches  []*fakeBatch
	calls    int
}

func (c *scriptedConsumer) Fetch(int, ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	if len(c.batches) == 0 {
		return newFakeBatch(), nil
	}
	b := c.batches[0]
	c.batches = c.batches[1:]
	return b, nil
}

func testJetStream(c fetcher, maxFailures int, waits *[]time.Duration) *JetStreamSource {
	s := newJetStreamSource(c, JetStreamOptions{MaxFetchFailures: maxFailures, FetchBackoff: 100 * time.Millisecond})
	s.fetchRetry.Sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
	return s
}

const insertEvent = `{"op":"c","after":{"complaint_id":7,"description":"late parcel"},"source":{"table":"complaints"}}`

func TestJetStreamSource_PersistentFetchFailure(t *testing.T) {
	c := &scriptedConsumer{failures: 100, err: errors.New("nats: consumer not found")}
	var waits []time.Duration
	s := testJetStream(c, 4, &waits)

	_, err := s.Next(context.Background())
	if err == nil || !strings.Contains(err.Error(), "consumer not found") {
		t.Fatalf("Next error = %v, want the fetch error", err)
	}
	if c.calls != 4 {
		t.Errorf("fetch calls = %d, want 4", c.calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("waits = %v, want %v", waits, want)
			break
		}
	}
}

func TestJetStreamSource_RecoversAfterFetchFailure(t *testing.T) {
	msg := &fakeMsg{seq: 42, data: []byte(insertEvent)}
	c := &scriptedConsumer{failures: 2, err: errors.New("nats: connection closed"), batches: []*fakeBatch{newFakeBatch(msg)}}
	var waits []time.Duration
	s := testJetStream(c, 5, &waits)

	rec, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Offset != 42 || rec.After == nil || rec.After.ComplaintID != 7 {
		t.Errorf("record = %+v", rec)
	}
	if len(waits) != 2 {
		t.Errorf("waited %d times, want 2", len(waits))
	}

	if err := s.Commit(context.Background(), 42); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !msg.acked {
		t.Error("message not acked by Commit")
	}
}

func TestJetStreamSource_CanceledWhileFailing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &scriptedConsumer{failures: 100, err: errors.New("nats: timeout")}
	s := newJetStreamSource(c, JetStreamOptions{MaxFetchFailures: 100})
	s.fetchRetry.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next error = %v, want context.Canceled", err)
	}
}

func TestJetStreamSource_CommitAcksOnlyUpToOffset(t *testing.T) {
	first := &fakeMsg{seq: 1, data: []byte(insertEvent)}
	second := &fakeMsg{seq: 2, data: []byte(insertEvent)}
	c := &scriptedConsumer{batches: []*fakeBatch{newFakeBatch(first, second)}}
	var waits []time.Duration
	s := testJetStream(c, 3, &waits)

	for i := 0; i < 2; i++ {
		if _, err := s.Next(context.Background()); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if err := s.Commit(context.Background(), 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !first.acked || second.acked {
		t.Errorf("acked = [%v %v], want [true false]", first.acked, second.acked)
	}
}
