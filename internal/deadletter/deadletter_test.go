package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
)

func TestSQLiteQueue(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	q := NewSQLiteQueue(store)
	ctx := context.Background()
	err = q.Publish(ctx, Letter{
		EntityID:     7,
		Operation:    "insert",
		SourceOffset: 12,
		Payload:      json.RawMessage(`{"op":"c"}`),
		Reason:       "embedding service unavailable",
		Attempts:     3,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	letters, err := q.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d letters, want 1", len(letters))
	}
	l := letters[0]
	if l.ID == "" || l.CreatedAt.IsZero() {
		t.Errorf("ID/CreatedAt not filled: %+v", l)
	}
	if l.EntityID != 7 || l.SourceOffset != 12 || l.Attempts != 3 || string(l.Payload) != `{"op":"c"}` {
		t.Errorf("unexpected letter: %+v", l)
	}
}

type fakeLists struct {
	items   []string
	pushErr error
}

func (f *fakeLists) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.items = append(f.items, string(v.([]byte)))
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeLists) LRange(_ context.Context, _ string, start, stop int64) *redis.StringSliceCmd {
	n := int64(len(f.items))
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if stop < 0 {
		stop = n + stop
	}
	if start > stop || start >= n {
		return redis.NewStringSliceResult(nil, nil)
	}
	return redis.NewStringSliceResult(f.items[start:stop+1], nil)
}

func TestRedisQueue(t *testing.T) {
	fake := &fakeLists{}
	q := &RedisQueue{client: fake, key: "complaints:deadletters"}
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := q.Publish(ctx, Letter{EntityID: id, Reason: "timeout"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	letters, err := q.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("got %d letters, want 2", len(letters))
	}
	if letters[0].EntityID != 3 || letters[1].EntityID != 2 {
		t.Errorf("order = [%d %d], want newest first [3 2]", letters[0].EntityID, letters[1].EntityID)
	}
}

func TestRedisQueue_PublishError(t *testing.T) {
	q := &RedisQueue{client: &fakeLists{pushErr: errors.New("connection reset")}, key: "k"}
	if err := q.Publish(context.Background(), Letter{EntityID: 1}); err == nil {
		t.Error("expected error")
	}
}
