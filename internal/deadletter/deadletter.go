// Package deadletter stores change records that could not be embedded so
// they can be inspected and replayed without stalling the pipeline.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
)

// Letter is one dead-lettered change.
type Letter struct {
	ID           string          `json:"id"`
	EntityID     int64           `json:"entityId"`
	Operation    string          `json:"operation"`
	SourceOffset uint64          `json:"sourceOffset"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Reason       string          `json:"reason"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Queue accepts dead letters. Publish failing is fatal for the caller: the
// record would otherwise be lost.
type Queue interface {
	Publish(ctx context.Context, l Letter) error
	List(ctx context.Context, limit int) ([]Letter, error)
}

func fill(l *Letter) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
}

// SQLiteQueue keeps dead letters in the local database.
type SQLiteQueue struct {
	store *storage.Store
}

var _ Queue = (*SQLiteQueue)(nil)

func NewSQLiteQueue(store *storage.Store) *SQLiteQueue {
	return &SQLiteQueue{store: store}
}

func (q *SQLiteQueue) Publish(ctx context.Context, l Letter) error {
	fill(&l)
	payload := string(l.Payload)
	if payload == "" {
		payload = "null"
	}
	err := q.store.SaveDeadLetter(ctx, storage.DeadLetter{
		ID:           l.ID,
		EntityID:     l.EntityID,
		Operation:    l.Operation,
		SourceOffset: strconv.FormatUint(l.SourceOffset, 10),
		Payload:      payload,
		Reason:       l.Reason,
		Attempts:     l.Attempts,
		CreatedAt:    l.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("saving dead letter for entity %d: %w", l.EntityID, err)
	}
	return nil
}

func (q *SQLiteQueue) List(ctx context.Context, limit int) ([]Letter, error) {
	rows, err := q.store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	letters := make([]Letter, 0, len(rows))
	for _, r := range rows {
		offset, err := strconv.ParseUint(r.SourceOffset, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing offset of dead letter %s: %w", r.ID, err)
		}
		letters = append(letters, Letter{
			ID:           r.ID,
			EntityID:     r.EntityID,
			Operation:    r.Operation,
			SourceOffset: offset,
			Payload:      json.RawMessage(r.Payload),
			Reason:       r.Reason,
			Attempts:     r.Attempts,
			CreatedAt:    r.CreatedAt,
		})
	}
	return letters, nil
}

// listClient is the subset of redis.Cmdable the Redis queue needs.
type listClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisQueue appends dead letters as JSON to a Redis list, where other
// services can drain them.
type RedisQueue struct {
	client listClient
	key    string
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Publish(ctx context.Context, l Letter) error {
	fill(&l)
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("pushing dead letter to %s: %w", q.key, err)
	}
	return nil
}

// List returns the newest letters first.
func (q *RedisQueue) List(ctx context.Context, limit int) ([]Letter, error) {
	vals, err := q.client.LRange(ctx, q.key, -int64(limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", q.key, err)
	}
	letters := make([]Letter, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var l Letter
		if err := json.Unmarshal([]byte(vals[i]), &l); err != nil {
			return nil, fmt.Errorf("decoding dead letter: %w", err)
		}
		letters = append(letters, l)
	}
	return letters, nil
}
