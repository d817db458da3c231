package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps complaint vectors in the local database and searches them
// with a brute-force cosine scan. The complaint_embeddings table is created by
// storage migrations.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Apply writes the batch in a single transaction. Upserts replace any
// previous vector for the entity.
func (s *SQLiteStore) Apply(ctx context.Context, batch []Mutation) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning apply transaction: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO complaint_embeddings (entity_id, embedding, dimension, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			content = excluded.content,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer upsert.Close()

	now := s.now().UTC().Format(time.RFC3339Nano)
	for _, m := range batch {
		switch m.Op {
		case OpUpsert:
			if _, err := upsert.ExecContext(ctx, m.EntityID, encodeFloat64s(m.Vector), len(m.Vector), m.Content, now); err != nil {
				return fmt.Errorf("upserting entity %d: %w", m.EntityID, err)
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM complaint_embeddings WHERE entity_id = ?`, m.EntityID); err != nil {
				return fmt.Errorf("deleting entity %d: %w", m.EntityID, err)
			}
		default:
			return fmt.Errorf("entity %d: unknown op %d", m.EntityID, m.Op)
		}
	}

	return tx.Commit()
}

type idScore struct {
	ID    int64
	Score float64
}

// Search returns the k nearest vectors. Distance is 1 - cosine similarity,
// the same measure pgvector's <=> operator reports.
func (s *SQLiteStore) Search(ctx context.Context, vector []float64, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, embedding FROM complaint_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	var buf []float64
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat64sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch content only for the winners.
	topIDs := make([]interface{}, h.Len())
	scores := make(map[int64]float64, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	contentRows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, content FROM complaint_embeddings WHERE entity_id IN (?`+strings.Repeat(",?", len(topIDs)-1)+`)`,
		topIDs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K content: %w", err)
	}
	defer contentRows.Close()

	hits := make([]Hit, 0, len(topIDs))
	for contentRows.Next() {
		var hit Hit
		if err := contentRows.Scan(&hit.EntityID, &hit.Content); err != nil {
			return nil, fmt.Errorf("scanning content: %w", err)
		}
		hit.Distance = 1 - scores[hit.EntityID]
		hits = append(hits, hit)
	}
	if err := contentRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content: %w", err)
	}

	// IN query doesn't preserve order.
	sortByDistance(hits)
	return hits, nil
}

func (s *SQLiteStore) Get(ctx context.Context, entityID int64) ([]float64, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM complaint_embeddings WHERE entity_id = ?`, entityID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeFloat64sInto(nil, blob)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM complaint_embeddings").Scan(&count)
	return count, err
}

func sortByDistance(hits []Hit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Distance < hits[j-1].Distance; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

// encodeFloat64s serializes a vector to little-endian bytes.
func encodeFloat64s(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

// decodeFloat64sInto decodes little-endian bytes into buf, reusing its backing
// array when large enough.
func decodeFloat64sInto(buf []float64, b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 8", len(b))
	}
	n := len(b) / 8
	if cap(buf) < n {
		buf = make([]float64, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return buf, nil
}

func norm(v []float64) float64 {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	return math.Sqrt(sum)
}

// cosine returns dot(a,b) / (aNorm * |b|). Vectors of different length score 0.
func cosine(a, b []float64, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += a[i] * b[i]
		bNormSq += b[i] * b[i]
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// idScoreHeap is a min-heap on Score used to keep the current top-K.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
