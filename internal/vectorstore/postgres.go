package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore writes complaint vectors to a pgvector column and searches
// them with the <=> cosine distance operator.
type PostgresStore struct {
	db *sql.DB
	// contentTable, when set, is joined on complaint_id to return the
	// complaint description with each hit.
	contentTable string
}

var openDB = sql.Open

// OpenPostgres connects to dsn and makes sure the vector table exists with the
// given dimension.
func OpenPostgres(ctx context.Context, dsn string, dimension int, contentTable string) (*PostgresStore, error) {
	db, err := openDB("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &PostgresStore{db: db, contentTable: contentTable}
	if err := s.ensureSchema(ctx, dimension); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dimension)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS complaint_embeddings (
			entity_id  BIGINT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dimension),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring vector schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Apply(ctx context.Context, batch []Mutation) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning apply transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range batch {
		switch m.Op {
		case OpUpsert:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO complaint_embeddings (entity_id, embedding, updated_at)
				VALUES ($1, $2::vector, now())
				ON CONFLICT (entity_id) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = now()`,
				m.EntityID, formatVector(m.Vector))
		case OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM complaint_embeddings WHERE entity_id = $1`, m.EntityID)
		default:
			err = fmt.Errorf("unknown op %d", m.Op)
		}
		if err != nil {
			return fmt.Errorf("%s entity %d: %w", m.Op, m.EntityID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Search(ctx context.Context, vector []float64, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	var query string
	if s.contentTable != "" {
		query = fmt.Sprintf(`SELECT e.entity_id, e.embedding <=> $1::vector AS distance, COALESCE(c.description, '')
			FROM complaint_embeddings e
			LEFT JOIN %s c ON c.complaint_id = e.entity_id
			ORDER BY distance ASC LIMIT $2`, s.contentTable)
	} else {
		query = `SELECT entity_id, embedding <=> $1::vector AS distance, ''
			FROM complaint_embeddings ORDER BY distance ASC LIMIT $2`
	}

	rows, err := s.db.QueryContext(ctx, query, formatVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.EntityID, &h.Distance, &h.Content); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, entityID int64) ([]float64, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT embedding::text FROM complaint_embeddings WHERE entity_id = $1`, entityID).Scan(&text)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseVector(text)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM complaint_embeddings`).Scan(&count)
	return count, err
}

// formatVector renders v in pgvector's text input format: [1,2,3].
func formatVector(v []float64) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float64{}, nil
	}
	parts := strings.Split(body, ",")
	v := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing vector element %d: %w", i, err)
		}
		v[i] = f
	}
	return v, nil
}
