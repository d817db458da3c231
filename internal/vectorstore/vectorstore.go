package vectorstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no vector is stored for an entity.
var ErrNotFound = errors.New("vector not found")

// Op is the kind of write a Mutation performs.
type Op int

const (
	OpUpsert Op = iota
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is one keyed write against complaint_embeddings.
type Mutation struct {
	Op       Op
	EntityID int64
	Vector   []float64
	Content  string // source text kept next to the vector where the backend supports it
}

// Hit is a search result ordered by ascending cosine distance.
type Hit struct {
	EntityID int64
	Distance float64
	Content  string
}

// Store is a vector-capable table keyed by entity id. Apply must be atomic:
// either every mutation in the slice is visible afterwards or none is.
type Store interface {
	Apply(ctx context.Context, batch []Mutation) error
	Search(ctx context.Context, vector []float64, k int) ([]Hit, error)
	Get(ctx context.Context, entityID int64) ([]float64, error)
	Count(ctx context.Context) (int, error)
}
