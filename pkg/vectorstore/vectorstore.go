// Package vectorstore holds the nearest-neighbour index behind retrieval. Ranking is delegated
// to the backend: cosine distance in memory, or pgvector in Postgres.
package vectorstore

import (
	"context"
)

type Document struct {
	ID        string
	Title     string
	Text      string
	Embedding []float64
}

// Hit is one search result; smaller Distance is closer.
type Hit struct {
	ID       string
	Title    string
	Distance float64
}

type Index interface {
	Search(ctx context.Context, embedding []float64, k int) ([]Hit, error)
	Upsert(ctx context.Context, docs []Document) error
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}
