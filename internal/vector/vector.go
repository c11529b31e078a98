package vector

import "context"

// Vector is one embedded chunk with its raw metadata bag. Metadata values
// arrive untyped from the store; the schema package converts them at its
// boundary.
type Vector struct {
	ID        string
	Embedding []float32
	Metadata  map[string]interface{}
}

type Match struct {
	ID       string
	Score    float32
	Metadata map[string]interface{}
}

type QueryParams struct {
	TopK            int
	Filters         map[string]string
	IncludeMetadata bool
}

type Stats struct {
	VectorCount int64
}

// Store is the vector database capability. A namespace scopes one set of
// documents (organization-wide or per-employee).
//
// Query with a nil embedding is a filter-only scan: metadata filters alone
// select rows, without semantic ranking.
type Store interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	Query(ctx context.Context, namespace string, embedding []float32, params QueryParams) ([]Match, error)
	NamespaceStats(ctx context.Context, namespace string) (Stats, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}
