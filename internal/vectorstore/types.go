package vectorstore

import "context"

// Item is one stored point: a vector with its source text and metadata.
type Item struct {
	ID       string                 `json:"id"`
	Vector   []float32              `json:"vector"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Result is a ranked query hit.
type Result struct {
	ID    string
	Score float64
}

// Store is the durable vector index behind a memory graph. Query filters
// are exact-match constraints on metadata fields.
type Store interface {
	Upsert(ctx context.Context, item Item) error
	Query(ctx context.Context, vector []float32, k int, filter map[string]interface{}) ([]Result, error)
	Delete(ctx context.Context, id string) error
	UpdateMetadata(ctx context.Context, id string, partial map[string]interface{}) error
}
