package storage

import (
	"context"
)

// Record is a single stored document. Every record carries its key under
// the "id" field once stored.
type Record map[string]any

// Query matches records by field equality. An empty query matches all
// records in the collection.
type Query map[string]any

// Options narrows a Get.
type Options struct {
	Limit int // 0 means no limit
}

// Store is the narrow persistence surface the core depends on. The hub
// treats it as eventually-visible and single-writer-per-key; implementations
// range from the in-memory store to an external database adapter.
type Store interface {
	Get(ctx context.Context, collection string, query Query, opts Options) ([]Record, error)
	Create(ctx context.Context, collection string, record Record) (string, error)
	Set(ctx context.Context, collection string, key string, patch Record) error
	Remove(ctx context.Context, collection string, key string) error
}
