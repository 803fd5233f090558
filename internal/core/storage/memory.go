package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

var ErrRecordNotFound = errors.New("record not found")

// MemoryStore is the in-process Store implementation. Collections are
// created lazily on first reference.
type MemoryStore struct {
	collections *xsync.Map[string, *collection]
}

type collection struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: xsync.NewMap[string, *collection](),
	}
}

func (s *MemoryStore) coll(name string) *collection {
	c, _ := s.collections.LoadOrCompute(name, func() (*collection, bool) {
		return &collection{records: make(map[string]Record)}, false
	})
	return c
}

func (s *MemoryStore) Get(_ context.Context, name string, query Query, opts Options) ([]Record, error) {
	c := s.coll(name)
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, rec := range c.records {
		if !matches(rec, query) {
			continue
		}
		out = append(out, cloneRecord(rec))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, name string, record Record) (string, error) {
	key, ok := record["id"].(string)
	if !ok || key == "" {
		key = uuid.NewString()
	}
	stored := cloneRecord(record)
	stored["id"] = key

	c := s.coll(name)
	c.mu.Lock()
	c.records[key] = stored
	c.mu.Unlock()
	return key, nil
}

func (s *MemoryStore) Set(_ context.Context, name string, key string, patch Record) error {
	c := s.coll(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, name string, key string) error {
	c := s.coll(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[key]; !ok {
		return ErrRecordNotFound
	}
	delete(c.records, key)
	return nil
}

func matches(rec Record, query Query) bool {
	for k, want := range query {
		if rec[k] != want {
			return false
		}
	}
	return true
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
