package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	key, err := s.Create(ctx, "bindings", Record{"group_id": "g1", "server_id": "s1"})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	recs, err := s.Get(ctx, "bindings", Query{"group_id": "g1"}, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s1", recs[0]["server_id"])
	assert.Equal(t, key, recs[0]["id"])
}

func TestCreateHonorsProvidedID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	key, err := s.Create(ctx, "bindings", Record{"id": "b1", "group_id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, "b1", key)
}

func TestSetPatchesExistingRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	key, _ := s.Create(ctx, "bindings", Record{"enabled": true})
	require.NoError(t, s.Set(ctx, "bindings", key, Record{"enabled": false}))

	recs, err := s.Get(ctx, "bindings", Query{}, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, false, recs[0]["enabled"])

	assert.ErrorIs(t, s.Set(ctx, "bindings", "missing", Record{}), ErrRecordNotFound)
}

func TestRemove(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	key, _ := s.Create(ctx, "ops", Record{"target": "p1"})
	require.NoError(t, s.Remove(ctx, "ops", key))
	assert.ErrorIs(t, s.Remove(ctx, "ops", key), ErrRecordNotFound)

	recs, err := s.Get(ctx, "ops", Query{}, Options{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGetLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = s.Create(ctx, "alerts", Record{"severity": "high"})
	}
	recs, err := s.Get(ctx, "alerts", Query{"severity": "high"}, Options{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestMutatingResultDoesNotAffectStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key, _ := s.Create(ctx, "bindings", Record{"enabled": true})

	recs, _ := s.Get(ctx, "bindings", Query{}, Options{})
	recs[0]["enabled"] = false

	again, _ := s.Get(ctx, "bindings", Query{"id": key}, Options{})
	require.Len(t, again, 1)
	assert.Equal(t, true, again[0]["enabled"])
}
