package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRanking(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, Item{ID: "x", Vector: []float32{1, 0}, Text: "x"}))
	require.NoError(t, m.Upsert(ctx, Item{ID: "y", Vector: []float32{0, 1}, Text: "y"}))
	require.NoError(t, m.Upsert(ctx, Item{ID: "near", Vector: []float32{0.9, 0.1}, Text: "near x"}))

	results, err := m.Query(ctx, []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].ID)
	assert.Equal(t, "near", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMemoryStoreFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, Item{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]interface{}{"type": "knowledge"}}))
	require.NoError(t, m.Upsert(ctx, Item{ID: "b", Vector: []float32{1, 0}, Metadata: map[string]interface{}{"type": "skill"}}))

	results, err := m.Query(ctx, []float32{1, 0}, 10, map[string]interface{}{"type": "skill"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestMemoryStoreUpsertReplacesAndDeleteClears(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, Item{ID: "a", Vector: []float32{1, 0}}))
	require.NoError(t, m.Upsert(ctx, Item{ID: "a", Vector: []float32{0, 1}}))
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Delete(ctx, "a"))
	assert.Equal(t, 0, m.Len())
	// Deleting an absent ID is fine
	require.NoError(t, m.Delete(ctx, "a"))
}

func TestMemoryStoreMetadataIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	meta := map[string]interface{}{"consent_level": "private"}
	require.NoError(t, m.Upsert(ctx, Item{ID: "a", Vector: []float32{1}, Metadata: meta}))

	// Caller mutation after upsert must not leak into the store
	meta["consent_level"] = "public"
	results, err := m.Query(ctx, []float32{1}, 1, map[string]interface{}{"consent_level": "private"})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, m.UpdateMetadata(ctx, "a", map[string]interface{}{"consent_level": "shared"}))
	results, err = m.Query(ctx, []float32{1}, 1, map[string]interface{}{"consent_level": "shared"})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// Updating a missing ID is a no-op
	require.NoError(t, m.UpdateMetadata(ctx, "missing", map[string]interface{}{"k": "v"}))
}
