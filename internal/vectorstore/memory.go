package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process Store using exact cosine similarity. It backs
// the local profile and the test suite; the ranking contract matches the
// Qdrant client.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Item
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]Item)}
}

func (m *Memory) Upsert(ctx context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Copy metadata so later caller mutation cannot leak into the store.
	meta := make(map[string]interface{}, len(item.Metadata))
	for k, v := range item.Metadata {
		meta[k] = v
	}
	item.Metadata = meta
	m.items[item.ID] = item
	return nil
}

func (m *Memory) Query(ctx context.Context, vector []float32, k int, filter map[string]interface{}) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Result, 0, len(m.items))
	for _, item := range m.items {
		if !matches(item.Metadata, filter) {
			continue
		}
		results = append(results, Result{ID: item.ID, Score: cosine(vector, item.Vector)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *Memory) UpdateMetadata(ctx context.Context, id string, partial map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil
	}
	for k, v := range partial {
		item.Metadata[k] = v
	}
	m.items[id] = item
	return nil
}

// Len reports the number of stored items.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func matches(meta, filter map[string]interface{}) bool {
	for k, want := range filter {
		if meta[k] != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
