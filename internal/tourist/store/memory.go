package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/touristwatch/internal/geo"
	"github.com/example/touristwatch/internal/tourist/domain"
)

// MemoryStore keeps the latest position per tourist in insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	index map[string]int
	items []domain.TouristPosition
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// Upsert replaces the entry for pos.ID or appends a new one.
func (m *MemoryStore) Upsert(_ context.Context, pos domain.TouristPosition) error {
	if pos.ID == "" {
		return domain.ErrEmptyID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[pos.ID]; ok {
		m.items[i] = pos
		return nil
	}
	m.index[pos.ID] = len(m.items)
	m.items = append(m.items, pos)
	return nil
}

// Snapshot returns a copy of all positions.
func (m *MemoryStore) Snapshot(_ context.Context) ([]domain.TouristPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TouristPosition(nil), m.items...), nil
}

// Get returns one tourist's position.
func (m *MemoryStore) Get(_ context.Context, id string) (domain.TouristPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return domain.TouristPosition{}, domain.ErrNotFound
	}
	return m.items[i], nil
}

// Size returns the number of distinct ids.
func (m *MemoryStore) Size(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// Prune drops positions observed before cutoff, keeping the order of the rest.
func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	removed := 0
	for _, pos := range m.items {
		if pos.Timestamp.Before(cutoff) {
			delete(m.index, pos.ID)
			removed++
			continue
		}
		m.index[pos.ID] = len(kept)
		kept = append(kept, pos)
	}
	clear(m.items[len(kept):])
	m.items = kept
	return removed, nil
}

// Reset discards every position.
func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = make(map[string]int)
	m.items = nil
	return nil
}

// Nearby returns the ids within radiusKM of the point, closest first.
func (m *MemoryStore) Nearby(_ context.Context, lat, lon, radiusKM float64, limit int) ([]string, error) {
	type hit struct {
		id   string
		dist float64
	}
	m.mu.RLock()
	var hits []hit
	for _, pos := range m.items {
		if d := geo.DistanceKm(lat, lon, pos.Latitude, pos.Longitude); d <= radiusKM {
			hits = append(hits, hit{id: pos.ID, dist: d})
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}
