package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/touristwatch/internal/alert/domain"
)

// MemoryRepository keeps alerts in creation order.
type MemoryRepository struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]domain.Alert
	order  []uuid.UUID
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: make(map[uuid.UUID]domain.Alert)}
}

func (m *MemoryRepository) Create(_ context.Context, alert domain.Alert) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; !ok {
		m.order = append(m.order, alert.ID)
	}
	m.alerts[alert.ID] = alert
	return alert, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return domain.Alert{}, domain.ErrNotFound
	}
	return alert, nil
}

// List returns alerts in creation order.
func (m *MemoryRepository) List(_ context.Context) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Alert, 0, len(m.order))
	for _, id := range m.order {
		res = append(res, m.alerts[id])
	}
	return res, nil
}

func (m *MemoryRepository) Pending(_ context.Context, limit int) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Alert
	for _, id := range m.order {
		if limit > 0 && len(res) == limit {
			break
		}
		if alert := m.alerts[id]; alert.DispatchedAt == nil {
			res = append(res, alert)
		}
	}
	return res, nil
}

func (m *MemoryRepository) MarkDispatched(_ context.Context, ids []uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		alert, ok := m.alerts[id]
		if !ok {
			return domain.ErrNotFound
		}
		ts := at
		alert.DispatchedAt = &ts
		m.alerts[id] = alert
	}
	return nil
}
