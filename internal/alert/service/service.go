package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/touristwatch/internal/alert/domain"
	"github.com/example/touristwatch/internal/geo"
	tourist "github.com/example/touristwatch/internal/tourist/domain"
)

// Service coordinates alert operations between handlers and the repository.
type Service struct {
	repo      domain.Repository
	positions tourist.PositionReader
	notifier  domain.Notifier
	clock     tourist.Clock
	logger    *zap.Logger
}

// New constructs a Service. positions and notifier may be nil.
func New(repo domain.Repository, positions tourist.PositionReader, notifier domain.Notifier, clock tourist.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = tourist.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, positions: positions, notifier: notifier, clock: clock, logger: logger}
}

// Create validates the draft and stores an active alert.
func (s *Service) Create(ctx context.Context, draft domain.Draft) (domain.Alert, error) {
	if err := draft.Validate(); err != nil {
		return domain.Alert{}, err
	}
	alert := domain.Alert{
		ID:        uuid.New(),
		Title:     draft.Title,
		Type:      draft.Type,
		Message:   draft.Message,
		Latitude:  *draft.Latitude,
		Longitude: *draft.Longitude,
		RadiusM:   *draft.RadiusM,
		Status:    domain.StatusActive,
		Timestamp: s.clock.Now(),
	}
	created, err := s.repo.Create(ctx, alert)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("create alert: %w", err)
	}
	s.logger.Info("alert created",
		zap.String("alert_id", created.ID.String()),
		zap.String("type", string(created.Type)),
		zap.Float64("radius_m", created.RadiusM))
	if s.notifier != nil {
		s.notifier.AlertCreated(created)
	}
	return created, nil
}

// Get retrieves an alert by identifier.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Alert, error) {
	return s.repo.Get(ctx, id)
}

// List returns alerts newest first; alerts issued at the same instant are
// ordered by priority.
func (s *Service) List(ctx context.Context) ([]domain.Alert, error) {
	alerts, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Type.Priority() < b.Type.Priority()
	})
	return alerts, nil
}

// Affected lists the tourists currently inside the alert radius, in store
// order.
func (s *Service) Affected(ctx context.Context, id uuid.UUID) ([]string, error) {
	alert, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.positions == nil {
		return []string{}, nil
	}
	snapshot, err := s.positions.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	radiusKM := alert.RadiusM / 1000
	ids := []string{}
	for _, pos := range snapshot {
		if geo.DistanceKm(alert.Latitude, alert.Longitude, pos.Latitude, pos.Longitude) <= radiusKM {
			ids = append(ids, pos.ID)
		}
	}
	return ids, nil
}
