// Package monitor composes the position store, the metrics calculator and
// the ingestion controller into the read model served to dashboards.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/touristwatch/internal/dashboard/live"
	"github.com/example/touristwatch/internal/geo"
	"github.com/example/touristwatch/internal/tourist/domain"
	"github.com/example/touristwatch/internal/tourist/ingest"
	"github.com/example/touristwatch/internal/tourist/metrics"
	"github.com/example/touristwatch/pkg/events"
)

var ErrInvalidQuery = errors.New("invalid nearby query")

// Feed is the part of the ingestion controller the service drives.
type Feed interface {
	Connect()
	Disconnect()
	Status() domain.ConnectionStatus
	Subscribe(func(ingest.Change))
}

type Broadcaster interface {
	Broadcast(live.Message)
}

type EventPublisher interface {
	Publish(ctx context.Context, subject, eventType string, payload any) error
}

// Tourist is a position decorated for map layers.
type Tourist struct {
	ID          string             `json:"id"`
	Latitude    Number             `json:"latitude"`
	Longitude   Number             `json:"longitude"`
	SafetyScore Number             `json:"safetyScore"`
	Timestamp   time.Time          `json:"timestamp"`
	Category    geo.SafetyCategory `json:"category"`
	Color       string             `json:"color"`
	// DistanceKM is set on nearby results only.
	DistanceKM *float64 `json:"distanceKm,omitempty"`
}

// Number encodes NaN and infinities, which the store keeps as received, as
// null.
type Number float64

func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// Overview is everything a dashboard needs to render one frame.
type Overview struct {
	Tourists   []Tourist               `json:"tourists"`
	Metrics    domain.Metrics          `json:"metrics"`
	Connection domain.ConnectionStatus `json:"connection"`
}

// Service answers dashboard queries and pushes changes to live clients.
type Service struct {
	reader    domain.PositionReader
	calc      *metrics.Calculator
	feed      Feed
	hub       Broadcaster
	publisher EventPublisher
	logger    *zap.Logger

	mu     sync.RWMutex
	latest domain.Metrics
}

// NewService wires the service and subscribes it to feed changes. hub and
// publisher may be nil.
func NewService(reader domain.PositionReader, calc *metrics.Calculator, feed Feed, hub Broadcaster, publisher EventPublisher, logger *zap.Logger) *Service {
	if calc == nil {
		calc = metrics.NewCalculator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{reader: reader, calc: calc, feed: feed, hub: hub, publisher: publisher, logger: logger}
	if feed != nil {
		feed.Subscribe(s.onChange)
	}
	return s
}

// Overview returns the current snapshot, freshly computed metrics and the
// feed status.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	snapshot, err := s.reader.Snapshot(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("snapshot: %w", err)
	}
	return Overview{
		Tourists:   decorate(snapshot),
		Metrics:    s.compute(snapshot),
		Connection: s.Connection(),
	}, nil
}

// Metrics recomputes the aggregates from the current snapshot.
func (s *Service) Metrics(ctx context.Context) (domain.Metrics, error) {
	snapshot, err := s.reader.Snapshot(ctx)
	if err != nil {
		return domain.Metrics{}, fmt.Errorf("snapshot: %w", err)
	}
	return s.compute(snapshot), nil
}

// LatestMetrics returns the metrics of the last store change without
// touching the store.
func (s *Service) LatestMetrics() domain.Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Tourist returns one tourist or domain.ErrNotFound.
func (s *Service) Tourist(ctx context.Context, id string) (Tourist, error) {
	pos, err := s.reader.Get(ctx, id)
	if err != nil {
		return Tourist{}, err
	}
	return decorateOne(pos), nil
}

// Nearby lists tourists within radiusKM of the point, closest first.
func (s *Service) Nearby(ctx context.Context, lat, lon, radiusKM float64) ([]Tourist, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidQuery)
	}
	if !(radiusKM > 0) {
		return nil, fmt.Errorf("%w: radius must be positive", ErrInvalidQuery)
	}

	var positions []domain.TouristPosition
	if finder, ok := s.reader.(domain.NearbyFinder); ok {
		ids, err := finder.Nearby(ctx, lat, lon, radiusKM, 0)
		if err != nil {
			return nil, fmt.Errorf("nearby: %w", err)
		}
		for _, id := range ids {
			pos, err := s.reader.Get(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			positions = append(positions, pos)
		}
	} else {
		snapshot, err := s.reader.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		positions = withinRadius(snapshot, lat, lon, radiusKM)
	}

	res := make([]Tourist, 0, len(positions))
	for _, pos := range positions {
		t := decorateOne(pos)
		d := geo.DistanceKm(lat, lon, pos.Latitude, pos.Longitude)
		t.DistanceKM = &d
		res = append(res, t)
	}
	return res, nil
}

// Connection returns the feed status.
func (s *Service) Connection() domain.ConnectionStatus {
	if s.feed == nil {
		return domain.ConnectionStatus{State: domain.StateDisconnected}
	}
	return s.feed.Status()
}

func (s *Service) Connect() {
	if s.feed != nil {
		s.feed.Connect()
	}
}

func (s *Service) Disconnect() {
	if s.feed != nil {
		s.feed.Disconnect()
	}
}

func (s *Service) compute(snapshot []domain.TouristPosition) domain.Metrics {
	m := s.calc.Compute(snapshot)
	s.mu.Lock()
	s.latest = m
	s.mu.Unlock()
	return m
}

// onChange runs on the controller goroutine, so it only reads the store.
func (s *Service) onChange(ch ingest.Change) {
	s.broadcast(live.Message{Type: live.MessageTypeConnection, Data: ch.Status})
	if !ch.StoreChanged {
		return
	}
	ctx := context.Background()
	snapshot, err := s.reader.Snapshot(ctx)
	if err != nil {
		s.logger.Error("snapshot after store change", zap.Error(err))
		return
	}
	m := s.compute(snapshot)
	s.broadcast(live.Message{Type: live.MessageTypeUpdate, Data: Overview{
		Tourists:   decorate(snapshot),
		Metrics:    m,
		Connection: ch.Status,
	}})
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.SubjectMetrics, "metrics.updated", m); err != nil {
			s.logger.Warn("publish metrics", zap.Error(err))
		}
	}
}

func (s *Service) broadcast(msg live.Message) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

func withinRadius(snapshot []domain.TouristPosition, lat, lon, radiusKM float64) []domain.TouristPosition {
	type hit struct {
		pos  domain.TouristPosition
		dist float64
	}
	var hits []hit
	for _, pos := range snapshot {
		if d := geo.DistanceKm(lat, lon, pos.Latitude, pos.Longitude); d <= radiusKM {
			hits = append(hits, hit{pos: pos, dist: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	res := make([]domain.TouristPosition, len(hits))
	for i, h := range hits {
		res[i] = h.pos
	}
	return res
}

func decorate(snapshot []domain.TouristPosition) []Tourist {
	res := make([]Tourist, len(snapshot))
	for i, pos := range snapshot {
		res[i] = decorateOne(pos)
	}
	return res
}

func decorateOne(pos domain.TouristPosition) Tourist {
	cat := pos.Category()
	return Tourist{
		ID:          pos.ID,
		Latitude:    Number(pos.Latitude),
		Longitude:   Number(pos.Longitude),
		SafetyScore: Number(pos.SafetyScore),
		Timestamp:   pos.Timestamp,
		Category:    cat,
		Color:       cat.Color(),
	}
}
