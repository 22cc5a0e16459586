package domain

import (
	"context"
	"errors"
	"time"

	"github.com/example/touristwatch/internal/geo"
)

var ErrEmptyID = errors.New("tourist id is required")
var ErrNotFound = errors.New("tourist not found")

// TouristPosition is the last known state of one tracked tourist.
type TouristPosition struct {
	ID          string    `json:"id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	SafetyScore float64   `json:"safetyScore"`
	Timestamp   time.Time `json:"timestamp"`
}

// Category returns the visual safety class of the position.
func (p TouristPosition) Category() geo.SafetyCategory {
	return geo.Category(p.SafetyScore)
}

// Metrics are the dashboard aggregates derived from one snapshot.
type Metrics struct {
	DenseAreas    int                        `json:"denseAreas"`
	UnsecureAreas int                        `json:"unsecureAreas"`
	TotalTourists int                        `json:"totalTourists"`
	Categories    map[geo.SafetyCategory]int `json:"categories"`
	LastUpdate    time.Time                  `json:"lastUpdate"`
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is what the dashboard shows about the feed.
type ConnectionStatus struct {
	State      ConnectionState `json:"state"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"maxRetries"`
	LastError  string          `json:"lastError,omitempty"`
	ChangedAt  time.Time       `json:"changedAt"`
}

// PositionWriter is the mutating half of a position store. Only the
// ingestion controller holds one.
type PositionWriter interface {
	Upsert(ctx context.Context, pos TouristPosition) error
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Reset(ctx context.Context) error
}

// PositionReader is the read-only half consumed by metrics and handlers.
type PositionReader interface {
	Snapshot(ctx context.Context) ([]TouristPosition, error)
	Get(ctx context.Context, id string) (TouristPosition, error)
	Size(ctx context.Context) (int, error)
}

// NearbyFinder answers radius queries, closest first. A non-positive limit
// returns every match.
type NearbyFinder interface {
	Nearby(ctx context.Context, lat, lon, radiusKM float64, limit int) ([]string, error)
}

type PositionStore interface {
	PositionWriter
	PositionReader
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
