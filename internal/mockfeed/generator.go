// Package mockfeed produces a synthetic position feed for local runs and
// end-to-end tests.
package mockfeed

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/touristwatch/internal/tourist/domain"
)

const (
	// CoordinateJitter is the full width of the per-tick coordinate move in degrees.
	CoordinateJitter = 0.001
	// ScoreJitter is the full width of the per-tick safety score move.
	ScoreJitter = 5.0
)

// Seed is the starting point of one simulated tourist.
type Seed struct {
	ID          string
	Name        string
	Latitude    float64
	Longitude   float64
	SafetyScore float64
}

// DemoTourists are placed in Indian cities, with a spread of safety scores.
var DemoTourists = []Seed{
	{ID: "T001", Name: "John Smith", Latitude: 28.6139, Longitude: 77.2090, SafetyScore: 85},
	{ID: "T002", Name: "Emma Johnson", Latitude: 19.0760, Longitude: 72.8777, SafetyScore: 45},
	{ID: "T003", Name: "Michael Brown", Latitude: 12.9716, Longitude: 77.5946, SafetyScore: 92},
	{ID: "T004", Name: "Sarah Davis", Latitude: 22.5726, Longitude: 88.3639, SafetyScore: 25},
	{ID: "T005", Name: "David Wilson", Latitude: 13.0827, Longitude: 80.2707, SafetyScore: 78},
	{ID: "T006", Name: "Lisa Anderson", Latitude: 26.9124, Longitude: 75.7873, SafetyScore: 35},
	{ID: "T007", Name: "Robert Taylor", Latitude: 15.2993, Longitude: 74.1240, SafetyScore: 88},
	{ID: "T008", Name: "Jennifer Martinez", Latitude: 27.1767, Longitude: 78.0081, SafetyScore: 15},
}

type entry struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timestamp   string  `json:"timestamp"`
	SafetyScore float64 `json:"safetyScore"`
}

// Generator random-walks a fixed set of tourists.
type Generator struct {
	mu       sync.Mutex
	tourists []Seed
	rnd      *rand.Rand
	clock    domain.Clock
}

// NewGenerator copies seeds so callers can reuse them. A nil src is seeded
// from the clock; a nil clock uses the system clock.
func NewGenerator(seeds []Seed, src rand.Source, clock domain.Clock) *Generator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if src == nil {
		src = rand.NewSource(clock.Now().UnixNano())
	}
	tourists := make([]Seed, len(seeds))
	copy(tourists, seeds)
	return &Generator{tourists: tourists, rnd: rand.New(src), clock: clock}
}

// Tick moves every tourist once and returns the batch describing them.
func (g *Generator) Tick() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.clock.Now().UTC().Format(time.RFC3339Nano)
	batch := make(map[string]entry, len(g.tourists))
	for i := range g.tourists {
		t := &g.tourists[i]
		t.Latitude += (g.rnd.Float64() - 0.5) * CoordinateJitter
		t.Longitude += (g.rnd.Float64() - 0.5) * CoordinateJitter
		t.SafetyScore = clampScore(t.SafetyScore + (g.rnd.Float64()-0.5)*ScoreJitter)
		batch[t.ID] = entry{Lat: t.Latitude, Lon: t.Longitude, Timestamp: ts, SafetyScore: t.SafetyScore}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode mock batch: %w", err)
	}
	return data, nil
}

// Tourists returns the current simulated state.
func (g *Generator) Tourists() []Seed {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Seed, len(g.tourists))
	copy(out, g.tourists)
	return out
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
