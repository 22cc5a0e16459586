// Package metrics derives dashboard aggregates from a position snapshot.
package metrics

import (
	"time"

	"github.com/example/touristwatch/internal/geo"
	"github.com/example/touristwatch/internal/tourist/domain"
)

const (
	// DenseRadiusKM is the neighbourhood radius of the dense-area check.
	DenseRadiusKM = 0.1
	// DenseMinCount counts the tourist itself.
	DenseMinCount = 5
)

// Calculator computes Metrics. The dense-area pass compares every pair of
// positions, which is fine for the hundreds of tourists a dashboard tracks.
// A spatial index would have to reproduce the same whole-degree bucket
// counts before it could replace this.
type Calculator struct {
	clock domain.Clock
}

// NewCalculator builds a calculator; a nil clock uses the system clock.
func NewCalculator(clock domain.Clock) *Calculator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Calculator{clock: clock}
}

// Compute derives all metrics from snapshot and records them as gauges.
func (c *Calculator) Compute(snapshot []domain.TouristPosition) domain.Metrics {
	start := time.Now()
	m := domain.Metrics{
		DenseAreas:    DenseAreas(snapshot),
		UnsecureAreas: UnsecureAreas(snapshot),
		TotalTourists: len(snapshot),
		Categories:    Categories(snapshot),
		LastUpdate:    c.clock.Now(),
	}
	computeDuration.Observe(time.Since(start).Seconds())
	touristsTotal.Set(float64(m.TotalTourists))
	denseAreasGauge.Set(float64(m.DenseAreas))
	unsecureAreasGauge.Set(float64(m.UnsecureAreas))
	return m
}

// DenseAreas counts the buckets of positions that have at least
// DenseMinCount positions, themselves included, within DenseRadiusKM.
func DenseAreas(snapshot []domain.TouristPosition) int {
	dense := make(map[geo.Bucket]struct{})
	for _, p := range snapshot {
		nearby := 0
		for _, q := range snapshot {
			if geo.DistanceKm(p.Latitude, p.Longitude, q.Latitude, q.Longitude) <= DenseRadiusKM {
				nearby++
			}
		}
		if nearby >= DenseMinCount {
			dense[geo.BucketKey(p.Latitude, p.Longitude)] = struct{}{}
		}
	}
	return len(dense)
}

// UnsecureAreas counts the buckets holding a position below geo.UnsecureThreshold.
func UnsecureAreas(snapshot []domain.TouristPosition) int {
	unsecure := make(map[geo.Bucket]struct{})
	for _, p := range snapshot {
		if p.SafetyScore < geo.UnsecureThreshold {
			unsecure[geo.BucketKey(p.Latitude, p.Longitude)] = struct{}{}
		}
	}
	return len(unsecure)
}

// Categories counts positions per safety category.
func Categories(snapshot []domain.TouristPosition) map[geo.SafetyCategory]int {
	counts := map[geo.SafetyCategory]int{
		geo.CategorySafe:    0,
		geo.CategoryCaution: 0,
		geo.CategoryDanger:  0,
	}
	for _, p := range snapshot {
		counts[p.Category()]++
	}
	return counts
}
