package geo_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/touristwatch/internal/geo"
)

var points = [][2]float64{
	{28.6139, 77.209},
	{19.076, 72.8777},
	{12.9716, 77.5946},
	{-33.8688, 151.2093},
	{40.7128, -74.006},
	{0, 0},
	{89.9, 179.9},
}

func TestDistanceSymmetricAndZero(t *testing.T) {
	for _, a := range points {
		require.Zero(t, geo.DistanceKm(a[0], a[1], a[0], a[1]))
		for _, b := range points {
			require.Equal(t, geo.DistanceKm(a[0], a[1], b[0], b[1]), geo.DistanceKm(b[0], b[1], a[0], a[1]))
		}
	}
}

func TestDistanceKnownValues(t *testing.T) {
	// one degree of longitude on the equator
	require.InDelta(t, 2*math.Pi*geo.EarthRadiusKM/360, geo.DistanceKm(0, 0, 0, 1), 1e-9)
	// New Delhi to Mumbai is roughly 1150 km
	require.InDelta(t, 1150, geo.DistanceKm(28.6139, 77.209, 19.076, 72.8777), 10)
}

func TestBucketKeyRoundsHalfUp(t *testing.T) {
	require.Equal(t, geo.Bucket{Lat: 29, Lon: 77}, geo.BucketKey(28.61, 77.21))
	require.Equal(t, geo.Bucket{Lat: 3, Lon: -2}, geo.BucketKey(2.5, -2.5))
	require.Equal(t, "-34,151", geo.BucketKey(-33.8688, 151.2093).String())
}

func TestCategoryThresholds(t *testing.T) {
	require.Equal(t, geo.CategorySafe, geo.Category(100))
	require.Equal(t, geo.CategorySafe, geo.Category(70))
	require.Equal(t, geo.CategoryCaution, geo.Category(69.9))
	require.Equal(t, geo.CategoryCaution, geo.Category(40))
	require.Equal(t, geo.CategoryDanger, geo.Category(39))
	require.Equal(t, geo.CategoryDanger, geo.Category(0))
	require.Equal(t, geo.CategoryDanger, geo.Category(math.NaN()))
	require.Equal(t, "#ef4444", geo.CategoryDanger.Color())
}

func TestCategoryMonotonic(t *testing.T) {
	prev := geo.Category(0)
	for score := 0.0; score <= 100; score += 0.5 {
		cur := geo.Category(score)
		require.False(t, prev.SaferThan(cur), "score %.1f maps to a less safe category than a lower score", score)
		prev = cur
	}
}
