package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusKM is the mean Earth radius used for every distance in the service.
const EarthRadiusKM = 6371.0

// DistanceKm returns the great-circle distance between two coordinates in kilometers.
// s2.LatLng.Distance evaluates the haversine formula. The pair is put in a fixed
// order first so swapping the arguments yields the identical float.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	if lat2 < lat1 || (lat2 == lat1 && lon2 < lon1) {
		lat1, lon1, lat2, lon2 = lat2, lon2, lat1, lon1
	}
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * EarthRadiusKM
}

// Bucket is a whole-degree cell (~111 km) used to group positions into areas.
type Bucket struct {
	Lat int
	Lon int
}

func (b Bucket) String() string {
	return fmt.Sprintf("%d,%d", b.Lat, b.Lon)
}

// BucketKey rounds both coordinates half-up to the nearest whole degree.
func BucketKey(lat, lon float64) Bucket {
	return Bucket{Lat: roundHalfUp(lat), Lon: roundHalfUp(lon)}
}

// math.Round rounds half away from zero; areas use half-up so -2.5 lands in -2.
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
