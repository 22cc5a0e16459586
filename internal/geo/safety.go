package geo

import "math"

// SafetyCategory is the visual class of a safety score on the map.
type SafetyCategory string

const (
	CategorySafe    SafetyCategory = "safe"
	CategoryCaution SafetyCategory = "caution"
	CategoryDanger  SafetyCategory = "danger"
)

const (
	// SafeThreshold is the lowest score still shown as safe.
	SafeThreshold = 70.0
	// UnsecureThreshold is the score below which a tourist marks an unsecure area.
	UnsecureThreshold = 40.0
)

// Category maps a score to exactly one category. NaN is treated as danger.
func Category(score float64) SafetyCategory {
	switch {
	case math.IsNaN(score):
		return CategoryDanger
	case score >= SafeThreshold:
		return CategorySafe
	case score >= UnsecureThreshold:
		return CategoryCaution
	default:
		return CategoryDanger
	}
}

// Color returns the marker colour for the category.
func (c SafetyCategory) Color() string {
	switch c {
	case CategorySafe:
		return "#22c55e"
	case CategoryCaution:
		return "#f59e0b"
	default:
		return "#ef4444"
	}
}

// rank orders categories from least to most safe.
func (c SafetyCategory) rank() int {
	switch c {
	case CategorySafe:
		return 2
	case CategoryCaution:
		return 1
	default:
		return 0
	}
}

// SaferThan reports whether c is a strictly safer category than other.
func (c SafetyCategory) SaferThan(other SafetyCategory) bool {
	return c.rank() > other.rank()
}
