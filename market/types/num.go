package types

import "math"

// Tolerance returns the comparison tolerance for a price value:
// max(|v|*1e-4, 1e-8). All price comparisons in the service go through this
// rather than exact float equality.
func Tolerance(v float64) float64 {
	return math.Max(math.Abs(v)*1e-4, 1e-8)
}

// PositiveFinite reports whether v is a usable price.
func PositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
