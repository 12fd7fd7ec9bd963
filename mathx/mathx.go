// Package mathx holds the small numeric helpers shared by the ephemeris and
// the configuration checks
package mathx

import "math"

const (
	// DegToRad converts degrees to radians
	DegToRad = math.Pi / 180

	// RadToDeg converts radians to degrees
	RadToDeg = 180 / math.Pi
)

// WrapDegrees wraps an angle into [0, 360)
func WrapDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	if a == 360 {
		return 0
	}
	return a
}

// Finite is true if f is neither NaN nor infinite
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Round rounds x to the nearest unit (0.1 for tenth, 0.01 for hundredth,
// and so on).  Halves round away from zero.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}
