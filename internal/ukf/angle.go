package ukf

import "math"

// NormalizeAngle maps a into (-π, π]. NaN and ±Inf yield NaN.
func NormalizeAngle(a float64) float64 {
	r := math.Remainder(a, 2*math.Pi)
	if r <= -math.Pi {
		r += 2 * math.Pi
	}
	return r
}
