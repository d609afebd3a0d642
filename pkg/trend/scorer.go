package trend

import "math"

// NormalizeGain maps an absolute star gain onto 0-100 on a log scale;
// 10,000 new stars saturates.
func NormalizeGain(gained int) float64 {
	if gained <= 0 {
		return 0
	}
	return math.Min(100, math.Log10(float64(gained)+1)/4*100)
}

// NormalizeGrowth maps relative growth onto 0-100. Doubling saturates.
func NormalizeGrowth(growth float64) float64 {
	if growth <= 0 {
		return 0
	}
	return math.Min(100, growth*100)
}

// NormalizeVelocity maps stars per day onto 0-100.
func NormalizeVelocity(perDay float64) float64 {
	switch {
	case perDay <= 0:
		return 0
	case perDay > 1000:
		return 100
	case perDay > 100:
		return 60 + (perDay-100)/900*40
	case perDay > 10:
		return 20 + (perDay-10)/90*40
	default:
		return perDay / 10 * 20
	}
}
