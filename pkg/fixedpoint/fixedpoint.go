// Package fixedpoint implements the centigram arithmetic used throughout the
// dosing control loop. Operating in centigrams (1 cg = 0.01 g) as plain int32
// avoids per-sample floating point in the hot loop and keeps every threshold
// in a single integer unit.
package fixedpoint

import "math"

const (
	microsPerSec uint64 = 1_000_000
	millisPerSec uint64 = 1_000
)

// AvgRoundNearest returns the average of a and b rounded to nearest, ties
// away from zero. Uses a 64-bit intermediate so it cannot overflow.
func AvgRoundNearest(a, b int32) int32 {
	s := int64(a) + int64(b)
	if s >= 0 {
		return int32((s + 1) / 2)
	}
	return int32((s - 1) / 2)
}

// QuantizeToCg converts a grams value to centigrams, rounding to nearest and
// clamping to the int32 range. Non-finite input maps to 0.
func QuantizeToCg(xG float64) int32 {
	if math.IsNaN(xG) || math.IsInf(xG, 0) {
		return 0
	}
	scaled := math.Round(xG * 100)
	if scaled >= math.MaxInt32 {
		return math.MaxInt32
	}
	if scaled <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(scaled)
}

// GramsToCg is shorthand for QuantizeToCg, kept distinct because the
// original draws a naming line between "convert a raw measurement" and
// "quantize a derived value" even though the arithmetic is identical.
func GramsToCg(g float64) int32 {
	return QuantizeToCg(g)
}

// AbsDiffU32 returns |a - b| as a u32 without overflow. For any int32 inputs
// the magnitude always fits in uint32, so the conversion is lossless.
func AbsDiffU32(a, b int32) uint32 {
	diff := int64(a) - int64(b)
	if diff >= 0 {
		return uint32(diff)
	}
	return uint32(-diff)
}

// DivRoundNearest divides numer by denom, rounding to nearest with ties away
// from zero. denom must be strictly positive; it panics otherwise, matching
// the control loop's invariant that periods and divisors are validated at
// the config boundary before this is ever called.
func DivRoundNearest(numer, denom int32) int32 {
	if denom <= 0 {
		panic("fixedpoint: DivRoundNearest: denom must be > 0")
	}
	n := int64(numer)
	d := int64(denom)
	var q int64
	if n >= 0 {
		q = (n + d/2) / d
	} else {
		q = (n - d/2) / d
	}
	return int32(q)
}

// PeriodUs returns the sampling period in microseconds for a given rate in
// Hz. hz must be > 0. Floors to a minimum of 1us for very high rates.
func PeriodUs(hz uint32) uint64 {
	if hz == 0 {
		panic("fixedpoint: PeriodUs: hz must be > 0; validate at callsite")
	}
	p := microsPerSec / uint64(hz)
	if p < 1 {
		return 1
	}
	return p
}

// PeriodMs returns the sampling period in milliseconds for a given rate in
// Hz. hz must be > 0. Floors to a minimum of 1ms for hz >= 1000; use
// PeriodUs for accurate scheduling at higher rates.
func PeriodMs(hz uint32) uint64 {
	if hz == 0 {
		panic("fixedpoint: PeriodMs: hz must be > 0; validate at callsite")
	}
	p := millisPerSec / uint64(hz)
	if p < 1 {
		return 1
	}
	return p
}
