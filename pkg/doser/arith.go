package doser

import "math"

const (
	maxI32 = int64(math.MaxInt32)
	minI32 = int64(math.MinInt32)
)

func saturatingAddI32(a, b int32) int32 {
	return clampToInt32(int64(a) + int64(b))
}

func saturatingSubI32(a, b int32) int32 {
	return clampToInt32(int64(a) - int64(b))
}

func saturatingMulI32(a, b int32) int32 {
	return clampToInt32(int64(a) * int64(b))
}

func clampToInt32(v int64) int32 {
	if v > maxI32 {
		return int32(maxI32)
	}
	if v < minI32 {
		return int32(minI32)
	}
	return int32(v)
}
