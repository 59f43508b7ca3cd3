package util

import "math"

func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func MaxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PartitionInds returns parts+1 cut points evenly spaced over [0, n],
// rounded to integers. Consecutive pairs give contiguous, near-equal
// partitions covering [0, n).
func PartitionInds(n, parts int) []int {
	inds := make([]int, parts+1)
	for i := 0; i <= parts; i++ {
		inds[i] = int(math.Round(float64(i) * float64(n) / float64(parts)))
	}
	return inds
}

func IntPtr(v int) *int {
	return &v
}

func Float64Ptr(v float64) *float64 {
	return &v
}

func BoolPtr(v bool) *bool {
	return &v
}
