// Package stats provides pure descriptive-statistics helpers used by the
// aggregation engine. All functions are side-effect free and report ok=false
// instead of NaN when the input is empty.
package stats

import (
	"math"
	"sort"
)

// Sum returns the sum of values.
func Sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	return Sum(values) / float64(len(values)), true
}

// Median returns the median of values.
func Median(values []float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2], true
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2, true
}

// Min returns the smallest value.
func Min(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min, true
}

// Max returns the largest value.
func Max(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max, true
}

// StdDev returns the population standard deviation of values. The population
// (n) denominator is part of the aggregation contract; callers must not
// substitute the sample (n-1) form.
func StdDev(values []float64) (float64, bool) {
	mean, ok := Mean(values)
	if !ok {
		return 0, false
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values))), true
}

// Rate returns part/whole, guarding against a zero denominator.
func Rate(part, whole int) (float64, bool) {
	if whole == 0 {
		return 0, false
	}
	return float64(part) / float64(whole), true
}
