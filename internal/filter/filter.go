// Package filter reduces the speed samples of a round to a single
// representative speed, removing outliers with an interquartile range trim.
package filter

import (
	"math"
	"sort"

	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// IQRMultiplier is the number of interquartile ranges a sample can lie
// outside [Q1, Q3] before being discarded.
const IQRMultiplier = 1.5

// Quartiles returns the first and third quartile of sorted. Quartiles are
// picked by index (floor(n/4) and floor(3n/4)), without interpolation.
func Quartiles(sorted []float64) (q1, q3 float64) {
	n := len(sorted)
	if n == 0 {
		return 0, 0
	}
	return sorted[n/4], sorted[(3*n)/4]
}

// Trim returns the samples lying within [Q1-1.5*IQR, Q3+1.5*IQR], sorted in
// ascending order. The input slice is not modified.
func Trim(samples []float64) []float64 {
	sorted := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !math.IsNaN(s) {
			sorted = append(sorted, s)
		}
	}
	sort.Float64s(sorted)
	q1, q3 := Quartiles(sorted)
	iqr := q3 - q1
	lo, hi := q1-IQRMultiplier*iqr, q3+IQRMultiplier*iqr
	kept := sorted[:0]
	for _, s := range sorted {
		if s >= lo && s <= hi {
			kept = append(kept, s)
		}
	}
	return kept
}

// Mean returns the arithmetic mean of values, or zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Representative returns the speed a round reports. With fewer than
// spec.MinFilterSamples samples no trimming is attempted and fallback (the
// whole-transfer average) is returned. Otherwise it is the mean of the
// samples surviving Trim, or fallback if none survive. The result is never
// negative nor NaN.
func Representative(samples []float64, fallback float64) float64 {
	return RepresentativeN(samples, fallback, spec.MinFilterSamples)
}

// RepresentativeN is like Representative with a custom minimum sample count.
func RepresentativeN(samples []float64, fallback float64, minSamples int) float64 {
	if len(samples) < minSamples {
		return sanitize(fallback)
	}
	kept := Trim(samples)
	if len(kept) == 0 {
		return sanitize(fallback)
	}
	return sanitize(Mean(kept))
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
