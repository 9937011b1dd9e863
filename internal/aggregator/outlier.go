package aggregator

import (
	"math"
	"sort"
)

// Detector flags indices of outlying values in a sample.
type Detector interface {
	Name() string
	Detect(values []float64) []int
}

// Threshold flags values whose deviation from the median exceeds Ratio of the median.
//
// The configured default (aggregation.outlier_threshold) is 0.05, not the 0.01
// used for deviation alerts. At 0.01 a healthy cluster such as 99..102 would
// lose its edge sources. Set it to 0.01 explicitly to flag every source the
// warning alert would fire on.
type Threshold struct {
	Ratio float64
}

func (Threshold) Name() string { return "threshold" }

func (d Threshold) Detect(values []float64) []int {
	median := Median(values)
	if median == 0 {
		return nil
	}
	var out []int
	for i, v := range values {
		if math.Abs(v-median)/math.Abs(median) > d.Ratio {
			out = append(out, i)
		}
	}
	return out
}

// IQR flags values outside [Q1 - K*IQR, Q3 + K*IQR] once the sample has MinSamples values.
type IQR struct {
	K          float64
	MinSamples int
}

func (IQR) Name() string { return "iqr" }

func (d IQR) Detect(values []float64) []int {
	if len(values) < d.MinSamples || len(values) < 2 {
		return nil
	}
	q1 := Quantile(values, 0.25)
	q3 := Quantile(values, 0.75)
	spread := q3 - q1
	lower, upper := q1-d.K*spread, q3+d.K*spread

	var out []int
	for i, v := range values {
		if v < lower || v > upper {
			out = append(out, i)
		}
	}
	return out
}

// ZScore flags values whose standard score exceeds Limit.
type ZScore struct {
	Limit float64
}

func (ZScore) Name() string { return "zscore" }

func (d ZScore) Detect(values []float64) []int {
	sd := StdDev(values)
	if sd == 0 {
		return nil
	}
	mean := Mean(values)
	var out []int
	for i, v := range values {
		if math.Abs(v-mean)/sd > d.Limit {
			out = append(out, i)
		}
	}
	return out
}

// Union runs every detector and returns the sorted set of flagged indices.
func Union(values []float64, detectors ...Detector) []int {
	seen := make(map[int]struct{})
	for _, d := range detectors {
		for _, i := range d.Detect(values) {
			seen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// MaxDeviation returns the largest absolute distance from the median and that distance as a fraction of the median.
func MaxDeviation(values []float64) (float64, float64) {
	median := Median(values)
	maxAbs := 0.0
	for _, v := range values {
		if d := math.Abs(v - median); d > maxAbs {
			maxAbs = d
		}
	}
	if median == 0 {
		return maxAbs, 0
	}
	return maxAbs, maxAbs / math.Abs(median)
}
