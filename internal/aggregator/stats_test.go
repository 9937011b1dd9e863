package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 5.0, Median([]float64{9, 1, 5, 3, 7}))
	assert.Equal(t, 4.0, Median([]float64{1, 3, 5, 7}))
	assert.Equal(t, 42.0, Median([]float64{42}))
	assert.Equal(t, 0.0, Median(nil))
}

func TestQuantileInterpolates(t *testing.T) {
	values := []float64{100, 101, 99, 102, 100}
	assert.Equal(t, 100.0, Quantile(values, 0.25))
	assert.Equal(t, 101.0, Quantile(values, 0.75))
	assert.Equal(t, 99.0, Quantile(values, 0))
	assert.Equal(t, 102.0, Quantile(values, 1))
}

func TestStdDevPopulation(t *testing.T) {
	assert.InDelta(t, 2.0, StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
	assert.Equal(t, 0.0, StdDev(nil))
}

func defaultDetectors() []Detector {
	return []Detector{Threshold{Ratio: 0.05}, IQR{K: 1.5, MinSamples: 4}}
}

func TestUnionFlagsExtremeValue(t *testing.T) {
	got := Union([]float64{100, 101, 99, 102, 1000}, defaultDetectors()...)
	assert.Equal(t, []int{4}, got)
}

func TestUnionNoOutliersInTightCluster(t *testing.T) {
	got := Union([]float64{100, 101, 99, 102, 100}, defaultDetectors()...)
	assert.Empty(t, got)
}

func TestIQRNeedsMinimumSamples(t *testing.T) {
	assert.Empty(t, IQR{K: 1.5, MinSamples: 4}.Detect([]float64{1, 1, 100}))
}

func TestZScore(t *testing.T) {
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 500}
	assert.Equal(t, []int{12}, ZScore{Limit: 3}.Detect(values))
	assert.Empty(t, ZScore{Limit: 3}.Detect([]float64{5, 5, 5}))
}

func TestMaxDeviation(t *testing.T) {
	abs, ratio := MaxDeviation([]float64{100, 100, 106})
	assert.InDelta(t, 6.0, abs, 1e-9)
	assert.InDelta(t, 0.06, ratio, 1e-9)

	_, ratio = MaxDeviation([]float64{0, 0})
	assert.Equal(t, 0.0, ratio)
}

func TestRecommend(t *testing.T) {
	samples := []Sample{{"a", 100}, {"b", 101}, {"c", 99}, {"d", 1000}}

	price, label := Resolver{Method: MethodMedian}.Recommend(samples, map[string]bool{"d": true})
	assert.Equal(t, 100.0, price)
	assert.Equal(t, "median_of_3_sources", label)

	price, label = Resolver{Method: MethodMean}.Recommend(samples, map[string]bool{"d": true})
	assert.Equal(t, 100.0, price)
	assert.Equal(t, "mean_of_3_sources", label)

	price, label = Resolver{}.Recommend(samples, map[string]bool{"a": true, "b": true, "c": true, "d": true})
	assert.Equal(t, 100.5, price)
	assert.Equal(t, "median_all", label)

	price, label = Resolver{}.Recommend(samples[:2], map[string]bool{"b": true})
	assert.Equal(t, 100.0, price)
	assert.Equal(t, "single_source", label)
}

func TestRecommendWeighted(t *testing.T) {
	r := Resolver{Method: MethodWeighted, Weights: map[string]float64{"a": 0.3}}
	price, label := r.Recommend([]Sample{{"a", 100}, {"b", 110}}, nil)
	assert.InDelta(t, 102.5, price, 1e-9)
	assert.Equal(t, "weighted_2_sources", label)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodMedian, m)

	m, err = ParseMethod(" Weighted ")
	require.NoError(t, err)
	assert.Equal(t, MethodWeighted, m)

	_, err = ParseMethod("mode")
	assert.Error(t, err)
}

func TestThresholdDefaultKeepsTightClusterEdges(t *testing.T) {
	values := []float64{100, 101, 99, 102, 100}
	assert.Empty(t, Threshold{Ratio: 0.05}.Detect(values))
	assert.Equal(t, []int{3}, Threshold{Ratio: 0.01}.Detect(values))

	var ratio float64
	for _, d := range DefaultOptions().Detectors {
		if th, ok := d.(Threshold); ok {
			ratio = th.Ratio
		}
	}
	assert.Equal(t, 0.05, ratio)
}
