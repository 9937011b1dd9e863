package aggregator

import (
	"fmt"
	"strings"
)

// Method selects how the recommended price is derived.
type Method string

const (
	MethodMedian   Method = "median"
	MethodMean     Method = "mean"
	MethodWeighted Method = "weighted"

	defaultProtocolWeight = 0.1

	labelMedianAll    = "median_all"
	labelSingleSource = "single_source"
)

// ParseMethod accepts median, mean or weighted.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodMedian, MethodMean, MethodWeighted:
		return m, nil
	case "":
		return MethodMedian, nil
	default:
		return "", fmt.Errorf("unknown recommendation method %q", s)
	}
}

// Resolver derives the recommended price from the non-outlier subset.
type Resolver struct {
	Method  Method
	Weights map[string]float64
}

// Sample is one protocol's price.
type Sample struct {
	Protocol string
	Price    float64
}

// Recommend returns the price and its source label. When every sample is an
// outlier it falls back to the median of all samples.
func (r Resolver) Recommend(all []Sample, outliers map[string]bool) (float64, string) {
	kept := make([]Sample, 0, len(all))
	for _, s := range all {
		if !outliers[s.Protocol] {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return Median(prices(all)), labelMedianAll
	}
	if len(kept) == 1 {
		return kept[0].Price, labelSingleSource
	}

	switch r.Method {
	case MethodMean:
		return Mean(prices(kept)), fmt.Sprintf("mean_of_%d_sources", len(kept))
	case MethodWeighted:
		return r.weighted(kept), fmt.Sprintf("weighted_%d_sources", len(kept))
	default:
		return Median(prices(kept)), fmt.Sprintf("median_of_%d_sources", len(kept))
	}
}

func (r Resolver) weighted(samples []Sample) float64 {
	sum, total := 0.0, 0.0
	for _, s := range samples {
		w, ok := r.Weights[s.Protocol]
		if !ok {
			w = defaultProtocolWeight
		}
		sum += s.Price * w
		total += w
	}
	if total == 0 {
		return Median(prices(samples))
	}
	return sum / total
}

func prices(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Price
	}
	return out
}
