package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Observation is the latest price a protocol reported for a symbol on a chain.
type Observation struct {
	Protocol     string          `json:"protocol"`
	Chain        string          `json:"chain"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	RawPrice     string          `json:"rawPrice,omitempty"`
	Decimals     int32           `json:"decimals,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Confidence   float64         `json:"confidence"`
	Stale        bool            `json:"stale"`
	StaleSeconds int64           `json:"staleSeconds"`
}

// Comparison is a point-in-time reconciliation across protocols.
// Ratio fields are fractions (0.01 == 1%).
type Comparison struct {
	Symbol               string        `json:"symbol"`
	Chain                string        `json:"chain,omitempty"`
	Observations         []Observation `json:"observations"`
	Mean                 float64       `json:"mean"`
	Median               float64       `json:"median"`
	Min                  float64       `json:"min"`
	Max                  float64       `json:"max"`
	Range                float64       `json:"range"`
	RangeRatio           float64       `json:"rangeRatio"`
	MaxDeviation         float64       `json:"maxDeviation"`
	MaxDeviationRatio    float64       `json:"maxDeviationRatio"`
	Outliers             []string      `json:"outliers"`
	RecommendedPrice     float64       `json:"recommendedPrice"`
	RecommendationSource string        `json:"recommendationSource"`
	Timestamp            time.Time     `json:"timestamp"`
	// Stale is set only when served from the fallback cache while the breaker is open.
	Stale bool `json:"stale,omitempty"`
}
