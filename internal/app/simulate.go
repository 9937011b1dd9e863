package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"oracle-reconciler/internal/aggregator"
	"oracle-reconciler/internal/model"
)

// SimulateAlert 使用给定的各协议价格运行一次聚合并走完告警流程，不读写数据库。
func (a *App) SimulateAlert(ctx context.Context, symbol string, prices map[string]float64) (*model.Comparison, error) {
	if !a.Config.Alerting.Enabled {
		return nil, errors.New("alerting 未启用")
	}
	if len(prices) == 0 {
		return nil, errors.New("至少需要一个价格")
	}

	opts, err := aggregationOptions(a.Config)
	if err != nil {
		return nil, err
	}
	opts.Retry.Attempts = 1

	now := time.Now().UTC()
	source := newStaticSource(strings.ToUpper(symbol), a.Config.Aggregation.Chain, prices, now)
	raiser := a.newRaiser(nil, nil)

	agg := aggregator.New(source, nil, nil, nil, raiser, nil, opts, a.Logger)
	defer agg.Close()

	cmp, err := agg.Aggregate(ctx, symbol, a.Config.Aggregation.Chain)
	if err != nil {
		return nil, err
	}
	if cmp == nil {
		return nil, fmt.Errorf("数据源不足: 需要至少 %d 个价格", opts.MinSources)
	}
	writeComparisons(a.Out, []model.Comparison{*cmp})
	return cmp, nil
}

// staticSource serves fixed observations.
type staticSource struct {
	obs []model.Observation
}

func newStaticSource(symbol, chain string, prices map[string]float64, at time.Time) *staticSource {
	protocols := make([]string, 0, len(prices))
	for p := range prices {
		protocols = append(protocols, p)
	}
	sort.Strings(protocols)

	obs := make([]model.Observation, 0, len(prices))
	for _, p := range protocols {
		obs = append(obs, model.Observation{
			Protocol:   p,
			Chain:      chain,
			Symbol:     symbol,
			Price:      decimal.NewFromFloat(prices[p]),
			Timestamp:  at,
			Confidence: 1,
		})
	}
	return &staticSource{obs: obs}
}

func (s *staticSource) LatestObservations(_ context.Context, symbol, _ string, _ time.Time) ([]model.Observation, error) {
	out := make([]model.Observation, 0, len(s.obs))
	for _, o := range s.obs {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

var _ aggregator.ObservationSource = (*staticSource)(nil)
