package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"oracle-reconciler/internal/alerting"
	"oracle-reconciler/internal/cache"
	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/resilience"
)

// BreakerName scopes the breaker guarding the whole aggregation operation.
const BreakerName = "price_aggregation"

const historyLimit = 10_000

// ObservationSource returns the newest non-stale observation per protocol.
type ObservationSource interface {
	LatestObservations(ctx context.Context, symbol, chain string, since time.Time) ([]model.Observation, error)
}

// ComparisonStore persists snapshots for history.
type ComparisonStore interface {
	InsertComparison(ctx context.Context, c model.Comparison) error
	ListComparisons(ctx context.Context, symbol string, from, to time.Time, limit int) ([]model.Comparison, error)
}

// Alerter raises price_deviation alerts.
type Alerter interface {
	Raise(ctx context.Context, t alerting.Trigger) ([]model.Alert, error)
}

// Recorder counts aggregation outcomes.
type Recorder interface {
	ObserveAggregation(outcome string)
}

// Options tune the engine. Ratios are fractions.
type Options struct {
	Freshness          time.Duration
	MinSources         int
	Detectors          []Detector
	Resolver           Resolver
	CacheTTL           time.Duration
	StaleTTL           time.Duration
	Concurrency        int
	DeviationThreshold float64
	SevereThreshold    float64
	Retry              resilience.RetryConfig
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Freshness:          5 * time.Minute,
		MinSources:         2,
		Detectors:          []Detector{Threshold{Ratio: 0.05}, IQR{K: 1.5, MinSamples: 4}},
		Resolver:           Resolver{Method: MethodMedian},
		CacheTTL:           30 * time.Second,
		StaleTTL:           10 * time.Minute,
		Concurrency:        5,
		DeviationThreshold: 0.01,
		SevereThreshold:    0.05,
		Retry:              resilience.DefaultRetryConfig(),
	}
}

// Aggregator reconciles the latest observations across protocols.
type Aggregator struct {
	source   ObservationSource
	store    ComparisonStore
	cache    cache.Cache
	breakers *resilience.Registry
	alerts   Alerter
	recorder Recorder
	limiter  pond.Pool
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires the engine. store, cache, alerts and recorder may be nil.
func New(source ObservationSource, store ComparisonStore, c cache.Cache, breakers *resilience.Registry, alerts Alerter, recorder Recorder, opts Options, logger zerolog.Logger) *Aggregator {
	if opts.MinSources <= 0 {
		opts.MinSources = 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Freshness <= 0 {
		opts.Freshness = 5 * time.Minute
	}
	if opts.StaleTTL < opts.CacheTTL {
		opts.StaleTTL = opts.CacheTTL
	}
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil)
	}
	return &Aggregator{
		source:   source,
		store:    store,
		cache:    c,
		breakers: breakers,
		alerts:   alerts,
		recorder: recorder,
		limiter:  pond.NewPool(opts.Concurrency),
		opts:     opts,
		logger:   logger.With().Str("component", "aggregator").Logger(),
		now:      time.Now,
	}
}

// Close stops the concurrency limiter.
func (a *Aggregator) Close() {
	a.limiter.StopAndWait()
}

// Aggregate returns a fresh or cached Comparison, or nil when too few sources are fresh.
// A Comparison served from the fallback cache while the breaker is open has Stale set.
func (a *Aggregator) Aggregate(ctx context.Context, symbol, chain string) (*model.Comparison, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := cacheKey(symbol, chain)
	logger := a.logger.With().Str("symbol", symbol).Str("chain", chain).Logger()

	if cmp, ok := a.cached(ctx, key, logger); ok {
		a.record("cached")
		return cmp, nil
	}

	var result *model.Comparison
	err := a.breakers.Get(BreakerName).Execute(ctx, func(ctx context.Context) error {
		cmp, err := a.compute(ctx, symbol, chain, logger)
		result = cmp
		return err
	})

	switch {
	case errors.Is(err, resilience.ErrBreakerOpen):
		if stale, ok := a.cached(ctx, staleKey(key), logger); ok {
			stale.Stale = true
			logger.Warn().Time("snapshot", stale.Timestamp).Msg("breaker open, serving stale comparison")
			a.record("stale")
			return stale, nil
		}
		a.record("error")
		return nil, fmt.Errorf("aggregate %s: %w", symbol, err)
	case err != nil:
		a.record("error")
		return nil, fmt.Errorf("aggregate %s: %w", symbol, err)
	case result == nil:
		a.record("insufficient")
		return nil, nil
	}
	a.record("fresh")
	return result, nil
}

// AggregateMany aggregates each symbol under the concurrency limit and keeps non-nil results in input order.
func (a *Aggregator) AggregateMany(ctx context.Context, symbols []string, chain string) ([]model.Comparison, error) {
	results := make([]*model.Comparison, len(symbols))
	group := a.limiter.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, symbol := range symbols {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			cmp, err := a.Aggregate(groupCtx, symbol, chain)
			if err != nil {
				a.logger.Warn().Err(err).Str("symbol", symbol).Msg("aggregation failed")
				return
			}
			results[i] = cmp
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.logger.Warn().Err(err).Msg("parallel aggregation encountered error")
	}

	out := make([]model.Comparison, 0, len(symbols))
	for _, cmp := range results {
		if cmp != nil {
			out = append(out, *cmp)
		}
	}
	return out, ctx.Err()
}

// HistoricalComparisons returns persisted snapshots for the last hours, oldest first.
func (a *Aggregator) HistoricalComparisons(ctx context.Context, symbol string, hours int) ([]model.Comparison, error) {
	if a.store == nil {
		return nil, errors.New("comparison history requires a store")
	}
	if hours <= 0 {
		hours = 24
	}
	to := a.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)
	return a.store.ListComparisons(ctx, strings.ToUpper(symbol), from, to, historyLimit)
}

func (a *Aggregator) compute(ctx context.Context, symbol, chain string, logger zerolog.Logger) (*model.Comparison, error) {
	now := a.now().UTC()
	since := now.Add(-a.opts.Freshness)

	var observations []model.Observation
	err := resilience.Retry(ctx, a.opts.Retry, logger, "fetch observations", func(ctx context.Context) error {
		var err error
		observations, err = a.source.LatestObservations(ctx, symbol, chain, since)
		return err
	})
	if err != nil {
		return nil, err
	}

	fresh := observations[:0:0]
	for _, o := range observations {
		if o.Stale || o.Timestamp.Before(since) || !o.Price.IsPositive() {
			continue
		}
		fresh = append(fresh, o)
	}
	if len(fresh) < a.opts.MinSources {
		logger.Info().Int("sources", len(fresh)).Int("min_sources", a.opts.MinSources).Msg("insufficient data sources")
		return nil, nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Protocol < fresh[j].Protocol })

	cmp := a.reconcile(symbol, chain, fresh, now)
	a.persist(ctx, cmp, logger)
	a.raiseDeviation(ctx, cmp, logger)
	return cmp, nil
}

// reconcile computes the statistics, outliers and recommendation for a sample.
func (a *Aggregator) reconcile(symbol, chain string, obs []model.Observation, now time.Time) *model.Comparison {
	values := make([]float64, len(obs))
	samples := make([]Sample, len(obs))
	for i, o := range obs {
		values[i] = o.Price.InexactFloat64()
		samples[i] = Sample{Protocol: o.Protocol, Price: values[i]}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := Mean(values)
	spread := hi - lo
	rangeRatio := 0.0
	if mean != 0 {
		rangeRatio = spread / mean
	}
	maxDev, maxDevRatio := MaxDeviation(values)

	flagged := make(map[string]bool)
	outliers := make([]string, 0)
	for _, i := range Union(values, a.opts.Detectors...) {
		p := obs[i].Protocol
		if !flagged[p] {
			flagged[p] = true
			outliers = append(outliers, p)
		}
	}
	sort.Strings(outliers)
	price, label := a.opts.Resolver.Recommend(samples, flagged)

	return &model.Comparison{
		Symbol:               symbol,
		Chain:                chain,
		Observations:         obs,
		Mean:                 mean,
		Median:               Median(values),
		Min:                  lo,
		Max:                  hi,
		Range:                spread,
		RangeRatio:           rangeRatio,
		MaxDeviation:         maxDev,
		MaxDeviationRatio:    maxDevRatio,
		Outliers:             outliers,
		RecommendedPrice:     price,
		RecommendationSource: label,
		Timestamp:            now,
	}
}

func (a *Aggregator) persist(ctx context.Context, cmp *model.Comparison, logger zerolog.Logger) {
	if a.store != nil {
		if err := a.store.InsertComparison(ctx, *cmp); err != nil {
			logger.Warn().Err(err).Msg("persist comparison failed")
		}
	}
	if a.cache == nil {
		return
	}
	payload, err := json.Marshal(cmp)
	if err != nil {
		logger.Warn().Err(err).Msg("encode comparison for cache failed")
		return
	}
	key := cacheKey(cmp.Symbol, cmp.Chain)
	if err := a.cache.Set(ctx, key, payload, a.opts.CacheTTL); err != nil {
		logger.Warn().Err(err).Msg("cache unavailable, comparison not cached")
		return
	}
	if err := a.cache.Set(ctx, staleKey(key), payload, a.opts.StaleTTL); err != nil {
		logger.Warn().Err(err).Msg("stale cache write failed")
	}
}

func (a *Aggregator) cached(ctx context.Context, key string, logger zerolog.Logger) (*model.Comparison, bool) {
	if a.cache == nil {
		return nil, false
	}
	payload, err := a.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warn().Err(err).Msg("cache unavailable, continuing without it")
		}
		return nil, false
	}
	var cmp model.Comparison
	if err := json.Unmarshal(payload, &cmp); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return &cmp, true
}

func (a *Aggregator) raiseDeviation(ctx context.Context, cmp *model.Comparison, logger zerolog.Logger) {
	var severity model.Severity
	switch {
	case cmp.MaxDeviationRatio > a.opts.SevereThreshold:
		severity = model.SeverityCritical
	case cmp.MaxDeviationRatio > a.opts.DeviationThreshold:
		severity = model.SeverityWarning
	default:
		return
	}
	if a.alerts == nil {
		return
	}

	_, err := a.alerts.Raise(ctx, alerting.Trigger{
		Event:    model.EventPriceDeviation,
		Severity: severity,
		Title:    fmt.Sprintf("%s price deviation %.3f%%", cmp.Symbol, cmp.MaxDeviationRatio*100),
		Message: fmt.Sprintf("recommended %.6f (%s), median %.6f, range %.6f..%.6f",
			cmp.RecommendedPrice, cmp.RecommendationSource, cmp.Median, cmp.Min, cmp.Max),
		Symbol: cmp.Symbol,
		Chain:  cmp.Chain,
		Context: map[string]any{
			"maxDeviation":         cmp.MaxDeviation,
			"maxDeviationRatio":    cmp.MaxDeviationRatio,
			"outliers":             cmp.Outliers,
			"observations":         cmp.Observations,
			"recommendedPrice":     cmp.RecommendedPrice,
			"recommendationSource": cmp.RecommendationSource,
		},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("raise deviation alert failed")
	}
}

func (a *Aggregator) record(outcome string) {
	if a.recorder != nil {
		a.recorder.ObserveAggregation(outcome)
	}
}

func cacheKey(symbol, chain string) string {
	if chain == "" {
		chain = "all"
	}
	return "comparison:" + strings.ToUpper(symbol) + ":" + strings.ToLower(chain)
}

func staleKey(key string) string {
	return key + ":stale"
}
