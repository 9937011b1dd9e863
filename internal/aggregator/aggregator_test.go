package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-reconciler/internal/alerting"
	"oracle-reconciler/internal/cache"
	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/resilience"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu    sync.Mutex
	obs   []model.Observation
	err   error
	calls int
}

func (s *fakeSource) LatestObservations(_ context.Context, symbol, _ string, _ time.Time) ([]model.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Observation
	for _, o := range s.obs {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeSource) set(obs []model.Observation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs, s.err = obs, err
}

type fakeComparisons struct {
	mu        sync.Mutex
	saved     []model.Comparison
	insertErr error
}

func (s *fakeComparisons) InsertComparison(_ context.Context, c model.Comparison) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.saved = append(s.saved, c)
	return nil
}

type downCache struct {
	mu   sync.Mutex
	gets int
	sets int
}

func (c *downCache) Get(context.Context, string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return nil, errors.New("redis down")
}

func (c *downCache) Set(context.Context, string, []byte, time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	return errors.New("redis down")
}

func (c *downCache) Delete(context.Context, string) error { return errors.New("redis down") }

func (s *fakeComparisons) ListComparisons(_ context.Context, symbol string, from, to time.Time, _ int) ([]model.Comparison, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Comparison
	for _, c := range s.saved {
		if c.Symbol == symbol && !c.Timestamp.Before(from) && !c.Timestamp.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeAlerts struct {
	mu       sync.Mutex
	triggers []alerting.Trigger
}

func (a *fakeAlerts) Raise(_ context.Context, t alerting.Trigger) ([]model.Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers = append(a.triggers, t)
	return nil, nil
}

func observations(symbol string, prices map[string]float64) []model.Observation {
	out := make([]model.Observation, 0, len(prices))
	for protocol, p := range prices {
		out = append(out, model.Observation{
			Protocol:  protocol,
			Symbol:    symbol,
			Price:     decimal.NewFromFloat(p),
			Timestamp: testNow,
		})
	}
	return out
}

type harness struct {
	agg    *Aggregator
	source *fakeSource
	store  *fakeComparisons
	alerts *fakeAlerts
	cache  *cache.Memory
	clock  *time.Time
}

func newHarness(t *testing.T, breakers *resilience.Registry) *harness {
	t.Helper()
	clock := testNow
	h := &harness{
		source: &fakeSource{},
		store:  &fakeComparisons{},
		alerts: &fakeAlerts{},
		clock:  &clock,
	}
	h.cache = cache.NewMemory(nil).WithClock(func() time.Time { return *h.clock })

	opts := DefaultOptions()
	opts.Retry = resilience.RetryConfig{Attempts: 1}
	h.agg = New(h.source, h.store, h.cache, breakers, h.alerts, nil, opts, zerolog.Nop())
	h.agg.now = func() time.Time { return testNow }
	t.Cleanup(h.agg.Close)
	return h
}

func TestAggregateFlagsOutlierAndRecommendsMedian(t *testing.T) {
	h := newHarness(t, nil)
	h.source.set(observations("ETH", map[string]float64{
		"chainlink": 100, "pyth": 101, "redstone": 99, "band": 102, "dia": 1000,
	}), nil)

	cmp, err := h.agg.Aggregate(context.Background(), "eth", "")
	require.NoError(t, err)
	require.NotNil(t, cmp)

	assert.Equal(t, "ETH", cmp.Symbol)
	assert.Equal(t, []string{"dia"}, cmp.Outliers)
	assert.Equal(t, 101.0, cmp.Median)
	assert.Equal(t, 100.5, cmp.RecommendedPrice)
	assert.Equal(t, "median_of_4_sources", cmp.RecommendationSource)
	assert.Equal(t, 901.0, cmp.Range)
	assert.InDelta(t, 899.0/101.0, cmp.MaxDeviationRatio, 1e-9)
	assert.False(t, cmp.Stale)

	require.Len(t, h.store.saved, 1)
	require.Len(t, h.alerts.triggers, 1)
	assert.Equal(t, model.SeverityCritical, h.alerts.triggers[0].Severity)
	assert.Equal(t, []string{"dia"}, h.alerts.triggers[0].Context["outliers"])
}

func TestAggregateTightClusterHasNoOutliers(t *testing.T) {
	h := newHarness(t, nil)
	h.source.set(observations("BTC", map[string]float64{
		"a": 100, "b": 101, "c": 99, "d": 102, "e": 100,
	}), nil)

	cmp, err := h.agg.Aggregate(context.Background(), "BTC", "")
	require.NoError(t, err)
	require.NotNil(t, cmp)
	assert.Empty(t, cmp.Outliers)
	assert.Equal(t, 100.0, cmp.RecommendedPrice)
	assert.Equal(t, "median_of_5_sources", cmp.RecommendationSource)
}

func TestAggregateInsufficientSources(t *testing.T) {
	h := newHarness(t, nil)
	h.source.set(observations("SOL", map[string]float64{"a": 100}), nil)

	cmp, err := h.agg.Aggregate(context.Background(), "SOL", "")
	require.NoError(t, err)
	assert.Nil(t, cmp)
	assert.Empty(t, h.store.saved)
	assert.Empty(t, h.alerts.triggers)
}

func TestAggregateIgnoresStaleObservations(t *testing.T) {
	h := newHarness(t, nil)
	obs := observations("SOL", map[string]float64{"a": 100, "b": 101})
	obs[0].Timestamp = testNow.Add(-10 * time.Minute)
	h.source.set(obs, nil)

	cmp, err := h.agg.Aggregate(context.Background(), "SOL", "")
	require.NoError(t, err)
	assert.Nil(t, cmp)
}

func TestAggregateAlertThresholds(t *testing.T) {
	cases := []struct {
		name     string
		third    float64
		severity model.Severity
	}{
		{"six percent is critical", 106, model.SeverityCritical},
		{"two percent is warning", 102, model.SeverityWarning},
		{"half percent is quiet", 100.5, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.source.set(observations("ETH", map[string]float64{"a": 100, "b": 100, "c": tc.third}), nil)

			_, err := h.agg.Aggregate(context.Background(), "ETH", "")
			require.NoError(t, err)
			if tc.severity == "" {
				assert.Empty(t, h.alerts.triggers)
				return
			}
			require.Len(t, h.alerts.triggers, 1)
			assert.Equal(t, tc.severity, h.alerts.triggers[0].Severity)
			assert.Equal(t, model.EventPriceDeviation, h.alerts.triggers[0].Event)
		})
	}
}

func TestAggregateServesCache(t *testing.T) {
	h := newHarness(t, nil)
	h.source.set(observations("ETH", map[string]float64{"a": 100, "b": 100.2}), nil)

	first, err := h.agg.Aggregate(context.Background(), "ETH", "")
	require.NoError(t, err)
	second, err := h.agg.Aggregate(context.Background(), "ETH", "")
	require.NoError(t, err)

	assert.Equal(t, 1, h.source.calls)
	assert.Equal(t, first.RecommendedPrice, second.RecommendedPrice)
	assert.Len(t, second.Observations, 2)
}

func TestAggregateServesStaleWhenBreakerOpen(t *testing.T) {
	breakers := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour}, nil)
	h := newHarness(t, breakers)
	h.source.set(observations("ETH", map[string]float64{"a": 100, "b": 100.2}), nil)

	_, err := h.agg.Aggregate(context.Background(), "ETH", "")
	require.NoError(t, err)

	*h.clock = testNow.Add(time.Minute)
	h.source.set(nil, errors.New("database down"))

	_, err = h.agg.Aggregate(context.Background(), "ETH", "")
	require.Error(t, err)
	assert.Equal(t, resilience.StateOpen, breakers.Get(BreakerName).State())

	cmp, err := h.agg.Aggregate(context.Background(), "ETH", "")
	require.NoError(t, err)
	require.NotNil(t, cmp)
	assert.True(t, cmp.Stale)
	assert.InDelta(t, 100.1, cmp.RecommendedPrice, 1e-9)
}

func TestAggregateBreakerOpenWithoutStaleFails(t *testing.T) {
	breakers := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour}, nil)
	h := newHarness(t, breakers)
	h.source.set(nil, errors.New("database down"))

	_, err := h.agg.Aggregate(context.Background(), "ETH", "")
	require.Error(t, err)
	_, err = h.agg.Aggregate(context.Background(), "ETH", "")
	assert.ErrorIs(t, err, resilience.ErrBreakerOpen)
}

func TestAggregateManySkipsMissing(t *testing.T) {
	h := newHarness(t, nil)
	obs := observations("ETH", map[string]float64{"a": 100, "b": 100.1})
	obs = append(obs, observations("BTC", map[string]float64{"a": 50000, "b": 50010})...)
	h.source.set(obs, nil)

	got, err := h.agg.AggregateMany(context.Background(), []string{"ETH", "DOGE", "BTC"}, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ETH", got[0].Symbol)
	assert.Equal(t, "BTC", got[1].Symbol)
}

func TestHistoricalComparisons(t *testing.T) {
	h := newHarness(t, nil)
	h.store.saved = []model.Comparison{
		{Symbol: "ETH", Timestamp: testNow.Add(-2 * time.Hour)},
		{Symbol: "ETH", Timestamp: testNow.Add(-30 * time.Hour)},
		{Symbol: "BTC", Timestamp: testNow.Add(-time.Hour)},
	}

	got, err := h.agg.HistoricalComparisons(context.Background(), "eth", 24)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAggregateProceedsWhenCacheUnavailable(t *testing.T) {
	source := &fakeSource{}
	source.set(observations("ETH", map[string]float64{"chainlink": 100, "pyth": 101}), nil)
	store := &fakeComparisons{}
	c := &downCache{}

	opts := DefaultOptions()
	opts.Retry = resilience.RetryConfig{Attempts: 1}
	agg := New(source, store, c, nil, nil, nil, opts, zerolog.Nop())
	agg.now = func() time.Time { return testNow }
	t.Cleanup(agg.Close)

	for i := 0; i < 2; i++ {
		cmp, err := agg.Aggregate(context.Background(), "ETH", "")
		require.NoError(t, err)
		require.NotNil(t, cmp)
		assert.False(t, cmp.Stale)
		assert.Equal(t, 100.5, cmp.RecommendedPrice)
	}
	assert.Equal(t, 2, source.calls, "nothing is served from a broken cache")
	assert.Len(t, store.saved, 2)
	assert.Equal(t, 2, c.gets)
	assert.Equal(t, 2, c.sets)
}

func TestAggregatePersistFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, nil)
	h.store.insertErr = errors.New("insert comparison: conn closed")
	h.source.set(observations("ETH", map[string]float64{"chainlink": 100, "pyth": 101, "redstone": 102}), nil)

	cmp, err := h.agg.Aggregate(context.Background(), "ETH", "")
	require.NoError(t, err)
	require.NotNil(t, cmp)
	assert.False(t, cmp.Stale)
	assert.Equal(t, 101.0, cmp.RecommendedPrice)
	assert.Empty(t, h.store.saved)
	assert.Equal(t, resilience.StateClosed, h.agg.breakers.Get(BreakerName).State())

	// the snapshot still reached the cache
	again, err := h.agg.Aggregate(context.Background(), "ETH", "")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, h.source.calls)
}
