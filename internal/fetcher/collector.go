package fetcher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"oracle-reconciler/internal/model"
)

// Feed binds a fetcher to the protocol, chain and symbols it serves.
type Feed struct {
	Protocol string
	Chain    string
	Symbols  []string
	Fetcher  ObservationFetcher
}

// ObservationStore persists collected observations.
type ObservationStore interface {
	UpsertObservation(ctx context.Context, o model.Observation) error
}

// Recorder counts per-feed outcomes.
type Recorder interface {
	ObserveFeed(protocol, outcome string)
}

// Summary reports one collection pass.
type Summary struct {
	Fetched int
	Stale   int
	Failed  int
}

// Collector runs every configured feed and stores what it gets.
type Collector struct {
	feeds     []Feed
	store     ObservationStore
	recorder  Recorder
	pool      pond.Pool
	freshness time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCollector builds a collector that fetches at most concurrency feeds at once.
func NewCollector(feeds []Feed, store ObservationStore, recorder Recorder, concurrency int, freshness time.Duration, logger zerolog.Logger) *Collector {
	if concurrency <= 0 {
		concurrency = 4
	}
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Collector{
		feeds:     feeds,
		store:     store,
		recorder:  recorder,
		pool:      pond.NewPool(concurrency),
		freshness: freshness,
		logger:    logger.With().Str("component", "collector").Logger(),
		now:       time.Now,
	}
}

// Close stops the worker pool.
func (c *Collector) Close() {
	c.pool.StopAndWait()
}

// Collect fetches every (feed, symbol) pair once. Individual failures are counted, not returned.
func (c *Collector) Collect(ctx context.Context) (Summary, error) {
	var fetched, stale, failed atomic.Int64

	group := c.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, feed := range c.feeds {
		for _, symbol := range feed.Symbols {
			group.Submit(func() {
				if groupCtx.Err() != nil {
					return
				}
				switch c.collectOne(groupCtx, feed, symbol) {
				case outcomeOK:
					fetched.Add(1)
				case outcomeStale:
					fetched.Add(1)
					stale.Add(1)
				default:
					failed.Add(1)
				}
			})
		}
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		c.logger.Warn().Err(err).Msg("collection pass encountered error")
	}

	summary := Summary{Fetched: int(fetched.Load()), Stale: int(stale.Load()), Failed: int(failed.Load())}
	c.logger.Info().
		Int("fetched", summary.Fetched).
		Int("stale", summary.Stale).
		Int("failed", summary.Failed).
		Msg("observation collection finished")
	return summary, ctx.Err()
}

const (
	outcomeOK    = "ok"
	outcomeStale = "stale"
	outcomeError = "error"
)

func (c *Collector) collectOne(ctx context.Context, feed Feed, symbol string) string {
	logger := c.logger.With().Str("protocol", feed.Protocol).Str("chain", feed.Chain).Str("symbol", symbol).Logger()

	obs, err := feed.Fetcher.FetchLatest(ctx, feed.Protocol, feed.Chain, symbol)
	if err != nil {
		logger.Warn().Err(err).Msg("fetch observation failed")
		c.record(feed.Protocol, outcomeError)
		return outcomeError
	}
	obs.Protocol = feed.Protocol
	obs.Chain = feed.Chain
	obs.Symbol = strings.ToUpper(symbol)
	markStaleness(&obs, c.now().UTC(), c.freshness)

	if c.store != nil {
		if err := c.store.UpsertObservation(ctx, obs); err != nil {
			logger.Error().Err(err).Msg("store observation failed")
			c.record(feed.Protocol, outcomeError)
			return outcomeError
		}
	}

	outcome := outcomeOK
	if obs.Stale {
		outcome = outcomeStale
		logger.Warn().Int64("stale_seconds", obs.StaleSeconds).Msg("observation is stale")
	}
	c.record(feed.Protocol, outcome)
	return outcome
}

// markStaleness sets Stale when the observation is older than freshness.
func markStaleness(o *model.Observation, now time.Time, freshness time.Duration) {
	age := now.Sub(o.Timestamp)
	if age < 0 {
		age = 0
	}
	o.StaleSeconds = int64(age / time.Second)
	o.Stale = age > freshness
}

func (c *Collector) record(protocol, outcome string) {
	if c.recorder != nil {
		c.recorder.ObserveFeed(protocol, outcome)
	}
}
