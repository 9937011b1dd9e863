package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"oracle-reconciler/internal/fetcher"
	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/scheduler"
	"oracle-reconciler/internal/syncer"
)

// Job names.
const (
	JobSync      = "sync"
	JobCollect   = "collect"
	JobAggregate = "aggregate"
)

// InstanceLister enumerates configured source instances.
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]model.SourceInstance, error)
}

// SyncTrigger starts or joins a sync of one instance.
type SyncTrigger interface {
	EnsureSynced(ctx context.Context, instanceID string) (syncer.Result, error)
}

// Collector gathers protocol observations.
type Collector interface {
	Collect(ctx context.Context) (fetcher.Summary, error)
}

// Aggregator reconciles observations across protocols.
type Aggregator interface {
	AggregateMany(ctx context.Context, symbols []string, chain string) ([]model.Comparison, error)
}

// AdvisoryLocker provides a cross-process lock per tick.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Options configure the service jobs.
type Options struct {
	SyncInterval        time.Duration
	CollectInterval     time.Duration
	AggregateInterval   time.Duration
	Symbols             []string
	Chain               string
	LockKey             int64
	InstanceConcurrency int
}

// InstanceResult is the outcome of one instance in SyncAll.
type InstanceResult struct {
	InstanceID string
	Result     syncer.Result
	Err        error
}

// Service orchestrates syncing, collection and aggregation.
type Service struct {
	scheduler  *scheduler.Scheduler
	instances  InstanceLister
	trigger    SyncTrigger
	collector  Collector
	aggregator Aggregator
	locker     AdvisoryLocker
	pool       pond.Pool
	opts       Options
	logger     zerolog.Logger
}

// New constructs the service. collector, aggregator and locker may be nil.
func New(sched *scheduler.Scheduler, instances InstanceLister, trigger SyncTrigger, collector Collector, aggregator Aggregator, locker AdvisoryLocker, opts Options, logger zerolog.Logger) *Service {
	if opts.InstanceConcurrency <= 0 {
		opts.InstanceConcurrency = 4
	}
	return &Service{
		scheduler:  sched,
		instances:  instances,
		trigger:    trigger,
		collector:  collector,
		aggregator: aggregator,
		locker:     locker,
		pool:       pond.NewPool(opts.InstanceConcurrency),
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Close stops the instance worker pool.
func (s *Service) Close() {
	s.pool.StopAndWait()
}

// Run registers the periodic jobs and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.register(); err != nil {
		return err
	}
	s.logger.Info().Strs("jobs", s.scheduler.Jobs()).Msg("service started")
	return s.scheduler.Run(ctx)
}

func (s *Service) register() error {
	jobs := []scheduler.Job{{Name: JobSync, Interval: s.opts.SyncInterval, Tick: s.locked(0, s.syncTick)}}
	if s.collector != nil {
		jobs = append(jobs, scheduler.Job{Name: JobCollect, Interval: s.opts.CollectInterval, Tick: s.locked(1, s.collectTick)})
	}
	if s.aggregator != nil && len(s.opts.Symbols) > 0 {
		jobs = append(jobs, scheduler.Job{Name: JobAggregate, Interval: s.opts.AggregateInterval, Tick: s.locked(2, s.aggregateTick)})
	}
	for _, j := range jobs {
		if err := s.scheduler.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// SyncAll triggers a sync of every enabled instance and returns per-instance results sorted by id.
// A failing instance never stops the others.
func (s *Service) SyncAll(ctx context.Context) ([]InstanceResult, error) {
	instances, err := s.instances.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var ids []string
	for _, inst := range instances {
		if inst.Enabled {
			ids = append(ids, inst.ID)
		}
	}
	sort.Strings(ids)

	results := make([]InstanceResult, len(ids))
	group := s.pool.NewGroupContext(ctx)
	for i, id := range ids {
		group.Submit(func() {
			res, err := s.trigger.EnsureSynced(ctx, id)
			results[i] = InstanceResult{InstanceID: id, Result: res, Err: err}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn().Err(err).Msg("sync fan-out encountered error")
	}
	return results, ctx.Err()
}

func (s *Service) syncTick(ctx context.Context, bucket time.Time) error {
	results, err := s.SyncAll(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			s.logger.Error().Err(r.Err).Str("instance", r.InstanceID).Msg("instance sync failed")
		}
	}
	s.logger.Info().Time("bucket", bucket).Int("instances", len(results)).Int("failed", failed).Msg("sync tick finished")
	return nil
}

func (s *Service) collectTick(ctx context.Context, _ time.Time) error {
	_, err := s.collector.Collect(ctx)
	return err
}

func (s *Service) aggregateTick(ctx context.Context, bucket time.Time) error {
	comparisons, err := s.aggregator.AggregateMany(ctx, s.opts.Symbols, s.opts.Chain)
	if err != nil {
		return err
	}
	for _, c := range comparisons {
		s.logger.Info().Time("bucket", bucket).
			Str("symbol", c.Symbol).
			Float64("recommended", c.RecommendedPrice).
			Float64("max_deviation_ratio", c.MaxDeviationRatio).
			Strs("outliers", c.Outliers).
			Msg("comparison recorded")
	}
	return nil
}

// locked wraps tick with the advisory lock; each job uses its own key offset.
func (s *Service) locked(offset int64, tick scheduler.TickFunc) scheduler.TickFunc {
	return func(ctx context.Context, bucket time.Time) error {
		unlock, proceed, err := s.acquireLock(ctx, offset)
		if err != nil {
			return err
		}
		if !proceed {
			s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}
		return tick(ctx, bucket)
	}
}

func (s *Service) acquireLock(ctx context.Context, offset int64) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey+offset)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
