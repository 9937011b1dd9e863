package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"oracle-reconciler/internal/alerting"
	"oracle-reconciler/internal/events"
	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/resilience"
	"oracle-reconciler/internal/rpcpool"
	"oracle-reconciler/internal/storage"
)

const (
	defaultRewind        uint64 = 10
	defaultRangeAttempts        = 3
	rangeBackoffBase            = 2 * time.Second
	bookkeepingTimeout          = 10 * time.Second
)

// Store is the durable state the engine reads and writes.
type Store interface {
	GetInstance(ctx context.Context, id string) (model.SourceInstance, error)
	GetSyncState(ctx context.Context, instanceID string) (model.SyncState, error)
	UpsertSyncState(ctx context.Context, state model.SyncState) error
	AppendSyncMetric(ctx context.Context, m model.SyncMetric) error

	UpsertAssertion(ctx context.Context, a model.Assertion) error
	UpsertDispute(ctx context.Context, d model.Dispute) error
	ApplyResolution(ctx context.Context, r model.Resolution) error
	InsertVote(ctx context.Context, v model.VoteEvent) (bool, error)
	RecomputeDisputeTallies(ctx context.Context, assertionID string) (model.Tally, error)
	InsertRawEvents(ctx context.Context, events []model.RawEvent) error
}

// Alerter raises sync_error alerts.
type Alerter interface {
	Raise(ctx context.Context, t alerting.Trigger) ([]model.Alert, error)
}

// RunRecorder receives one sample per run.
type RunRecorder interface {
	ObserveSyncRun(instance, outcome string, d time.Duration, lag uint64, events int)
}

// Options tune the engine. Zero values take defaults.
type Options struct {
	MinWindow     uint64
	MaxWindow     uint64
	Rewind        uint64
	RangeAttempts int
	RPCTimeout    time.Duration
	Observer      rpcpool.Observer
}

// Result is what a run reports back to its caller.
type Result struct {
	Updated bool
	State   model.SyncState
}

// Syncer runs resumable sync passes over source instances.
type Syncer struct {
	store    Store
	dialer   rpcpool.Dialer
	alerts   Alerter
	recorder RunRecorder
	workers  pond.Pool
	opts     Options
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Syncer. workers bounds parallel RPC and persistence work across runs.
func New(store Store, dialer rpcpool.Dialer, alerts Alerter, recorder RunRecorder, workers pond.Pool, opts Options, logger zerolog.Logger) *Syncer {
	if opts.MinWindow == 0 {
		opts.MinWindow = DefaultMinWindow
	}
	if opts.MaxWindow == 0 {
		opts.MaxWindow = DefaultMaxWindow
	}
	if opts.Rewind == 0 {
		opts.Rewind = defaultRewind
	}
	if opts.RangeAttempts <= 0 {
		opts.RangeAttempts = defaultRangeAttempts
	}
	return &Syncer{
		store:    store,
		dialer:   dialer,
		alerts:   alerts,
		recorder: recorder,
		workers:  workers,
		opts:     opts,
		logger:   logger.With().Str("component", "syncer").Logger(),
		now:      time.Now,
		sleep:    resilience.Sleep,
	}
}

// run carries per-run progress so failure bookkeeping can report what was observed.
type run struct {
	instance model.SourceInstance
	prev     model.SyncState
	caller   *rpcpool.Caller
	started  time.Time
	tip      uint64
	safe     uint64
	tipKnown bool
	highest  uint64
	events   int
	logger   zerolog.Logger
}

// SyncOnce performs one physical run for instanceID.
func (s *Syncer) SyncOnce(ctx context.Context, instanceID string) (Result, error) {
	r := &run{
		started: s.now().UTC(),
		logger:  s.logger.With().Str("instance", instanceID).Logger(),
	}

	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Debug().Msg("instance not configured, nothing to sync")
			return Result{}, nil
		}
		cause := fmt.Errorf("load instance %s: %w", instanceID, err)
		prev, stateErr := s.loadState(ctx, instanceID)
		if stateErr != nil {
			return Result{}, errors.Join(cause, stateErr)
		}
		// store outages still count as failed runs
		r.instance = model.SourceInstance{ID: instanceID}
		r.prev = prev
		return s.fail(ctx, r, cause)
	}
	prev, err := s.loadState(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}
	r.instance, r.prev = inst, prev

	if !inst.Syncable() {
		r.logger.Debug().Msg("instance missing rpc endpoint or contract address, skipping")
		return Result{Updated: false, State: prev}, nil
	}

	r.caller = rpcpool.NewCaller(
		rpcpool.NewPool(inst.RPCURLs, prev.ActiveEndpoint, prev.EndpointStats),
		s.dialer,
		rpcpool.CallerOptions{Timeout: s.opts.RPCTimeout, Observer: s.opts.Observer, Sleep: s.sleep},
		r.logger,
	)

	res, err := s.scan(ctx, r)
	if err != nil {
		return s.fail(ctx, r, err)
	}
	return res, nil
}

func (s *Syncer) loadState(ctx context.Context, instanceID string) (model.SyncState, error) {
	state, err := s.store.GetSyncState(ctx, instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.SyncState{InstanceID: instanceID, EndpointStats: map[string]model.EndpointStat{}}, nil
	}
	if err != nil {
		return model.SyncState{}, fmt.Errorf("load sync state %s: %w", instanceID, err)
	}
	state.InstanceID = instanceID
	return state, nil
}

func (s *Syncer) scan(ctx context.Context, r *run) (Result, error) {
	inst := r.instance
	address := common.HexToAddress(inst.ContractAddress)

	code, err := rpcpool.Call(ctx, r.caller, "code_at", func(ctx context.Context, cl rpcpool.Client) ([]byte, error) {
		return cl.CodeAt(ctx, address, nil)
	})
	if err != nil {
		return Result{}, err
	}
	if len(code) == 0 {
		return Result{}, rpcpool.ContractNotFound(inst.ContractAddress)
	}

	tip, err := rpcpool.Call(ctx, r.caller, "block_number", func(ctx context.Context, cl rpcpool.Client) (uint64, error) {
		return cl.BlockNumber(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	r.tip, r.tipKnown = tip, true
	r.safe = saturatingSub(tip, inst.Confirmations)

	maxRange := inst.MaxWindow
	if maxRange == 0 {
		maxRange = s.opts.MaxWindow
	}
	from, to := s.scanRange(r.prev, inst, r.safe, maxRange)
	if from > to {
		r.logger.Debug().Uint64("from", from).Uint64("to", to).Msg("no new positions")
		s.appendMetric(ctx, r, r.prev.LastProcessedPosition, "")
		s.observe(r, "noop", r.prev.LastProcessedPosition)
		return Result{Updated: false, State: r.prev}, nil
	}

	start := maxRange
	if r.prev.LastProcessedPosition == 0 {
		start = s.opts.MinWindow
	}
	window := NewWindow(s.opts.MinWindow, maxRange, start)
	fetcher := events.NewFetcher(r.caller, inst, s.workers, r.logger)

	r.logger.Info().Uint64("from", from).Uint64("to", to).Uint64("tip", tip).Uint64("window", window.Size()).Msg("sync scan started")

	for cursor := from; cursor <= to; {
		end, n, err := s.processWithRetry(ctx, r, fetcher, window, cursor, to)
		if err != nil {
			return Result{}, err
		}
		r.highest = end
		r.events += n
		cursor = end + 1
	}

	return s.persistSuccess(ctx, r)
}

// scanRange returns the inclusive position range for this run.
func (s *Syncer) scanRange(prev model.SyncState, inst model.SourceInstance, safe, maxRange uint64) (uint64, uint64) {
	var from uint64
	if prev.LastProcessedPosition == 0 {
		if inst.StartPosition > 0 {
			from = inst.StartPosition
		} else {
			from = saturatingSub(safe, maxRange)
		}
	} else {
		from = saturatingSub(prev.LastProcessedPosition, s.opts.Rewind)
		if from < inst.StartPosition {
			from = inst.StartPosition
		}
	}
	return from, safe
}

// processWithRetry handles one sub-range starting at cursor, halving the window
// after each failed attempt.
func (s *Syncer) processWithRetry(ctx context.Context, r *run, fetcher *events.Fetcher, window *Window, cursor, to uint64) (uint64, int, error) {
	for attempt := 1; ; attempt++ {
		end := cursor + window.Size() - 1
		if end > to || end < cursor {
			end = to
		}

		began := time.Now()
		n, err := s.processRange(ctx, r, fetcher, cursor, end)
		if err == nil {
			if window.Observe(n, time.Since(began)) {
				r.logger.Debug().Uint64("window", window.Size()).Msg("scan window grown")
			}
			return end, n, nil
		}

		if rpcpool.Classify(err) == rpcpool.CodeContractNotFound || ctx.Err() != nil || attempt >= s.opts.RangeAttempts {
			return 0, 0, err
		}

		window.Shrink()
		delay := rangeBackoff(attempt)
		r.logger.Warn().Err(err).
			Uint64("from", cursor).
			Uint64("to", end).
			Int("attempt", attempt).
			Uint64("window", window.Size()).
			Dur("retry_in", delay).
			Msg("range failed, shrinking window")
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return 0, 0, sleepErr
		}
	}
}

// rangeBackoff is min(2s * 2^(attempt-1), 10s).
func rangeBackoff(attempt int) time.Duration {
	d := float64(rangeBackoffBase) * math.Pow(2, float64(attempt-1))
	if d > float64(resilience.MaxBackoff) {
		return resilience.MaxBackoff
	}
	return time.Duration(d)
}

func (s *Syncer) processRange(ctx context.Context, r *run, fetcher *events.Fetcher, from, to uint64) (int, error) {
	batch, err := fetcher.FetchRange(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if err := s.apply(ctx, batch); err != nil {
		return 0, fmt.Errorf("apply [%d,%d]: %w", from, to, err)
	}
	return batch.Len(), nil
}

// apply persists a batch in dependency order. Writes within a phase run
// concurrently and are idempotent by natural key.
func (s *Syncer) apply(ctx context.Context, b events.Batch) error {
	phase1 := make([]func(context.Context) error, 0, len(b.Assertions)+1)
	if len(b.Raw) > 0 {
		phase1 = append(phase1, func(ctx context.Context) error { return s.store.InsertRawEvents(ctx, b.Raw) })
	}
	for _, a := range b.Assertions {
		phase1 = append(phase1, func(ctx context.Context) error { return s.store.UpsertAssertion(ctx, a) })
	}
	if err := s.fanOut(ctx, phase1); err != nil {
		return err
	}

	disputes := make([]func(context.Context) error, 0, len(b.Disputes))
	for _, d := range b.Disputes {
		disputes = append(disputes, func(ctx context.Context) error { return s.store.UpsertDispute(ctx, d) })
	}
	if err := s.fanOut(ctx, disputes); err != nil {
		return err
	}

	resolutions := make([]func(context.Context) error, 0, len(b.Resolutions))
	for _, res := range b.Resolutions {
		resolutions = append(resolutions, func(ctx context.Context) error { return s.store.ApplyResolution(ctx, res) })
	}
	if err := s.fanOut(ctx, resolutions); err != nil {
		return err
	}

	touched := make(map[string]struct{})
	votes := make([]func(context.Context) error, 0, len(b.Votes))
	for _, v := range b.Votes {
		touched[v.AssertionID] = struct{}{}
		votes = append(votes, func(ctx context.Context) error {
			_, err := s.store.InsertVote(ctx, v)
			return err
		})
	}
	if err := s.fanOut(ctx, votes); err != nil {
		return err
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tallies := make([]func(context.Context) error, 0, len(ids))
	for _, id := range ids {
		tallies = append(tallies, func(ctx context.Context) error {
			_, err := s.store.RecomputeDisputeTallies(ctx, id)
			return err
		})
	}
	return s.fanOut(ctx, tallies)
}

func (s *Syncer) fanOut(ctx context.Context, tasks []func(context.Context) error) error {
	if len(tasks) == 0 {
		return nil
	}
	errs := make([]error, len(tasks))
	group := s.workers.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, task := range tasks {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			errs[i] = task(groupCtx)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn().Err(err).Msg("parallel apply encountered error")
	}
	return errors.Join(errs...)
}

func (s *Syncer) persistSuccess(ctx context.Context, r *run) (Result, error) {
	finished := s.now().UTC()
	next := r.prev.Clone()
	if r.highest > next.LastProcessedPosition {
		next.LastProcessedPosition = r.highest
	}
	next.LatestObservedPosition = r.tip
	next.SafePosition = r.safe
	next.LastAttemptAt = &r.started
	next.LastSuccessAt = &finished
	next.LastDurationMs = finished.Sub(r.started).Milliseconds()
	next.LastError = ""
	next.ConsecutiveFailures = 0
	next.ActiveEndpoint = r.caller.Pool().Active()
	next.EndpointStats = r.caller.Pool().Stats()

	if err := s.store.UpsertSyncState(ctx, next); err != nil {
		return Result{}, fmt.Errorf("persist sync state: %w", err)
	}
	s.appendMetric(ctx, r, next.LastProcessedPosition, "")
	s.observe(r, "success", next.LastProcessedPosition)

	r.logger.Info().
		Uint64("last_processed", next.LastProcessedPosition).
		Uint64("tip", r.tip).
		Int("events", r.events).
		Int64("duration_ms", next.LastDurationMs).
		Msg("sync run completed")
	return Result{Updated: true, State: next}, nil
}

// fail records failure bookkeeping without moving the cursor and returns err to the caller.
func (s *Syncer) fail(ctx context.Context, r *run, cause error) (Result, error) {
	code := rpcpool.Classify(cause)
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	finished := s.now().UTC()
	next := r.prev.Clone()
	next.LastAttemptAt = &r.started
	next.LastDurationMs = finished.Sub(r.started).Milliseconds()
	next.LastError = string(code)
	next.ConsecutiveFailures++
	if r.tipKnown {
		next.LatestObservedPosition = r.tip
		next.SafePosition = r.safe
	}
	if r.caller != nil {
		next.ActiveEndpoint = r.caller.Pool().Active()
		next.EndpointStats = r.caller.Pool().Stats()
	}

	r.logger.Error().Err(cause).
		Str("code", string(code)).
		Int("consecutive_failures", next.ConsecutiveFailures).
		Msg("sync run failed")

	s.raise(bctx, r, code, cause, next.ConsecutiveFailures)

	if err := s.store.UpsertSyncState(bctx, next); err != nil {
		r.logger.Error().Err(err).Msg("persist failed sync state")
	}
	s.appendMetric(bctx, r, r.prev.LastProcessedPosition, string(code))
	s.observe(r, string(code), r.prev.LastProcessedPosition)

	return Result{Updated: false, State: next}, fmt.Errorf("sync %s: %w", r.instance.ID, cause)
}

func (s *Syncer) raise(ctx context.Context, r *run, code rpcpool.Code, cause error, failures int) {
	if s.alerts == nil {
		return
	}
	severity := model.SeverityWarning
	if code == rpcpool.CodeContractNotFound {
		severity = model.SeverityCritical
	}
	_, err := s.alerts.Raise(ctx, alerting.Trigger{
		Event:      model.EventSyncError,
		Severity:   severity,
		Title:      fmt.Sprintf("Sync failed for %s (%s)", r.instance.ID, code),
		Message:    cause.Error(),
		InstanceID: r.instance.ID,
		Chain:      r.instance.Chain,
		Contract:   r.instance.ContractAddress,
		Context: map[string]any{
			"code":                string(code),
			"consecutiveFailures": failures,
			"lastProcessed":       r.prev.LastProcessedPosition,
		},
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("raise sync alert failed")
	}
}

func (s *Syncer) appendMetric(ctx context.Context, r *run, lastProcessed uint64, code string) {
	err := s.store.AppendSyncMetric(ctx, model.SyncMetric{
		InstanceID:    r.instance.ID,
		RecordedAt:    s.now().UTC(),
		Tip:           r.tip,
		LastProcessed: lastProcessed,
		Lag:           saturatingSub(r.tip, lastProcessed),
		DurationMs:    s.now().Sub(r.started).Milliseconds(),
		Events:        r.events,
		ErrorCode:     code,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("append sync metric failed")
	}
}

func (s *Syncer) observe(r *run, outcome string, lastProcessed uint64) {
	if s.recorder == nil {
		return
	}
	s.recorder.ObserveSyncRun(r.instance.ID, outcome, s.now().Sub(r.started), saturatingSub(r.tip, lastProcessed), r.events)
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
