package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-reconciler/internal/fetcher"
	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/scheduler"
	"oracle-reconciler/internal/syncer"
)

type staticInstances []model.SourceInstance

func (s staticInstances) ListInstances(context.Context) ([]model.SourceInstance, error) {
	return s, nil
}

type recordingTrigger struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recordingTrigger) EnsureSynced(_ context.Context, id string) (syncer.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	if r.fail[id] {
		return syncer.Result{}, errors.New("rpc unreachable")
	}
	return syncer.Result{Updated: true, State: model.SyncState{InstanceID: id, LastProcessedPosition: 10}}, nil
}

type fakeLocker struct {
	acquired bool
	keys     []int64
	unlocked int
}

func (l *fakeLocker) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	l.keys = append(l.keys, key)
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked++ }, true, nil
}

type countingCollector struct{ calls int }

func (c *countingCollector) Collect(context.Context) (fetcher.Summary, error) {
	c.calls++
	return fetcher.Summary{Fetched: 1}, nil
}

type countingAggregator struct{ symbols []string }

func (a *countingAggregator) AggregateMany(_ context.Context, symbols []string, _ string) ([]model.Comparison, error) {
	a.symbols = append(a.symbols, symbols...)
	return []model.Comparison{{Symbol: "ETH"}}, nil
}

func newService(t *testing.T, trigger SyncTrigger, locker AdvisoryLocker, collector Collector, aggregator Aggregator) *Service {
	t.Helper()
	instances := staticInstances{
		{ID: "b", Enabled: true},
		{ID: "a", Enabled: true},
		{ID: "off", Enabled: false},
	}
	svc := New(scheduler.New(scheduler.Options{}, zerolog.Nop()), instances, trigger, collector, aggregator, locker, Options{
		SyncInterval:      time.Minute,
		CollectInterval:   time.Minute,
		AggregateInterval: time.Minute,
		Symbols:           []string{"ETH"},
		LockKey:           100,
	}, zerolog.Nop())
	t.Cleanup(svc.Close)
	return svc
}

func TestSyncAllSkipsDisabledAndIsolatesFailures(t *testing.T) {
	trigger := &recordingTrigger{fail: map[string]bool{"a": true}}
	svc := newService(t, trigger, nil, nil, nil)

	results, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a", results[0].InstanceID)
	assert.Error(t, results[0].Err)
	assert.Equal(t, "b", results[1].InstanceID)
	assert.NoError(t, results[1].Err)
	assert.True(t, results[1].Result.Updated)
	assert.ElementsMatch(t, []string{"a", "b"}, trigger.calls)
}

func TestLockedTickSkipsWhenLockHeld(t *testing.T) {
	locker := &fakeLocker{}
	svc := newService(t, &recordingTrigger{}, locker, nil, nil)

	ran := false
	tick := svc.locked(1, func(context.Context, time.Time) error { ran = true; return nil })
	require.NoError(t, tick(context.Background(), time.Now()))
	assert.False(t, ran)
	assert.Equal(t, []int64{101}, locker.keys)

	locker.acquired = true
	require.NoError(t, tick(context.Background(), time.Now()))
	assert.True(t, ran)
	assert.Equal(t, 1, locker.unlocked)
}

func TestRegisterJobs(t *testing.T) {
	svc := newService(t, &recordingTrigger{}, nil, &countingCollector{}, &countingAggregator{})
	require.NoError(t, svc.register())
	assert.Equal(t, []string{JobSync, JobCollect, JobAggregate}, svc.scheduler.Jobs())

	bare := newService(t, &recordingTrigger{}, nil, nil, nil)
	require.NoError(t, bare.register())
	assert.Equal(t, []string{JobSync}, bare.scheduler.Jobs())
}

func TestTicksCallCollaborators(t *testing.T) {
	collector := &countingCollector{}
	aggregator := &countingAggregator{}
	svc := newService(t, &recordingTrigger{}, nil, collector, aggregator)

	require.NoError(t, svc.collectTick(context.Background(), time.Now()))
	require.NoError(t, svc.aggregateTick(context.Background(), time.Now()))
	require.NoError(t, svc.syncTick(context.Background(), time.Now()))

	assert.Equal(t, 1, collector.calls)
	assert.Equal(t, []string{"ETH"}, aggregator.symbols)
}
