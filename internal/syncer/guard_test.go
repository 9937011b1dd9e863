package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-reconciler/internal/model"
)

func TestEnsureSyncedCollapsesConcurrentCallers(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	g := NewGuard(func(ctx context.Context, id string) (Result, error) {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return Result{Updated: true, State: model.SyncState{InstanceID: id, LastProcessedPosition: 42}}, nil
	}, zerolog.Nop())

	const callers = 16
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = g.EnsureSynced(context.Background(), "uma")
	}()
	<-started
	require.True(t, g.IsSyncing("uma"))
	require.True(t, g.IsSyncing(""))
	assert.Equal(t, []string{"uma"}, g.ListSyncing())

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.EnsureSynced(context.Background(), "uma")
		}(i)
	}
	// give joiners time to attach to the in-flight run
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.False(t, g.IsSyncing("uma"))
	assert.Empty(t, g.ListSyncing())
}

func TestEnsureSyncedClearsEntryAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	var runs atomic.Int32
	g := NewGuard(func(context.Context, string) (Result, error) {
		runs.Add(1)
		return Result{}, boom
	}, zerolog.Nop())

	_, err := g.EnsureSynced(context.Background(), "uma")
	require.ErrorIs(t, err, boom)
	assert.False(t, g.IsSyncing("uma"))

	_, err = g.EnsureSynced(context.Background(), "uma")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), runs.Load())
}

func TestEnsureSyncedRecoversPanics(t *testing.T) {
	g := NewGuard(func(context.Context, string) (Result, error) {
		panic("bad decoder")
	}, zerolog.Nop())

	_, err := g.EnsureSynced(context.Background(), "uma")
	require.Error(t, err)
	assert.False(t, g.IsSyncing(""))
}

func TestCancelStopsTrackingButRunCompletes(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	g := NewGuard(func(context.Context, string) (Result, error) {
		<-release
		close(done)
		return Result{Updated: true}, nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = g.EnsureSynced(ctx, "a") }()
	go func() { _, _ = g.EnsureSynced(context.Background(), "b") }()
	require.Eventually(t, func() bool { return len(g.ListSyncing()) == 2 }, time.Second, time.Millisecond)

	g.Cancel("a")
	assert.Equal(t, []string{"b"}, g.ListSyncing())
	g.CancelAll()
	assert.False(t, g.IsSyncing(""))

	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("underlying run should still complete")
	}
}

func TestEnsureSyncedCallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	g := NewGuard(func(context.Context, string) (Result, error) {
		<-release
		return Result{}, nil
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.EnsureSynced(ctx, "uma")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, g.IsSyncing("uma"), "the run keeps going after the caller gives up")
}
