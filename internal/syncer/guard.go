package syncer

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// RunFunc performs one physical sync of an instance.
type RunFunc func(ctx context.Context, instanceID string) (Result, error)

type flight struct {
	done chan struct{}
	res  Result
	err  error
}

// Guard collapses concurrent triggers for the same instance into one in-flight run.
type Guard struct {
	run      RunFunc
	inflight *xsync.Map[string, *flight]
	logger   zerolog.Logger
}

// NewGuard wraps run.
func NewGuard(run RunFunc, logger zerolog.Logger) *Guard {
	return &Guard{
		run:      run,
		inflight: xsync.NewMap[string, *flight](),
		logger:   logger.With().Str("component", "sync_guard").Logger(),
	}
}

// EnsureSynced joins the in-flight run for id or starts one. Every caller that
// joined the same run observes the same result. Cancelling ctx stops waiting
// but never aborts the run.
func (g *Guard) EnsureSynced(ctx context.Context, id string) (Result, error) {
	f := &flight{done: make(chan struct{})}
	actual, loaded := g.inflight.LoadOrStore(id, f)
	if !loaded {
		go g.execute(context.WithoutCancel(ctx), id, f)
	} else {
		g.logger.Debug().Str("instance", id).Msg("joining in-flight sync")
	}

	select {
	case <-actual.done:
		return actual.res, actual.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (g *Guard) execute(ctx context.Context, id string, f *flight) {
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("sync %s panicked: %v", id, r)
		}
		g.inflight.Compute(id, func(old *flight, loaded bool) (*flight, xsync.ComputeOp) {
			if loaded && old == f {
				return nil, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		close(f.done)
	}()
	f.res, f.err = g.run(ctx, id)
}

// IsSyncing reports whether id is tracked; an empty id asks about any instance.
func (g *Guard) IsSyncing(id string) bool {
	if id == "" {
		return g.inflight.Size() > 0
	}
	_, ok := g.inflight.Load(id)
	return ok
}

// ListSyncing returns tracked instance ids, sorted.
func (g *Guard) ListSyncing() []string {
	ids := make([]string, 0, g.inflight.Size())
	g.inflight.Range(func(id string, _ *flight) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Cancel stops tracking id. The underlying run still completes.
func (g *Guard) Cancel(id string) {
	g.inflight.Delete(id)
}

// CancelAll stops tracking every instance.
func (g *Guard) CancelAll() {
	g.inflight.Clear()
}
