package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/rpcpool"
)

// Fetcher pulls and decodes every tracked event kind for one instance.
type Fetcher struct {
	caller  *rpcpool.Caller
	decoder Decoder
	address common.Address
	workers pond.Pool
	logger  zerolog.Logger

	mu         sync.Mutex
	blockTimes map[uint64]time.Time
}

// NewFetcher builds a fetcher bound to one instance for the duration of a run.
func NewFetcher(caller *rpcpool.Caller, instance model.SourceInstance, workers pond.Pool, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		caller:     caller,
		decoder:    Decoder{Instance: instance},
		address:    common.HexToAddress(instance.ContractAddress),
		workers:    workers,
		logger:     logger.With().Str("component", "event_fetcher").Str("instance", instance.ID).Logger(),
		blockTimes: make(map[uint64]time.Time),
	}
}

type kindLogs struct {
	kind Kind
	logs []types.Log
	err  error
}

// FetchRange queries all kinds over [from, to] concurrently and decodes them.
func (f *Fetcher) FetchRange(ctx context.Context, from, to uint64) (Batch, error) {
	results := make([]kindLogs, len(Kinds))

	group := f.workers.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, kind := range Kinds {
		i, kind := i, kind
		group.Submit(func() {
			results[i].kind = kind
			if err := groupCtx.Err(); err != nil {
				results[i].err = err
				return
			}
			results[i].logs, results[i].err = f.filter(groupCtx, kind, from, to)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		f.logger.Warn().Err(err).Uint64("from", from).Uint64("to", to).Msg("parallel log fetch encountered error")
	}

	blocks := make(map[uint64]struct{})
	for _, r := range results {
		if r.err != nil {
			return Batch{}, fmt.Errorf("fetch %s logs [%d,%d]: %w", r.kind, from, to, r.err)
		}
		for _, lg := range r.logs {
			blocks[lg.BlockNumber] = struct{}{}
		}
	}

	if err := f.resolveBlockTimes(ctx, blocks); err != nil {
		return Batch{}, err
	}

	var batch Batch
	for _, r := range results {
		for _, lg := range r.logs {
			if lg.Removed {
				continue
			}
			if err := f.decoder.Add(&batch, r.kind, lg, f.blockTime(lg.BlockNumber)); err != nil {
				return Batch{}, fmt.Errorf("decode %s log %s:%d: %w", r.kind, lg.TxHash.Hex(), lg.Index, err)
			}
		}
	}
	return batch, nil
}

func (f *Fetcher) filter(ctx context.Context, kind Kind, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{f.address},
		Topics:    [][]common.Hash{{kind.Topic()}},
	}
	return rpcpool.Call(ctx, f.caller, "filter_logs", func(ctx context.Context, cl rpcpool.Client) ([]types.Log, error) {
		return cl.FilterLogs(ctx, query)
	})
}

func (f *Fetcher) resolveBlockTimes(ctx context.Context, blocks map[uint64]struct{}) error {
	missing := make([]uint64, 0, len(blocks))
	f.mu.Lock()
	for n := range blocks {
		if _, ok := f.blockTimes[n]; !ok {
			missing = append(missing, n)
		}
	}
	f.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	errs := make([]error, len(missing))
	group := f.workers.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, n := range missing {
		i, n := i, n
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			header, err := rpcpool.Call(groupCtx, f.caller, "header_by_number", func(ctx context.Context, cl rpcpool.Client) (*types.Header, error) {
				return cl.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			})
			if err != nil {
				errs[i] = err
				return
			}
			if header == nil {
				errs[i] = ethereum.NotFound
				return
			}
			f.mu.Lock()
			f.blockTimes[n] = time.Unix(int64(header.Time), 0).UTC()
			f.mu.Unlock()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		f.logger.Warn().Err(err).Msg("parallel header fetch encountered error")
	}
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("fetch header %d: %w", missing[i], err)
		}
	}
	return nil
}

func (f *Fetcher) blockTime(n uint64) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockTimes[n]
}
