package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/rpcpool"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse price aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OnChainOptions parameterise the on-chain price aggregator feed.
type OnChainOptions struct {
	RPCURLs []string
	// Feeds maps an upper-case symbol to its aggregator contract.
	Feeds    map[string]string
	Timeout  time.Duration
	Observer rpcpool.Observer
}

// OnChain reads latestRoundData from price aggregator contracts.
type OnChain struct {
	opts     OnChainOptions
	caller   *rpcpool.Caller
	decimals *xsync.Map[string, int32]
	logger   zerolog.Logger
}

// NewOnChain builds an on-chain feed over its own endpoint pool.
func NewOnChain(opts OnChainOptions, dialer rpcpool.Dialer, logger zerolog.Logger) *OnChain {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	feeds := make(map[string]string, len(opts.Feeds))
	for symbol, addr := range opts.Feeds {
		feeds[strings.ToUpper(symbol)] = addr
	}
	opts.Feeds = feeds

	logger = logger.With().Str("component", "onchain_feed").Logger()
	caller := rpcpool.NewCaller(rpcpool.NewPool(opts.RPCURLs, "", nil), dialer,
		rpcpool.CallerOptions{Timeout: timeout, Observer: opts.Observer}, logger)
	return &OnChain{
		opts:     opts,
		caller:   caller,
		decimals: xsync.NewMap[string, int32](),
		logger:   logger,
	}
}

// FetchLatest returns the aggregator's latest answer scaled by its decimals.
func (o *OnChain) FetchLatest(ctx context.Context, protocol, chain, symbol string) (model.Observation, error) {
	symbol = strings.ToUpper(symbol)
	if len(o.opts.RPCURLs) == 0 {
		return model.Observation{}, errors.New("rpc urls not configured")
	}
	raw, ok := o.opts.Feeds[symbol]
	if !ok || !common.IsHexAddress(raw) {
		return model.Observation{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	addr := common.HexToAddress(raw)

	decimals, err := o.feedDecimals(ctx, addr)
	if err != nil {
		return model.Observation{}, err
	}

	outputs, err := o.call(ctx, addr, "latestRoundData")
	if err != nil {
		return model.Observation{}, err
	}
	if len(outputs) != 5 {
		return model.Observation{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return model.Observation{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return model.Observation{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return model.Observation{}, fmt.Errorf("non-positive answer %s for %s", answer, symbol)
	}

	return model.Observation{
		Protocol:   protocol,
		Chain:      chain,
		Symbol:     symbol,
		Price:      decimal.NewFromBigInt(answer, -decimals),
		RawPrice:   answer.String(),
		Decimals:   decimals,
		Timestamp:  time.Unix(updatedAt.Int64(), 0).UTC(),
		Confidence: 1,
	}, nil
}

func (o *OnChain) feedDecimals(ctx context.Context, addr common.Address) (int32, error) {
	if d, ok := o.decimals.Load(addr.Hex()); ok {
		return d, nil
	}
	outputs, err := o.call(ctx, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	o.decimals.Store(addr.Hex(), int32(d))
	return int32(d), nil
}

func (o *OnChain) call(ctx context.Context, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := rpcpool.Call(ctx, o.caller, method, func(ctx context.Context, cl rpcpool.Client) ([]byte, error) {
		return cl.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	})
	if err != nil {
		return nil, err
	}
	return aggregatorABI.Unpack(method, res)
}

var _ ObservationFetcher = (*OnChain)(nil)
