package fetcher

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"oracle-reconciler/internal/rpcpool"
)

const feedAddress = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

type aggregatorClient struct {
	answer       *big.Int
	updatedAt    int64
	decimalCalls atomic.Int32
}

func (c *aggregatorClient) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func (c *aggregatorClient) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

func (c *aggregatorClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *aggregatorClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{}, nil
}

func (c *aggregatorClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || *msg.To != common.HexToAddress(feedAddress) {
		return nil, errors.New("unexpected contract")
	}
	switch {
	case bytes.HasPrefix(msg.Data, aggregatorABI.Methods["decimals"].ID):
		c.decimalCalls.Add(1)
		return aggregatorABI.Methods["decimals"].Outputs.Pack(uint8(8))
	case bytes.HasPrefix(msg.Data, aggregatorABI.Methods["latestRoundData"].ID):
		ts := big.NewInt(c.updatedAt)
		return aggregatorABI.Methods["latestRoundData"].Outputs.Pack(big.NewInt(7), c.answer, ts, ts, big.NewInt(7))
	default:
		return nil, errors.New("unexpected call")
	}
}

func newTestOnChain(client rpcpool.Client, feeds map[string]string) *OnChain {
	dialer := rpcpool.DialFunc(func(context.Context, string) (rpcpool.Client, error) { return client, nil })
	return NewOnChain(OnChainOptions{RPCURLs: []string{"http://rpc"}, Feeds: feeds}, dialer, noopLogger())
}

func TestOnChainMissingConfig(t *testing.T) {
	o := NewOnChain(OnChainOptions{}, nil, noopLogger())
	if _, err := o.FetchLatest(context.Background(), "chainlink", "ethereum", "ETH"); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	o = newTestOnChain(&aggregatorClient{}, map[string]string{"BTC": feedAddress})
	_, err := o.FetchLatest(context.Background(), "chainlink", "ethereum", "ETH")
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("未配置的交易对应返回 ErrUnknownSymbol, 实际 %v", err)
	}
}

func TestOnChainFetchLatest(t *testing.T) {
	client := &aggregatorClient{answer: big.NewInt(250012345678), updatedAt: 1772366400}
	o := newTestOnChain(client, map[string]string{"eth": feedAddress})

	for i := 0; i < 2; i++ {
		obs, err := o.FetchLatest(context.Background(), "chainlink", "ethereum", "ETH")
		if err != nil {
			t.Fatalf("不应报错: %v", err)
		}
		if obs.Price.String() != "2500.12345678" {
			t.Fatalf("期望价格 2500.12345678, 实际 %s", obs.Price)
		}
		if obs.Decimals != 8 || obs.RawPrice != "250012345678" {
			t.Fatalf("原始字段不符: %+v", obs)
		}
		if obs.Timestamp.Unix() != 1772366400 {
			t.Fatalf("时间戳不符: %s", obs.Timestamp)
		}
	}
	if client.decimalCalls.Load() != 1 {
		t.Fatalf("decimals 应只查询一次, 实际 %d", client.decimalCalls.Load())
	}
}

func TestOnChainRejectsNonPositiveAnswer(t *testing.T) {
	client := &aggregatorClient{answer: big.NewInt(-1), updatedAt: 1772366400}
	o := newTestOnChain(client, map[string]string{"ETH": feedAddress})
	if _, err := o.FetchLatest(context.Background(), "chainlink", "ethereum", "ETH"); err == nil {
		t.Fatal("非正数报价应报错")
	}
}
