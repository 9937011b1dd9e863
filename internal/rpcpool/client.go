package rpcpool

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/puzpuzpuz/xsync/v4"
)

// Client is the subset of the ledger RPC the sync engine needs.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer opens a client for an endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Client, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, url string) (Client, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, url string) (Client, error) { return f(ctx, url) }

// ClientCache dials each endpoint once and reuses the connection across runs.
type ClientCache struct {
	mu      sync.Mutex
	clients *xsync.Map[string, *ethclient.Client]
}

// NewClientCache builds an empty cache.
func NewClientCache() *ClientCache {
	return &ClientCache{clients: xsync.NewMap[string, *ethclient.Client]()}
}

// Dial returns the cached client for url, dialing on first use.
func (c *ClientCache) Dial(ctx context.Context, url string) (Client, error) {
	if cl, ok := c.clients.Load(url); ok {
		return cl, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients.Load(url); ok {
		return cl, nil
	}
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	c.clients.Store(url, cl)
	return cl, nil
}

// Close closes every dialed client.
func (c *ClientCache) Close() {
	c.clients.Range(func(url string, cl *ethclient.Client) bool {
		cl.Close()
		c.clients.Delete(url)
		return true
	})
}

var _ Client = (*ethclient.Client)(nil)
var _ Dialer = (*ClientCache)(nil)
