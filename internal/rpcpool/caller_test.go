package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	url string
}

func (s *stubClient) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (s *stubClient) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}
func (s *stubClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (s *stubClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, nil
}
func (s *stubClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func stubDialer() Dialer {
	return DialFunc(func(_ context.Context, url string) (Client, error) {
		return &stubClient{url: url}, nil
	})
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestCaller(urls []string, sleeper *sleepRecorder) *Caller {
	return NewCaller(NewPool(urls, "", nil), stubDialer(), CallerOptions{Timeout: 30 * time.Second, Sleep: sleeper.Sleep}, zerolog.Nop())
}

func TestCallVisitsAllEndpointsBeforeRaising(t *testing.T) {
	sleeper := &sleepRecorder{}
	c := newTestCaller([]string{"a", "b", "c"}, sleeper)

	var visited []string
	_, err := Call(context.Background(), c, "block_number", func(_ context.Context, cl Client) (uint64, error) {
		visited = append(visited, cl.(*stubClient).url)
		return 0, errors.New("dial tcp: connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, CodeRPCUnreachable, Classify(err))
	assert.Equal(t, []string{"a", "a", "a", "b", "b", "b", "c", "c", "c"}, visited)
	assert.Len(t, sleeper.delays, 6)

	stats := c.Pool().Stats()
	for _, u := range []string{"a", "b", "c"} {
		assert.Equal(t, uint64(3), stats[u].Fail, u)
	}
}

func TestConcurrentCallsEachVisitEveryEndpoint(t *testing.T) {
	c := newTestCaller([]string{"a", "b", "c"}, &sleepRecorder{})

	const workers = 4
	const rounds = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var short []map[string]bool

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				seen := map[string]bool{}
				_, err := Call(context.Background(), c, "filter_logs", func(_ context.Context, cl Client) (int, error) {
					seen[cl.(*stubClient).url] = true
					return 0, errors.New("dial tcp: connection refused")
				})
				if err == nil || len(seen) != 3 {
					mu.Lock()
					short = append(short, seen)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, short, "every failing call must visit all endpoints before raising")
}

func TestCallRotatesAndSucceeds(t *testing.T) {
	c := newTestCaller([]string{"a", "b"}, &sleepRecorder{})

	res, err := Call(context.Background(), c, "block_number", func(_ context.Context, cl Client) (uint64, error) {
		if cl.(*stubClient).url == "a" {
			return 0, fmt.Errorf("read: i/o timeout")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint64(42), res)
	assert.Equal(t, "b", c.Pool().Active())
	assert.Equal(t, uint64(1), c.Pool().Stats()["b"].OK)
}

func TestCallContractNotFoundIsFatal(t *testing.T) {
	sleeper := &sleepRecorder{}
	c := newTestCaller([]string{"a", "b"}, sleeper)

	calls := 0
	_, err := Call(context.Background(), c, "code_at", func(context.Context, Client) ([]byte, error) {
		calls++
		return nil, ContractNotFound("0xdead")
	})

	require.Error(t, err)
	assert.Equal(t, CodeContractNotFound, Classify(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, "a", c.Pool().Active())
}

func TestCallOtherErrorsUseTighterJitter(t *testing.T) {
	sleeper := &sleepRecorder{}
	c := newTestCaller([]string{"a"}, sleeper)

	_, err := Call(context.Background(), c, "filter_logs", func(context.Context, Client) (int, error) {
		return 0, errors.New("execution reverted")
	})
	require.Error(t, err)
	assert.Equal(t, CodeSyncFailed, Classify(err))
	require.Len(t, sleeper.delays, 2)
	// base 1s with no latency history: attempt 0 in [1s, 1.2s], attempt 1 in [2s, 2.4s]
	assert.GreaterOrEqual(t, sleeper.delays[0], time.Second)
	assert.LessOrEqual(t, sleeper.delays[0], 1200*time.Millisecond)
	assert.GreaterOrEqual(t, sleeper.delays[1], 2*time.Second)
	assert.LessOrEqual(t, sleeper.delays[1], 2400*time.Millisecond)
}

func TestAttemptsPerEndpoint(t *testing.T) {
	mk := func(timeout time.Duration) *Caller {
		return NewCaller(NewPool([]string{"a"}, "", nil), stubDialer(), CallerOptions{Timeout: timeout}, zerolog.Nop())
	}
	assert.Equal(t, 2, mk(time.Second).AttemptsPerEndpoint())
	assert.Equal(t, 2, mk(10*time.Second).AttemptsPerEndpoint())
	assert.Equal(t, 3, mk(15*time.Second).AttemptsPerEndpoint())
	assert.Equal(t, 3, mk(30*time.Second).AttemptsPerEndpoint())
}

func TestBaseBackoffFromLatency(t *testing.T) {
	c := newTestCaller([]string{"a"}, &sleepRecorder{})
	assert.Equal(t, time.Second, c.BaseBackoff("a"))

	c.Pool().RecordSuccess("a", 300*time.Millisecond)
	assert.Equal(t, 600*time.Millisecond, c.BaseBackoff("a"))

	c.Pool().RecordSuccess("a", time.Minute)
	assert.Equal(t, 10*time.Second, c.BaseBackoff("a"))
}

func TestCallNoEndpoints(t *testing.T) {
	c := newTestCaller(nil, &sleepRecorder{})
	_, err := Call(context.Background(), c, "block_number", func(context.Context, Client) (int, error) { return 1, nil })
	require.Error(t, err)
	assert.Equal(t, CodeRPCUnreachable, Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CodeRPCUnreachable, Classify(context.DeadlineExceeded))
	assert.Equal(t, CodeRPCUnreachable, Classify(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeRPCUnreachable, Classify(errors.New("Post \"http://x\": dial tcp: connection refused")))
	assert.Equal(t, CodeRPCUnreachable, Classify(errors.New("socket hang up")))
	assert.Equal(t, CodeSyncFailed, Classify(errors.New("invalid argument")))
	assert.Equal(t, CodeContractNotFound, Classify(fmt.Errorf("code check: %w", ContractNotFound("0x1"))))
	assert.Equal(t, Code(""), Classify(nil))

	wrapped := Wrap("op", "a", errors.New("timeout"))
	var typed *Error
	require.ErrorAs(t, wrapped, &typed)
	assert.Equal(t, CodeRPCUnreachable, typed.Code)
	assert.Equal(t, "a", typed.Endpoint)
}
