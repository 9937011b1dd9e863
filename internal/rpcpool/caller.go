package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oracle-reconciler/internal/resilience"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultBaseBackoff = time.Second
	unreachableJitter  = 0.3
	otherJitter        = 0.2
)

// Observer receives one sample per RPC attempt.
type Observer interface {
	ObserveRPC(endpoint, op string, code Code, latency time.Duration)
}

// CallerOptions tune a Caller.
type CallerOptions struct {
	Timeout  time.Duration
	Observer Observer
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Caller executes operations against the pool's active endpoint with retry and failover.
type Caller struct {
	pool     *Pool
	dialer   Dialer
	timeout  time.Duration
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// NewCaller wires a pool and a dialer.
func NewCaller(pool *Pool, dialer Dialer, opts CallerOptions, logger zerolog.Logger) *Caller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = resilience.Sleep
	}
	return &Caller{
		pool:     pool,
		dialer:   dialer,
		timeout:  timeout,
		observer: opts.Observer,
		sleep:    sleep,
		logger:   logger.With().Str("component", "rpc_caller").Logger(),
	}
}

// Pool exposes the endpoint pool for state persistence.
func (c *Caller) Pool() *Pool { return c.pool }

// AttemptsPerEndpoint is min(3, max(2, timeout/5s)).
func (c *Caller) AttemptsPerEndpoint() int {
	n := int(c.timeout / (5 * time.Second))
	if n < 2 {
		n = 2
	}
	if n > 3 {
		n = 3
	}
	return n
}

// BaseBackoff derives the retry base from the endpoint's latency history.
func (c *Caller) BaseBackoff(endpoint string) time.Duration {
	avg, ok := c.pool.AvgLatency(endpoint)
	if !ok {
		return defaultBaseBackoff
	}
	base := avg * 2
	if base > resilience.MaxBackoff {
		base = resilience.MaxBackoff
	}
	if base <= 0 {
		return defaultBaseBackoff
	}
	return base
}

// Call runs fn with the active endpoint, retrying the same endpoint before rotating
// through the rest. contract_not_found is returned at once.
func Call[T any](ctx context.Context, c *Caller, op string, fn func(ctx context.Context, cl Client) (T, error)) (T, error) {
	var zero T
	if c.pool.Len() == 0 {
		return zero, &Error{Code: CodeRPCUnreachable, Op: op, Err: errors.New("no endpoints configured")}
	}

	perEndpoint := c.AttemptsPerEndpoint()
	endpoint := c.pool.Active()
	var lastErr error

	for visited := 0; visited < c.pool.Len(); visited++ {
		for attempt := 0; attempt < perEndpoint; attempt++ {
			res, err := callOnce(ctx, c, endpoint, op, fn)
			if err == nil {
				return res, nil
			}
			lastErr = err

			code := Classify(err)
			if code == CodeContractNotFound {
				return zero, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, Wrap(op, endpoint, ctxErr)
			}
			if attempt+1 >= perEndpoint {
				break
			}

			jitter := otherJitter
			if code == CodeRPCUnreachable {
				jitter = unreachableJitter
			}
			delay := resilience.Backoff(attempt, c.BaseBackoff(endpoint), resilience.MaxBackoff, jitter)
			c.logger.Warn().Err(err).
				Str("endpoint", endpoint).
				Str("op", op).
				Str("code", string(code)).
				Int("attempt", attempt+1).
				Dur("retry_in", delay).
				Msg("rpc call failed, retrying endpoint")
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return zero, Wrap(op, endpoint, sleepErr)
			}
		}

		if visited+1 < c.pool.Len() {
			// each call walks the ring from its own endpoint so concurrent
			// failures cannot skip anyone
			next := PickNext(c.pool.URLs(), endpoint)
			c.pool.Advance(endpoint, next)
			c.logger.Warn().Str("from", endpoint).Str("to", next).Str("op", op).Msg("rotating rpc endpoint")
			endpoint = next
		}
	}

	return zero, &Error{
		Code:     Classify(lastErr),
		Op:       op,
		Endpoint: endpoint,
		Err:      fmt.Errorf("all %d endpoints exhausted: %w", c.pool.Len(), lastErr),
	}
}

func callOnce[T any](ctx context.Context, c *Caller, endpoint, op string, fn func(ctx context.Context, cl Client) (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	cl, err := c.dialer.Dial(callCtx, endpoint)
	if err == nil {
		var res T
		res, err = fn(callCtx, cl)
		if err == nil {
			latency := time.Since(start)
			c.pool.RecordSuccess(endpoint, latency)
			c.observe(endpoint, op, "", latency)
			return res, nil
		}
	}

	err = Wrap(op, endpoint, err)
	code := Classify(err)
	if code != CodeContractNotFound {
		c.pool.RecordFailure(endpoint)
	}
	c.observe(endpoint, op, code, time.Since(start))
	return zero, err
}

func (c *Caller) observe(endpoint, op string, code Code, latency time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRPC(endpoint, op, code, latency)
	}
}
