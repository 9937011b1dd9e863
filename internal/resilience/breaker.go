package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// ErrBreakerOpen is returned while a breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerConfig opens after 5 failures and closes after 3 half-open successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, Cooldown: 30 * time.Second}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

// Breaker is a consecutive-failure circuit breaker safe for concurrent callers.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker builds a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, now func() time.Time, onChange StateChangeFunc) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg, now: now, onChange: onChange}
}

// Name returns the resource the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving open to half-open once the cooldown elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolDownLocked()
	return b.state
}

// Execute runs fn unless the breaker is open and records its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolDownLocked()
	if b.state == StateOpen {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) coolDownLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			b.transitionLocked(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// a call admitted before the breaker opened finished late; nothing to update
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Registry hands out one breaker per named resource.
type Registry struct {
	cfg      BreakerConfig
	now      func() time.Time
	onChange StateChangeFunc
	breakers *xsync.Map[string, *Breaker]
}

// NewRegistry builds an empty registry; every breaker shares cfg.
func NewRegistry(cfg BreakerConfig, onChange StateChangeFunc) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      time.Now,
		onChange: onChange,
		breakers: xsync.NewMap[string, *Breaker](),
	}
}

// WithClock overrides the clock used by breakers created afterwards.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	if b, ok := r.breakers.Load(name); ok {
		return b
	}
	b, _ := r.breakers.LoadOrStore(name, NewBreaker(name, r.cfg, r.now, r.onChange))
	return b
}

// States snapshots every breaker state.
func (r *Registry) States() map[string]State {
	out := make(map[string]State)
	r.breakers.Range(func(name string, b *Breaker) bool {
		out[name] = b.State()
		return true
	})
	return out
}
