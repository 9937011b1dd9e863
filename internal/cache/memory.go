package cache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache used when Redis is not configured.
type Memory struct {
	items    *xsync.Map[string, entry]
	now      func() time.Time
	recorder Recorder
}

// NewMemory builds an empty cache.
func NewMemory(recorder Recorder) *Memory {
	return &Memory{
		items:    xsync.NewMap[string, entry](),
		now:      time.Now,
		recorder: recorder,
	}
}

// WithClock overrides the clock for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.items.Load(key)
	if !ok {
		observe(m.recorder, resultMiss)
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.items.Compute(key, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
			if loaded && old.expiresAt.Equal(e.expiresAt) {
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		observe(m.recorder, resultMiss)
		return nil, ErrMiss
	}
	observe(m.recorder, resultHit)
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items.Store(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Len counts stored entries including expired ones not yet evicted.
func (m *Memory) Len() int {
	return m.items.Size()
}

var _ Cache = (*Memory)(nil)
