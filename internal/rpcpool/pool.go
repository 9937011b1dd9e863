package rpcpool

import (
	"strings"
	"sync"
	"time"

	"oracle-reconciler/internal/model"
)

const latencyDecay = 0.8

// PickNext returns the endpoint after current in round-robin order.
// An unknown current yields the first endpoint.
func PickNext(urls []string, current string) string {
	if len(urls) == 0 {
		return ""
	}
	if len(urls) == 1 {
		return urls[0]
	}
	for i, u := range urls {
		if u == current {
			return urls[(i+1)%len(urls)]
		}
	}
	return urls[0]
}

// Pool holds equivalent endpoints for one logical source and their health stats.
type Pool struct {
	mu     sync.Mutex
	urls   []string
	active string
	stats  map[string]model.EndpointStat
	now    func() time.Time
}

// NewPool seeds a pool from persisted state. Unknown active endpoints fall back to the first URL.
func NewPool(urls []string, active string, stats map[string]model.EndpointStat) *Pool {
	cleaned := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		cleaned = append(cleaned, u)
	}

	p := &Pool{
		urls:  cleaned,
		stats: make(map[string]model.EndpointStat, len(stats)),
		now:   time.Now,
	}
	for k, v := range stats {
		p.stats[k] = v
	}
	if _, ok := seen[active]; ok {
		p.active = active
	} else if len(cleaned) > 0 {
		p.active = cleaned[0]
	}
	return p
}

// URLs returns the deduplicated endpoint list.
func (p *Pool) URLs() []string {
	out := make([]string, len(p.urls))
	copy(out, p.urls)
	return out
}

// Len is the number of endpoints.
func (p *Pool) Len() int { return len(p.urls) }

// Active returns the endpoint currently in use.
func (p *Pool) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Advance moves the active endpoint from one URL to another. It is a no-op
// when another caller already moved active away from from.
func (p *Pool) Advance(from, to string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != from {
		return false
	}
	p.active = to
	return true
}

// RecordSuccess bumps ok and folds latency into the moving average.
func (p *Pool) RecordSuccess(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ms := float64(latency) / float64(time.Millisecond)
	now := p.now().UTC()
	st, seen := p.stats[url]
	if !seen || st.OK == 0 {
		st.AvgLatencyMs = ms
	} else {
		st.AvgLatencyMs = st.AvgLatencyMs*latencyDecay + ms*(1-latencyDecay)
	}
	st.OK++
	st.LastOkAt = &now
	p.stats[url] = st
}

// RecordFailure bumps the failure counter.
func (p *Pool) RecordFailure(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	st := p.stats[url]
	st.Fail++
	st.LastFailAt = &now
	p.stats[url] = st
}

// AvgLatency returns the moving-average latency if the endpoint has succeeded before.
func (p *Pool) AvgLatency(url string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[url]
	if !ok || st.OK == 0 {
		return 0, false
	}
	return time.Duration(st.AvgLatencyMs * float64(time.Millisecond)), true
}

// Stats snapshots per-endpoint stats.
func (p *Pool) Stats() map[string]model.EndpointStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]model.EndpointStat, len(p.stats))
	for k, v := range p.stats {
		out[k] = v
	}
	return out
}
