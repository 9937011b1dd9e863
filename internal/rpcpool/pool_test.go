package rpcpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-reconciler/internal/model"
)

func TestPickNext(t *testing.T) {
	urls := []string{"a", "b", "c"}
	assert.Equal(t, "c", PickNext(urls, "b"))
	assert.Equal(t, "a", PickNext(urls, "c"))
	assert.Equal(t, "b", PickNext(urls, "a"))
	assert.Equal(t, "a", PickNext(urls, "unknown"))
	assert.Equal(t, "solo", PickNext([]string{"solo"}, "solo"))
	assert.Equal(t, "solo", PickNext([]string{"solo"}, "other"))
	assert.Equal(t, "", PickNext(nil, "a"))
}

func TestNewPoolDedupAndActiveFallback(t *testing.T) {
	p := NewPool([]string{"a", " ", "b", "a"}, "zzz", nil)
	assert.Equal(t, []string{"a", "b"}, p.URLs())
	assert.Equal(t, "a", p.Active())

	p = NewPool([]string{"a", "b"}, "b", nil)
	assert.Equal(t, "b", p.Active())
	assert.True(t, p.Advance("b", "a"))
	assert.Equal(t, "a", p.Active())
	assert.False(t, p.Advance("b", "a"))
	assert.Equal(t, "a", p.Active())
}

func TestRecordSuccessMovingAverage(t *testing.T) {
	p := NewPool([]string{"a"}, "", nil)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	p.RecordSuccess("a", 100*time.Millisecond)
	st := p.Stats()["a"]
	assert.Equal(t, uint64(1), st.OK)
	assert.InDelta(t, 100.0, st.AvgLatencyMs, 1e-9)
	require.NotNil(t, st.LastOkAt)
	assert.True(t, st.LastOkAt.Equal(fixed))

	p.RecordSuccess("a", 200*time.Millisecond)
	st = p.Stats()["a"]
	assert.Equal(t, uint64(2), st.OK)
	assert.InDelta(t, 120.0, st.AvgLatencyMs, 1e-9)
}

func TestRecordFailureKeepsAverage(t *testing.T) {
	p := NewPool([]string{"a"}, "", map[string]model.EndpointStat{"a": {OK: 3, AvgLatencyMs: 50}})
	p.RecordFailure("a")
	p.RecordFailure("a")
	st := p.Stats()["a"]
	assert.Equal(t, uint64(2), st.Fail)
	assert.Equal(t, uint64(3), st.OK)
	assert.InDelta(t, 50.0, st.AvgLatencyMs, 1e-9)
	require.NotNil(t, st.LastFailAt)

	avg, ok := p.AvgLatency("a")
	assert.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, avg)
}

func TestPoolDoesNotAliasSeedStats(t *testing.T) {
	seed := map[string]model.EndpointStat{"a": {OK: 1}}
	p := NewPool([]string{"a"}, "a", seed)
	p.RecordSuccess("a", time.Millisecond)
	assert.Equal(t, uint64(1), seed["a"].OK)
	assert.Equal(t, uint64(2), p.Stats()["a"].OK)
}
