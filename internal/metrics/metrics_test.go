package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"oracle-reconciler/internal/resilience"
	"oracle-reconciler/internal/rpcpool"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSyncRun("x", "ok", time.Second, 1, 1)
	m.ObserveRPC("a", "op", rpcpool.CodeRPCUnreachable, time.Millisecond)
	m.ObserveAggregation("fresh")
	m.BreakerChanged("b", resilience.StateClosed, resilience.StateOpen)
	m.ObserveCache("hit")
	m.ObserveFeed("p", "ok")
	m.ObserveAlert("e", "warning")
}

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSyncRun("uma", "success", time.Second, 12, 3)
	m.ObserveRPC("http://a", "block_number", "", time.Millisecond)
	m.ObserveRPC("http://a", "block_number", rpcpool.CodeRPCUnreachable, time.Millisecond)
	m.BreakerChanged("price_aggregation", resilience.StateClosed, resilience.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRuns.WithLabelValues("uma", "success")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.syncLag.WithLabelValues("uma")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.syncEvents.WithLabelValues("uma")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCalls.WithLabelValues("http://a", "block_number", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCalls.WithLabelValues("http://a", "block_number", "rpc_unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("price_aggregation")))
}
