package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallMetricsClassification(t *testing.T) {
	m := NewCallMetrics()

	m.Submitted()
	m.Submitted()
	m.Submitted()
	m.RejectedByValidation()

	m.Observe("svc", "a", 10*time.Millisecond, nil)
	m.Observe("svc", "a", 20*time.Millisecond, &CallTimeout{Service: "svc", Tool: "a", Budget: time.Millisecond})
	m.Observe("svc", "a", 5*time.Millisecond, &protocol.ToolError{Kind: protocol.KindToolError, Message: "boom"})
	m.Observe("svc", "b", 5*time.Millisecond, fmt.Errorf("send: %w", transport.ErrChannelClosed))
	m.Observe("svc", "b", 5*time.Millisecond, context.Canceled)

	sum := m.Summary()
	assert.Equal(t, int64(3), sum.Submitted)
	assert.Equal(t, int64(1), sum.Succeeded)
	assert.Equal(t, int64(1), sum.Timeouts)
	assert.Equal(t, int64(1), sum.ValidationFailures)
	assert.Equal(t, int64(1), sum.RemoteErrors)
	assert.Equal(t, int64(2), sum.TransportFailures)

	require.Contains(t, sum.PerTool, "svc/a")
	assert.Equal(t, int64(3), sum.PerTool["svc/a"].Calls)
	assert.Equal(t, int64(2), sum.PerTool["svc/a"].Errors)
}

func TestCallMetricsQuantiles(t *testing.T) {
	m := NewCallMetrics()
	for i := 1; i <= 100; i++ {
		m.Observe("svc", "t", time.Duration(i)*time.Millisecond, nil)
	}

	stats := m.Summary().PerTool["svc/t"]
	assert.InDelta(t, float64(50*time.Millisecond), float64(stats.P50), float64(5*time.Millisecond))
	assert.GreaterOrEqual(t, stats.P95, stats.P50)
	assert.GreaterOrEqual(t, stats.P99, stats.P95)
	assert.LessOrEqual(t, stats.P99, 100*time.Millisecond)
}

func TestCallMetricsSampleCap(t *testing.T) {
	m := NewCallMetrics()
	for i := 0; i < 3*maxSamples; i++ {
		m.Observe("svc", "t", time.Millisecond, nil)
	}

	stats := m.Summary().PerTool["svc/t"]
	assert.Equal(t, int64(3*maxSamples), stats.Calls)
	assert.InDelta(t, float64(time.Millisecond), float64(stats.P50), float64(10*time.Microsecond))
}

func TestCallMetricsEmptySummary(t *testing.T) {
	m := NewCallMetrics()
	sum := m.Summary()
	assert.Zero(t, sum.Submitted)
	assert.Empty(t, sum.PerTool)
}
