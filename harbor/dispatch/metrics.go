package dispatch

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
	"gonum.org/v1/gonum/stat"
)

// maxSamples caps the per-tool latency history; older samples age out so
// long-running hosts keep quantiles current without unbounded growth.
const maxSamples = 1024

// ToolStats summarizes one tool's call history.
type ToolStats struct {
	Calls  int64
	Errors int64
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
}

// MetricsSummary is a point-in-time snapshot of dispatcher activity.
type MetricsSummary struct {
	Submitted          int64
	Succeeded          int64
	Timeouts           int64
	ValidationFailures int64
	RemoteErrors       int64
	TransportFailures  int64
	PerTool            map[string]ToolStats
}

type toolSeries struct {
	calls     int64
	errs      int64
	latencies []float64 // seconds
}

// CallMetrics aggregates dispatcher outcomes and latency quantiles.
type CallMetrics struct {
	mu                 sync.Mutex
	submitted          int64
	succeeded          int64
	timeouts           int64
	validationFailures int64
	remoteErrors       int64
	transportFailures  int64
	perTool            map[string]*toolSeries
}

// NewCallMetrics creates an empty collector.
func NewCallMetrics() *CallMetrics {
	return &CallMetrics{perTool: make(map[string]*toolSeries)}
}

// Submitted counts one submission, successful or not.
func (m *CallMetrics) Submitted() {
	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
}

// RejectedByValidation counts a call stopped before anything hit the wire.
func (m *CallMetrics) RejectedByValidation() {
	m.mu.Lock()
	m.validationFailures++
	m.mu.Unlock()
}

// Observe records a completed wire exchange and classifies its outcome.
func (m *CallMetrics) Observe(service, tool string, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var timeout *CallTimeout
	var toolErr *protocol.ToolError
	switch {
	case err == nil:
		m.succeeded++
	case errors.As(err, &timeout):
		m.timeouts++
	case errors.As(err, &toolErr):
		m.remoteErrors++
	case errors.Is(err, transport.ErrChannelClosed):
		m.transportFailures++
	default:
		m.transportFailures++
	}

	key := service + "/" + tool
	series, ok := m.perTool[key]
	if !ok {
		series = &toolSeries{}
		m.perTool[key] = series
	}
	series.calls++
	if err != nil {
		series.errs++
	}
	series.latencies = append(series.latencies, elapsed.Seconds())
	if len(series.latencies) > maxSamples {
		keep := maxSamples / 2
		copy(series.latencies, series.latencies[len(series.latencies)-keep:])
		series.latencies = series.latencies[:keep]
	}
}

// Summary computes counters and per-tool latency quantiles.
func (m *CallMetrics) Summary() MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := MetricsSummary{
		Submitted:          m.submitted,
		Succeeded:          m.succeeded,
		Timeouts:           m.timeouts,
		ValidationFailures: m.validationFailures,
		RemoteErrors:       m.remoteErrors,
		TransportFailures:  m.transportFailures,
		PerTool:            make(map[string]ToolStats, len(m.perTool)),
	}
	for key, series := range m.perTool {
		stats := ToolStats{Calls: series.calls, Errors: series.errs}
		if n := len(series.latencies); n > 0 {
			sorted := make([]float64, n)
			copy(sorted, series.latencies)
			sort.Float64s(sorted)
			stats.P50 = secondsToDuration(stat.Quantile(0.50, stat.Empirical, sorted, nil))
			stats.P95 = secondsToDuration(stat.Quantile(0.95, stat.Empirical, sorted, nil))
			stats.P99 = secondsToDuration(stat.Quantile(0.99, stat.Empirical, sorted, nil))
		}
		out.PerTool[key] = stats
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
