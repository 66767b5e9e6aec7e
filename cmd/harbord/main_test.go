package main

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/config"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/dispatch"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine/providers"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"-version"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.Equal(t, fmt.Sprintf("harbord %s\n", internal.Version), stdout.String())
	assert.Empty(t, stderr.String())
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"-no-such-flag"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "no-such-flag")
}

func TestRunRequiresInstruction(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run(nil, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "-instruction is required")
	// Usage follows the error so the caller sees the flag surface.
	assert.Contains(t, stderr.String(), "-session")
}

func TestRunBlankInstruction(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"-instruction", "   "}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "-instruction is required")
}

func TestNewProviderKinds(t *testing.T) {
	p, err := newProvider(config.ProviderConfig{Kind: "stub"})
	require.NoError(t, err)
	assert.IsType(t, &providers.StubProvider{}, p)

	p, err = newProvider(config.ProviderConfig{Kind: "openai", Model: "llama3.2"})
	require.NoError(t, err)
	assert.IsType(t, &providers.OpenAIProvider{}, p)

	// An unset kind falls back to the OpenAI-compatible backend.
	p, err = newProvider(config.ProviderConfig{})
	require.NoError(t, err)
	assert.IsType(t, &providers.OpenAIProvider{}, p)

	_, err = newProvider(config.ProviderConfig{Kind: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn"}, &buf)

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestNewLoggerBadLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "shouting"}, &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "info", Pretty: true}, &buf)

	logger.Info().Msg("console line")

	assert.Contains(t, buf.String(), "console line")
}

func TestReportMetrics(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "info"}, &buf)

	reportMetrics(logger, dispatch.MetricsSummary{
		Submitted: 4,
		Succeeded: 3,
		Timeouts:  1,
		PerTool: map[string]dispatch.ToolStats{
			"files.read_file": {Calls: 2, Errors: 1, P50: 5 * time.Millisecond},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "call metrics")
	assert.Contains(t, out, `"submitted":4`)
	assert.Contains(t, out, `"timeouts":1`)
	assert.Contains(t, out, "files.read_file")
	assert.Contains(t, out, `"calls":2`)
}
