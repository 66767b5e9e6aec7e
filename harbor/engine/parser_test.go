package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecisionToolEnvelope(t *testing.T) {
	p := NewOutputParser()

	pd, ok := p.ParseDecision(`{"tool": "files/read_file", "args": {"path": "/tmp/a"}, "rationale": "need the file"}`)
	require.True(t, ok)
	require.NotNil(t, pd.Call)
	assert.Equal(t, "files/read_file", pd.Call.Name)
	assert.JSONEq(t, `{"path":"/tmp/a"}`, string(pd.Call.Args))
	assert.Equal(t, "need the file", pd.Rationale)
	assert.Empty(t, pd.Answer)
}

func TestParseDecisionAnswerEnvelope(t *testing.T) {
	p := NewOutputParser()

	pd, ok := p.ParseDecision(`{"answer": "The file holds 3 lines."}`)
	require.True(t, ok)
	assert.Nil(t, pd.Call)
	assert.Equal(t, "The file holds 3 lines.", pd.Answer)
}

func TestParseDecisionEnvelopeInsideProse(t *testing.T) {
	p := NewOutputParser()

	text := "Sure, let me check that.\n" +
		`{"tool": "files/list_directory", "args": {"path": "/tmp"}}` +
		"\nI will report back."
	pd, ok := p.ParseDecision(text)
	require.True(t, ok)
	require.NotNil(t, pd.Call)
	assert.Equal(t, "files/list_directory", pd.Call.Name)
}

func TestParseDecisionRepairsSloppyJSON(t *testing.T) {
	p := NewOutputParser()

	cases := map[string]string{
		"trailing comma": `{"tool": "files/read_file", "args": {"path": "/a",},}`,
		"unquoted keys":  `{tool: "files/read_file", args: {path: "/a"}}`,
		"single quotes":  `{'tool': 'files/read_file', 'args': {'path': '/a'}}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			pd, ok := p.ParseDecision(text)
			require.True(t, ok, "input: %s", text)
			require.NotNil(t, pd.Call)
			assert.Equal(t, "files/read_file", pd.Call.Name)
		})
	}
}

func TestParseDecisionMissingArgsDefaultsToEmptyObject(t *testing.T) {
	p := NewOutputParser()

	pd, ok := p.ParseDecision(`{"tool": "clock/now"}`)
	require.True(t, ok)
	require.NotNil(t, pd.Call)
	assert.JSONEq(t, `{}`, string(pd.Call.Args))
}

func TestParseDecisionRejectsNonEnvelopes(t *testing.T) {
	p := NewOutputParser()

	for _, text := range []string{
		"just some prose with no json",
		`{"unrelated": true}`,
		`{{{{not json`,
		"",
	} {
		_, ok := p.ParseDecision(text)
		assert.False(t, ok, "input: %q", text)
	}
}

func TestParseToolCallsArrayFormat(t *testing.T) {
	p := NewOutputParser()

	calls := p.ParseToolCalls(`[{"name": "files/read_file", "arguments": {"path": "/etc/hosts"}}]`)
	require.Len(t, calls, 1)
	assert.Equal(t, "files/read_file", calls[0].Name)
	assert.JSONEq(t, `{"path":"/etc/hosts"}`, string(calls[0].Args))
}

func TestParseToolCallsFunctionFormat(t *testing.T) {
	p := NewOutputParser()

	calls := p.ParseToolCalls(`I should call files/read_file({"path": "/etc/hosts"}) now.`)
	require.Len(t, calls, 1)
	assert.Equal(t, "files/read_file", calls[0].Name)
}

func TestParseToolCallsOpenAIFormat(t *testing.T) {
	p := NewOutputParser()

	calls := p.ParseToolCalls(`{"tool_calls": [{"function": {"name": "files/read_file", "arguments": "{\"path\": \"/a\"}"}}]}`)
	require.NotEmpty(t, calls)
	assert.Equal(t, "files/read_file", calls[0].Name)
}

func TestParseToolCallsSkipsUnrepairableArgs(t *testing.T) {
	p := NewOutputParser()

	calls := p.ParseToolCalls(`bad({not even close)`)
	assert.Empty(t, calls)
}

func TestFixJSON(t *testing.T) {
	p := NewOutputParser()

	assert.JSONEq(t, `{"a":1}`, p.fixJSON(`{"a":1,}`))
	assert.JSONEq(t, `{"a":[1,2]}`, p.fixJSON(`{"a":[1,2,]}`))
	assert.JSONEq(t, `{"key":"v"}`, p.fixJSON(`{key:"v"}`))
	assert.JSONEq(t, `{"k":"v"}`, p.fixJSON(`{'k':'v'}`))
}
