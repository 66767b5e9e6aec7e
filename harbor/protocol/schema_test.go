package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSchema() ToolSchema {
	return ToolSchema{
		Name:        "echo",
		Description: "Echo a message back",
		Parameters: []ParameterSpec{
			{Name: "message", Type: TypeString, Required: true},
			{Name: "count", Type: TypeInteger},
		},
	}
}

func TestToolSchemaValidate(t *testing.T) {
	cases := []struct {
		name    string
		schema  ToolSchema
		wantErr string
	}{
		{"valid", echoSchema(), ""},
		{"missing name", ToolSchema{}, "missing name"},
		{
			"duplicate parameter",
			ToolSchema{Name: "t", Parameters: []ParameterSpec{
				{Name: "a", Type: TypeString},
				{Name: "a", Type: TypeString},
			}},
			"duplicate parameter",
		},
		{
			"unknown type",
			ToolSchema{Name: "t", Parameters: []ParameterSpec{{Name: "a", Type: "uuid"}}},
			"unknown type",
		},
		{
			"unnamed parameter",
			ToolSchema{Name: "t", Parameters: []ParameterSpec{{Name: " ", Type: TypeString}}},
			"parameter missing name",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schema.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCompileRejectsBadSchema(t *testing.T) {
	_, err := Compile(ToolSchema{Name: ""})
	assert.Error(t, err)
}

func TestArgSchemaValidate(t *testing.T) {
	as, err := Compile(echoSchema())
	require.NoError(t, err)

	t.Run("valid args pass", func(t *testing.T) {
		assert.NoError(t, as.Validate(json.RawMessage(`{"message":"hi","count":3}`)))
	})

	t.Run("optional may be omitted", func(t *testing.T) {
		assert.NoError(t, as.Validate(json.RawMessage(`{"message":"hi"}`)))
	})

	t.Run("missing required is reported by name", func(t *testing.T) {
		err := as.Validate(json.RawMessage(`{"count":3}`))
		var verr *ArgumentValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "echo", verr.Tool)
		assert.Equal(t, []string{"message"}, verr.Missing)
	})

	t.Run("type mismatch is a cause", func(t *testing.T) {
		err := as.Validate(json.RawMessage(`{"message":"hi","count":"three"}`))
		var verr *ArgumentValidationError
		require.ErrorAs(t, err, &verr)
		assert.Empty(t, verr.Missing)
		assert.NotEmpty(t, verr.Causes)
	})

	t.Run("non-object args rejected", func(t *testing.T) {
		err := as.Validate(json.RawMessage(`[1,2,3]`))
		var verr *ArgumentValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Causes[0], "JSON object")
	})

	t.Run("nil args with required params", func(t *testing.T) {
		err := as.Validate(nil)
		var verr *ArgumentValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, []string{"message"}, verr.Missing)
	})

	t.Run("unknown extra fields pass through", func(t *testing.T) {
		assert.NoError(t, as.Validate(json.RawMessage(`{"message":"hi","verbose":true}`)))
	})
}

func TestArgSchemaNoParams(t *testing.T) {
	as, err := Compile(ToolSchema{Name: "ping"})
	require.NoError(t, err)

	assert.NoError(t, as.Validate(nil))
	assert.NoError(t, as.Validate(json.RawMessage(`{}`)))
	assert.Equal(t, "ping", as.Tool())
}

func TestArgSchemaSchemaJSON(t *testing.T) {
	as, err := Compile(echoSchema())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(as.SchemaJSON(), &doc))
	assert.Equal(t, "object", doc["type"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "message")
	assert.Contains(t, props, "count")
	assert.Equal(t, []any{"message"}, doc["required"])
}

func TestArgumentValidationErrorMessage(t *testing.T) {
	err := &ArgumentValidationError{Tool: "echo", Missing: []string{"message"}, Causes: []string{"count: expected integer"}}
	msg := err.Error()
	assert.Contains(t, msg, `"echo"`)
	assert.Contains(t, msg, "missing required message")
	assert.Contains(t, msg, "expected integer")
}

func TestToolErrorMessage(t *testing.T) {
	err := &ToolError{Kind: KindToolError, Message: "boom"}
	assert.Contains(t, err.Error(), "tool_error")
	assert.Contains(t, err.Error(), "boom")
}
