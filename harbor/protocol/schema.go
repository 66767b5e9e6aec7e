package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Parameter types a service may declare. They map one-to-one onto JSON
// Schema primitive types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

var knownTypes = map[string]struct{}{
	TypeString:  {},
	TypeNumber:  {},
	TypeInteger: {},
	TypeBoolean: {},
	TypeObject:  {},
	TypeArray:   {},
}

// ParameterSpec describes one named argument of a tool.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolSchema is a tool as advertised by discovery: a name, a human-readable
// description, and an ordered parameter list.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ParameterSpec `json:"parameters"`
}

// Validate checks the schema is well formed: a non-empty tool name, unique
// parameter names, and known parameter types.
func (ts ToolSchema) Validate() error {
	if strings.TrimSpace(ts.Name) == "" {
		return fmt.Errorf("protocol: tool schema missing name")
	}
	seen := make(map[string]struct{}, len(ts.Parameters))
	for _, p := range ts.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("protocol: tool %q: parameter missing name", ts.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("protocol: tool %q: duplicate parameter %q", ts.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if _, ok := knownTypes[p.Type]; !ok {
			return fmt.Errorf("protocol: tool %q: parameter %q has unknown type %q", ts.Name, p.Name, p.Type)
		}
	}
	return nil
}

// ArgumentValidationError reports arguments rejected before anything was
// sent to the service.
type ArgumentValidationError struct {
	Tool    string
	Missing []string
	Causes  []string
}

func (e *ArgumentValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid arguments for %q", e.Tool)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing required %s", strings.Join(e.Missing, ", "))
	}
	if len(e.Causes) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Causes, "; "))
	}
	return b.String()
}

// ArgSchema is a ToolSchema compiled for argument validation. Compile once
// at discovery, validate on every call.
type ArgSchema struct {
	tool     string
	required []string
	compiled *gojsonschema.Schema
	doc      []byte
}

// Compile validates ts and builds its argument validator.
func Compile(ts ToolSchema) (*ArgSchema, error) {
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	doc := schemaDocument(ts)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("protocol: tool %q: marshal schema: %w", ts.Name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("protocol: tool %q: compile schema: %w", ts.Name, err)
	}
	var required []string
	for _, p := range ts.Parameters {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return &ArgSchema{tool: ts.Name, required: required, compiled: compiled, doc: raw}, nil
}

// SchemaDocumentJSON returns the JSON Schema document for ts without
// compiling a validator. Invalid descriptors yield an empty object schema.
func SchemaDocumentJSON(ts ToolSchema) []byte {
	raw, err := json.Marshal(schemaDocument(ts))
	if err != nil {
		return []byte(`{"type":"object"}`)
	}
	return raw
}

// schemaDocument lowers the descriptor list into a JSON Schema object.
func schemaDocument(ts ToolSchema) map[string]any {
	props := make(map[string]any, len(ts.Parameters))
	var required []string
	for _, p := range ts.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	return doc
}

// Tool returns the tool name this validator belongs to.
func (a *ArgSchema) Tool() string { return a.tool }

// SchemaJSON returns the compiled JSON Schema document, for providers that
// accept native tool declarations.
func (a *ArgSchema) SchemaJSON() []byte { return a.doc }

// Validate checks args against the schema. Nil or empty args are treated as
// an empty object. A non-nil error is always *ArgumentValidationError.
func (a *ArgSchema) Validate(args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(args, &asMap); err != nil {
		return &ArgumentValidationError{
			Tool:   a.tool,
			Causes: []string{"arguments must be a JSON object"},
		}
	}
	verr := &ArgumentValidationError{Tool: a.tool}
	for _, name := range a.required {
		if _, ok := asMap[name]; !ok {
			verr.Missing = append(verr.Missing, name)
		}
	}
	res, err := a.compiled.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		verr.Causes = append(verr.Causes, err.Error())
		return verr
	}
	if !res.Valid() {
		for _, desc := range res.Errors() {
			if desc.Type() == "required" {
				// Already collected, with better field attribution.
				continue
			}
			verr.Causes = append(verr.Causes, desc.String())
		}
	}
	if len(verr.Missing) > 0 || len(verr.Causes) > 0 {
		return verr
	}
	return nil
}
