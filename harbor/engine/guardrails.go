package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/registry"
)

// Guardrails vets tool calls against the live catalog and scrubs final
// answers before they leave the engine.
type Guardrails struct {
	reg           *registry.Registry
	blockedWords  []string
	outputFilters []*regexp.Regexp
}

// NewGuardrails creates guardrails backed by the registry's catalog.
func NewGuardrails(reg *registry.Registry) *Guardrails {
	return &Guardrails{
		reg:          reg,
		blockedWords: []string{"password", "secret", "api_key", "credential"},
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.]+`),
		},
	}
}

// ValidateCall resolves a parsed tool call against the catalog and checks
// its arguments against the tool's compiled schema. Nothing reaches a
// service unless this passes.
func (g *Guardrails) ValidateCall(call ports.ToolCall) (ports.Invocation, error) {
	name := strings.TrimSpace(call.Name)
	if name == "" {
		return ports.Invocation{}, fmt.Errorf("tool call has no name")
	}
	entry, err := g.reg.Resolve(name)
	if err != nil {
		return ports.Invocation{}, err
	}
	args, err := g.reg.ArgsFor(entry.Service, entry.Schema.Name)
	if err != nil {
		return ports.Invocation{}, err
	}
	if err := args.Validate(call.Args); err != nil {
		return ports.Invocation{}, err
	}
	for _, word := range g.blockedWords {
		if strings.Contains(strings.ToLower(string(call.Args)), word+"\":") {
			return ports.Invocation{}, fmt.Errorf("tool call arguments name a blocked field %q", word)
		}
	}
	return ports.Invocation{
		Service: entry.Service,
		Tool:    entry.Schema.Name,
		Args:    call.Args,
	}, nil
}

// SanitizeOutput redacts credential-shaped fragments from final answers.
func (g *Guardrails) SanitizeOutput(output string) string {
	for _, filter := range g.outputFilters {
		output = filter.ReplaceAllString(output, "[REDACTED]")
	}
	return output
}
