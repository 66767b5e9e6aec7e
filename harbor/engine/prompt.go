package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/registry"
)

// DefaultSystemPreamble is used when no system prompt is configured.
const DefaultSystemPreamble = "You are a tool-using assistant. " +
	"Decide whether the user's request needs a tool. " +
	"Use only the tools listed below, with exactly the parameters they declare."

// TokenEstimator estimates token count for a string.
type TokenEstimator func(string) int

// defaultTokenEstimator approximates tokens as ~4 characters each.
func defaultTokenEstimator(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

// PromptBuilder renders the decision prompt: system preamble, tool catalog,
// reply format, and a token-budgeted window of the conversation so far.
type PromptBuilder struct {
	preamble  string
	window    int
	budget    int
	estimator TokenEstimator
}

// NewPromptBuilder creates a builder. A zero window or budget disables that
// limit; an empty preamble falls back to DefaultSystemPreamble.
func NewPromptBuilder(preamble string, window, budget int) *PromptBuilder {
	if strings.TrimSpace(preamble) == "" {
		preamble = DefaultSystemPreamble
	}
	return &PromptBuilder{
		preamble:  norm(preamble),
		window:    window,
		budget:    budget,
		estimator: defaultTokenEstimator,
	}
}

// BuildDecision assembles the prompt for one decision. The history must end
// with the instruction being worked on; failureNote, when non-empty, is
// appended as a corrective message after a rejected reply.
func (b *PromptBuilder) BuildDecision(catalog []registry.CatalogEntry, history []ports.Turn, failureNote string) ports.PromptInput {
	var sys strings.Builder
	sys.WriteString(b.preamble)
	sys.WriteString("\n\n")
	sys.WriteString(renderCatalog(catalog))
	sys.WriteString("\n\n")
	sys.WriteString(replyFormat)

	windowed := b.pack(history)
	messages := make([]ports.PromptMessage, 0, len(windowed)+1)
	for _, turn := range windowed {
		messages = append(messages, ports.PromptMessage{
			Role:    promptRole(turn.Role),
			Content: renderTurn(turn),
		})
	}
	if failureNote != "" {
		messages = append(messages, ports.PromptMessage{
			Role: "system",
			Content: fmt.Sprintf("Your previous reply was rejected: %s. "+
				"Reply again with exactly one JSON object in the required format.", failureNote),
		})
	}

	return ports.PromptInput{
		System:   sys.String(),
		Messages: messages,
		Tools:    toolSpecs(catalog),
	}
}

// pack applies the turn window and token budget, keeping the newest turns.
// The final turn is always kept so the live instruction survives packing.
func (b *PromptBuilder) pack(history []ports.Turn) []ports.Turn {
	turns := history
	if b.window > 0 && len(turns) > b.window {
		turns = turns[len(turns)-b.window:]
	}
	if b.budget <= 0 || len(turns) == 0 {
		return turns
	}
	spent := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := b.estimator(turns[i].Content)
		if spent+cost > b.budget && start < len(turns) {
			break
		}
		spent += cost
		start = i
	}
	return turns[start:]
}

const replyFormat = `## Reply format

Reply with exactly one JSON object and nothing else.

To call a tool:
{"tool": "service/tool_name", "args": {"param": "value"}, "rationale": "one short sentence"}

To answer the user directly:
{"answer": "your final answer"}`

// renderCatalog lists the tools with their parameters, in catalog order.
func renderCatalog(catalog []registry.CatalogEntry) string {
	if len(catalog) == 0 {
		return "## Available tools\n\nNo tools are available. Answer directly."
	}
	var sb strings.Builder
	sb.WriteString("## Available tools\n")
	for _, entry := range catalog {
		sb.WriteString("\n- ")
		sb.WriteString(entry.Qualified())
		if entry.Schema.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(entry.Schema.Description)
		}
		for _, p := range entry.Schema.Parameters {
			sb.WriteString("\n  - ")
			sb.WriteString(p.Name)
			sb.WriteString(" (")
			sb.WriteString(p.Type)
			if p.Required {
				sb.WriteString(", required")
			}
			sb.WriteString(")")
			if p.Description != "" {
				sb.WriteString(": ")
				sb.WriteString(p.Description)
			}
		}
	}
	return sb.String()
}

// toolSpecs converts the catalog for providers with native tool support.
func toolSpecs(catalog []registry.CatalogEntry) []ports.ToolSpec {
	if len(catalog) == 0 {
		return nil
	}
	specs := make([]ports.ToolSpec, 0, len(catalog))
	for _, entry := range catalog {
		specs = append(specs, ports.ToolSpec{
			Name:        entry.Qualified(),
			Description: entry.Schema.Description,
			JSONSchema:  protocol.SchemaDocumentJSON(entry.Schema),
		})
	}
	return specs
}

// promptRole maps transcript roles onto chat roles.
func promptRole(role string) string {
	switch role {
	case ports.RoleInstruction:
		return "user"
	case ports.RoleDecision:
		return "assistant"
	case ports.RoleResult:
		return "tool"
	case ports.RoleSystem:
		return "system"
	default:
		return "user"
	}
}

// renderTurn produces the text the model sees for one transcript turn.
// Invocation turns are re-rendered in the reply format so the transcript
// stays consistent with what the model is asked to emit.
func renderTurn(turn ports.Turn) string {
	if turn.Role == ports.RoleDecision && turn.Invocation != nil {
		env := decisionEnvelope{
			Tool:      turn.Invocation.Qualified(),
			Args:      turn.Invocation.Args,
			Rationale: turn.Invocation.Rationale,
		}
		if raw, err := json.Marshal(env); err == nil {
			return string(raw)
		}
	}
	return norm(turn.Content)
}

func norm(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
