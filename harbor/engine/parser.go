package engine

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

// ParsedDecision is the parser's view of one model reply: either a final
// answer or a single tool call, never both.
type ParsedDecision struct {
	Answer    string
	Call      *ports.ToolCall
	Rationale string
}

// OutputParser extracts decisions from model responses. The primary format
// is the JSON envelope the prompt asks for; the fallback patterns catch
// models that emit other common tool-call shapes.
type OutputParser struct {
	envelopePattern  *regexp.Regexp
	toolCallPatterns []*regexp.Regexp
}

// NewOutputParser creates a parser for the decision formats the prompt
// advertises plus common provider variants.
func NewOutputParser() *OutputParser {
	return &OutputParser{
		// First JSON object in the reply, lazily matched per line block.
		envelopePattern: regexp.MustCompile(`(?s)\{.*\}`),
		toolCallPatterns: []*regexp.Regexp{
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Function call format: tool_name({"arg": "value"})
			regexp.MustCompile(`([\w/-]+)\s*\(\s*(\{.*?\})\s*\)`),
			// OpenAI format: {"tool_calls": [{"function": {"name": "tool", "arguments": "..."}}]}
			regexp.MustCompile(`"tool_calls"\s*:\s*\[\s*\{\s*"function"\s*:\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*"(\{.*?\})"\s*\}\s*\}\s*\]`),
		},
	}
}

// decisionEnvelope mirrors the reply shape the prompt requests.
type decisionEnvelope struct {
	Answer    string          `json:"answer,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
}

// ParseDecision extracts the decision envelope from a reply. It reports
// false when no envelope is present, leaving fallback parsing to the caller.
func (p *OutputParser) ParseDecision(text string) (ParsedDecision, bool) {
	match := p.envelopePattern.FindString(text)
	if match == "" {
		return ParsedDecision{}, false
	}
	raw := match
	if !json.Valid([]byte(raw)) {
		raw = p.fixJSON(raw)
		if !json.Valid([]byte(raw)) {
			return ParsedDecision{}, false
		}
	}
	var env decisionEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return ParsedDecision{}, false
	}

	switch {
	case env.Tool != "":
		args := env.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return ParsedDecision{
			Call:      &ports.ToolCall{Name: env.Tool, Args: args},
			Rationale: strings.TrimSpace(env.Rationale),
		}, true
	case env.Answer != "":
		return ParsedDecision{Answer: strings.TrimSpace(env.Answer)}, true
	default:
		return ParsedDecision{}, false
	}
}

// ParseToolCalls extracts tool calls from free-form response text using the
// fallback patterns.
func (p *OutputParser) ParseToolCalls(text string) []ports.ToolCall {
	var calls []ports.ToolCall
	for _, pattern := range p.toolCallPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if len(match) < 3 {
				continue
			}
			name := strings.TrimSpace(match[1])
			argsStr := strings.TrimSpace(match[2])
			if !json.Valid([]byte(argsStr)) {
				// Arguments captured from inside a JSON string arrive escaped.
				if unquoted, err := strconv.Unquote(`"` + argsStr + `"`); err == nil && json.Valid([]byte(unquoted)) {
					argsStr = unquoted
				} else {
					argsStr = p.fixJSON(argsStr)
					if !json.Valid([]byte(argsStr)) {
						continue
					}
				}
			}
			calls = append(calls, ports.ToolCall{Name: name, Args: json.RawMessage(argsStr)})
		}
	}
	return calls
}

// fixJSON repairs the JSON mistakes small models make most often.
func (p *OutputParser) fixJSON(jsonStr string) string {
	// Trailing commas before closing braces/brackets.
	jsonStr = regexp.MustCompile(`,\s*([}\]])`).ReplaceAllString(jsonStr, "$1")
	// Unquoted keys (basic heuristic).
	jsonStr = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`).ReplaceAllString(jsonStr, `$1"$2":`)
	// Single quotes instead of double quotes.
	jsonStr = strings.ReplaceAll(jsonStr, "'", "\"")
	return jsonStr
}
