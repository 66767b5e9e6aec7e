package ports

import (
	"encoding/json"
	"fmt"
	"time"
)

// Turn roles. A conversation is an alternation of instructions, decisions,
// and invocation results, with the occasional system note.
const (
	RoleInstruction = "instruction"
	RoleDecision    = "decision"
	RoleResult      = "result"
	RoleSystem      = "system"
)

// Invocation is a validated request to call one tool on one service.
type Invocation struct {
	Service   string          `json:"service"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
}

// Qualified returns the "service/tool" form used in prompts and logs.
func (inv Invocation) Qualified() string {
	return fmt.Sprintf("%s/%s", inv.Service, inv.Tool)
}

// Turn is one entry in a session transcript. Decision turns carry the chosen
// invocation when the decision was a call rather than a final answer.
type Turn struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	Invocation *Invocation `json:"invocation,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}
