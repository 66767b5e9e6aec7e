// Package protocol defines the newline-delimited JSON wire format spoken
// between the orchestration core and a service process, plus the tool schema
// model and its argument validation.
//
// Three message shapes travel on the wire:
//
//	request:      {"id":1,"method":"ping","params":{...}}
//	response:     {"id":1,"result":...} or {"id":1,"error":{"kind":"...","message":"..."}}
//	notification: {"method":"log","params":{...}}   (no id, no reply)
package protocol

import (
	"encoding/json"
	"fmt"
)

// Reserved method names. Any other method is a tool name.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodLog        = "log"
)

// Wire error kinds carried in ErrorInfo.Kind.
const (
	KindBadRequest   = "bad_request"
	KindToolNotFound = "tool_not_found"
	KindToolError    = "tool_error"
	KindInternal     = "internal"
)

// Request is an outgoing call. ID is unique for the channel lifetime and is
// never reused while the channel is open.
type Request struct {
	ID     uint32          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by ID. Exactly one of Result
// and Error is set.
type Response struct {
	ID     uint32          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// Notification is a fire-and-forget message; it carries no id and expects no
// reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorInfo is the wire form of a remote failure.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToolError is the in-process form of a remote error response. It satisfies
// the error interface so callers can surface it with errors.As.
type ToolError struct {
	Kind    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error (%s): %s", e.Kind, e.Message)
}

// MessageKind classifies a decoded wire line.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Envelope is the decoded form of one incoming line. The pointer ID
// distinguishes an absent id (notification) from id zero, which is never
// issued by a conforming peer.
type Envelope struct {
	ID     *uint32         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// Kind reports which wire shape the envelope carries.
func (e *Envelope) Kind() MessageKind {
	switch {
	case e.Method != "" && e.ID != nil:
		return KindRequest
	case e.Method != "":
		return KindNotification
	case e.ID != nil && (e.Result != nil || e.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Response converts a response-kind envelope into its concrete form.
func (e *Envelope) Response() Response {
	var id uint32
	if e.ID != nil {
		id = *e.ID
	}
	return Response{ID: id, Result: e.Result, Error: e.Error}
}

// InitializeParams is sent by the host with the handshake request.
type InitializeParams struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
}

// InitializeResult is the service's half of the handshake. Concurrent
// advertises that the service handles interleaved calls; the dispatcher keeps
// per-service FIFO ordering unless it is set.
type InitializeResult struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Concurrent bool   `json:"concurrent,omitempty"`
}

// ListToolsResult is the discovery payload: the service's tools in the order
// it wants them presented.
type ListToolsResult struct {
	Tools []ToolSchema `json:"tools"`
}
