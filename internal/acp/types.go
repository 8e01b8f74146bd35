// Package acp implements the core of an Agent Client Protocol bridge: a
// bidirectional, streaming JSON-RPC conversation between a client and an
// agent, plus the session/prompt/permission machinery layered on top of it.
package acp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// envelope is the generic JSON-RPC 2.0 shape every line on the wire is first
// parsed into, before connection.go sorts it into a response, a request, or
// a notification.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (e *envelope) isResponse() bool { return e.Method == "" && e.ID != nil }
func (e *envelope) isRequest() bool  { return e.Method != "" && e.ID != nil }
func (e *envelope) isNotification() bool {
	return e.Method != "" && e.ID == nil
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used when the bridge itself replies to an
// inbound request (e.g. a reverse permission request naming an unknown
// session).
const (
	errCodeInternal      = -32603
	errCodeInvalidParams = -32602
	errCodeMethodNotFnd  = -32601
)

func newRequestEnvelope(id int64, method string, params any) (*envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	idRaw, _ := json.Marshal(id)
	return &envelope{JSONRPC: jsonrpcVersion, ID: idRaw, Method: method, Params: raw}, nil
}

func newNotificationEnvelope(method string, params any) (*envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &envelope{JSONRPC: jsonrpcVersion, Method: method, Params: raw}, nil
}

func newResultEnvelope(id json.RawMessage, result any) (*envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &envelope{JSONRPC: jsonrpcVersion, ID: id, Result: raw}, nil
}

func newErrorEnvelope(id json.RawMessage, code int, message string) *envelope {
	return &envelope{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: message}}
}

// ContentBlock is a tagged content variant. The bridge only reads and
// writes Text; a block of any other kind decodes to its Type alone (its
// other fields are dropped), and JoinText skips it.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock constructs a Text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// JoinText concatenates the text of every Text block in order, which is how
// a tool call's content list is projected to a single Message body.
func JoinText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ToolCallStatus is the lifecycle status of an agent-initiated tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending    ToolCallStatus = "pending"
	ToolCallStatusInProgress ToolCallStatus = "in_progress"
	ToolCallStatusCompleted  ToolCallStatus = "completed"
	ToolCallStatusFailed     ToolCallStatus = "failed"
)

func (s ToolCallStatus) isTerminal() bool {
	return s == ToolCallStatusCompleted || s == ToolCallStatusFailed
}

// SessionID is an opaque, agent-assigned, connection-unique identifier.
type SessionID string

// ToolCallID is an opaque, agent-assigned tool-call correlator.
type ToolCallID string

// sessionUpdateNotification is the payload of a session/update
// notification. The sessionUpdate field carries the snake_case variant
// discriminator; which other fields are meaningful depends on it.
type sessionUpdateNotification struct {
	SessionID SessionID             `json:"sessionId"`
	Update    sessionUpdatePayload  `json:"update"`
}

type sessionUpdatePayload struct {
	SessionUpdate string `json:"sessionUpdate"`

	// AgentMessageChunk / AgentThoughtChunk carry a single content block;
	// ToolCall / ToolCallUpdate carry a list. Both are unmarshaled from the
	// same "content" wire field, disambiguated by SessionUpdate in stream.go.
	Content json.RawMessage `json:"content,omitempty"`

	// ToolCall / ToolCallUpdate
	ToolCallID ToolCallID      `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	Status     ToolCallStatus  `json:"status,omitempty"`
}

const (
	wireAgentMessageChunk = "agent_message_chunk"
	wireAgentThoughtChunk = "agent_thought_chunk"
	wireToolCall          = "tool_call"
	wireToolCallUpdate    = "tool_call_update"
)

// UpdateEventKind discriminates UpdateEvent, the internal tagged variant
// every session/update notification (plus completion/error/
// permission-request) is normalized into.
type UpdateEventKind string

const (
	UpdateText              UpdateEventKind = "text"
	UpdateThought           UpdateEventKind = "thought"
	UpdateToolCallStart     UpdateEventKind = "tool_call_start"
	UpdateToolCallComplete  UpdateEventKind = "tool_call_complete"
	UpdatePermissionRequest UpdateEventKind = "permission_request"
	UpdateComplete          UpdateEventKind = "complete"
	UpdateError             UpdateEventKind = "error"
)

// UpdateEvent is the internal tagged-variant type flowing from the
// connection's notification handler to the prompt engine. Only the fields
// relevant to Kind are populated.
type UpdateEvent struct {
	Kind UpdateEventKind

	Text string // Text, Thought

	ToolCallID ToolCallID // ToolCallStart, ToolCallComplete
	Title      string     // ToolCallStart
	RawInput   json.RawMessage
	Status     ToolCallStatus // ToolCallComplete
	Content    []ContentBlock // ToolCallComplete

	PermissionRequest *PendingPermissionRequest // PermissionRequest

	StopReason string // Complete
	Err        error  // Error
}

// PendingPermissionRequest carries a reverse-direction permission request
// into the prompt's output stream; the arbiter holds the matching one-shot
// reply slot keyed by ToolCallID.
type PendingPermissionRequest struct {
	ToolCallID ToolCallID
	Title      string
	Arguments  json.RawMessage
	PromptText string
}

// Message is the outbound, caller-facing projection of an UpdateEvent.
type Message struct {
	Role         string         `json:"role"`
	Text         string         `json:"text,omitempty"`
	Thinking     string         `json:"thinking,omitempty"`
	AgentVisible bool           `json:"agentVisible"`
	ToolCallID   ToolCallID     `json:"toolCallId,omitempty"`
	ToolName     string         `json:"toolName,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	IsError      bool           `json:"isError,omitempty"`
	Body         string         `json:"body,omitempty"`
	ActionRequired *ActionRequired `json:"actionRequired,omitempty"`
}

// ActionRequired is the payload surfaced to the caller when a permission
// request needs a human decision.
type ActionRequired struct {
	ToolCallID ToolCallID      `json:"toolCallId"`
	Title      string          `json:"title"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	PromptText string          `json:"promptText,omitempty"`
}

// Usage carries token accounting alongside a Message.
type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}

// ToolDefinition describes a tool made available to the agent for a
// session, either mounted from an MCP server or a builtin.
type ToolDefinition struct {
	Name string `json:"name"`
}
