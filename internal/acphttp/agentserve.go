package acphttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/HyphaGroup/acp-bridge/internal/acp"
	"github.com/HyphaGroup/acp-bridge/internal/logger"
)

// frame is the line-level JSON-RPC shape the serve loop reads and writes.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// agentTask serves the agent side of the protocol over one HTTP session's
// in-process duplex: it reads raw JSON-RPC lines the HTTP client posted,
// answers initialize/session requests by delegating to the shared core
// stack, streams prompt updates back as session/update notification lines,
// and relays reverse permission requests out to the client.
type agentTask struct {
	registry  *acp.Registry
	engine    *acp.Engine
	arbiter   *acp.Arbiter
	sessionID acp.SessionID

	r io.Reader

	writeMu sync.Mutex
	w       io.Writer

	reverseID   atomic.Int64
	pendingMu   sync.Mutex
	pendingPerm map[string]acp.ToolCallID
}

func newAgentTask(registry *acp.Registry, engine *acp.Engine, arbiter *acp.Arbiter, sessionID acp.SessionID, r io.Reader, w io.Writer) *agentTask {
	return &agentTask{
		registry:    registry,
		engine:      engine,
		arbiter:     arbiter,
		sessionID:   sessionID,
		r:           r,
		w:           w,
		pendingPerm: make(map[string]acp.ToolCallID),
	}
}

// run reads one line at a time until EOF (session teardown) and dispatches
// it. Prompts run on their own goroutine so the read loop stays free to
// receive the client's permission replies while updates stream out.
func (t *agentTask) run(ctx context.Context) {
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr frame
		if err := json.Unmarshal(line, &fr); err != nil {
			logger.Error("acphttp: malformed line from client: %v", err)
			continue
		}
		t.dispatch(ctx, &fr)
	}
}

func (t *agentTask) dispatch(ctx context.Context, fr *frame) {
	if fr.Method == "" && fr.ID != nil {
		t.handlePermissionReply(fr)
		return
	}

	switch fr.Method {
	case "initialize":
		t.writeResult(fr.ID, map[string]any{"protocolVersion": 1})
	case "session/new":
		// The core session already exists (created with the HTTP session);
		// a client-issued session/new binds to it rather than minting a
		// parallel one.
		t.writeResult(fr.ID, map[string]any{"sessionId": t.sessionID})
	case "session/prompt":
		go t.runPrompt(ctx, fr)
	default:
		if fr.ID != nil {
			t.writeError(fr.ID, -32601, "unknown method: "+fr.Method)
		}
	}
}

type wirePromptRequest struct {
	SessionID acp.SessionID      `json:"sessionId"`
	Prompt    []acp.ContentBlock `json:"prompt"`
}

func (t *agentTask) runPrompt(ctx context.Context, fr *frame) {
	var req wirePromptRequest
	if err := json.Unmarshal(fr.Params, &req); err != nil {
		t.writeError(fr.ID, -32602, err.Error())
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = t.sessionID
	}

	messages := []acp.Message{{Role: "user", Text: acp.JoinText(req.Prompt), AgentVisible: true}}
	out, err := t.engine.Stream(ctx, sessionID, messages)
	if err != nil {
		t.writeError(fr.ID, -32603, err.Error())
		return
	}

	for item := range out {
		if item.Err != nil {
			t.writeError(fr.ID, -32603, item.Err.Error())
			return
		}
		if item.Message != nil {
			t.emitUpdate(sessionID, item.Message)
		}
	}
	t.writeResult(fr.ID, map[string]any{"stopReason": "end_turn"})
}

// emitUpdate re-encodes one projected Message as the session/update
// notification line (or reverse permission request) the client-facing wire
// carries.
func (t *agentTask) emitUpdate(sessionID acp.SessionID, m *acp.Message) {
	if m.ActionRequired != nil {
		t.sendPermissionRequest(sessionID, m.ActionRequired)
		return
	}

	var update map[string]any
	switch {
	case m.Text != "":
		update = map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": m.Text},
		}
	case m.Thinking != "":
		update = map[string]any{
			"sessionUpdate": "agent_thought_chunk",
			"content":       map[string]any{"type": "text", "text": m.Thinking},
		}
	case m.ToolName != "":
		update = map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    m.ToolCallID,
			"title":         m.ToolName,
			"rawInput":      m.Arguments,
		}
	case m.ToolCallID != "":
		status := "completed"
		if m.IsError {
			status = "failed"
		}
		update = map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    m.ToolCallID,
			"status":        status,
			"content":       []map[string]any{{"type": "text", "text": m.Body}},
		}
	default:
		return
	}

	t.writeFrame(&frame{JSONRPC: "2.0", Method: "session/update", Params: mustMarshal(map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})})
}

// sendPermissionRequest relays a pending human decision out to the HTTP
// client as a reverse session/request_permission line and remembers which
// tool call the eventual reply resolves.
func (t *agentTask) sendPermissionRequest(sessionID acp.SessionID, ar *acp.ActionRequired) {
	id := t.reverseID.Add(1)
	idRaw, _ := json.Marshal(id)

	t.pendingMu.Lock()
	t.pendingPerm[string(idRaw)] = ar.ToolCallID
	t.pendingMu.Unlock()

	t.writeFrame(&frame{JSONRPC: "2.0", ID: idRaw, Method: "session/request_permission", Params: mustMarshal(map[string]any{
		"sessionId":  sessionID,
		"toolCallId": ar.ToolCallID,
		"title":      ar.Title,
		"rawInput":   ar.Arguments,
		"promptText": ar.PromptText,
	})})
}

type wirePermissionReply struct {
	Outcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId"`
	} `json:"outcome"`
}

func (t *agentTask) handlePermissionReply(fr *frame) {
	t.pendingMu.Lock()
	toolCallID, ok := t.pendingPerm[string(fr.ID)]
	if ok {
		delete(t.pendingPerm, string(fr.ID))
	}
	t.pendingMu.Unlock()
	if !ok {
		logger.Error("acphttp: response for unknown request id %s", fr.ID)
		return
	}

	decision := acp.DecisionCancel
	if fr.Error == nil {
		var reply wirePermissionReply
		if err := json.Unmarshal(fr.Result, &reply); err != nil {
			logger.Error("acphttp: malformed permission reply: %v", err)
		} else {
			decision = acp.DecisionFromOption(reply.Outcome.OptionID, reply.Outcome.Outcome == "cancelled")
		}
	}
	if !t.arbiter.HandleConfirmation(toolCallID, decision) {
		logger.Error("acphttp: no pending permission slot for tool call %s", toolCallID)
	}
}

func (t *agentTask) writeResult(id json.RawMessage, result any) {
	t.writeFrame(&frame{JSONRPC: "2.0", ID: id, Result: mustMarshal(result)})
}

func (t *agentTask) writeError(id json.RawMessage, code int, message string) {
	t.writeFrame(&frame{JSONRPC: "2.0", ID: id, Error: &frameError{Code: code, Message: message}})
}

// writeFrame marshals one frame and writes it as a single line. The mutex
// keeps the prompt goroutine and the read loop from interleaving lines.
func (t *agentTask) writeFrame(fr *frame) {
	data, err := json.Marshal(fr)
	if err != nil {
		logger.Error("acphttp: marshal frame: %v", err)
		return
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		logger.Error("acphttp: write frame: %v", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
