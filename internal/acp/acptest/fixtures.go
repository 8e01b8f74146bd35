// Package acptest provides fake-agent and fake-tool fixtures for testing
// internal/acp: a scripted in-process ACP peer over an in-memory duplex,
// and an HTTP MCP server exposing a single deterministic tool.
package acptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
)

// FakeCode is the literal value the Lookup fixture's get_code tool returns.
const FakeCode = "test-uuid-12345-67890"

// LookupToolTitle is the qualified tool title the Lookup fixture's
// get_code tool is announced under ("<mcp_server>__<tool>").
const LookupToolTitle = "lookup__get_code"

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// FakeAgent is a scripted ACP peer driven entirely by the test: it reads
// whatever the connection under test sends and answers according to
// handlers registered with OnRequest, or lets the test push notifications
// directly with the Notify/Respond helpers.
type FakeAgent struct {
	t *testing.T

	w  io.Writer
	r  *bufio.Scanner
	mu sync.Mutex

	requestHandlers map[string]func(id json.RawMessage, params json.RawMessage)
	responses       chan Response
}

// Response is a reply the connection under test sent for one of the fake
// agent's own reverse requests.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  json.RawMessage
}

// NewFakeAgent wraps the "agent side" of an in-memory duplex (see NewDuplex)
// as a scriptable fake peer.
func NewFakeAgent(t *testing.T, r io.Reader, w io.Writer) *FakeAgent {
	t.Helper()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &FakeAgent{
		t:               t,
		w:               w,
		r:               scanner,
		requestHandlers: make(map[string]func(id json.RawMessage, params json.RawMessage)),
		responses:       make(chan Response, 16),
	}
}

// OnRequest registers a handler for a given inbound method name, invoked
// from ServeOne/Serve as matching frames arrive.
func (f *FakeAgent) OnRequest(method string, h func(id json.RawMessage, params json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestHandlers[method] = h
}

// ServeOne reads and dispatches exactly one inbound frame. It returns false
// at EOF.
func (f *FakeAgent) ServeOne() bool {
	if !f.r.Scan() {
		return false
	}
	line := f.r.Bytes()
	if len(line) == 0 {
		return true
	}
	var fr frame
	if err := json.Unmarshal(line, &fr); err != nil {
		f.t.Fatalf("acptest: malformed frame from connection under test: %v", err)
		return false
	}
	if fr.Method == "" {
		// A response to one of our reverse requests.
		select {
		case f.responses <- Response{ID: fr.ID, Result: fr.Result, Error: fr.Error}:
		default:
		}
		return true
	}

	f.mu.Lock()
	h, ok := f.requestHandlers[fr.Method]
	f.mu.Unlock()
	if ok {
		h(fr.ID, fr.Params)
	}
	return true
}

// Serve runs ServeOne in a loop until EOF, in the background. Call it once
// per test after registering handlers.
func (f *FakeAgent) Serve() {
	go func() {
		for f.ServeOne() {
		}
	}()
}

// Respond writes a JSON-RPC result response for the given request id.
func (f *FakeAgent) Respond(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		f.t.Fatalf("acptest: marshal result: %v", err)
	}
	f.writeFrame(frame{JSONRPC: "2.0", ID: id, Result: raw})
}

// RespondError writes a JSON-RPC error response for the given request id.
func (f *FakeAgent) RespondError(id json.RawMessage, code int, message string) {
	raw, err := json.Marshal(map[string]any{"code": code, "message": message})
	if err != nil {
		f.t.Fatalf("acptest: marshal error: %v", err)
	}
	f.writeFrame(frame{JSONRPC: "2.0", ID: id, Error: raw})
}

// Notify sends a fire-and-forget notification, e.g. "session/update".
func (f *FakeAgent) Notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		f.t.Fatalf("acptest: marshal params: %v", err)
	}
	f.writeFrame(frame{JSONRPC: "2.0", Method: method, Params: raw})
}

// Responses exposes the replies the connection under test sent for this
// fake agent's reverse requests, in arrival order.
func (f *FakeAgent) Responses() <-chan Response { return f.responses }

// SendRequest issues a reverse request from the fake agent back to the
// connection under test (e.g. "session/request_permission"). It does not
// wait for the reply; the reply arrives on Responses().
func (f *FakeAgent) SendRequest(id string, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		f.t.Fatalf("acptest: marshal params: %v", err)
	}
	f.writeFrame(frame{JSONRPC: "2.0", ID: json.RawMessage(fmt.Sprintf("%q", id)), Method: method, Params: raw})
}

func (f *FakeAgent) writeFrame(fr frame) {
	data, err := json.Marshal(fr)
	if err != nil {
		f.t.Fatalf("acptest: marshal frame: %v", err)
	}
	data = append(data, '\n')
	if _, err := f.w.Write(data); err != nil {
		f.t.Fatalf("acptest: write frame: %v", err)
	}
}

// NewDuplex returns two (reader, writer) pairs that form an in-memory
// full-duplex connection: what the client side writes, the agent side
// reads, and vice versa.
func NewDuplex() (clientR io.Reader, clientW io.Writer, agentR io.Reader, agentW io.Writer) {
	cr, aw := io.Pipe()
	ar, cw := io.Pipe()
	return cr, cw, ar, aw
}
