package acp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/HyphaGroup/acp-bridge/internal/acp/acptest"
	"github.com/HyphaGroup/acp-bridge/internal/permstore"
)

// testRig wires a real Connection/Registry/Arbiter/Engine against a
// FakeAgent over an in-memory duplex, the same stack main.go assembles
// against a real agent subprocess.
type testRig struct {
	t        *testing.T
	conn     *Connection
	registry *Registry
	arbiter  *Arbiter
	engine   *Engine
	agent    *acptest.FakeAgent
	store    *permstore.Store
}

func newTestRig(t *testing.T, mapping PermissionMapping) *testRig {
	t.Helper()

	clientR, clientW, agentR, agentW := acptest.NewDuplex()
	transport := NewTransport(clientR, clientW)
	conn := NewConnection(transport)
	agent := acptest.NewFakeAgent(t, agentR, agentW)

	agent.OnRequest("initialize", func(id json.RawMessage, _ json.RawMessage) {
		agent.Respond(id, map[string]any{"protocolVersion": 1})
	})
	agent.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Initialize(ctx, map[string]any{"protocolVersion": 1}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	store, err := permstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("permstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRegistry(conn)
	arbiter := NewArbiter(conn, registry, store, mapping)
	registry.SetArbiter(arbiter)
	engine := NewEngine(conn, registry, arbiter, mapping)

	return &testRig{t: t, conn: conn, registry: registry, arbiter: arbiter, engine: engine, agent: agent, store: store}
}

// newSession issues session/new against the fake agent, answering it with
// sessionID and the given availableModes.
func (r *testRig) newSession(sessionID string, availableModes []string, modeID SessionMode) SessionID {
	r.t.Helper()
	r.agent.OnRequest("session/new", func(id json.RawMessage, _ json.RawMessage) {
		r.agent.Respond(id, map[string]any{"sessionId": sessionID, "availableModes": availableModes})
	})
	if modeID != "" {
		r.agent.OnRequest("session/set_mode", func(id json.RawMessage, _ json.RawMessage) {
			r.agent.Respond(id, map[string]any{})
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sid, err := r.registry.NewSession(ctx, NewSessionParams{WorkDir: "/tmp/work", SessionModeID: modeID})
	if err != nil {
		r.t.Fatalf("NewSession() error = %v", err)
	}
	return sid
}

func toolCallStartWire(sessionID SessionID, toolCallID, title string, rawInput any) map[string]any {
	return map[string]any{
		"sessionId": string(sessionID),
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    toolCallID,
			"title":         title,
			"rawInput":      rawInput,
		},
	}
}

func toolCallCompleteWire(sessionID SessionID, toolCallID, status, text string) map[string]any {
	var content []map[string]any
	if text != "" {
		content = []map[string]any{{"type": "text", "text": text}}
	}
	return map[string]any{
		"sessionId": string(sessionID),
		"update": map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    toolCallID,
			"status":        status,
			"content":       content,
		},
	}
}

func agentMessageChunkWire(sessionID SessionID, text string) map[string]any {
	return map[string]any{
		"sessionId": string(sessionID),
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": text},
		},
	}
}

// drainAll collects every item from a Stream output channel until it closes.
func drainAll(out <-chan StreamItem) []StreamItem {
	var items []StreamItem
	for item := range out {
		items = append(items, item)
	}
	return items
}
