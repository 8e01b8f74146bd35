package acp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/HyphaGroup/acp-bridge/internal/acp/acptest"
)

func newTestConnection(t *testing.T) (*Connection, *acptest.FakeAgent) {
	t.Helper()
	clientR, clientW, agentR, agentW := acptest.NewDuplex()
	conn := NewConnection(NewTransport(clientR, clientW))
	agent := acptest.NewFakeAgent(t, agentR, agentW)
	return conn, agent
}

func initConnection(t *testing.T, conn *Connection, agent *acptest.FakeAgent) {
	t.Helper()
	agent.OnRequest("initialize", func(id json.RawMessage, _ json.RawMessage) {
		agent.Respond(id, map[string]any{"protocolVersion": 1})
	})
	agent.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Initialize(ctx, map[string]any{"protocolVersion": 1}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func TestConnection_HandshakeGate(t *testing.T) {
	conn, _ := newTestConnection(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.SendRequest(ctx, "session/new", map[string]any{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("SendRequest() before handshake = %v, want ErrNotInitialized", err)
	}
}

func TestConnection_RequestResponse(t *testing.T) {
	conn, agent := newTestConnection(t)
	initConnection(t, conn, agent)

	agent.OnRequest("session/new", func(id json.RawMessage, params json.RawMessage) {
		var p map[string]any
		if err := json.Unmarshal(params, &p); err != nil {
			t.Errorf("unmarshal params: %v", err)
		}
		if p["cwd"] != "/work" {
			t.Errorf("cwd = %v, want /work", p["cwd"])
		}
		agent.Respond(id, map[string]any{"sessionId": "sess-1"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := conn.SendRequest(ctx, "session/new", map[string]any{"cwd": "/work"})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %q, want %q", result["sessionId"], "sess-1")
	}
}

func TestConnection_InboundNotification(t *testing.T) {
	conn, agent := newTestConnection(t)

	got := make(chan json.RawMessage, 1)
	conn.RegisterNotificationHandler("session/update", func(params json.RawMessage) {
		got <- params
	})
	initConnection(t, conn, agent)

	agent.Notify("session/update", map[string]any{"sessionId": "sess-1"})

	select {
	case params := <-got:
		var p map[string]string
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if p["sessionId"] != "sess-1" {
			t.Errorf("sessionId = %q, want %q", p["sessionId"], "sess-1")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification handler never invoked")
	}
}

func TestConnection_ReverseRequest(t *testing.T) {
	conn, agent := newTestConnection(t)

	conn.RegisterRequestHandler("session/request_permission", func(_ context.Context, params json.RawMessage) (any, *rpcError) {
		return map[string]string{"answer": "granted"}, nil
	})
	initConnection(t, conn, agent)

	agent.SendRequest("rev-1", "session/request_permission", map[string]any{"toolCallId": "tc-1"})

	select {
	case resp := <-agent.Responses():
		if string(resp.ID) != `"rev-1"` {
			t.Errorf("response id = %s, want %q", resp.ID, `"rev-1"`)
		}
		var result map[string]string
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if result["answer"] != "granted" {
			t.Errorf("answer = %q, want %q", result["answer"], "granted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reverse request never answered")
	}
}

func TestConnection_UnknownMethodAnswersError(t *testing.T) {
	conn, agent := newTestConnection(t)
	initConnection(t, conn, agent)

	// An inbound request for an unregistered method must be answered (with
	// a method-not-found error), not dropped: the connection read loop
	// writes the error response without tearing anything down, and the
	// connection stays usable afterwards.
	agent.SendRequest("oops-1", "no/such_method", map[string]any{})

	resp := awaitResponse(t, agent)
	if string(resp.ID) != `"oops-1"` || resp.Error == nil {
		t.Fatalf("response to unknown method = %+v, want an error for id %q", resp, `"oops-1"`)
	}

	agent.OnRequest("session/new", func(id json.RawMessage, _ json.RawMessage) {
		agent.Respond(id, map[string]any{"sessionId": "still-alive"})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.SendRequest(ctx, "session/new", map[string]any{}); err != nil {
		t.Fatalf("SendRequest() after unknown inbound method = %v, want success", err)
	}
}

func TestConnection_ShutdownCancelsInflight(t *testing.T) {
	conn, agent := newTestConnection(t)
	initConnection(t, conn, agent)

	// The agent never answers session/prompt; Shutdown must resolve it.
	agent.OnRequest("session/prompt", func(json.RawMessage, json.RawMessage) {})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), "session/prompt", map[string]any{})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("in-flight request resolved without error after Shutdown")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request never cancelled by Shutdown")
	}

	if _, err := conn.SendRequest(context.Background(), "session/new", map[string]any{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("SendRequest() after Shutdown = %v, want ErrShuttingDown", err)
	}
}
