package acp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/acp-bridge/internal/acp/acptest"
)

type outcomeWire struct {
	Outcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId"`
	} `json:"outcome"`
}

func decodeOutcome(t *testing.T, raw json.RawMessage) outcomeWire {
	t.Helper()
	var o outcomeWire
	if err := json.Unmarshal(raw, &o); err != nil {
		t.Fatalf("unmarshal permission outcome %s: %v", raw, err)
	}
	return o
}

func awaitResponse(t *testing.T, agent *acptest.FakeAgent) acptest.Response {
	t.Helper()
	select {
	case resp := <-agent.Responses():
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("no response to reverse request")
		return acptest.Response{}
	}
}

func permissionRequestWire(sid SessionID, toolCallID, title string) map[string]any {
	return map[string]any{
		"sessionId":  string(sid),
		"toolCallId": toolCallID,
		"title":      title,
		"rawInput":   map[string]any{},
	}
}

// runHumanPermissionScenario drives a prompt whose tool call triggers a
// reverse permission request, answered by a human decider with decision,
// after which the agent reports the tool call terminal with completeStatus.
func runHumanPermissionScenario(t *testing.T, rig *testRig, decision PermissionDecision, completeStatus string) (items []StreamItem, outcome outcomeWire) {
	t.Helper()
	sid := rig.newSession("sess-perm", []string{"approve"}, ModeApprove)

	promptID := make(chan json.RawMessage, 1)
	rig.agent.OnRequest("session/prompt", func(id json.RawMessage, _ json.RawMessage) {
		promptID <- id
		rig.agent.Notify("session/update", toolCallStartWire(sid, "tc-1", acptest.LookupToolTitle, map[string]any{}))
		rig.agent.SendRequest("perm-1", "session/request_permission", permissionRequestWire(sid, "tc-1", acptest.LookupToolTitle))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := rig.engine.Stream(ctx, sid, []Message{{Role: "user", Text: "Use the get_code tool and output only its result.", AgentVisible: true}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	// Consume until the action-required message surfaces, reply, then let
	// the agent finish the tool call and the prompt.
	for item := range out {
		items = append(items, item)
		if item.Message != nil && item.Message.ActionRequired != nil {
			break
		}
	}
	if len(items) == 0 || items[len(items)-1].Message == nil || items[len(items)-1].Message.ActionRequired == nil {
		t.Fatal("stream ended without an action-required message")
	}
	ar := items[len(items)-1].Message.ActionRequired
	if ar.ToolCallID != "tc-1" || ar.Title != acptest.LookupToolTitle {
		t.Fatalf("ActionRequired = %+v, want tc-1/%s", ar, acptest.LookupToolTitle)
	}

	if !rig.arbiter.HandleConfirmation("tc-1", decision) {
		t.Fatal("HandleConfirmation() = false, want fulfilled slot")
	}
	outcome = decodeOutcome(t, awaitResponse(t, rig.agent).Result)

	rig.agent.Notify("session/update", toolCallCompleteWire(sid, "tc-1", completeStatus, ""))
	rig.agent.Respond(<-promptID, map[string]any{"stopReason": "end_turn"})

	items = append(items, drainAll(out)...)
	return items, outcome
}

func findToolResponse(items []StreamItem) *Message {
	for _, item := range items {
		if item.Message != nil && item.Message.ToolCallID != "" && item.Message.ToolName == "" {
			return item.Message
		}
	}
	return nil
}

func TestArbiter_AllowAlways(t *testing.T) {
	rig := newTestRig(t, DefaultPermissionMapping())
	items, outcome := runHumanPermissionScenario(t, rig, DecisionAllowAlways, "completed")

	if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "allow_always" {
		t.Errorf("outcome = %+v, want selected/allow_always", outcome)
	}
	toolResp := findToolResponse(items)
	if toolResp == nil || toolResp.IsError {
		t.Errorf("tool response = %+v, want IsError=false", toolResp)
	}

	snapshot, err := rig.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !strings.Contains(snapshot, "always_allow:\n  - lookup__get_code") {
		t.Errorf("store snapshot %q missing always_allow rule", snapshot)
	}
}

func TestArbiter_RejectAlways(t *testing.T) {
	rig := newTestRig(t, DefaultPermissionMapping())
	items, outcome := runHumanPermissionScenario(t, rig, DecisionRejectAlways, "failed")

	if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "reject_always" {
		t.Errorf("outcome = %+v, want selected/reject_always", outcome)
	}
	toolResp := findToolResponse(items)
	if toolResp == nil || !toolResp.IsError {
		t.Errorf("tool response = %+v, want IsError=true", toolResp)
	}

	snapshot, err := rig.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !strings.Contains(snapshot, "never_allow:\n  - lookup__get_code") {
		t.Errorf("store snapshot %q missing never_allow rule", snapshot)
	}
}

func TestArbiter_Cancel(t *testing.T) {
	rig := newTestRig(t, DefaultPermissionMapping())
	// The agent reports the cancelled call as Completed with empty output;
	// the default mapping still renders it as an error.
	items, outcome := runHumanPermissionScenario(t, rig, DecisionCancel, "completed")

	if outcome.Outcome.Outcome != "cancelled" {
		t.Errorf("outcome = %+v, want cancelled", outcome)
	}
	toolResp := findToolResponse(items)
	if toolResp == nil || !toolResp.IsError {
		t.Errorf("tool response = %+v, want IsError=true", toolResp)
	}

	snapshot, err := rig.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if strings.Contains(snapshot, "lookup__get_code") {
		t.Errorf("store snapshot %q has a persisted rule for a Cancel decision", snapshot)
	}
}

func TestArbiter_RejectedButCompletedHonorsMapping(t *testing.T) {
	// With rejected_tool_status=failed, a rejected call the agent reports
	// as Completed is taken at the agent's word.
	rig := newTestRig(t, PermissionMapping{RejectedToolStatus: ToolCallStatusFailed})
	items, _ := runHumanPermissionScenario(t, rig, DecisionRejectOnce, "completed")

	toolResp := findToolResponse(items)
	if toolResp == nil || toolResp.IsError {
		t.Errorf("tool response = %+v, want IsError=false under failed-only mapping", toolResp)
	}
}

func TestArbiter_ModeAuto(t *testing.T) {
	rig := newTestRig(t, DefaultPermissionMapping())
	sid := rig.newSession("sess-auto", []string{"auto"}, ModeAuto)

	rig.agent.SendRequest("perm-auto", "session/request_permission", permissionRequestWire(sid, "tc-1", acptest.LookupToolTitle))
	outcome := decodeOutcome(t, awaitResponse(t, rig.agent).Result)
	if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "allow_once" {
		t.Errorf("outcome = %+v, want selected/allow_once", outcome)
	}
}

func TestArbiter_ModeChatRejects(t *testing.T) {
	rig := newTestRig(t, DefaultPermissionMapping())
	sid := rig.newSession("sess-chat", []string{"chat"}, ModeChat)

	rig.agent.SendRequest("perm-chat", "session/request_permission", permissionRequestWire(sid, "tc-1", acptest.LookupToolTitle))
	outcome := decodeOutcome(t, awaitResponse(t, rig.agent).Result)
	if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "reject_once" {
		t.Errorf("outcome = %+v, want selected/reject_once", outcome)
	}

	// The rejection is recorded: the later Completed report maps to
	// is_error under the default mapping.
	sess, err := rig.registry.Get(sid)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rig.engine.toolCallIsError(sess, "tc-1", ToolCallStatusCompleted) {
		t.Error("toolCallIsError() = false for a mode-rejected completed call, want true")
	}
	// Consumed exactly once.
	if rig.engine.toolCallIsError(sess, "tc-1", ToolCallStatusCompleted) {
		t.Error("toolCallIsError() = true on second consumption, want false")
	}
}

func TestArbiter_UnknownSessionAnswersInternalError(t *testing.T) {
	rig := newTestRig(t, DefaultPermissionMapping())

	rig.agent.SendRequest("perm-x", "session/request_permission", permissionRequestWire("no-such", "tc-1", "t"))
	resp := awaitResponse(t, rig.agent)
	if resp.Error == nil {
		t.Fatalf("response = %+v, want JSON-RPC error for unknown session", resp)
	}
}

func TestArbiter_CancelSessionResolvesPending(t *testing.T) {
	rig := newTestRig(t, DefaultPermissionMapping())
	sid := rig.newSession("sess-close", []string{"approve"}, ModeApprove)

	sess, err := rig.registry.Get(sid)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// Install a sink so the arbiter has somewhere to surface the request.
	_, guard := sess.installPromptSink()
	defer guard()

	rig.agent.SendRequest("perm-close", "session/request_permission", permissionRequestWire(sid, "tc-1", acptest.LookupToolTitle))

	// Give the arbiter a moment to park the reply slot, then tear the
	// session down under it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rig.arbiter.mu.Lock()
		_, parked := rig.arbiter.pending["tc-1"]
		rig.arbiter.mu.Unlock()
		if parked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reply slot never parked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rig.registry.Close(sid, "test", 0)

	outcome := decodeOutcome(t, awaitResponse(t, rig.agent).Result)
	if outcome.Outcome.Outcome != "cancelled" {
		t.Errorf("outcome = %+v, want cancelled after session close", outcome)
	}
}
