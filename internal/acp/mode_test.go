package acp

import (
	"encoding/json"
	"testing"
)

func TestPermissionDecision_IsRejecting(t *testing.T) {
	rejecting := []PermissionDecision{DecisionRejectAlways, DecisionRejectOnce, DecisionCancel}
	for _, d := range rejecting {
		if !d.IsRejecting() {
			t.Errorf("%s.IsRejecting() = false, want true", d)
		}
	}
	for _, d := range []PermissionDecision{DecisionAllowAlways, DecisionAllowOnce} {
		if d.IsRejecting() {
			t.Errorf("%s.IsRejecting() = true, want false", d)
		}
	}
}

func TestPermissionDecision_PersistsRule(t *testing.T) {
	if !DecisionAllowAlways.PersistsRule() || !DecisionRejectAlways.PersistsRule() {
		t.Error("always decisions must persist a rule")
	}
	for _, d := range []PermissionDecision{DecisionAllowOnce, DecisionRejectOnce, DecisionCancel} {
		if d.PersistsRule() {
			t.Errorf("%s.PersistsRule() = true, want false", d)
		}
	}
}

func TestPermissionDecisionFromMode(t *testing.T) {
	if d, ok := permissionDecisionFromMode(ModeAuto); !ok || d != DecisionAllowOnce {
		t.Errorf("ModeAuto = (%s, %v), want (allow_once, true)", d, ok)
	}
	if d, ok := permissionDecisionFromMode(ModeChat); !ok || d != DecisionRejectOnce {
		t.Errorf("ModeChat = (%s, %v), want (reject_once, true)", d, ok)
	}
	for _, m := range []SessionMode{ModeApprove, ModeSmartApprove, ""} {
		if _, ok := permissionDecisionFromMode(m); ok {
			t.Errorf("mode %q auto-decided, want human fallthrough", m)
		}
	}
}

func TestRequestPermissionOutcome_MarshalJSON(t *testing.T) {
	t.Run("selected", func(t *testing.T) {
		out := mapDecisionToOutcome(DecisionAllowAlways)
		data, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		want := `{"outcome":{"outcome":"selected","optionId":"allow_always"}}`
		if string(data) != want {
			t.Errorf("Marshal() = %s, want %s", data, want)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		out := mapDecisionToOutcome(DecisionCancel)
		data, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		want := `{"outcome":{"outcome":"cancelled"}}`
		if string(data) != want {
			t.Errorf("Marshal() = %s, want %s", data, want)
		}
	})
}

func TestToolCallStatus_IsTerminal(t *testing.T) {
	if !ToolCallStatusCompleted.isTerminal() || !ToolCallStatusFailed.isTerminal() {
		t.Error("completed/failed must be terminal")
	}
	if ToolCallStatusPending.isTerminal() || ToolCallStatusInProgress.isTerminal() {
		t.Error("pending/in_progress must not be terminal")
	}
}
