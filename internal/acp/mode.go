package acp

import "encoding/json"

// SessionMode is a session-level policy that determines whether a permission
// request is auto-decided or surfaced to a human.
type SessionMode string

const (
	ModeAuto         SessionMode = "auto"
	ModeChat         SessionMode = "chat"
	ModeApprove      SessionMode = "approve"
	ModeSmartApprove SessionMode = "smart_approve"
)

// PermissionDecision is the outcome of a permission request, whether reached
// automatically (mode-driven) or by a human replying to an action-required
// message.
type PermissionDecision string

const (
	DecisionAllowAlways  PermissionDecision = "allow_always"
	DecisionAllowOnce    PermissionDecision = "allow_once"
	DecisionRejectAlways PermissionDecision = "reject_always"
	DecisionRejectOnce   PermissionDecision = "reject_once"
	DecisionCancel       PermissionDecision = "cancel"
)

// IsRejecting reports whether a decision counts as rejecting for the
// purposes of rejected-set bookkeeping.
func (d PermissionDecision) IsRejecting() bool {
	switch d {
	case DecisionRejectAlways, DecisionRejectOnce, DecisionCancel:
		return true
	default:
		return false
	}
}

// PersistsRule reports whether a decision should be written to the
// permission store as a standing allow/deny rule, as opposed to a one-shot
// decision that applies only to the current tool call.
func (d PermissionDecision) PersistsRule() bool {
	switch d {
	case DecisionAllowAlways, DecisionRejectAlways:
		return true
	default:
		return false
	}
}

// permissionDecisionFromMode is the mode-driven auto-decider. A return of
// ("", false) means the mode falls through to the human decider (Approve,
// SmartApprove).
func permissionDecisionFromMode(mode SessionMode) (PermissionDecision, bool) {
	switch mode {
	case ModeAuto:
		return DecisionAllowOnce, true
	case ModeChat:
		return DecisionRejectOnce, true
	case ModeApprove, ModeSmartApprove:
		return "", false
	default:
		return "", false
	}
}

// PermissionMapping configures how a rejected tool call's later terminal
// status is mapped to is_error. Some agents report a cancelled tool call as
// Completed with empty output; the mapping decides whether to honor that
// self-report or render it as an error anyway.
type PermissionMapping struct {
	// RejectedToolStatus is the status that, when observed on a terminal
	// update for a previously-rejected tool call, is itself considered an
	// error outcome.
	RejectedToolStatus ToolCallStatus
}

// DefaultPermissionMapping: a rejected tool call that later reports
// Completed is still surfaced as an error.
func DefaultPermissionMapping() PermissionMapping {
	return PermissionMapping{RejectedToolStatus: ToolCallStatusCompleted}
}

// RequestPermissionOutcome is a session/request_permission reply: either a
// selected option or a cancellation.
type RequestPermissionOutcome struct {
	Selected  *SelectedOutcome
	Cancelled bool
}

// SelectedOutcome carries the option id the client chose.
type SelectedOutcome struct {
	OptionID string `json:"optionId"`
}

// requestPermissionResult is the session/request_permission response's wire
// shape, nesting the discriminated outcome under a top-level "outcome" key
// per the ACP schema.
type requestPermissionResult struct {
	Outcome permissionOutcomeWire `json:"outcome"`
}

type permissionOutcomeWire struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// MarshalJSON renders RequestPermissionOutcome as the nested
// {"outcome": {"outcome": "selected"|"cancelled", "optionId": "..."}}
// wire shape session/request_permission callers expect.
func (o RequestPermissionOutcome) MarshalJSON() ([]byte, error) {
	wire := permissionOutcomeWire{Outcome: "cancelled"}
	if o.Selected != nil {
		wire.Outcome = "selected"
		wire.OptionID = o.Selected.OptionID
	}
	return json.Marshal(requestPermissionResult{Outcome: wire})
}

// permissionOptionIDs are the option ids mapDecisionToOutcome translates a
// PermissionDecision into. The session/request_permission requests the
// bridge relays to a human decider do not list them.
const (
	optionAllowAlways = "allow_always"
	optionAllowOnce   = "allow_once"
	optionRejectAlway = "reject_always"
	optionRejectOnce  = "reject_once"
)

// DecisionFromOption maps a selected option id (or a cancellation) back to
// the PermissionDecision it encodes — the inverse of mapDecisionToOutcome,
// used when a permission reply arrives over the wire instead of in-process.
// Unknown option ids resolve to Cancel.
func DecisionFromOption(optionID string, cancelled bool) PermissionDecision {
	if cancelled {
		return DecisionCancel
	}
	switch optionID {
	case optionAllowAlways:
		return DecisionAllowAlways
	case optionAllowOnce:
		return DecisionAllowOnce
	case optionRejectAlway:
		return DecisionRejectAlways
	case optionRejectOnce:
		return DecisionRejectOnce
	default:
		return DecisionCancel
	}
}

// mapDecisionToOutcome translates a PermissionDecision to the outcome sent
// back over the reverse-request reply channel.
func mapDecisionToOutcome(decision PermissionDecision) RequestPermissionOutcome {
	switch decision {
	case DecisionAllowAlways:
		return RequestPermissionOutcome{Selected: &SelectedOutcome{OptionID: optionAllowAlways}}
	case DecisionAllowOnce:
		return RequestPermissionOutcome{Selected: &SelectedOutcome{OptionID: optionAllowOnce}}
	case DecisionRejectAlways:
		return RequestPermissionOutcome{Selected: &SelectedOutcome{OptionID: optionRejectAlway}}
	case DecisionRejectOnce:
		return RequestPermissionOutcome{Selected: &SelectedOutcome{OptionID: optionRejectOnce}}
	case DecisionCancel:
		return RequestPermissionOutcome{Cancelled: true}
	default:
		return RequestPermissionOutcome{Cancelled: true}
	}
}
