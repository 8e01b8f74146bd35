package acp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/metrics"
)

// PermissionStore persists always_allow / never_allow rules keyed by a rule
// name (the tool's qualified title, e.g. "lookup__get_code"). The default
// adapter is internal/permstore's sqlite implementation; deployments may
// substitute their own, so Arbiter depends only on this interface.
type PermissionStore interface {
	AllowAlways(rule string) error
	RejectAlways(rule string) error
}

// Arbiter answers the agent's reverse session/request_permission requests,
// either automatically from the session's mode or by handing the decision
// to a human decider through the prompt stream. It owns the one-shot reply
// slot keyed by tool-call id.
type Arbiter struct {
	registry *Registry
	mapping  PermissionMapping
	store    PermissionStore

	mu      sync.Mutex
	pending map[ToolCallID]pendingReply
}

type pendingReply struct {
	sessionID SessionID
	ch        chan PermissionDecision
}

// NewArbiter builds a permission arbiter over a session registry, a
// (possibly nil) persistence store, and the configured permission mapping.
// It registers itself as the connection's session/request_permission
// handler.
func NewArbiter(conn *Connection, registry *Registry, store PermissionStore, mapping PermissionMapping) *Arbiter {
	a := &Arbiter{
		registry: registry,
		mapping:  mapping,
		store:    store,
		pending:  make(map[ToolCallID]pendingReply),
	}
	conn.RegisterRequestHandler("session/request_permission", a.handle)
	return a
}

type requestPermissionParams struct {
	SessionID  SessionID  `json:"sessionId"`
	ToolCallID ToolCallID `json:"toolCallId"`
	Title      string     `json:"title"`
	Arguments  json.RawMessage `json:"rawInput,omitempty"`
	PromptText string     `json:"promptText,omitempty"`
}

// handle is the Connection RequestHandler for session/request_permission.
// If the answering session's mode settles the decision automatically, it
// replies without ever touching the prompt stream. Otherwise it parks a
// one-shot reply slot, surfaces an UpdatePermissionRequest event through
// the session's sink for a human decider to act on, and blocks until
// HandleConfirmation fulfills the slot or ctx is cancelled — a slot
// dropped without fulfillment defaults to Cancel.
func (a *Arbiter) handle(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var req requestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
	}

	sess, err := a.registry.Get(req.SessionID)
	if err != nil {
		// A reverse request naming an unknown session answers -32603
		// rather than silently hanging the agent.
		return nil, &rpcError{Code: errCodeInternal, Message: err.Error()}
	}

	if decision, ok := permissionDecisionFromMode(sess.ModeID); ok {
		return a.finalize(sess, req.ToolCallID, req.Title, decision), nil
	}

	// With no prompt sink installed there is nobody to surface the request
	// to, so it answers -32603 rather than parking a slot nobody sees.
	sess.mu.Lock()
	hasSink := sess.sink != nil
	sess.mu.Unlock()
	if !hasSink {
		return nil, &rpcError{Code: errCodeInternal, Message: "acp: no prompt in flight for session " + string(req.SessionID)}
	}

	replyCh := make(chan PermissionDecision, 1)
	a.mu.Lock()
	a.pending[req.ToolCallID] = pendingReply{sessionID: req.SessionID, ch: replyCh}
	a.mu.Unlock()

	sess.route(&UpdateEvent{
		Kind: UpdatePermissionRequest,
		PermissionRequest: &PendingPermissionRequest{
			ToolCallID: req.ToolCallID,
			Title:      req.Title,
			Arguments:  req.Arguments,
			PromptText: req.PromptText,
		},
	})

	select {
	case decision := <-replyCh:
		return a.finalize(sess, req.ToolCallID, req.Title, decision), nil
	case <-ctx.Done():
		a.dropPending(req.ToolCallID)
		return a.finalize(sess, req.ToolCallID, req.Title, DecisionCancel), nil
	}
}

// HandleConfirmation fulfills a parked reply slot from a human decider (the
// HTTP façade's POST message endpoint, or a CLI prompt). It reports false
// if the slot no longer exists — already answered, timed out, or never
// opened.
func (a *Arbiter) HandleConfirmation(toolCallID ToolCallID, decision PermissionDecision) bool {
	a.mu.Lock()
	p, ok := a.pending[toolCallID]
	if ok {
		delete(a.pending, toolCallID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- decision
	return true
}

// CancelSession resolves every reply slot belonging to sessionID to Cancel.
// Called when a session is closed out from under a pending human decision.
func (a *Arbiter) CancelSession(sessionID SessionID) {
	a.mu.Lock()
	var toCancel []chan PermissionDecision
	for id, p := range a.pending {
		if p.sessionID == sessionID {
			toCancel = append(toCancel, p.ch)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()
	for _, ch := range toCancel {
		ch <- DecisionCancel
	}
}

func (a *Arbiter) dropPending(toolCallID ToolCallID) {
	a.mu.Lock()
	delete(a.pending, toolCallID)
	a.mu.Unlock()
}

// finalize records the decision's effects — RejectedSet membership, audit
// log, metrics, and rule persistence — and returns the wire outcome sent
// back to the agent as the RPC result.
func (a *Arbiter) finalize(sess *Session, toolCallID ToolCallID, title string, decision PermissionDecision) RequestPermissionOutcome {
	if decision.IsRejecting() {
		sess.rejected.add(toolCallID)
	}

	metrics.RecordPermissionDecision(string(decision))
	DefaultAuditLogger().LogPermissionDecision(string(sess.ID), string(toolCallID), title, decision)

	if decision.PersistsRule() && a.store != nil {
		var err error
		switch decision {
		case DecisionAllowAlways:
			err = a.store.AllowAlways(title)
		case DecisionRejectAlways:
			err = a.store.RejectAlways(title)
		}
		if err != nil {
			logger.Error("acp: failed to persist permission rule %q: %v", title, err)
		}
	}

	return mapDecisionToOutcome(decision)
}
