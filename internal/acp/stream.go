package acp

import (
	"context"
	"encoding/json"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/metrics"
)

// Engine is the prompt stream engine: it drives a session/prompt
// request/response cycle while projecting the interleaved session/update
// notifications it receives into caller-facing Messages.
type Engine struct {
	registry *Registry
	conn     *Connection
	arbiter  *Arbiter
	mapping  PermissionMapping
}

// NewEngine builds the prompt stream engine over a session registry and
// permission arbiter sharing the same connection.
func NewEngine(conn *Connection, registry *Registry, arbiter *Arbiter, mapping PermissionMapping) *Engine {
	return &Engine{registry: registry, conn: conn, arbiter: arbiter, mapping: mapping}
}

// StreamItem is one element of Stream's lazy sequence: a Message, a Usage
// update, or a terminal error.
type StreamItem struct {
	Message *Message
	Usage   *Usage
	Err     error
}

type sessionPromptRequest struct {
	SessionID SessionID      `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type sessionPromptResult struct {
	StopReason string `json:"stopReason"`
	Usage      *Usage `json:"usage,omitempty"`
}

// Stream issues one prompt and returns its lazy item sequence. The returned
// channel is closed when the sequence terminates (Complete or Error).
//
// Input projection: only the last user-role, agent-visible message in
// messages is sent as the prompt; everything else is ignored, because the
// agent maintains its own conversational state.
func (e *Engine) Stream(ctx context.Context, sessionID SessionID, messages []Message) (<-chan StreamItem, error) {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.touch()

	prompt := projectInput(messages)
	sink, guard := sess.installPromptSink()
	out := make(chan StreamItem, updateSinkCapacity)

	go e.drain(sess, sink, out)
	go e.runPrompt(ctx, sess, guard, prompt)

	return out, nil
}

// drain consumes the session's update sink, projecting each UpdateEvent to
// zero or one StreamItem, until a terminal Complete/Error event closes it
// out. Updates are emitted in receipt order; no reordering is performed.
func (e *Engine) drain(sess *Session, sink <-chan *UpdateEvent, out chan<- StreamItem) {
	defer close(out)
	for ev := range sink {
		item, terminal := e.projectUpdateEvent(sess, ev)
		if item != nil {
			out <- *item
		}
		if terminal {
			return
		}
	}
}

// runPrompt issues session/prompt and, on completion, pushes the terminal
// UpdateEvent into the session's sink so drain() observes it in order
// relative to any trailing notifications already queued ahead of it.
func (e *Engine) runPrompt(ctx context.Context, sess *Session, guard func(), prompt []ContentBlock) {
	defer guard()

	raw, err := e.conn.SendRequest(ctx, "session/prompt", sessionPromptRequest{SessionID: sess.ID, Prompt: prompt})
	if err != nil {
		sess.route(&UpdateEvent{Kind: UpdateError, Err: err})
		return
	}

	var result sessionPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		sess.route(&UpdateEvent{Kind: UpdateError, Err: err})
		return
	}
	sess.route(&UpdateEvent{Kind: UpdateComplete, StopReason: result.StopReason})
}

// projectInput selects the last user-role, agent-visible message and
// converts it to the prompt's content blocks.
func projectInput(messages []Message) []ContentBlock {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == "user" && m.AgentVisible {
			if m.Text == "" {
				return nil
			}
			return []ContentBlock{TextBlock(m.Text)}
		}
	}
	return nil
}

// projectUpdateEvent maps one internal update event to zero or one outbound
// item. The bool return reports whether the event is terminal (Complete or
// Error).
func (e *Engine) projectUpdateEvent(sess *Session, ev *UpdateEvent) (*StreamItem, bool) {
	switch ev.Kind {
	case UpdateText:
		return &StreamItem{Message: &Message{Role: "assistant", Text: ev.Text, AgentVisible: true}}, false

	case UpdateThought:
		return &StreamItem{Message: &Message{Role: "assistant", Thinking: ev.Text, AgentVisible: false}}, false

	case UpdateToolCallStart:
		return &StreamItem{Message: &Message{
			Role:       "assistant",
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.Title,
			Arguments:  ev.RawInput,
			AgentVisible: true,
		}}, false

	case UpdateToolCallComplete:
		isError := e.toolCallIsError(sess, ev.ToolCallID, ev.Status)
		metrics.RecordToolCall(ev.Title, string(ev.Status))
		return &StreamItem{Message: &Message{
			Role:         "assistant",
			ToolCallID:   ev.ToolCallID,
			Body:         JoinText(ev.Content),
			IsError:      isError,
			AgentVisible: true,
		}}, false

	case UpdatePermissionRequest:
		// Routed by the arbiter when a human decider is in play; surfaced
		// as a single action-required message while the arbiter waits.
		if ev.PermissionRequest == nil {
			return nil, false
		}
		return &StreamItem{Message: buildActionRequiredMessage(ev.PermissionRequest)}, false

	case UpdateComplete:
		return &StreamItem{}, true

	case UpdateError:
		return &StreamItem{Err: ev.Err}, true

	default:
		logger.Error("acp: unknown update event kind %q", ev.Kind)
		return nil, false
	}
}

// toolCallIsError decides the is_error flag for a terminal tool-call
// status. The rejected-set entry is consumed at most once, at this
// boundary. A rejection recorded after this notification has been
// processed is not seen here and stays in the set.
func (e *Engine) toolCallIsError(sess *Session, id ToolCallID, status ToolCallStatus) bool {
	wasRejected := sess.rejected.consume(id)
	switch status {
	case ToolCallStatusFailed:
		return true
	case ToolCallStatusCompleted:
		return wasRejected && e.mapping.RejectedToolStatus == ToolCallStatusCompleted
	default:
		return false
	}
}

// projectSessionUpdate converts a wire session/update payload into the
// internal UpdateEvent. Non-terminal tool-call statuses are not surfaced.
func projectSessionUpdate(p *sessionUpdatePayload) (*UpdateEvent, error) {
	switch p.SessionUpdate {
	case wireAgentMessageChunk, wireAgentThoughtChunk:
		var block ContentBlock
		if len(p.Content) > 0 {
			if err := json.Unmarshal(p.Content, &block); err != nil {
				return nil, err
			}
		}
		if p.SessionUpdate == wireAgentMessageChunk {
			return &UpdateEvent{Kind: UpdateText, Text: block.Text}, nil
		}
		return &UpdateEvent{Kind: UpdateThought, Text: block.Text}, nil

	case wireToolCall:
		return &UpdateEvent{
			Kind:       UpdateToolCallStart,
			ToolCallID: p.ToolCallID,
			Title:      p.Title,
			RawInput:   p.RawInput,
		}, nil

	case wireToolCallUpdate:
		if !p.Status.isTerminal() {
			return nil, nil
		}
		var content []ContentBlock
		if len(p.Content) > 0 {
			if err := json.Unmarshal(p.Content, &content); err != nil {
				return nil, err
			}
		}
		return &UpdateEvent{
			Kind:       UpdateToolCallComplete,
			ToolCallID: p.ToolCallID,
			Status:     p.Status,
			Content:    content,
		}, nil

	default:
		return nil, nil
	}
}

// buildActionRequiredMessage builds the one message carrying the fields a
// human decider needs.
func buildActionRequiredMessage(req *PendingPermissionRequest) *Message {
	return &Message{
		Role:         "system",
		AgentVisible: true,
		ActionRequired: &ActionRequired{
			ToolCallID: req.ToolCallID,
			Title:      req.Title,
			Arguments:  req.Arguments,
			PromptText: req.PromptText,
		},
	}
}
