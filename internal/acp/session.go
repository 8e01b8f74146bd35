package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/mcpconfig"
	"github.com/HyphaGroup/acp-bridge/internal/metrics"
)

// updateSinkCapacity bounds the channel between the connection's
// notification handler and the prompt engine's consumer.
const updateSinkCapacity = 64

// Session is one logical conversation. sink is the
// single-producer/single-consumer channel notifications are routed into;
// it is installed at prompt-start and torn down at prompt-end. There is one
// sink slot per session: a new prompt replaces (and closes) the sink of a
// prompt still draining, so only the newest prompt receives updates.
type Session struct {
	ID         SessionID
	WorkDir    string
	MCPServers []ToolDefinition
	ModeID     SessionMode

	mu           sync.Mutex
	sink         chan *UpdateEvent
	generation   uint64
	lastActivity time.Time

	rejected *rejectedSet
}

// touch records activity against the session's idle clock (janitor.go's
// reaper consults this through Registry.IdleSessions).
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// rejectedSet tracks ToolCallIds whose permission request was rejected,
// consumed exactly once at the matching terminal tool-call update.
type rejectedSet struct {
	mu  sync.Mutex
	ids map[ToolCallID]struct{}
}

func newRejectedSet() *rejectedSet {
	return &rejectedSet{ids: make(map[ToolCallID]struct{})}
}

func (s *rejectedSet) add(id ToolCallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// consume reports whether id was rejected and removes it atomically.
func (s *rejectedSet) consume(id ToolCallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	if ok {
		delete(s.ids, id)
	}
	return ok
}

// Registry is the session multiplexer: maps a session id to its per-session
// update channel (one prompt sink per session; see installPromptSink). Its
// lock is held only across O(1) map operations.
type Registry struct {
	conn *Connection

	mu       sync.RWMutex
	sessions map[SessionID]*Session

	arbiter *Arbiter
}

// NewRegistry creates a session registry bound to a live connection. It
// registers the session/update notification handler so the connection routes every
// incoming update to the right session automatically.
func NewRegistry(conn *Connection) *Registry {
	r := &Registry{conn: conn, sessions: make(map[SessionID]*Session)}
	conn.RegisterNotificationHandler("session/update", r.handleSessionUpdate)
	return r
}

// NewSessionParams carries everything session creation needs.
type NewSessionParams struct {
	WorkDir       string
	MCPServers    []mcpconfig.Server
	BuiltinTools  []ToolDefinition
	SessionModeID SessionMode // empty = no explicit mode set
}

type sessionNewRequest struct {
	Cwd        string          `json:"cwd"`
	MCPServers []mcpServerWire `json:"mcpServers"`
}

// mcpServerWire is the session/new wire shape for one MCP server entry,
// carrying enough for the agent to dial it itself (the agent connects to
// MCP servers, not the bridge).
type mcpServerWire struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type sessionNewResult struct {
	SessionID      SessionID `json:"sessionId"`
	AvailableModes []string  `json:"availableModes,omitempty"`
}

type sessionSetModeRequest struct {
	SessionID SessionID `json:"sessionId"`
	ModeID    string    `json:"modeId"`
}

// NewSession issues session/new and, if a mode is configured, verifies it
// against availableModes and issues session/set_mode.
func (r *Registry) NewSession(ctx context.Context, p NewSessionParams) (SessionID, error) {
	wire := make([]mcpServerWire, 0, len(p.MCPServers))
	for _, s := range p.MCPServers {
		wire = append(wire, mcpServerWire{Name: s.Name, Command: s.Command, Args: s.Args, Env: s.Env, URL: s.URL})
	}

	raw, err := r.conn.SendRequest(ctx, "session/new", sessionNewRequest{Cwd: p.WorkDir, MCPServers: wire})
	if err != nil {
		return "", &SessionRejectedError{Cause: err}
	}

	var result sessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &SessionRejectedError{Cause: err}
	}

	sessionID := result.SessionID
	if sessionID == "" {
		// Agents that don't assign their own id get one minted here.
		sessionID = SessionID(uuid.New().String())
	}

	if p.SessionModeID != "" {
		if !containsMode(result.AvailableModes, string(p.SessionModeID)) {
			return "", &SessionModeUnavailableError{Requested: string(p.SessionModeID), Available: result.AvailableModes}
		}
		if _, err := r.conn.SendRequest(ctx, "session/set_mode", sessionSetModeRequest{
			SessionID: sessionID,
			ModeID:    string(p.SessionModeID),
		}); err != nil {
			return "", &SessionRejectedError{Cause: fmt.Errorf("session/set_mode: %w", err)}
		}
	}

	tools := append([]ToolDefinition{}, p.BuiltinTools...)
	for _, s := range p.MCPServers {
		tools = append(tools, ToolDefinition{Name: s.Name})
	}

	sess := &Session{
		ID:           sessionID,
		WorkDir:      p.WorkDir,
		MCPServers:   tools,
		ModeID:       p.SessionModeID,
		rejected:     newRejectedSet(),
		lastActivity: time.Now(),
	}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	metrics.RecordSessionStart()
	DefaultAuditLogger().Log(&AuditEvent{Operation: AuditSessionCreated, SessionID: string(sessionID), Success: true})

	return sessionID, nil
}

func containsMode(modes []string, want string) bool {
	for _, m := range modes {
		if m == want {
			return true
		}
	}
	return false
}

// Get returns the live Session for id, or an UnknownSessionError.
func (r *Registry) Get(id SessionID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, &UnknownSessionError{ID: id}
	}
	return s, nil
}

// IdleSessions returns the ids of every session whose last observed
// activity is older than cutoff, for janitor.go's reaper.
func (r *Registry) IdleSessions(cutoff time.Time) []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []SessionID
	for id, sess := range r.sessions {
		sess.mu.Lock()
		last := sess.lastActivity
		sess.mu.Unlock()
		if last.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// SetArbiter wires the permission arbiter so Close can resolve any
// permission request still pending against a session being torn down,
// rather than leaving it orphaned. The construction order in main is
// NewRegistry then NewArbiter(registry, ...), so this is called once
// right after the arbiter exists.
func (r *Registry) SetArbiter(a *Arbiter) {
	r.mu.Lock()
	r.arbiter = a
	r.mu.Unlock()
}

// Close tears the session down and removes it from the registry.
func (r *Registry) Close(id SessionID, status string, durationSeconds float64) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	arbiter := r.arbiter
	r.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.sink != nil {
		close(sess.sink)
		sess.sink = nil
	}
	sess.mu.Unlock()

	if arbiter != nil {
		arbiter.CancelSession(id)
	}

	metrics.RecordSessionEnd(status, durationSeconds)
	DefaultAuditLogger().Log(&AuditEvent{Operation: AuditSessionClosed, SessionID: string(id), Success: true})
}

// installPromptSink installs a fresh bounded update channel for a prompt.
// A prompt issued while a previous one is still draining overwrites the
// slot rather than rejecting it; the old channel is closed so its consumer
// observes a clean end-of-stream instead of hanging.
func (s *Session) installPromptSink() (<-chan *UpdateEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink != nil {
		close(s.sink)
	}
	s.generation++
	myGen := s.generation
	ch := make(chan *UpdateEvent, updateSinkCapacity)
	s.sink = ch

	guard := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation == myGen && s.sink == ch {
			close(s.sink)
			s.sink = nil
		}
	}
	return ch, guard
}

// route try-sends an update event to the session's current sink, dropping
// (with a log and a metric) if it's full, so the connection runtime's
// notification handler never blocks on a slow prompt consumer.
//
// The send happens while holding s.mu — the same mutex installPromptSink,
// its guard, and Registry.Close take before closing the sink — so a close
// can never race a send from another goroutine. The send is non-blocking,
// so the lock is never held across a wait.
func (s *Session) route(ev *UpdateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	if s.sink == nil {
		return
	}
	select {
	case s.sink <- ev:
		return
	default:
	}

	if ev.Kind == UpdateComplete || ev.Kind == UpdateError {
		// A terminal event must reach the consumer: evict the oldest
		// buffered update to make room. Holding s.mu makes this sender the
		// only one, so after the eviction the send below cannot fail.
		select {
		case dropped := <-s.sink:
			logger.Error("acp: evicting %s update for session %s to deliver terminal event", dropped.Kind, s.ID)
			metrics.RecordLineDrop("to_prompt_sink")
		default:
		}
		select {
		case s.sink <- ev:
		default:
		}
		return
	}

	logger.Error("acp: dropping update for session %s: sink full", s.ID)
	metrics.RecordLineDrop("to_prompt_sink")
}

func (r *Registry) handleSessionUpdate(params json.RawMessage) {
	var notif sessionUpdateNotification
	if err := json.Unmarshal(params, &notif); err != nil {
		logger.Error("acp: malformed session/update: %v", err)
		return
	}

	sess, err := r.Get(notif.SessionID)
	if err != nil {
		logger.Error("acp: session/update for unknown session %s", notif.SessionID)
		return
	}

	ev, err := projectSessionUpdate(&notif.Update)
	if err != nil {
		logger.Error("acp: %v", err)
		return
	}
	if ev == nil {
		return
	}
	sess.route(ev)
}
