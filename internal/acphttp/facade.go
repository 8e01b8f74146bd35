package acphttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/HyphaGroup/acp-bridge/internal/acp"
	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/metrics"
)

// sseKeepAlive is the interval between keep-alive comments on an open SSE
// stream.
const sseKeepAlive = 15 * time.Second

// httpSession is one HTTP-exposed conversation: a pair of bounded line
// channels bridged to the core stack by an agentTask, so the HTTP wire
// looks like stdio to everything below it.
type httpSession struct {
	id acp.SessionID

	toAgent   chan string
	fromAgent chan string

	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// close tears the session's duplex down: the done signal unblocks the
// reader (EOF), fails further writes with broken-pipe, and cancels the
// agent task.
func (s *httpSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// Facade is the HTTP façade: it owns the per-session duplexes and serves
// session creation, raw-line message submission, and the SSE event stream,
// multiplexing many HTTP callers onto the one shared core stack.
type Facade struct {
	registry *acp.Registry
	engine   *acp.Engine
	arbiter  *acp.Arbiter
	defaults acp.NewSessionParams

	mu       sync.Mutex
	sessions map[acp.SessionID]*httpSession
}

// NewFacade builds the façade over an already-wired connection triple.
func NewFacade(registry *acp.Registry, engine *acp.Engine, arbiter *acp.Arbiter, defaults acp.NewSessionParams) *Facade {
	return &Facade{
		registry: registry,
		engine:   engine,
		arbiter:  arbiter,
		defaults: defaults,
		sessions: make(map[acp.SessionID]*httpSession),
	}
}

// Handler builds the full middleware-wrapped mux. Every route, /health and
// /metrics included, passes through the rate limiter, CORS, request logging
// and the metrics middleware; no route is authenticated.
func (f *Facade) Handler(limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", f.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("POST /acp/session", f.handleCreateSession)
	mux.HandleFunc("POST /acp/session/{id}/message", f.handleSendMessage)
	mux.HandleFunc("GET /acp/session/{id}/stream", f.handleStream)

	limited := RateLimitMiddleware(limiter)(mux)
	return metrics.Middleware(LoggingMiddleware(CORSMiddleware(limited)))
}

func (f *Facade) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

type createSessionResponse struct {
	SessionID acp.SessionID `json:"session_id"`
}

// handleCreateSession creates a core session, wires its two bounded line
// channels, and starts the agent task serving the duplex.
func (f *Facade) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := f.registry.NewSession(r.Context(), f.defaults)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	sess := &httpSession{
		id:        sessionID,
		toAgent:   make(chan string, duplexCapacity),
		fromAgent: make(chan string, duplexCapacity),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	task := newAgentTask(f.registry, f.engine, f.arbiter, sessionID,
		newChanReader(sess.toAgent, sess.done),
		newChanWriter(sess.fromAgent, sess.done))
	go task.run(ctx)

	f.mu.Lock()
	f.sessions[sessionID] = sess
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createSessionResponse{SessionID: sessionID})
}

func (f *Facade) getSession(id acp.SessionID) (*httpSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

// removeSession drops the HTTP session, aborts its agent task, and closes
// the underlying core session.
func (f *Facade) removeSession(id acp.SessionID) {
	f.mu.Lock()
	sess, ok := f.sessions[id]
	if ok {
		delete(f.sessions, id)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	sess.close()
	f.registry.Close(id, "stream_closed", 0)
	logger.Info("acphttp: session %s removed", id)
}

// handleSendMessage enqueues one raw JSON-RPC line onto the session's
// to-agent channel: 202 on success, 404 for an unknown session, 500 if the
// session's duplex has been torn down.
func (f *Facade) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := acp.SessionID(r.PathValue("id"))

	sess, ok := f.getSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session %s", sessionID))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	select {
	case <-sess.done:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("session %s channel closed", sessionID))
		return
	default:
	}
	select {
	case sess.toAgent <- string(body):
		w.WriteHeader(http.StatusAccepted)
	case <-sess.done:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("session %s channel closed", sessionID))
	}
}

// handleStream serves the SSE event stream: one from-agent line per event,
// a keep-alive comment every 15 seconds. Closing the stream removes the
// session and aborts the agent task.
func (f *Facade) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := acp.SessionID(r.PathValue("id"))

	sess, ok := f.getSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session %s", sessionID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer f.removeSession(sessionID)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case line := <-sess.fromAgent:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-sess.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
