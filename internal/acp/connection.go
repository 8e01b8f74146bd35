package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
)

// ErrNotInitialized is returned when a prompt (or any post-handshake
// request) is attempted before the initialize handshake completes.
var ErrNotInitialized = fmt.Errorf("acp: connection not initialized")

// ErrShuttingDown is the cancellation error delivered to in-flight outbound
// requests when Shutdown drains the connection.
var ErrShuttingDown = fmt.Errorf("acp: connection shutting down")

// RequestHandler answers a reverse-direction (agent → client) request.
type RequestHandler func(ctx context.Context, params json.RawMessage) (result any, err *rpcError)

// NotificationHandler processes an inbound notification, e.g. session/update.
type NotificationHandler func(params json.RawMessage)

// Connection is the bidirectional JSON-RPC runtime. It maintains two maps —
// outbound pending requests keyed by correlation id, and a table of method
// handlers for inbound requests/notifications — and dispatches every
// incoming frame to exactly one of: a pending outbound request's completion
// slot, an inbound request handler, or an inbound notification handler.
// Either peer may initiate a request at any time.
type Connection struct {
	transport *Transport
	nextID    atomic.Int64

	mu              sync.Mutex
	pending         map[string]chan *envelope
	reqHandlers     map[string]RequestHandler
	notifyHandlers  map[string]NotificationHandler
	initialized     bool
	initDone        chan struct{}
	closed          bool
	closeErr        error

	readLoopDone chan struct{}
}

// NewConnection wraps a Transport with request/response bookkeeping and
// starts its read loop in the background. Call RegisterRequestHandler /
// RegisterNotificationHandler before traffic starts flowing.
func NewConnection(t *Transport) *Connection {
	c := &Connection{
		transport:      t,
		pending:        make(map[string]chan *envelope),
		reqHandlers:    make(map[string]RequestHandler),
		notifyHandlers: make(map[string]NotificationHandler),
		initDone:       make(chan struct{}),
		readLoopDone:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// RegisterRequestHandler installs the handler invoked for inbound requests
// of the given method (e.g. "session/request_permission").
func (c *Connection) RegisterRequestHandler(method string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqHandlers[method] = h
}

// RegisterNotificationHandler installs the handler invoked for inbound
// notifications of the given method (e.g. "session/update").
func (c *Connection) RegisterNotificationHandler(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandlers[method] = h
}

func (c *Connection) readLoop() {
	defer close(c.readLoopDone)
	for {
		env, err := c.transport.ReadFrame()
		if err != nil {
			c.teardown(fmt.Errorf("acp: transport closed: %w", err))
			return
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env *envelope) {
	switch {
	case env.isResponse():
		c.resolvePending(env)
	case env.isRequest():
		c.handleInboundRequest(env)
	case env.isNotification():
		c.handleInboundNotification(env)
	default:
		logger.Error("acp: unroutable frame: %+v", env)
	}
}

func (c *Connection) resolvePending(env *envelope) {
	key := string(env.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		logger.Error("acp: response for unknown request id %s", key)
		return
	}
	ch <- env
}

func (c *Connection) handleInboundRequest(env *envelope) {
	c.mu.Lock()
	h, ok := c.reqHandlers[env.Method]
	c.mu.Unlock()

	if !ok {
		c.transport.TryWriteFrame(newErrorEnvelope(env.ID, errCodeMethodNotFnd, "unknown method: "+env.Method), "to_agent")
		return
	}

	// Reverse requests must not block the read loop for long — the arbiter
	// path (session/request_permission) awaits a human decision, so it runs
	// on its own goroutine. Concurrent in-flight reverse requests on the
	// same session are permitted.
	go func() {
		result, rpcErr := h(context.Background(), env.Params)
		if rpcErr != nil {
			c.transport.TryWriteFrame(newErrorEnvelope(env.ID, rpcErr.Code, rpcErr.Message), "to_agent")
			return
		}
		resp, err := newResultEnvelope(env.ID, result)
		if err != nil {
			c.transport.TryWriteFrame(newErrorEnvelope(env.ID, errCodeInternal, err.Error()), "to_agent")
			return
		}
		c.transport.TryWriteFrame(resp, "to_agent")
	}()
}

func (c *Connection) handleInboundNotification(env *envelope) {
	c.mu.Lock()
	h, ok := c.notifyHandlers[env.Method]
	c.mu.Unlock()
	if !ok {
		return
	}
	h(env.Params)
}

// SendRequest issues an outbound request and blocks for its response.
// Except for "initialize" itself, every request is gated on the handshake
// having completed.
func (c *Connection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method != "initialize" && !c.isInitialized() {
		return nil, ErrNotInitialized
	}
	return c.sendRequestUnchecked(ctx, method, params)
}

func (c *Connection) sendRequestUnchecked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	env, err := newRequestEnvelope(id, method, params)
	if err != nil {
		return nil, err
	}

	idKey := string(env.ID)
	replyCh := make(chan *envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	c.pending[idKey] = replyCh
	c.mu.Unlock()

	if err := c.transport.WriteFrame(env); err != nil {
		c.mu.Lock()
		delete(c.pending, idKey)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			if resp.ID == nil {
				// Synthesized by teardown: report the teardown cause itself
				// (e.g. ErrShuttingDown), not a wire error.
				if cause := c.Err(); cause != nil {
					return nil, cause
				}
			}
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, idKey)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNotification issues a fire-and-forget outbound notification.
func (c *Connection) SendNotification(method string, params any) error {
	env, err := newNotificationEnvelope(method, params)
	if err != nil {
		return err
	}
	return c.transport.WriteFrame(env)
}

// Initialize performs the mandatory handshake. Failure is fatal to the
// connection.
func (c *Connection) Initialize(ctx context.Context, params any) (json.RawMessage, error) {
	result, err := c.sendRequestUnchecked(ctx, "initialize", params)
	if err != nil {
		hErr := &HandshakeError{Cause: err}
		c.teardown(hErr)
		return nil, hErr
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	close(c.initDone)
	return result, nil
}

func (c *Connection) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// WaitInitialized blocks until the handshake completes or ctx is done.
func (c *Connection) WaitInitialized(ctx context.Context) error {
	select {
	case <-c.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels in-flight outbound requests with ErrShuttingDown and
// closes the transport: it waits for a write already in progress, marks the
// transport closed so later writes fail with ErrBrokenPipe, and closes the
// write side when it is an io.Closer.
func (c *Connection) Shutdown() {
	c.teardown(ErrShuttingDown)

	c.transport.writeMu.Lock()
	defer c.transport.writeMu.Unlock()
	c.transport.closed = true
	if wc, ok := c.transport.w.(io.Closer); ok {
		_ = wc.Close()
	}
}

func (c *Connection) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[string]chan *envelope)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- &envelope{Error: &rpcError{Code: errCodeInternal, Message: cause.Error()}}
	}
}

// Err returns the reason the connection was torn down, or nil while live.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
