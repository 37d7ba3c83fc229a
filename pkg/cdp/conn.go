package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Conn is the single websocket link to the browser process. It correlates
// request ids to pending calls, routes sessionId-scoped traffic to attached
// sessions, and reports transport closure exactly once.
type Conn struct {
	ws     *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan wireMessage
	sessions map[string]*Session
	onClose  []func(error)

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the browser-level websocket address from the version
// handshake and starts the read loop.
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrEndpointUnreachable, wsURL, err)
	}
	c := &Conn{
		ws:       ws,
		pending:  make(map[int64]chan wireMessage),
		sessions: make(map[string]*Session),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Closed is closed once the transport is gone.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Err returns the close reason once Closed fires.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// OnClose registers an observer invoked at most once, when the transport
// closes. Observers registered after closure are invoked immediately.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	select {
	case <-c.closed:
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Call performs one protocol round-trip. A non-empty sessionID scopes the
// call to an attached session. Context expiry returns a timeout-class error
// without asserting the browser did not act on the request.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, result any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: marshal params: %w", method, err)
		}
		rawParams = data
	}

	id := c.nextID.Add(1)
	ch := make(chan wireMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := wireMessage{ID: id, SessionID: sessionID, Method: method, Params: rawParams}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConnClosed, method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return &ProtocolError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrOperationTimeout, method, ctx.Err())
	case <-c.closed:
		return ErrConnClosed
	}
}

// Attach opens a protocol session bound to the target and enables the Page
// and Runtime domains on it. Enablement failure surfaces as a ProtocolError
// and leaves no half-attached session behind.
func (c *Conn) Attach(ctx context.Context, targetID string) (*Session, error) {
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	params := map[string]any{"targetId": targetID, "flatten": true}
	if err := c.Call(ctx, "", "Target.attachToTarget", params, &attached); err != nil {
		return nil, err
	}
	if attached.SessionID == "" {
		return nil, &ProtocolError{Method: "Target.attachToTarget", Message: "empty session id"}
	}

	s := &Session{conn: c, id: attached.SessionID, targetID: targetID}
	c.mu.Lock()
	c.sessions[attached.SessionID] = s
	c.mu.Unlock()

	for _, domain := range []string{"Page.enable", "Runtime.enable"} {
		if err := s.Call(ctx, domain, nil, nil); err != nil {
			_ = s.Detach(ctx)
			return nil, err
		}
	}
	return s, nil
}

// Sessions returns the currently attached protocol sessions.
func (c *Conn) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Close tears down the transport. Idempotent.
func (c *Conn) Close() error {
	c.closeWith(ErrConnClosed)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		close(c.closed)
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessions = make(map[string]*Session)
		observers := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		_ = c.ws.Close()
		// Sessions are invalidated before observers fire so no observer can
		// race a call through a dead transport.
		for _, s := range sessions {
			s.markDetached()
		}
		for _, fn := range observers {
			fn(err)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWith(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		c.handleEvent(msg)
	}
}

func (c *Conn) handleEvent(msg wireMessage) {
	if msg.Method == "Target.detachedFromTarget" {
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		c.mu.Lock()
		s, ok := c.sessions[params.SessionID]
		delete(c.sessions, params.SessionID)
		c.mu.Unlock()
		if ok {
			s.markDetached()
		}
		return
	}
	if msg.SessionID == "" {
		return
	}
	c.mu.Lock()
	s, ok := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if ok {
		s.handleEvent(msg.Method, msg.Params)
	}
}

func (c *Conn) removeSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}
