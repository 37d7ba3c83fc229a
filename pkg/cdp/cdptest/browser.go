// Package cdptest provides a fake Chrome-family browser: an HTTP control
// endpoint plus a DevTools websocket that answers the protocol subset tabmux
// uses. Tests drive failure injection through it instead of a real browser.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/tabmux/pkg/cdp"
)

// Handler answers one protocol method. Returning a non-nil *Error produces a
// protocol error response.
type Handler func(sessionID string, params json.RawMessage) (any, *Error)

// Error is a protocol-level error a Handler can return.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type fakeTarget struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

type wireMsg struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Browser is the fake browser instance.
type Browser struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	unreachable bool
	targets     map[string]*fakeTarget
	order       []string
	sessions    map[string]string
	nextTarget  int
	nextSession int
	attachCount map[string]int
	createCount int
	handlers    map[string]Handler
	failOnce    map[string]*Error
	conns       map[*wsConn]bool
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New starts a fake browser with one initial page target.
func New() *Browser {
	b := &Browser{
		targets:     make(map[string]*fakeTarget),
		sessions:    make(map[string]string),
		attachCount: make(map[string]int),
		handlers:    make(map[string]Handler),
		failOnce:    make(map[string]*Error),
		conns:       make(map[*wsConn]bool),
	}
	b.addTarget("about:blank")

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.guard(b.handleVersion))
	mux.HandleFunc("/json/list", b.guard(b.handleList))
	mux.HandleFunc("/json/new", b.guard(b.handleNew))
	mux.HandleFunc("/json/close/", b.guard(b.handleClose))
	mux.HandleFunc("/devtools/browser", b.handleWebsocket)
	b.srv = httptest.NewServer(mux)
	return b
}

// Close shuts the fake browser down.
func (b *Browser) Close() {
	b.CloseConnections()
	b.srv.Close()
}

// Endpoint returns a cdp.Endpoint aimed at this fake browser.
func (b *Browser) Endpoint() *cdp.Endpoint {
	u, _ := url.Parse(b.srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return cdp.NewEndpoint(u.Hostname(), port)
}

// SetUnreachable makes the HTTP control endpoint answer 503 until unset,
// simulating a dead browser process.
func (b *Browser) SetUnreachable(v bool) {
	b.mu.Lock()
	b.unreachable = v
	b.mu.Unlock()
}

// CloseConnections drops every live websocket, simulating a transport crash.
func (b *Browser) CloseConnections() {
	b.mu.Lock()
	conns := make([]*wsConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*wsConn]bool)
	b.sessions = make(map[string]string)
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Handle installs a handler for a protocol method.
func (b *Browser) Handle(method string, fn Handler) {
	b.mu.Lock()
	b.handlers[method] = fn
	b.mu.Unlock()
}

// FailOnce makes the next call to method fail with the given protocol error.
func (b *Browser) FailOnce(method string, code int64, message string) {
	b.mu.Lock()
	b.failOnce[method] = &Error{Code: code, Message: message}
	b.mu.Unlock()
}

// AddTarget opens a fake tab and returns its id.
func (b *Browser) AddTarget(pageURL string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addTarget(pageURL)
}

func (b *Browser) addTarget(pageURL string) string {
	b.nextTarget++
	id := fmt.Sprintf("TARGET-%d", b.nextTarget)
	b.targets[id] = &fakeTarget{ID: id, Type: "page", URL: pageURL}
	b.order = append(b.order, id)
	return id
}

// RemoveTarget closes a fake tab out from under the client, the way a user
// closing a window would.
func (b *Browser) RemoveTarget(id string) {
	b.mu.Lock()
	delete(b.targets, id)
	for i, tid := range b.order {
		if tid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	var detached []string
	for sid, tid := range b.sessions {
		if tid == id {
			detached = append(detached, sid)
			delete(b.sessions, sid)
		}
	}
	conns := make([]*wsConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, sid := range detached {
		params, _ := json.Marshal(map[string]string{"sessionId": sid})
		for _, c := range conns {
			c.send(wireMsg{Method: "Target.detachedFromTarget", Params: params})
		}
	}
}

// Targets returns the ids of the open fake tabs.
func (b *Browser) Targets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// AttachCount returns how many attaches hit the target.
func (b *Browser) AttachCount(targetID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attachCount[targetID]
}

// CreateCount returns how many tabs were created over the control endpoint.
func (b *Browser) CreateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createCount
}

func (b *Browser) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		down := b.unreachable
		b.mu.Unlock()
		if down {
			http.Error(w, "browser gone", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

func (b *Browser) handleVersion(w http.ResponseWriter, r *http.Request) {
	wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/devtools/browser"
	writeJSON(w, map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": wsURL,
	})
}

func (b *Browser) handleList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	list := make([]*fakeTarget, 0, len(b.order))
	for _, id := range b.order {
		if t, ok := b.targets[id]; ok {
			list = append(list, t)
		}
	}
	b.mu.Unlock()
	writeJSON(w, list)
}

func (b *Browser) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "use PUT", http.StatusMethodNotAllowed)
		return
	}
	pageURL := r.URL.RawQuery
	if pageURL == "" {
		pageURL = "about:blank"
	}
	b.mu.Lock()
	b.createCount++
	id := b.addTarget(pageURL)
	t := *b.targets[id]
	b.mu.Unlock()
	writeJSON(w, t)
}

func (b *Browser) handleClose(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/json/close/")
	b.mu.Lock()
	_, ok := b.targets[id]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "no such target", http.StatusNotFound)
		return
	}
	b.RemoveTarget(id)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Target is closing"))
}

func (b *Browser) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: ws}
	b.mu.Lock()
	b.conns[conn] = true
	b.mu.Unlock()
	go b.serveConn(conn)
}

func (b *Browser) serveConn(conn *wsConn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.ws.Close()
	}()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		result, protoErr := b.dispatch(conn, msg)
		conn.send(wireMsg{ID: msg.ID, SessionID: msg.SessionID, Result: result, Error: protoErr})
	}
}

func (b *Browser) dispatch(conn *wsConn, msg wireMsg) (any, *Error) {
	b.mu.Lock()
	if e, ok := b.failOnce[msg.Method]; ok {
		delete(b.failOnce, msg.Method)
		b.mu.Unlock()
		return nil, e
	}
	if fn, ok := b.handlers[msg.Method]; ok {
		b.mu.Unlock()
		return fn(msg.SessionID, msg.Params)
	}
	b.mu.Unlock()

	switch msg.Method {
	case "Target.attachToTarget":
		var params struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.targets[params.TargetID]; !ok {
			return nil, &Error{Code: -32602, Message: "No target with given id found"}
		}
		b.nextSession++
		sid := fmt.Sprintf("SESSION-%d", b.nextSession)
		b.sessions[sid] = params.TargetID
		b.attachCount[params.TargetID]++
		return map[string]string{"sessionId": sid}, nil
	case "Target.detachFromTarget":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		b.mu.Lock()
		delete(b.sessions, params.SessionID)
		b.mu.Unlock()
		return map[string]any{}, nil
	case "Page.enable", "Runtime.enable":
		return map[string]any{}, nil
	case "Page.navigate":
		var params struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		b.mu.Lock()
		if tid, ok := b.sessions[msg.SessionID]; ok {
			if t, ok := b.targets[tid]; ok {
				t.URL = params.URL
			}
		}
		b.mu.Unlock()
		frame, _ := json.Marshal(map[string]any{"frame": map[string]string{"url": params.URL}})
		conn.send(wireMsg{SessionID: msg.SessionID, Method: "Page.frameNavigated", Params: frame})
		return map[string]string{"frameId": "FRAME-1"}, nil
	default:
		return nil, &Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", msg.Method)}
	}
}

func (c *wsConn) send(msg wireMsg) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(msg)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
