package cdp

import (
	"context"
	"encoding/json"
	"sync"
)

// Session is a capability-enabled protocol channel bound to one target. It
// belongs to exactly one logical session and is invalid once its tab closes
// or the owning connection goes away.
type Session struct {
	conn     *Conn
	id       string
	targetID string

	mu        sync.Mutex
	detached  bool
	lastURL   string
	detachFns []func()
}

// ID returns the protocol session id.
func (s *Session) ID() string {
	return s.id
}

// TargetID returns the bound target id. Immutable for the session's lifetime.
func (s *Session) TargetID() string {
	return s.targetID
}

// LastURL returns the last page URL observed on this session.
func (s *Session) LastURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// Detached reports whether the session is no longer usable.
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// OnDetach registers an observer invoked at most once, when the session
// detaches. Observers registered after detach are invoked immediately.
func (s *Session) OnDetach(fn func()) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		fn()
		return
	}
	s.detachFns = append(s.detachFns, fn)
	s.mu.Unlock()
}

// Call performs a session-scoped protocol round-trip.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	if s.Detached() {
		return ErrSessionDetached
	}
	return s.conn.Call(ctx, s.id, method, params, result)
}

// Navigate drives the session's tab to a URL.
func (s *Session) Navigate(ctx context.Context, url string) error {
	err := s.Call(ctx, "Page.navigate", map[string]any{"url": url}, nil)
	if err == nil {
		s.mu.Lock()
		s.lastURL = url
		s.mu.Unlock()
	}
	return err
}

// Evaluate runs a JavaScript expression and returns the raw result value.
func (s *Session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	params := map[string]any{"expression": expression, "returnByValue": true}
	if err := s.Call(ctx, "Runtime.evaluate", params, &result); err != nil {
		return nil, err
	}
	if result.ExceptionDetails != nil {
		return nil, &ProtocolError{Method: "Runtime.evaluate", Message: result.ExceptionDetails.Text}
	}
	return result.Result.Value, nil
}

// Detach closes the protocol session. Idempotent; the tab stays open.
func (s *Session) Detach(ctx context.Context) error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.conn.Call(ctx, "", "Target.detachFromTarget", map[string]any{"sessionId": s.id}, nil)
	s.conn.removeSession(s.id)
	s.markDetached()
	if err != nil && !IsRecoverable(err) {
		return err
	}
	return nil
}

func (s *Session) markDetached() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	observers := s.detachFns
	s.detachFns = nil
	s.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (s *Session) handleEvent(method string, params json.RawMessage) {
	if method != "Page.frameNavigated" {
		return
	}
	var evt struct {
		Frame struct {
			URL      string `json:"url"`
			ParentID string `json:"parentId"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	// Only the top frame updates the observed page URL.
	if evt.Frame.ParentID == "" && evt.Frame.URL != "" {
		s.mu.Lock()
		s.lastURL = evt.Frame.URL
		s.mu.Unlock()
	}
}
