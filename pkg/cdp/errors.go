package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	ErrEndpointUnreachable = errors.New("browser endpoint unreachable")
	ErrNoTarget            = errors.New("no eligible page target")
	ErrConnClosed          = errors.New("browser connection closed")
	ErrSessionDetached     = errors.New("protocol session detached")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidSessionName  = errors.New("invalid session name")
	ErrResetInProgress     = errors.New("reset already in progress")
	ErrOperationTimeout    = errors.New("operation timeout")
	ErrReconnectFailed     = errors.New("reconnection failed")
)

// ProtocolError is an error response from the DevTools protocol.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("cdp error [%d] %s: %s", e.Code, e.Method, e.Message)
	}
	return fmt.Sprintf("cdp error [%d]: %s", e.Code, e.Message)
}

// IsRecoverable reports whether the error is in the closed-transport class
// that a reconnect can fix. Everything else (protocol failures, missing
// targets, timeouts) propagates to the caller unchanged.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return false
	}
	if errors.Is(err, ErrConnClosed) || errors.Is(err, ErrSessionDetached) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		msg := strings.ToLower(protoErr.Message)
		return strings.Contains(msg, "target closed") ||
			strings.Contains(msg, "session closed") ||
			strings.Contains(msg, "session with given id not found")
	}
	return isNetworkError(err)
}

// IsTimeout reports whether the error is a deadline or cancellation outcome,
// which is distinct from the operation failing: the underlying action may
// still have happened.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, ErrOperationTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "use of closed")
}
