// Package browser keeps one shared browser process controllable over the
// DevTools protocol: a connection supervisor with transparent recovery, a
// multiplexer mapping named logical sessions to tabs, and a globally
// exclusive reset workflow.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/tabmux/pkg/cdp"
	"github.com/odvcencio/tabmux/pkg/observability"
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SupervisorConfig tunes connection handling and the recovery state machine.
type SupervisorConfig struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxAttempts      int
	SettleDelay      time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Supervisor owns the single browser-level connection. It attaches and
// detaches per-target protocol sessions, classifies failures, and runs the
// reconnect state machine. All mutation of connection state happens here.
type Supervisor struct {
	ep       *cdp.Endpoint
	launcher *cdp.Launcher
	cfg      SupervisorConfig
	log      *observability.Logger
	metrics  *Metrics

	mu         sync.Mutex
	state      State
	conn       *cdp.Conn
	proc       *cdp.Process
	sessions   map[string]*cdp.Session
	lastTarget string
	attempt    int

	attach singleflight.Group
	recon  singleflight.Group
}

// NewSupervisor creates a supervisor for the given endpoint. launcher may be
// nil when the browser process is managed externally; the recovery path then
// cannot relaunch it.
func NewSupervisor(ep *cdp.Endpoint, launcher *cdp.Launcher, cfg SupervisorConfig, log *observability.Logger, metrics *Metrics) *Supervisor {
	if log == nil {
		log = observability.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Supervisor{
		ep:       ep,
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]*cdp.Session),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the control endpoint client.
func (s *Supervisor) Endpoint() *cdp.Endpoint {
	return s.ep
}

// Connect ensures the browser connection exists and returns a protocol
// session attached to targetID, discovering a default page target when
// targetID is empty. Concurrent calls for the same target converge on one
// in-flight attach and all receive the identical result.
func (s *Supervisor) Connect(ctx context.Context, targetID string) (*cdp.Session, error) {
	ctx, span := observability.StartSpan(ctx, "supervisor.connect")
	defer span.End()

	v, err, _ := s.attach.Do(targetID, func() (any, error) {
		sess, err := s.doConnect(ctx, targetID)
		if err != nil {
			s.metrics.ConnectFailures.Inc()
			return nil, err
		}
		s.metrics.Connects.Inc()
		return sess, nil
	})
	observability.SpanError(ctx, err)
	if err != nil {
		return nil, err
	}
	return v.(*cdp.Session), nil
}

func (s *Supervisor) doConnect(ctx context.Context, targetID string) (*cdp.Session, error) {
	conn, err := s.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	if targetID == "" {
		targetID, err = s.discoverPageTarget(ctx)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if sess, ok := s.sessions[targetID]; ok && !sess.Detached() {
		s.lastTarget = targetID
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	sess, err := conn.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	s.registerSession(sess)
	s.log.WithTarget(targetID).Info("protocol session attached")
	return sess, nil
}

// ensureConn dials the browser-level websocket if there is no live link.
func (s *Supervisor) ensureConn(ctx context.Context) (*cdp.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	info, err := s.ep.Version(dialCtx)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}
	conn, err := cdp.Dial(dialCtx, info.WebSocketDebuggerURL)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}

	s.mu.Lock()
	if s.conn != nil {
		// Another caller won the dial race; keep theirs.
		existing := s.conn
		s.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	conn.OnClose(func(err error) { s.handleConnClosed(conn, err) })
	s.log.Info("browser connection established", "browser", info.Browser)
	return conn, nil
}

func (s *Supervisor) discoverPageTarget(ctx context.Context) (string, error) {
	targets, err := s.ep.ListTargets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.Type == "page" {
			return t.ID, nil
		}
	}
	return "", cdp.ErrNoTarget
}

func (s *Supervisor) registerSession(sess *cdp.Session) {
	targetID := sess.TargetID()
	s.mu.Lock()
	s.sessions[targetID] = sess
	s.lastTarget = targetID
	s.mu.Unlock()
	sess.OnDetach(func() {
		s.mu.Lock()
		if s.sessions[targetID] == sess {
			delete(s.sessions, targetID)
		}
		s.mu.Unlock()
	})
}

func (s *Supervisor) handleConnClosed(conn *cdp.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.sessions = make(map[string]*cdp.Session)
	s.state = StateDisconnected
	s.mu.Unlock()
	s.log.Warn("browser connection lost", "error", err)
}

// Session returns the attached protocol session for targetID, if any.
func (s *Supervisor) Session(targetID string) (*cdp.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[targetID]
	if !ok || sess.Detached() {
		return nil, false
	}
	return sess, true
}

// Disconnect detaches the session for targetID, or every session when
// targetID is empty. The underlying connection closes once no sessions
// remain. Idempotent.
func (s *Supervisor) Disconnect(ctx context.Context, targetID string) error {
	s.mu.Lock()
	var victims []*cdp.Session
	if targetID == "" {
		for _, sess := range s.sessions {
			victims = append(victims, sess)
		}
		s.sessions = make(map[string]*cdp.Session)
	} else if sess, ok := s.sessions[targetID]; ok {
		victims = append(victims, sess)
		delete(s.sessions, targetID)
	}
	remaining := len(s.sessions)
	conn := s.conn
	if remaining == 0 {
		s.conn = nil
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	for _, sess := range victims {
		_ = sess.Detach(ctx)
	}
	if remaining == 0 && conn != nil {
		_ = conn.Close()
	}
	return nil
}

// WithRecovery executes op under the configured operation timeout. A
// recoverable transport failure triggers one shared reconnect cycle followed
// by exactly one retry; every other failure propagates unchanged. A reconnect triggered here stalls all sessions on
// the shared connection until it resolves — concurrent sufferers await the
// same cycle instead of starting their own.
func (s *Supervisor) WithRecovery(ctx context.Context, op func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "supervisor.with_recovery")
	defer span.End()

	start := time.Now()
	err := s.runOp(ctx, op)
	s.metrics.OpLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		s.resetAttempts()
		return nil
	}
	if cdp.IsTimeout(err) || !cdp.IsRecoverable(err) {
		observability.SpanError(ctx, err)
		return err
	}

	s.log.Warn("recoverable transport failure, scheduling reconnect", "error", err)
	if rerr := s.Reconnect(ctx); rerr != nil {
		// Budget exhausted or the cycle failed: the operation's original
		// error surfaces, not the reconnect's.
		observability.SpanError(ctx, err)
		return err
	}

	retryErr := s.runOp(ctx, op)
	if retryErr == nil {
		s.metrics.RecoveredOps.Inc()
		s.resetAttempts()
		return nil
	}
	observability.SpanError(ctx, retryErr)
	return retryErr
}

// runOp applies the per-operation budget so a hung protocol call cannot block
// its caller forever. A shorter caller deadline still wins.
func (s *Supervisor) runOp(ctx context.Context, op func(context.Context) error) error {
	if s.cfg.OperationTimeout <= 0 {
		return op(ctx)
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err := op(opCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, cdp.ErrOperationTimeout) {
		return fmt.Errorf("%w: %w", cdp.ErrOperationTimeout, err)
	}
	return err
}

// Recover runs op under s.WithRecovery and returns its value.
func Recover[T any](ctx context.Context, s *Supervisor, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.WithRecovery(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Reconnect runs one reconnect cycle, deduplicated: callers arriving while a
// cycle is in flight await its result rather than starting another.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	_, err, _ := s.recon.Do("reconnect", func() (any, error) {
		return nil, s.reconnectCycle(ctx)
	})
	return err
}

func (s *Supervisor) reconnectCycle(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "supervisor.reconnect")
	defer span.End()

	s.mu.Lock()
	if s.attempt >= s.cfg.MaxAttempts {
		s.state = StateDisconnected
		s.mu.Unlock()
		return cdp.ErrReconnectFailed
	}
	delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, s.attempt)
	s.attempt++
	attempt := s.attempt
	s.state = StateReconnecting
	prevTarget := s.lastTarget
	oldConn := s.conn
	s.conn = nil
	s.sessions = make(map[string]*cdp.Session)
	s.mu.Unlock()

	s.metrics.ReconnectAttempts.Inc()
	s.log.Info("reconnect cycle", "attempt", attempt, "delay", delay.String())
	if oldConn != nil {
		_ = oldConn.Close()
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		s.setState(StateDisconnected)
		s.metrics.ReconnectOutcomes.WithLabelValues("aborted").Inc()
		return fmt.Errorf("%w: %w", cdp.ErrOperationTimeout, ctx.Err())
	}

	if err := s.ep.Probe(ctx); err != nil {
		if rerr := s.relaunchBrowser(ctx); rerr != nil {
			s.setState(StateDisconnected)
			s.metrics.ReconnectOutcomes.WithLabelValues("failure").Inc()
			return rerr
		}
	}

	conn, err := s.ensureConn(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		s.metrics.ReconnectOutcomes.WithLabelValues("failure").Inc()
		return err
	}

	targetID, err := s.pickReattachTarget(ctx, prevTarget)
	if err != nil {
		s.setState(StateDisconnected)
		s.metrics.ReconnectOutcomes.WithLabelValues("failure").Inc()
		return err
	}
	sess, err := conn.Attach(ctx, targetID)
	if err != nil {
		s.setState(StateDisconnected)
		s.metrics.ReconnectOutcomes.WithLabelValues("failure").Inc()
		return err
	}
	s.registerSession(sess)

	s.mu.Lock()
	s.attempt = 0
	s.state = StateConnected
	s.mu.Unlock()
	s.metrics.ReconnectOutcomes.WithLabelValues("success").Inc()
	s.log.WithTarget(targetID).Info("reconnect succeeded", "attempt", attempt)
	return nil
}

// pickReattachTarget resolves where to attach after a reconnect: the
// previously active target if it survived, else the best page target, else
// fatal.
func (s *Supervisor) pickReattachTarget(ctx context.Context, prevTarget string) (string, error) {
	targets, err := s.ep.ListTargets(ctx)
	if err != nil {
		return "", err
	}
	if prevTarget != "" {
		for _, t := range targets {
			if t.ID == prevTarget {
				return prevTarget, nil
			}
		}
	}
	for _, t := range targets {
		if t.Type == "page" {
			return t.ID, nil
		}
	}
	return "", cdp.ErrNoTarget
}

func (s *Supervisor) relaunchBrowser(ctx context.Context) error {
	if s.launcher == nil || s.launcher.Path == "" {
		return fmt.Errorf("%w: endpoint unreachable and no browser launcher configured", cdp.ErrEndpointUnreachable)
	}
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	if proc != nil && !proc.Exited() {
		_ = proc.Kill()
	}

	s.log.Info("relaunching browser process", "path", s.launcher.Path)
	newProc, err := s.launcher.Start(ctx)
	if err != nil {
		return err
	}
	if err := s.launcher.WaitReady(ctx, s.ep, s.cfg.ConnectTimeout); err != nil {
		_ = newProc.Kill()
		return err
	}
	if s.cfg.SettleDelay > 0 {
		select {
		case <-time.After(s.cfg.SettleDelay):
		case <-ctx.Done():
			_ = newProc.Kill()
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.proc = newProc
	s.mu.Unlock()
	return nil
}

// AdoptProcess hands ownership of an already launched browser process to the
// supervisor so the recovery path and shutdown can manage it.
func (s *Supervisor) AdoptProcess(p *cdp.Process) {
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

// KillBrowser terminates a browser process the supervisor launched. No-op
// for externally managed browsers.
func (s *Supervisor) KillBrowser() error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	if proc == nil || proc.Exited() {
		return nil
	}
	return proc.Kill()
}

// RestartBrowser kills any owned browser process and brings one back up,
// waiting until the control endpoint answers. Used by the reset workflow.
func (s *Supervisor) RestartBrowser(ctx context.Context) error {
	if err := s.KillBrowser(); err != nil {
		s.log.Warn("kill browser", "error", err)
	}
	if s.launcher == nil || s.launcher.Path == "" {
		// Externally managed browser: just verify it is still there.
		return s.ep.Probe(ctx)
	}
	return s.relaunchBrowser(ctx)
}

// Attempts returns the current reconnect attempt counter.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) resetAttempts() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// backoffDelay computes min(base * 2^attempt, limit).
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return limit
	}
	d := base << uint(attempt)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}
