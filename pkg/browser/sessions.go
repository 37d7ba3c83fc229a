package browser

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/tabmux/pkg/cdp"
	"github.com/odvcencio/tabmux/pkg/observability"
)

var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// DefaultSessionName is created lazily when a caller asks for the focused
// session and none exists.
const DefaultSessionName = "default"

// Session is a named, caller-visible unit bound to one tab. Its target id is
// immutable for the session's lifetime; rebinding means destroy and create.
type Session struct {
	name     string
	recordID string
	targetID string
	created  time.Time

	mu         sync.Mutex
	lastActive time.Time
	settings   map[string]string
	output     []string
	outputSize int
	maxLines   int
	maxBytes   int
}

func newSession(name, targetID string, maxLines, maxBytes int) *Session {
	now := time.Now()
	return &Session{
		name:       name,
		recordID:   ulid.Make().String(),
		targetID:   targetID,
		created:    now,
		lastActive: now,
		settings:   make(map[string]string),
		maxLines:   maxLines,
		maxBytes:   maxBytes,
	}
}

// Name returns the session's validated name.
func (s *Session) Name() string { return s.name }

// RecordID returns the session's internal record id.
func (s *Session) RecordID() string { return s.recordID }

// TargetID returns the bound tab id.
func (s *Session) TargetID() string { return s.targetID }

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.created }

// LastActive returns the last-activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// SetSetting stores a per-session setting.
func (s *Session) SetSetting(key, value string) {
	s.mu.Lock()
	s.settings[key] = value
	s.mu.Unlock()
}

// Setting reads a per-session setting.
func (s *Session) Setting(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok
}

// AppendOutput records one line of observed output in the session's bounded
// rolling buffer.
func (s *Session) AppendOutput(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, line)
	s.outputSize += len(line)
	for len(s.output) > s.maxLines || (s.outputSize > s.maxBytes && len(s.output) > 1) {
		s.outputSize -= len(s.output[0])
		s.output = s.output[1:]
	}
}

// Output returns a copy of the rolling output buffer.
func (s *Session) Output() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.output))
	copy(out, s.output)
	return out
}

// Info is the wire-friendly view of a session.
type Info struct {
	Name       string    `json:"name"`
	RecordID   string    `json:"record_id"`
	TargetID   string    `json:"target_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Focused    bool      `json:"focused"`
	URL        string    `json:"url,omitempty"`
}

// ManagerConfig bounds session bookkeeping.
type ManagerConfig struct {
	MaxNameLength  int
	OutputMaxLines int
	OutputMaxBytes int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxNameLength == 0 {
		c.MaxNameLength = 64
	}
	if c.OutputMaxLines == 0 {
		c.OutputMaxLines = 256
	}
	if c.OutputMaxBytes == 0 {
		c.OutputMaxBytes = 64 * 1024
	}
	return c
}

// Manager multiplexes named logical sessions onto tabs of the shared
// browser. Session records are mutated only here.
type Manager struct {
	sup     *Supervisor
	cfg     ManagerConfig
	log     *observability.Logger
	metrics *Metrics

	mu      sync.Mutex
	byName  map[string]*Session
	focused string

	creates singleflight.Group
}

// NewManager creates an empty session manager on top of sup.
func NewManager(sup *Supervisor, cfg ManagerConfig, log *observability.Logger, metrics *Metrics) *Manager {
	if log == nil {
		log = observability.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		sup:     sup,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: metrics,
		byName:  make(map[string]*Session),
	}
}

// ValidateName checks a session name against the naming grammar.
func (m *Manager) ValidateName(name string) error {
	if name == "" || len(name) > m.cfg.MaxNameLength {
		return fmt.Errorf("%w: %q must be 1-%d characters", cdp.ErrInvalidSessionName, name, m.cfg.MaxNameLength)
	}
	if !sessionNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q may only contain letters, digits, dot, underscore and dash", cdp.ErrInvalidSessionName, name)
	}
	return nil
}

// GetOrCreate returns the session named name, creating it — one new tab,
// attached and focused — when absent. Concurrent creates for the same name
// converge on one tab creation and all receive the same record.
func (m *Manager) GetOrCreate(ctx context.Context, name string) (*Session, error) {
	if err := m.ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if s, ok := m.byName[name]; ok {
		s.touch()
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.creates.Do(name, func() (any, error) {
		// Re-check under the dedup flight: a racing create may have landed.
		m.mu.Lock()
		if s, ok := m.byName[name]; ok {
			s.touch()
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()
		return m.createSession(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) createSession(ctx context.Context, name string) (*Session, error) {
	ctx, span := observability.StartSpan(ctx, "sessions.create")
	defer span.End()

	target, err := m.sup.Endpoint().CreateTarget(ctx, "about:blank")
	if err != nil {
		observability.SpanError(ctx, err)
		return nil, err
	}
	if _, err := m.sup.Connect(ctx, target.ID); err != nil {
		// The compensating close must run even when the caller is gone, or
		// the fresh tab leaks until the next sync.
		_ = m.sup.Endpoint().CloseTarget(context.WithoutCancel(ctx), target.ID)
		observability.SpanError(ctx, err)
		return nil, err
	}

	s := newSession(name, target.ID, m.cfg.OutputMaxLines, m.cfg.OutputMaxBytes)
	m.mu.Lock()
	m.byName[name] = s
	m.focused = name
	m.mu.Unlock()

	m.metrics.SessionsCreated.Inc()
	m.metrics.ActiveSessions.Inc()
	m.log.WithSession(name).WithTarget(target.ID).Info("session created")
	return s, nil
}

// Resolve returns the session named name or ErrSessionNotFound.
func (m *Manager) Resolve(name string) (*Session, error) {
	if err := m.ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", cdp.ErrSessionNotFound, name)
	}
	s.touch()
	return s, nil
}

// ResolveFocusedOrDefault returns the focused session, falling back to a
// lazily created "default" session.
func (m *Manager) ResolveFocusedOrDefault(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.focused != "" {
		if s, ok := m.byName[m.focused]; ok {
			s.touch()
			m.mu.Unlock()
			return s, nil
		}
	}
	m.mu.Unlock()
	return m.GetOrCreate(ctx, DefaultSessionName)
}

// Focus marks name as the default target for name-omitting callers.
func (m *Manager) Focus(name string) error {
	if err := m.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; !ok {
		return fmt.Errorf("%w: %q", cdp.ErrSessionNotFound, name)
	}
	m.focused = name
	return nil
}

// Focused returns the focused session name, empty when none.
func (m *Manager) Focused() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focused
}

// Destroy detaches and closes the session's tab (tolerating an already
// closed one) and removes its bookkeeping, clearing focus if it held it.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if err := m.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", cdp.ErrSessionNotFound, name)
	}
	delete(m.byName, name)
	if m.focused == name {
		m.focused = ""
	}
	m.mu.Unlock()

	_ = m.sup.Disconnect(ctx, s.TargetID())
	if err := m.sup.Endpoint().CloseTarget(ctx, s.TargetID()); err != nil {
		m.log.WithSession(name).Warn("close tab", "error", err)
	}
	m.metrics.SessionsDestroyed.Inc()
	m.metrics.ActiveSessions.Dec()
	m.log.WithSession(name).Info("session destroyed")
	return nil
}

// DestroyAll destroys every session, best effort, and reports the first
// failure.
func (m *Manager) DestroyAll(ctx context.Context) error {
	var firstErr error
	for _, s := range m.List() {
		if err := m.Destroy(ctx, s.Name()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SyncWithBrowser reconciles bookkeeping against the live open-tab set,
// dropping every session whose tab no longer exists. Returns the names of
// pruned sessions.
func (m *Manager) SyncWithBrowser(ctx context.Context) ([]string, error) {
	targets, err := m.sup.Endpoint().ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(targets))
	for _, t := range targets {
		live[t.ID] = true
	}

	m.mu.Lock()
	var pruned []string
	for name, s := range m.byName {
		if !live[s.TargetID()] {
			delete(m.byName, name)
			if m.focused == name {
				m.focused = ""
			}
			pruned = append(pruned, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(pruned)
	for _, name := range pruned {
		m.metrics.SessionsPruned.Inc()
		m.metrics.ActiveSessions.Dec()
		m.log.WithSession(name).Warn("session orphaned, pruning")
	}
	return pruned, nil
}

// EnsureValid pre-flights name before a protocol call: if the session's tab
// was closed externally, the record is cleaned up and an actionable error is
// returned.
func (m *Manager) EnsureValid(ctx context.Context, name string) (*Session, error) {
	s, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}
	targets, err := m.sup.Endpoint().ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if t.ID == s.TargetID() {
			return s, nil
		}
	}

	m.mu.Lock()
	if m.byName[name] == s {
		delete(m.byName, name)
		if m.focused == name {
			m.focused = ""
		}
	}
	m.mu.Unlock()
	m.metrics.SessionsPruned.Inc()
	m.metrics.ActiveSessions.Dec()
	return nil, fmt.Errorf("%w: %q: its tab was closed outside tabmux; recreate it", cdp.ErrSessionNotFound, name)
}

// List returns a name-sorted snapshot of the sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.byName))
	for _, s := range m.byName {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Infos returns the wire view of every session, annotated with focus and the
// last observed URL where a protocol session is attached.
func (m *Manager) Infos() []Info {
	focused := m.Focused()
	sessions := m.List()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		info := Info{
			Name:       s.Name(),
			RecordID:   s.RecordID(),
			TargetID:   s.TargetID(),
			CreatedAt:  s.CreatedAt(),
			LastActive: s.LastActive(),
			Focused:    s.Name() == focused,
		}
		if ps, ok := m.sup.Session(s.TargetID()); ok {
			info.URL = ps.LastURL()
		}
		infos = append(infos, info)
	}
	return infos
}

// Describe renders a one-line summary per session, oldest first. Debug aid
// for the daemon's logs.
func (m *Manager) Describe() string {
	infos := m.Infos()
	if len(infos) == 0 {
		return "no sessions"
	}
	parts := make([]string, 0, len(infos))
	for _, info := range infos {
		marker := ""
		if info.Focused {
			marker = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s->%s", info.Name, marker, info.TargetID))
	}
	return strings.Join(parts, " ")
}
