package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/tabmux/pkg/browser"
	"github.com/odvcencio/tabmux/pkg/cdp"
	"github.com/odvcencio/tabmux/pkg/config"
	"github.com/odvcencio/tabmux/pkg/observability"
	"github.com/odvcencio/tabmux/pkg/syncutil"
)

// server wires the session manager to the HTTP surface. Session routes take
// the state lock in read mode so they overlap freely; reset takes it in
// write mode, draining in-flight operations before touching shared state.
// Per-session ordering is preserved by the serializer: two requests against
// the same name never interleave.
type server struct {
	cfg      *config.Config
	sup      *browser.Supervisor
	mgr      *browser.Manager
	resetter *browser.Resetter
	reg      *prometheus.Registry
	log      *observability.Logger

	state  *syncutil.RWLock
	serial *syncutil.KeySerializer
}

func newServer(cfg *config.Config, sup *browser.Supervisor, mgr *browser.Manager, resetter *browser.Resetter, reg *prometheus.Registry, log *observability.Logger) *server {
	if log == nil {
		log = observability.Nop()
	}
	return &server{
		cfg:      cfg,
		sup:      sup,
		mgr:      mgr,
		resetter: resetter,
		reg:      reg,
		log:      log,
		state:    syncutil.NewRWLock(),
		serial:   syncutil.NewKeySerializer(),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleListSessions)
	r.Post("/sessions/{name}", s.handleCreateSession)
	r.Delete("/sessions/{name}", s.handleDestroySession)
	r.Post("/sessions/{name}/focus", s.handleFocusSession)
	r.Post("/sessions/{name}/navigate", s.handleNavigate)
	r.Get("/sessions/{name}/output", s.handleOutput)
	r.Post("/sync", s.handleSync)
	r.Post("/reset", s.handleReset)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"state":     s.sup.State().String(),
		"resetting": s.resetter.Guard().IsActive(),
		"sessions":  len(s.mgr.List()),
	})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var infos []browser.Info
	err := s.state.ReadCtx(r.Context(), func(context.Context) error {
		infos = s.mgr.Infos()
		return nil
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, infos)
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var sess *browser.Session
	err := s.state.ReadCtx(r.Context(), func(ctx context.Context) error {
		var err error
		sess, err = s.mgr.GetOrCreate(ctx, name)
		return err
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, sessionInfo(s.mgr, sess))
}

func (s *server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.state.ReadCtx(r.Context(), func(ctx context.Context) error {
		return s.serial.DoCtx(ctx, name, func(ctx context.Context) error {
			return s.mgr.Destroy(ctx, name)
		})
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"destroyed": name})
}

func (s *server) handleFocusSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.state.ReadCtx(r.Context(), func(context.Context) error {
		return s.mgr.Focus(name)
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"focused": name})
}

func (s *server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		respondError(w, http.StatusBadRequest, errors.New(`body must be {"url": ...}`))
		return
	}

	err := s.state.ReadCtx(r.Context(), func(ctx context.Context) error {
		return s.serial.DoCtx(ctx, name, func(ctx context.Context) error {
			sess, err := s.mgr.EnsureValid(ctx, name)
			if err != nil {
				return err
			}
			return s.sup.WithRecovery(ctx, func(ctx context.Context) error {
				ps, err := s.sup.Connect(ctx, sess.TargetID())
				if err != nil {
					return err
				}
				return ps.Navigate(ctx, body.URL)
			})
		})
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session": name, "url": body.URL})
}

func (s *server) handleOutput(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var output []string
	err := s.state.ReadCtx(r.Context(), func(context.Context) error {
		sess, err := s.mgr.Resolve(name)
		if err != nil {
			return err
		}
		output = sess.Output()
		return nil
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": name, "output": output})
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	var pruned []string
	err := s.state.ReadCtx(r.Context(), func(ctx context.Context) error {
		var err error
		pruned, err = s.mgr.SyncWithBrowser(ctx)
		return err
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if pruned == nil {
		pruned = []string{}
	}
	s.log.Debug("session table after sync", "sessions", s.mgr.Describe())
	respondJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	// Reject re-entry before queueing for the write lock; a queued second
	// reset would otherwise run back to back.
	if s.resetter.Guard().IsActive() {
		respondJSON(w, http.StatusConflict, &browser.ResetReport{
			Status:  browser.ResetAlreadyRunning,
			Error:   cdp.ErrResetInProgress.Error(),
			Elapsed: s.resetter.Guard().Elapsed(),
		})
		return
	}
	var report *browser.ResetReport
	_ = s.state.Write(func() error {
		report = s.resetter.Run(r.Context())
		return nil
	})
	status := http.StatusOK
	if report.Status == browser.ResetAlreadyRunning {
		status = http.StatusConflict
	}
	respondJSON(w, status, report)
}

func sessionInfo(mgr *browser.Manager, sess *browser.Session) browser.Info {
	for _, info := range mgr.Infos() {
		if info.Name == sess.Name() {
			return info
		}
	}
	return browser.Info{Name: sess.Name(), TargetID: sess.TargetID()}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cdp.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, cdp.ErrInvalidSessionName):
		return http.StatusBadRequest
	case errors.Is(err, cdp.ErrResetInProgress):
		return http.StatusConflict
	case cdp.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
