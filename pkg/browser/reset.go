package browser

import (
	"context"
	"time"

	"github.com/odvcencio/tabmux/pkg/cdp"
	"github.com/odvcencio/tabmux/pkg/observability"
	"github.com/odvcencio/tabmux/pkg/syncutil"
)

// ResetStatus is the final outcome of a full reset.
type ResetStatus string

const (
	ResetOK             ResetStatus = "ok"
	ResetPartial        ResetStatus = "partial"
	ResetTimeout        ResetStatus = "timeout"
	ResetAlreadyRunning ResetStatus = "already_resetting"
)

// ResetReport tells callers how far a reset progressed, not just whether it
// failed: the workflow is multi-step and destructive, so "which steps
// completed" matters.
type ResetReport struct {
	Status    ResetStatus   `json:"status"`
	Phase     string        `json:"phase,omitempty"`
	Completed []string      `json:"completed,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Resetter runs the globally exclusive full-reset workflow: tear everything
// down, restart the browser, reconnect, and reconcile.
type Resetter struct {
	sup     *Supervisor
	mgr     *Manager
	guard   *syncutil.Guard
	ceiling time.Duration
	log     *observability.Logger
	metrics *Metrics
}

// NewResetter creates a resetter with the given self-abort ceiling.
func NewResetter(sup *Supervisor, mgr *Manager, ceiling time.Duration, log *observability.Logger, metrics *Metrics) *Resetter {
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	if log == nil {
		log = observability.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Resetter{
		sup:     sup,
		mgr:     mgr,
		guard:   syncutil.NewGuard(),
		ceiling: ceiling,
		log:     log,
		metrics: metrics,
	}
}

// Guard exposes the exclusive-operation guard so other components can detect
// an in-flight reset.
func (r *Resetter) Guard() *syncutil.Guard {
	return r.guard
}

// Run executes the reset. A second Run while one is active returns
// already_resetting immediately, leaving the holder and its elapsed clock
// untouched. Phases past the ceiling self-abort and report the phase
// reached.
func (r *Resetter) Run(ctx context.Context) *ResetReport {
	if !r.guard.Begin() {
		r.metrics.Resets.WithLabelValues(string(ResetAlreadyRunning)).Inc()
		return &ResetReport{
			Status:  ResetAlreadyRunning,
			Error:   cdp.ErrResetInProgress.Error(),
			Elapsed: r.guard.Elapsed(),
		}
	}
	defer r.guard.End()

	ctx, span := observability.StartSpan(ctx, "browser.reset")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.ceiling)
	defer cancel()

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"drain", func(ctx context.Context) error { return r.mgr.DestroyAll(ctx) }},
		{"teardown", func(ctx context.Context) error { return r.sup.Disconnect(ctx, "") }},
		{"restart", r.sup.RestartBrowser},
		{"reconnect", func(ctx context.Context) error {
			_, err := r.sup.Connect(ctx, "")
			return err
		}},
		{"resync", func(ctx context.Context) error {
			_, err := r.mgr.SyncWithBrowser(ctx)
			return err
		}},
	}

	report := &ResetReport{Status: ResetOK}
	for _, phase := range phases {
		report.Phase = phase.name
		r.log.Info("reset phase", "phase", phase.name)
		if err := phase.fn(ctx); err != nil {
			observability.SpanError(ctx, err)
			report.Error = err.Error()
			if cdp.IsTimeout(err) || r.guard.Elapsed() >= r.ceiling {
				report.Status = ResetTimeout
			} else {
				report.Status = ResetPartial
			}
			break
		}
		report.Completed = append(report.Completed, phase.name)
	}
	report.Elapsed = r.guard.Elapsed()

	r.metrics.Resets.WithLabelValues(string(report.Status)).Inc()
	r.log.Info("reset finished",
		"status", string(report.Status),
		"phase", report.Phase,
		"elapsed", report.Elapsed.String(),
	)
	return report
}
