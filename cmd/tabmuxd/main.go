// Command tabmuxd keeps one browser process controllable over the DevTools
// protocol and exposes its named sessions over a small HTTP surface. Tool
// layers (scrapers, automation commands) sit on top of this daemon; tabmuxd
// itself only manages connections, sessions and recovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/tabmux/pkg/browser"
	"github.com/odvcencio/tabmux/pkg/cdp"
	"github.com/odvcencio/tabmux/pkg/config"
	"github.com/odvcencio/tabmux/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tabmuxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := observability.NewLogger("tabmuxd", level)

	tracer, err := observability.NewTracerProvider("tabmuxd")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := browser.NewMetrics(reg)

	ep := cdp.NewEndpoint(cfg.Endpoint.Host, cfg.Endpoint.Port)
	var launcher *cdp.Launcher
	if cfg.Browser.Path != "" {
		launcher = &cdp.Launcher{
			Path:        cfg.Browser.Path,
			Port:        cfg.Endpoint.Port,
			Headless:    cfg.Browser.Headless,
			UserDataDir: cfg.Browser.UserDataDir,
			ExtraArgs:   cfg.Browser.ExtraArgs,
		}
	}

	sup := browser.NewSupervisor(ep, launcher, browser.SupervisorConfig{
		ConnectTimeout:   cfg.Reconnect.ConnectTimeout,
		OperationTimeout: cfg.Reconnect.OperationTimeout,
		BackoffBase:      cfg.Reconnect.BackoffBase,
		BackoffCap:       cfg.Reconnect.BackoffCap,
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		SettleDelay:      cfg.Reconnect.SettleDelay,
	}, log, metrics)
	mgr := browser.NewManager(sup, browser.ManagerConfig{
		MaxNameLength:  cfg.Sessions.MaxNameLength,
		OutputMaxLines: cfg.Sessions.OutputMaxLines,
		OutputMaxBytes: cfg.Sessions.OutputMaxBytes,
	}, log, metrics)
	resetter := browser.NewResetter(sup, mgr, cfg.Reset.Ceiling, log, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrapBrowser(ctx, cfg, ep, launcher, sup, log); err != nil {
		return err
	}

	srv := newServer(cfg, sup, mgr, resetter, reg, log)
	httpSrv := &http.Server{
		Addr:              cfg.Daemon.Bind,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "bind", cfg.Daemon.Bind)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = sup.Disconnect(shutdownCtx, "")
		// A browser we launched dies with us; an external one is left alone.
		_ = sup.KillBrowser()
		return nil
	})
	return g.Wait()
}

// bootstrapBrowser makes the control endpoint reachable before the daemon
// starts serving: launch the configured binary if nothing answers, or fail
// fast when no launcher is available.
func bootstrapBrowser(ctx context.Context, cfg *config.Config, ep *cdp.Endpoint, launcher *cdp.Launcher, sup *browser.Supervisor, log *observability.Logger) error {
	if err := ep.Probe(ctx); err == nil {
		log.Info("attached to running browser", "endpoint", ep.BaseURL())
		return nil
	}
	if launcher == nil {
		return fmt.Errorf("no browser at %s and browser.path not configured", ep.BaseURL())
	}
	log.Info("launching browser", "path", launcher.Path, "port", launcher.Port)
	proc, err := launcher.Start(ctx)
	if err != nil {
		return err
	}
	if err := launcher.WaitReady(ctx, ep, cfg.Reconnect.ConnectTimeout); err != nil {
		_ = proc.Kill()
		return err
	}
	sup.AdoptProcess(proc)
	return nil
}
