package cdp

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Launcher starts and stops the browser binary with a remote debugging port.
// Only the recovery path and the reset workflow use it; an externally managed
// browser never goes through here.
type Launcher struct {
	Path        string
	Port        int
	Headless    bool
	UserDataDir string
	ExtraArgs   []string
}

// Process is a launched browser process.
type Process struct {
	cmd      *exec.Cmd
	waitDone chan struct{}
}

// Start launches the browser. The returned process is not yet guaranteed to
// be accepting control connections; follow with WaitReady.
func (l *Launcher) Start(ctx context.Context) (*Process, error) {
	if l.Path == "" {
		return nil, fmt.Errorf("browser path not configured")
	}
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.Port),
		"--no-first-run",
		"--no-default-browser-check",
	}
	if l.Headless {
		args = append(args, "--headless=new")
	}
	if l.UserDataDir != "" {
		args = append(args, "--user-data-dir="+l.UserDataDir)
	}
	args = append(args, l.ExtraArgs...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Deliberately not CommandContext: the browser must outlive the
	// operation context that triggered the launch.
	cmd := exec.Command(l.Path, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()
	return &Process{cmd: cmd, waitDone: waitDone}, nil
}

// WaitReady polls the control endpoint until it answers or the deadline
// passes.
func (l *Launcher) WaitReady(ctx context.Context, ep *Endpoint, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ep.Probe(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for control endpoint")
	}
	return fmt.Errorf("%w: %v", ErrEndpointUnreachable, lastErr)
}

// Kill forcibly terminates the browser and waits briefly for it to exit.
func (p *Process) Kill() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	select {
	case <-p.waitDone:
	case <-time.After(2 * time.Second):
	}
	return err
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	if p == nil {
		return true
	}
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}
