package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Target describes one browsing context reported by the control endpoint.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is the control endpoint's capability handshake.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Endpoint is a client for the browser's HTTP control endpoint (the /json/*
// surface every Chrome-family browser exposes when launched with a remote
// debugging port).
type Endpoint struct {
	base    string
	httpc   *http.Client
	limiter *rate.Limiter
}

// NewEndpoint creates a client for the control endpoint at host:port.
// Target listing is rate limited so reconciliation loops cannot hammer the
// browser process.
func NewEndpoint(host string, port int) *Endpoint {
	return &Endpoint{
		base:    fmt.Sprintf("http://%s:%d", host, port),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
}

// BaseURL returns the endpoint's base URL.
func (e *Endpoint) BaseURL() string {
	return e.base
}

// Version performs the capability handshake and returns the browser-level
// websocket address.
func (e *Endpoint) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := e.getJSON(ctx, "/json/version", &info); err != nil {
		return nil, err
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("%w: version response missing websocket address", ErrEndpointUnreachable)
	}
	return &info, nil
}

// ListTargets returns the open targets.
func (e *Endpoint) ListTargets(ctx context.Context) ([]Target, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var targets []Target
	if err := e.getJSON(ctx, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// CreateTarget opens a new tab at the given URL.
func (e *Endpoint) CreateTarget(ctx context.Context, targetURL string) (*Target, error) {
	path := "/json/new"
	if targetURL != "" {
		path += "?" + url.QueryEscape(targetURL)
	}
	// Chrome 111+ requires PUT for tab creation.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("create target: endpoint returned %d: %s", resp.StatusCode, body)
	}
	var target Target
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("create target: decode response: %w", err)
	}
	if target.ID == "" {
		return nil, fmt.Errorf("create target: endpoint returned no target id")
	}
	return &target, nil
}

// CloseTarget closes a tab. Already-closed targets are not an error.
func (e *Endpoint) CloseTarget(ctx context.Context, targetID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/json/close/"+targetID, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("close target %s: endpoint returned %d: %s", targetID, resp.StatusCode, body)
}

// Probe checks whether the control endpoint is reachable.
func (e *Endpoint) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := e.Version(ctx)
	return err
}

func (e *Endpoint) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("endpoint %s returned %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("endpoint %s: decode response: %w", path, err)
	}
	return nil
}
