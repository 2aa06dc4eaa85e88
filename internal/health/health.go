package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/oauth"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

const (
	ProbeTimeout = 5 * time.Second
	TestTimeout  = 10 * time.Second
)

type Level string

const (
	Healthy      Level = "healthy"
	Degraded     Level = "degraded"
	Offline      Level = "offline"
	Unconfigured Level = "unconfigured"
)

type Status struct {
	Status      Level  `json:"status"`
	LatencyMs   *int64 `json:"latencyMs,omitempty"`
	LastChecked int64  `json:"lastChecked"`
}

// Report holds one Status per known provider.
type Report map[provider.ID]Status

type AgentTestResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	LatencyMs *int64 `json:"latencyMs,omitempty"`
}

type Options struct {
	HTTPClient *http.Client
	Config     func() config.AppConfig
	Running    func() bool
	Auth       func() oauth.AuthStatus
	Now        func() time.Time
}

// Prober classifies provider availability by probing the sidecar's
// /v1/models endpoint.
type Prober struct {
	opts Options
}

func New(opts Options) *Prober {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Config == nil {
		opts.Config = config.Default
	}
	if opts.Running == nil {
		opts.Running = func() bool { return false }
	}
	if opts.Auth == nil {
		opts.Auth = func() oauth.AuthStatus { return oauth.AuthStatus{} }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Prober{opts: opts}
}

// CheckProviders reports every provider as offline when the sidecar is
// down. Otherwise a single probe decides between healthy and degraded for
// authenticated providers; the rest are unconfigured.
func (p *Prober) CheckProviders(ctx context.Context) Report {
	checked := p.opts.Now().Unix()
	report := make(Report, len(provider.All))
	if !p.opts.Running() {
		for _, id := range provider.All {
			report[id] = Status{Status: Offline, LastChecked: checked}
		}
		return report
	}

	latency, err := p.probe(ctx, ProbeTimeout)
	auth := p.opts.Auth()
	for _, id := range provider.All {
		switch {
		case !auth.Get(id):
			report[id] = Status{Status: Unconfigured, LastChecked: checked}
		case err == nil:
			ms := latency.Milliseconds()
			report[id] = Status{Status: Healthy, LatencyMs: &ms, LastChecked: checked}
		default:
			report[id] = Status{Status: Degraded, LastChecked: checked}
		}
	}
	return report
}

// TestConnection checks that agentID can reach the proxy. Failures are
// reported in the result, never as an error.
func (p *Prober) TestConnection(ctx context.Context, agentID string) AgentTestResult {
	if !p.opts.Running() {
		return AgentTestResult{Message: "Proxy is not running"}
	}
	latency, err := p.probe(ctx, TestTimeout)
	var probeErr *ProbeError
	switch {
	case errors.As(err, &probeErr):
		return AgentTestResult{Message: fmt.Sprintf("Proxy returned status %d", probeErr.StatusCode)}
	case err != nil:
		return AgentTestResult{Message: "Connection failed: " + err.Error()}
	}
	ms := latency.Milliseconds()
	return AgentTestResult{
		Success:   true,
		Message:   fmt.Sprintf("Connection successful! %s is ready to use.", agentID),
		LatencyMs: &ms,
	}
}

// ProbeError is a non-2xx answer from /v1/models.
type ProbeError struct {
	StatusCode int
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("models probe returned status %d", e.StatusCode)
}

func (p *Prober) probe(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	cfg := p.opts.Config()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint()+"/models", nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.ProxyAPIKey)

	start := time.Now()
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe models: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, &ProbeError{StatusCode: resp.StatusCode}
	}
	return latency, nil
}
