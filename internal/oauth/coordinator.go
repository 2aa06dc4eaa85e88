package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/events"
	"github.com/FoxOnTheRun42/proxypal/internal/management"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

var (
	ErrOAuthUnsupported = errors.New("provider does not use the browser oauth flow")
	ErrUnknownProvider  = errors.New("unknown provider")
)

// Pending is the single outstanding authorization flow.
type Pending struct {
	Provider provider.ID `json:"provider"`
	State    string      `json:"state"`
	IssuedAt time.Time   `json:"issuedAt"`
}

// CallbackPayload is published as oauth-callback when a deep link matches
// the pending flow.
type CallbackPayload struct {
	Provider provider.ID `json:"provider"`
	Code     string      `json:"code"`
}

type Options struct {
	HTTPClient *http.Client
	// Config returns a snapshot of the current configuration.
	Config   func() config.AppConfig
	AuthPath string
	Opener   Opener
	Events   events.Sink
	Logger   *slog.Logger
	Now      func() time.Time
}

// Coordinator drives provider authentication through the sidecar
// management API. The auth status and the pending flow are guarded
// separately and never held across a network call.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	authMu sync.Mutex
	auth   AuthStatus

	pendingMu sync.Mutex
	pending   *Pending
}

func New(opts Options) *Coordinator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Config == nil {
		opts.Config = config.Default
	}
	if opts.Opener == nil {
		opts.Opener = BrowserOpener{}
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{opts: opts, logger: opts.Logger}
	if opts.AuthPath != "" {
		c.auth = LoadAuth(opts.AuthPath)
	}
	return c
}

func (c *Coordinator) client() *management.Client {
	return management.New(c.opts.HTTPClient, c.opts.Config())
}

func (c *Coordinator) Status() AuthStatus {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.auth
}

func (c *Coordinator) Pending() (Pending, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

type authURLResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// Begin requests an authorization URL for id, records it as the pending
// flow (replacing any other), opens it and returns the state token to poll
// with.
func (c *Coordinator) Begin(ctx context.Context, id provider.ID) (string, error) {
	endpoint, ok := id.AuthURLEndpoint()
	if !ok {
		if id == provider.Vertex {
			return "", fmt.Errorf("%w: %s uses service account import", ErrOAuthUnsupported, id)
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}

	var body authURLResponse
	if err := c.client().GetJSON(ctx, endpoint+"?is_webui=true", &body); err != nil {
		return "", fmt.Errorf("get %s auth url: %w", id, err)
	}
	if strings.TrimSpace(body.URL) == "" {
		return "", fmt.Errorf("get %s auth url: response has no url", id)
	}

	next := &Pending{Provider: id, State: body.State, IssuedAt: c.opts.Now()}
	c.pendingMu.Lock()
	previous := c.pending
	c.pending = next
	c.pendingMu.Unlock()
	if previous != nil {
		c.logger.Warn("superseding pending oauth flow", "previous_provider", previous.Provider, "provider", id)
	}

	if err := c.opts.Opener.Open(body.URL); err != nil {
		return body.State, fmt.Errorf("open %s auth url: %w", id, err)
	}
	c.logger.Info("oauth flow started", "provider", id)
	return body.State, nil
}

type authStatusResponse struct {
	Status string `json:"status"`
}

// Poll reports whether the flow identified by state has finished. Every
// failure reads as "not yet".
func (c *Coordinator) Poll(ctx context.Context, state string) bool {
	var body authStatusResponse
	err := c.client().GetJSON(ctx, "get-auth-status?state="+url.QueryEscape(state), &body)
	if err != nil {
		c.logger.Debug("oauth poll not ready", "error", err)
		return false
	}
	return body.Status == "ok"
}

// Complete marks id as authenticated and clears the pending flow. The
// authorization code is accepted but not exchanged; the sidecar owns the
// tokens.
func (c *Coordinator) Complete(id provider.ID, _ string) (AuthStatus, error) {
	status, err := c.updateAuth(func(a *AuthStatus) error { return a.Set(id, true) })
	if errors.Is(err, ErrUnknownProvider) {
		return status, err
	}
	c.pendingMu.Lock()
	c.pending = nil
	c.pendingMu.Unlock()
	return status, err
}

func (c *Coordinator) Disconnect(id provider.ID) (AuthStatus, error) {
	return c.updateAuth(func(a *AuthStatus) error { return a.Set(id, false) })
}

// Refresh rebuilds the auth status from credential files in the sidecar's
// auth directory. A missing directory means nothing is connected.
func (c *Coordinator) Refresh() (AuthStatus, error) {
	dir, err := c.opts.Config().ResolvedAuthDir()
	if err != nil {
		return c.Status(), fmt.Errorf("resolve auth dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return c.Status(), fmt.Errorf("scan auth dir: %w", err)
	}
	files := lo.Filter(entries, func(e os.DirEntry, _ int) bool { return !e.IsDir() })

	var scanned AuthStatus
	for _, entry := range files {
		if id, ok := provider.FromCredentialFile(entry.Name()); ok {
			_ = scanned.Set(id, true)
		}
	}
	return c.updateAuth(func(a *AuthStatus) error {
		*a = scanned
		return nil
	})
}

type serviceAccount struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
}

// ImportVertexCredential copies a Google service-account key into the auth
// directory as vertex-<project>.json.
func (c *Coordinator) ImportVertexCredential(path string) (AuthStatus, error) {
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return c.Status(), err
	}
	content, err := os.ReadFile(expanded)
	if err != nil {
		return c.Status(), fmt.Errorf("read credential: %w", err)
	}
	var account serviceAccount
	if err := json.Unmarshal(content, &account); err != nil {
		return c.Status(), fmt.Errorf("invalid credential json: %w", err)
	}
	if account.Type != "service_account" {
		return c.Status(), errors.New("invalid service account: type must be service_account")
	}
	projectID := strings.TrimSpace(account.ProjectID)
	if projectID == "" || strings.ContainsAny(projectID, `/\`) {
		return c.Status(), errors.New("invalid service account: missing project_id")
	}

	dir, err := c.opts.Config().ResolvedAuthDir()
	if err != nil {
		return c.Status(), fmt.Errorf("resolve auth dir: %w", err)
	}
	dest := filepath.Join(dir, "vertex-"+projectID+".json")
	if err := config.WriteFileAtomic(dest, content); err != nil {
		return c.Status(), fmt.Errorf("store vertex credential: %w", err)
	}
	c.logger.Info("vertex credential imported", "project_id", projectID)
	return c.updateAuth(func(a *AuthStatus) error { return a.Set(provider.Vertex, true) })
}

// HandleCallback processes a proxypal://oauth/callback deep link. It
// reports whether the link matched the pending flow.
func (c *Coordinator) HandleCallback(rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse callback url: %w", err)
	}
	if u.Scheme != "proxypal" || strings.TrimPrefix(u.Host+u.Path, "/") != "oauth/callback" {
		return false, fmt.Errorf("not an oauth callback: %s", rawURL)
	}
	query := u.Query()
	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		return false, nil
	}
	pending, ok := c.Pending()
	if !ok || pending.State != state {
		c.logger.Debug("ignoring oauth callback for unknown state")
		return false, nil
	}
	c.opts.Events.Publish(events.OAuthCallback, CallbackPayload{Provider: pending.Provider, Code: code})
	return true, nil
}

// updateAuth applies mutate and persists the result under the auth lock,
// then publishes the new status.
func (c *Coordinator) updateAuth(mutate func(*AuthStatus) error) (AuthStatus, error) {
	c.authMu.Lock()
	next := c.auth
	if err := mutate(&next); err != nil {
		current := c.auth
		c.authMu.Unlock()
		return current, err
	}
	c.auth = next
	var saveErr error
	if c.opts.AuthPath != "" {
		saveErr = SaveAuth(c.opts.AuthPath, next)
	}
	c.authMu.Unlock()

	c.opts.Events.Publish(events.AuthStatusChanged, next)
	return next, saveErr
}
