package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/events"
	"github.com/FoxOnTheRun42/proxypal/internal/health"
	"github.com/FoxOnTheRun42/proxypal/internal/history"
	"github.com/FoxOnTheRun42/proxypal/internal/ledger"
	"github.com/FoxOnTheRun42/proxypal/internal/oauth"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
	"github.com/FoxOnTheRun42/proxypal/internal/sidecar"
	"github.com/FoxOnTheRun42/proxypal/internal/usage"
)

// APIError is a non-2xx control API answer.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("control api returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Client is the Go client of the control API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{BaseURL: strings.TrimRight(base, "/"), HTTP: &http.Client{}}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("call control api: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read control response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			return &APIError{StatusCode: resp.StatusCode, Type: eb.Error.Type, Message: eb.Error.Message}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode control response: %w", err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/__proxypal/health", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (sidecar.Status, error) {
	var out sidecar.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) StartProxy(ctx context.Context) (sidecar.Status, error) {
	var out sidecar.Status
	err := c.do(ctx, http.MethodPost, "/proxy/start", nil, &out)
	return out, err
}

func (c *Client) StopProxy(ctx context.Context) (sidecar.Status, error) {
	var out sidecar.Status
	err := c.do(ctx, http.MethodPost, "/proxy/stop", nil, &out)
	return out, err
}

func (c *Client) Auth(ctx context.Context) (oauth.AuthStatus, error) {
	var out oauth.AuthStatus
	err := c.do(ctx, http.MethodGet, "/auth", nil, &out)
	return out, err
}

func (c *Client) RefreshAuth(ctx context.Context) (oauth.AuthStatus, error) {
	var out oauth.AuthStatus
	err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, &out)
	return out, err
}

func (c *Client) Disconnect(ctx context.Context, id provider.ID) (oauth.AuthStatus, error) {
	var out oauth.AuthStatus
	err := c.do(ctx, http.MethodPost, "/auth/"+url.PathEscape(string(id))+"/disconnect", nil, &out)
	return out, err
}

func (c *Client) ImportVertexCredential(ctx context.Context, path string) (oauth.AuthStatus, error) {
	var out oauth.AuthStatus
	err := c.do(ctx, http.MethodPost, "/auth/vertex/import", importRequest{Path: path}, &out)
	return out, err
}

func (c *Client) BeginOAuth(ctx context.Context, id provider.ID) (string, error) {
	var out beginResponse
	err := c.do(ctx, http.MethodPost, "/oauth/"+url.PathEscape(string(id))+"/begin", nil, &out)
	return out.State, err
}

func (c *Client) PollOAuth(ctx context.Context, state string) (bool, error) {
	var out pollResponse
	err := c.do(ctx, http.MethodGet, "/oauth/poll?state="+url.QueryEscape(state), nil, &out)
	return out.Done, err
}

func (c *Client) CompleteOAuth(ctx context.Context, id provider.ID, code string) (oauth.AuthStatus, error) {
	var out oauth.AuthStatus
	err := c.do(ctx, http.MethodPost, "/oauth/"+url.PathEscape(string(id))+"/complete", completeRequest{Code: code}, &out)
	return out, err
}

func (c *Client) Callback(ctx context.Context, rawURL string) (bool, error) {
	var out callbackResponse
	err := c.do(ctx, http.MethodPost, "/oauth/callback", callbackRequest{URL: rawURL}, &out)
	return out.Matched, err
}

func (c *Client) Config(ctx context.Context) (config.AppConfig, error) {
	var out config.AppConfig
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

// UpdateConfig sends a partial document; omitted keys keep their values.
func (c *Client) UpdateConfig(ctx context.Context, patch map[string]any) (config.AppConfig, error) {
	var out config.AppConfig
	err := c.do(ctx, http.MethodPut, "/config", patch, &out)
	return out, err
}

func (c *Client) Usage(ctx context.Context, local bool) (usage.Snapshot, error) {
	path := "/usage"
	if local {
		path = "/usage/local"
	}
	var out usage.Snapshot
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context) (history.RequestHistory, error) {
	var out history.RequestHistory
	err := c.do(ctx, http.MethodGet, "/history", nil, &out)
	return out, err
}

func (c *Client) ClearHistory(ctx context.Context) (history.RequestHistory, error) {
	var out history.RequestHistory
	err := c.do(ctx, http.MethodDelete, "/history", nil, &out)
	return out, err
}

func (c *Client) Requests(ctx context.Context, filter ledger.QueryFilter) ([]ledger.Record, error) {
	query := url.Values{}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Provider != "" {
		query.Set("provider", filter.Provider)
	}
	if filter.Model != "" {
		query.Set("model", filter.Model)
	}
	if !filter.Since.IsZero() {
		query.Set("since", time.Since(filter.Since).Round(time.Second).String())
	}
	path := "/requests"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []ledger.Record
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) CheckProviders(ctx context.Context) (health.Report, error) {
	var out health.Report
	err := c.do(ctx, http.MethodGet, "/health/providers", nil, &out)
	return out, err
}

func (c *Client) TestConnection(ctx context.Context, agentID string) (health.AgentTestResult, error) {
	var out health.AgentTestResult
	err := c.do(ctx, http.MethodGet, "/health/test?agent="+url.QueryEscape(agentID), nil, &out)
	return out, err
}

// StreamEvent is an event as received over the wire; the payload is left
// raw for the caller to decode by type.
type StreamEvent struct {
	Type    events.Type     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Events follows the event stream and calls fn for each event until ctx
// ends, the stream closes or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !IsSSEContentType(resp.Header.Get("Content-Type")) {
		return &APIError{StatusCode: resp.StatusCode, Message: "event stream unavailable"}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}
