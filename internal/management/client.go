package management

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
)

const (
	HeaderKey      = "X-Management-Key"
	DefaultTimeout = 5 * time.Second
	maxBodyBytes   = 8 << 20
)

// StatusError is returned for non-2xx management responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("management api %s returned status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("management api %s returned status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client talks to the sidecar management API on loopback.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	Key     string
	Timeout time.Duration
}

func New(httpClient *http.Client, cfg config.AppConfig) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		HTTP:    httpClient,
		BaseURL: cfg.ManagementBase(),
		Key:     cfg.ManagementKey,
		Timeout: DefaultTimeout,
	}
}

// Get fetches path (relative to /v0/management/) and returns the raw body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v0/management/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build management request: %w", err)
	}
	req.Header.Set(HeaderKey, c.Key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("management api %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read management response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(truncate(body, 256)))}
	}
	return body, nil
}

// GetJSON is Get followed by decoding into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	body, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode management response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
