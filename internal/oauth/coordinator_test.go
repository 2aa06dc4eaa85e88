package oauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/events"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (o *recordingOpener) Open(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return o.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(t events.Type, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events.Event{Type: t, Payload: payload})
}

func (s *recordingSink) ofType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []events.Event{}
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	opener *recordingOpener
	sink   *recordingSink
	cfg    config.AppConfig
	dir    string
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.AuthDir = filepath.Join(dir, "auth")
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		cfg.Port = srv.Listener.Addr().(*net.TCPAddr).Port
	} else {
		cfg.Port = unusedPort(t)
	}
	f := &fixture{opener: &recordingOpener{}, sink: &recordingSink{}, cfg: cfg, dir: dir}
	f.coord = New(Options{
		Config:   func() config.AppConfig { return f.cfg },
		AuthPath: filepath.Join(dir, "auth.json"),
		Opener:   f.opener,
		Events:   f.sink,
	})
	return f
}

func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestPollSoftFails(t *testing.T) {
	status := "wait"
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/management/get-auth-status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("state") != "abc" {
			t.Errorf("state = %s, want abc", r.URL.Query().Get("state"))
		}
		if r.Header.Get("X-Management-Key") != "proxypal-mgmt-key" {
			t.Errorf("missing management key header")
		}
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	}))

	if f.coord.Poll(context.Background(), "abc") {
		t.Fatalf("Poll() = true for status wait")
	}
	status = "ok"
	if !f.coord.Poll(context.Background(), "abc") {
		t.Fatalf("Poll() = false for status ok")
	}
}

func TestPollTransportErrorIsFalse(t *testing.T) {
	f := newFixture(t, nil)
	if f.coord.Poll(context.Background(), "abc") {
		t.Fatalf("Poll() = true with nothing listening")
	}
}

func TestPollNonSuccessIsFalse(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"ok"}`, http.StatusInternalServerError)
	}))
	if f.coord.Poll(context.Background(), "abc") {
		t.Fatalf("Poll() = true for a 500 response")
	}
}

func TestBeginOpensURLAndSupersedes(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("is_webui") != "true" {
			t.Errorf("is_webui = %q, want true", r.URL.Query().Get("is_webui"))
		}
		switch r.URL.Path {
		case "/v0/management/anthropic-auth-url":
			_, _ = w.Write([]byte(`{"url":"https://claude.example/auth","state":"s-claude"}`))
		case "/v0/management/codex-auth-url":
			_, _ = w.Write([]byte(`{"url":"https://openai.example/auth","state":"s-openai"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	state, err := f.coord.Begin(ctx, provider.Claude)
	if err != nil {
		t.Fatalf("Begin(claude) error = %v", err)
	}
	if state != "s-claude" {
		t.Fatalf("state = %s, want s-claude", state)
	}
	if _, err := f.coord.Begin(ctx, provider.OpenAI); err != nil {
		t.Fatalf("Begin(openai) error = %v", err)
	}

	pending, ok := f.coord.Pending()
	if !ok || pending.Provider != provider.OpenAI || pending.State != "s-openai" {
		t.Fatalf("pending = %+v, %v; want openai flow to supersede", pending, ok)
	}
	if len(f.opener.urls) != 2 || f.opener.urls[0] != "https://claude.example/auth" {
		t.Fatalf("opened urls = %v", f.opener.urls)
	}
}

func TestBeginErrors(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/management/qwen-auth-url":
			_, _ = w.Write([]byte(`{"state":"no-url"}`))
		default:
			http.Error(w, "nope", http.StatusForbidden)
		}
	}))
	ctx := context.Background()

	if _, err := f.coord.Begin(ctx, provider.Vertex); !errors.Is(err, ErrOAuthUnsupported) {
		t.Fatalf("Begin(vertex) error = %v, want ErrOAuthUnsupported", err)
	}
	if _, err := f.coord.Begin(ctx, provider.Unknown); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Begin(unknown) error = %v, want ErrUnknownProvider", err)
	}
	if _, err := f.coord.Begin(ctx, provider.Qwen); err == nil {
		t.Fatalf("expected error for response without url")
	}
	if _, err := f.coord.Begin(ctx, provider.Gemini); err == nil {
		t.Fatalf("expected error for 403 response")
	}
	if _, ok := f.coord.Pending(); ok {
		t.Fatalf("failed flows must not set a pending slot")
	}
	if len(f.opener.urls) != 0 {
		t.Fatalf("opener called for failed flows: %v", f.opener.urls)
	}
}

func TestCompleteAndDisconnectPersist(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url":"https://gemini.example","state":"s1"}`))
	}))
	if _, err := f.coord.Begin(context.Background(), provider.Gemini); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	status, err := f.coord.Complete(provider.Gemini, "code-123")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !status.Gemini {
		t.Fatalf("gemini not marked authenticated")
	}
	if _, ok := f.coord.Pending(); ok {
		t.Fatalf("pending flow not cleared")
	}
	if stored := LoadAuth(filepath.Join(f.dir, "auth.json")); !stored.Gemini {
		t.Fatalf("auth.json not updated: %+v", stored)
	}

	status, err = f.coord.Disconnect(provider.Gemini)
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if status.Gemini {
		t.Fatalf("gemini still authenticated after disconnect")
	}
	if got := len(f.sink.ofType(events.AuthStatusChanged)); got != 2 {
		t.Fatalf("auth-status-changed events = %d, want 2", got)
	}

	if _, err := f.coord.Complete(provider.Unknown, ""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Complete(unknown) error = %v", err)
	}
}

func TestRefreshScansCredentialDirectory(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.MkdirAll(f.cfg.AuthDir, 0o700); err != nil {
		t.Fatalf("mkdir auth dir: %v", err)
	}
	for _, name := range []string{"claude-me@example.com.json", "codex-me.json", "notes.txt", "gemini-readme.md"} {
		if err := os.WriteFile(filepath.Join(f.cfg.AuthDir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(f.cfg.AuthDir, "qwen-dir.json"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// an optimistic local flag is corrected by the scan
	if _, err := f.coord.Complete(provider.IFlow, ""); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	status, err := f.coord.Refresh()
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	want := AuthStatus{Claude: true, OpenAI: true}
	if status != want {
		t.Fatalf("status = %+v, want %+v", status, want)
	}
}

func TestRefreshWithoutDirectory(t *testing.T) {
	f := newFixture(t, nil)
	status, err := f.coord.Refresh()
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if status != (AuthStatus{}) {
		t.Fatalf("status = %+v, want all false", status)
	}
}

func TestImportVertexCredential(t *testing.T) {
	f := newFixture(t, nil)
	src := filepath.Join(f.dir, "sa.json")
	if err := os.WriteFile(src, []byte(`{"type":"service_account","project_id":"my-proj"}`), 0o600); err != nil {
		t.Fatalf("write sa: %v", err)
	}
	status, err := f.coord.ImportVertexCredential(src)
	if err != nil {
		t.Fatalf("ImportVertexCredential() error = %v", err)
	}
	if !status.Vertex {
		t.Fatalf("vertex not marked authenticated")
	}
	if _, err := os.Stat(filepath.Join(f.cfg.AuthDir, "vertex-my-proj.json")); err != nil {
		t.Fatalf("credential not copied: %v", err)
	}

	bad := filepath.Join(f.dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`{"type":"authorized_user","project_id":"x"}`), 0o600)
	if _, err := f.coord.ImportVertexCredential(bad); err == nil {
		t.Fatalf("expected error for non service account")
	}
	missing := filepath.Join(f.dir, "missing.json")
	_ = os.WriteFile(missing, []byte(`{"type":"service_account"}`), 0o600)
	if _, err := f.coord.ImportVertexCredential(missing); err == nil {
		t.Fatalf("expected error for missing project_id")
	}
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url":"https://claude.example","state":"st-1"}`))
	}))
	if _, err := f.coord.Begin(context.Background(), provider.Claude); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	matched, err := f.coord.HandleCallback("proxypal://oauth/callback?code=abc&state=other")
	if err != nil || matched {
		t.Fatalf("HandleCallback(mismatch) = %v, %v", matched, err)
	}
	matched, err = f.coord.HandleCallback("proxypal://oauth/callback?code=abc&state=st-1")
	if err != nil || !matched {
		t.Fatalf("HandleCallback(match) = %v, %v", matched, err)
	}
	callbacks := f.sink.ofType(events.OAuthCallback)
	if len(callbacks) != 1 {
		t.Fatalf("oauth-callback events = %d, want 1", len(callbacks))
	}
	payload := callbacks[0].Payload.(CallbackPayload)
	if payload.Provider != provider.Claude || payload.Code != "abc" {
		t.Fatalf("payload = %+v", payload)
	}

	if _, err := f.coord.HandleCallback("https://example.com/oauth/callback"); err == nil {
		t.Fatalf("expected error for foreign scheme")
	}
}
