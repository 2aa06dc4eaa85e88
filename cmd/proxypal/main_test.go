package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/control"
	"github.com/FoxOnTheRun42/proxypal/internal/history"
	"github.com/FoxOnTheRun42/proxypal/internal/logparse"
	"github.com/FoxOnTheRun42/proxypal/internal/oauth"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
	"github.com/FoxOnTheRun42/proxypal/internal/usage"
)

func TestParseWindowStart(t *testing.T) {
	t.Run("empty means unbounded", func(t *testing.T) {
		got, err := parseWindowStart("")
		if err != nil {
			t.Fatalf("parseWindowStart error = %v", err)
		}
		if !got.IsZero() {
			t.Fatalf("parseWindowStart(\"\") = %v, want zero", got)
		}
	})
	t.Run("duration", func(t *testing.T) {
		got, err := parseWindowStart("2h")
		if err != nil {
			t.Fatalf("parseWindowStart error = %v", err)
		}
		if age := time.Since(got); age < 2*time.Hour-time.Minute || age > 2*time.Hour+time.Minute {
			t.Fatalf("window age = %v, want about 2h", age)
		}
	})
	t.Run("days", func(t *testing.T) {
		got, err := parseWindowStart("7d")
		if err != nil {
			t.Fatalf("parseWindowStart error = %v", err)
		}
		if age := time.Since(got); age < 167*time.Hour || age > 169*time.Hour {
			t.Fatalf("window age = %v, want about 168h", age)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		for _, raw := range []string{"xd", "yesterday"} {
			if _, err := parseWindowStart(raw); err == nil {
				t.Fatalf("parseWindowStart(%q) expected error", raw)
			}
		}
	})
}

func TestParseAssignments(t *testing.T) {
	patch, err := parseAssignments([]string{"port=9000", "debug=true", "proxyApiKey=secret", "authDir=~/auth"})
	if err != nil {
		t.Fatalf("parseAssignments error = %v", err)
	}
	if patch["port"] != float64(9000) {
		t.Fatalf("port = %#v, want 9000", patch["port"])
	}
	if patch["debug"] != true {
		t.Fatalf("debug = %#v, want true", patch["debug"])
	}
	if patch["proxyApiKey"] != "secret" {
		t.Fatalf("proxyApiKey = %#v, want secret", patch["proxyApiKey"])
	}
	if patch["authDir"] != "~/auth" {
		t.Fatalf("authDir = %#v, want ~/auth", patch["authDir"])
	}

	if _, err := parseAssignments([]string{"port"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
	if _, err := parseAssignments([]string{"=1"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestFormatHelpers(t *testing.T) {
	cases := map[int64]string{0: "0", 999: "999", 1500: "1.5K", 2_500_000: "2.5M"}
	for in, want := range cases {
		if got := formatTokenCount(in); got != want {
			t.Fatalf("formatTokenCount(%d) = %q, want %q", in, got, want)
		}
	}
	if got := formatUSD(1.5); got != "$1.50" {
		t.Fatalf("formatUSD(1.5) = %q, want $1.50", got)
	}
	if got := formatDuration(850); got != "850ms" {
		t.Fatalf("formatDuration(850) = %q, want 850ms", got)
	}
	if got := formatDuration(1500); got != "1.5s" {
		t.Fatalf("formatDuration(1500) = %q, want 1.5s", got)
	}
}

func TestRenderAuthListsEveryProvider(t *testing.T) {
	var buf bytes.Buffer
	renderAuth(&buf, oauth.AuthStatus{Claude: true})
	out := buf.String()
	for _, id := range provider.All {
		if !strings.Contains(out, string(id)) {
			t.Fatalf("auth table missing %s:\n%s", id, out)
		}
	}
	if strings.Count(out, "yes") != 1 {
		t.Fatalf("auth table should mark exactly one provider connected:\n%s", out)
	}
}

func TestRenderHistoryNewestFirstWithLimit(t *testing.T) {
	in := int64(120)
	hist := history.RequestHistory{
		Requests: []logparse.RequestEvent{
			{ID: "req_1", Timestamp: 1000, Provider: "claude", Model: "claude-sonnet-4", Method: "POST", Path: "/v1/messages", Status: 200, DurationMs: 900, TokensIn: &in},
			{ID: "req_2", Timestamp: 2000, Provider: "openai", Model: "gpt-4o", Method: "POST", Path: "/v1/chat/completions", Status: 200, DurationMs: 1200},
			{ID: "req_3", Timestamp: 3000, Provider: "gemini", Method: "GET", Path: "/v1/models", Status: 500, DurationMs: 10},
		},
		TotalTokensIn: 120,
	}
	var buf bytes.Buffer
	renderHistory(&buf, hist, 2)
	out := buf.String()
	if strings.Contains(out, "claude-sonnet-4") {
		t.Fatalf("oldest row should be cut by limit:\n%s", out)
	}
	gemini := strings.Index(out, "gemini")
	openai := strings.Index(out, "gpt-4o")
	if gemini < 0 || openai < 0 || gemini > openai {
		t.Fatalf("rows not newest first:\n%s", out)
	}
}

func TestRenderUsage(t *testing.T) {
	snap := usage.Empty()
	snap.TotalRequests = 3
	snap.SuccessCount = 2
	snap.FailureCount = 1
	snap.TotalTokens = 4200
	snap.Providers = []usage.ProviderUsage{{Provider: "claude", Requests: 3, Tokens: 4200}}
	snap.Models = []usage.ModelUsage{{Model: "claude-sonnet-4", Requests: 3, Tokens: 4200}}

	var buf bytes.Buffer
	renderUsage(&buf, snap)
	out := buf.String()
	for _, want := range []string{"requests: 3 (2 ok, 1 failed)", "4.2K", "claude-sonnet-4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("usage output missing %q:\n%s", want, out)
		}
	}
}

func newControlStub(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	prevAddr, prevJSON, prevDir := addrFlag, outputJSON, configDir
	t.Cleanup(func() { addrFlag, outputJSON, configDir = prevAddr, prevJSON, prevDir })
	return srv.URL
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRunLoginPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	var completed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/{provider}/begin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"provider": r.PathValue("provider"), "state": "st-1"})
	})
	mux.HandleFunc("GET /oauth/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "st-1" {
			http.Error(w, "bad state", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"done": polls.Add(1) >= 2})
	})
	mux.HandleFunc("POST /oauth/{provider}/complete", func(w http.ResponseWriter, r *http.Request) {
		completed.Store(true)
		writeJSON(w, oauth.AuthStatus{OpenAI: true})
	})
	addr := newControlStub(t, mux)
	outputJSON = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := runLogin(ctx, control.NewClient(addr), &out, provider.OpenAI, 10*time.Millisecond); err != nil {
		t.Fatalf("runLogin error = %v", err)
	}
	if polls.Load() != 2 {
		t.Fatalf("polls = %d, want 2", polls.Load())
	}
	if !completed.Load() {
		t.Fatalf("complete was not called")
	}
	if !strings.Contains(out.String(), "openai connected") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunLoginTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/{provider}/begin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"state": "st-1"})
	})
	mux.HandleFunc("GET /oauth/poll", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"done": false})
	})
	addr := newControlStub(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runLogin(ctx, control.NewClient(addr), &bytes.Buffer{}, provider.Claude, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("runLogin error = %v, want deadline exceeded", err)
	}
}

func TestStatusCommandRendersProxyAndAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"state": "running", "running": true, "port": 8317, "endpoint": "http://localhost:8317/v1", "pid": 42})
	})
	mux.HandleFunc("GET /auth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, oauth.AuthStatus{Gemini: true})
	})
	addr := newControlStub(t, mux)

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--addr", addr, "status"})
	if err := root.Execute(); err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out.String(), "proxy: running at http://localhost:8317/v1 (pid 42)") {
		t.Fatalf("status output = %q", out.String())
	}
	if !strings.Contains(out.String(), "gemini") {
		t.Fatalf("status output missing auth table: %q", out.String())
	}
}

func TestConfigSetSendsTypedPatch(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /config", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"port": 9000})
	})
	addr := newControlStub(t, mux)

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--addr", addr, "config", "set", "port=9000", "autoStart=false"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config set error = %v", err)
	}
	if got["port"] != float64(9000) || got["autoStart"] != false {
		t.Fatalf("patch = %#v", got)
	}
	if !strings.Contains(out.String(), "updated 2 key(s)") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestCommandSurfacesAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /proxy/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"type":"sidecar_exited","message":"exit status 1"}}`))
	})
	addr := newControlStub(t, mux)

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--addr", addr, "start"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "sidecar_exited") {
		t.Fatalf("start error = %v, want sidecar_exited", err)
	}
}

func TestLoginRejectsVertex(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--addr", "127.0.0.1:1", "login", "vertex"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "import-vertex") {
		t.Fatalf("login vertex error = %v, want import-vertex hint", err)
	}
}
