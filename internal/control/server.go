package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
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

const maxBodyBytes = 1 << 20

// Backend is the command surface the control API exposes. app.Service
// implements it.
type Backend interface {
	Status() sidecar.Status
	StartProxy(ctx context.Context) (sidecar.Status, error)
	StopProxy(ctx context.Context) (sidecar.Status, error)

	Auth() oauth.AuthStatus
	RefreshAuth() (oauth.AuthStatus, error)
	Disconnect(id provider.ID) (oauth.AuthStatus, error)
	ImportVertexCredential(path string) (oauth.AuthStatus, error)
	BeginOAuth(ctx context.Context, id provider.ID) (string, error)
	PollOAuth(ctx context.Context, state string) bool
	CompleteOAuth(id provider.ID, code string) (oauth.AuthStatus, error)
	HandleCallback(rawURL string) (bool, error)

	Config() config.AppConfig
	SaveConfig(cfg config.AppConfig) (config.AppConfig, error)

	Usage(ctx context.Context) (usage.Snapshot, error)
	LocalUsage(ctx context.Context) (usage.Snapshot, error)
	History() history.RequestHistory
	ClearHistory() error
	Requests(ctx context.Context, filter ledger.QueryFilter) ([]ledger.Record, error)

	CheckProviders(ctx context.Context) health.Report
	TestConnection(ctx context.Context, agentID string) health.AgentTestResult

	Events() *events.Hub
}

type Server struct {
	addr      string
	backend   Backend
	httpSrv   *http.Server
	logger    *slog.Logger
	startedAt time.Time
	isRunning atomic.Bool
}

func NewServer(addr string, backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, backend: backend, logger: logger}
}

// Addr formats the loopback listen address for port.
func Addr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /__proxypal/health", s.handleHealth)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /proxy/start", s.handleStart)
	mux.HandleFunc("POST /proxy/stop", s.handleStop)

	mux.HandleFunc("GET /auth", s.handleAuth)
	mux.HandleFunc("POST /auth/refresh", s.handleAuthRefresh)
	mux.HandleFunc("POST /auth/vertex/import", s.handleVertexImport)
	mux.HandleFunc("POST /auth/{provider}/disconnect", s.handleDisconnect)

	mux.HandleFunc("POST /oauth/{provider}/begin", s.handleOAuthBegin)
	mux.HandleFunc("GET /oauth/poll", s.handleOAuthPoll)
	mux.HandleFunc("POST /oauth/{provider}/complete", s.handleOAuthComplete)
	mux.HandleFunc("POST /oauth/callback", s.handleOAuthCallback)

	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.handlePutConfig)

	mux.HandleFunc("GET /usage", s.handleUsage)
	mux.HandleFunc("GET /usage/local", s.handleLocalUsage)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("DELETE /history", s.handleClearHistory)
	mux.HandleFunc("GET /requests", s.handleRequests)

	mux.HandleFunc("GET /health/providers", s.handleHealthProviders)
	mux.HandleFunc("GET /health/test", s.handleHealthTest)

	mux.HandleFunc("GET /events", s.handleEvents)
	_, port, _ := net.SplitHostPort(s.addr)
	return loopbackOnly(port, logRequests(s.logger, mux))
}

func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now().UTC()
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.isRunning.Store(true)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("control api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		s.isRunning.Store(false)
		if err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.isRunning.Store(false)
	if err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "proxypal",
		"status":     "ok",
		"addr":       s.addr,
		"started_at": s.startedAt.Format(time.RFC3339),
		"proxy":      s.backend.Status().State,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.StartProxy(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.StopProxy(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAuth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Auth())
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, _ *http.Request) {
	s.writeAuth(w)(s.backend.RefreshAuth())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProvider(w, r)
	if !ok {
		return
	}
	s.writeAuth(w)(s.backend.Disconnect(id))
}

type importRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleVertexImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "path is required")
		return
	}
	status, err := s.backend.ImportVertexCredential(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_credential", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type beginResponse struct {
	Provider provider.ID `json:"provider"`
	State    string      `json:"state"`
}

func (s *Server) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProvider(w, r)
	if !ok {
		return
	}
	state, err := s.backend.BeginOAuth(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginResponse{Provider: id, State: state})
}

type pollResponse struct {
	Done bool `json:"done"`
}

func (s *Server) handleOAuthPoll(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "state is required")
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Done: s.backend.PollOAuth(r.Context(), state)})
}

type completeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleOAuthComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProvider(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	s.writeAuth(w)(s.backend.CompleteOAuth(id, req.Code))
}

type callbackRequest struct {
	URL string `json:"url"`
}

type callbackResponse struct {
	Matched bool `json:"matched"`
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	matched, err := s.backend.HandleCallback(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_callback", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{Matched: matched})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Config())
}

// handlePutConfig decodes the body over the current config, so omitted
// keys keep their values.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.backend.Config()
	if !decodeBody(w, r, &cfg) {
		return
	}
	saved, err := s.backend.SaveConfig(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.Usage(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLocalUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.LocalUsage(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.History())
}

func (s *Server) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.ClearHistory(); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.History())
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ledger.QueryFilter{Provider: query.Get("provider"), Model: query.Get("model")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be a duration such as 24h")
			return
		}
		filter.Since = time.Now().Add(-d)
	}
	rows, err := s.backend.Requests(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleHealthProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.CheckProviders(r.Context()))
}

func (s *Server) handleHealthTest(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent is required")
		return
	}
	writeJSON(w, http.StatusOK, s.backend.TestConnection(r.Context(), agent))
}

func (s *Server) writeAuth(w http.ResponseWriter) func(oauth.AuthStatus, error) {
	return func(status oauth.AuthStatus, err error) {
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func pathProvider(w http.ResponseWriter, r *http.Request) (provider.ID, bool) {
	id, err := provider.Parse(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_provider", err.Error())
		return provider.Unknown, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	return decode(w, r, out, true)
}

func decodeOptionalBody(w http.ResponseWriter, r *http.Request, out any) bool {
	return decode(w, r, out, false)
}

func decode(w http.ResponseWriter, r *http.Request, out any, required bool) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_request_failed", err.Error())
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if required {
			writeError(w, http.StatusBadRequest, "invalid_request", "request body is required")
		}
		return !required
	}
	if !isJSONContentType(r.Header.Get("Content-Type")) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "request body must be application/json")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
