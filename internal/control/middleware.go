package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/management"
	"github.com/FoxOnTheRun42/proxypal/internal/oauth"
	"github.com/FoxOnTheRun42/proxypal/internal/sidecar"
	"github.com/FoxOnTheRun42/proxypal/internal/usage"
)

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	var body errorBody
	body.Error.Type = errType
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeServiceError maps a backend error onto an HTTP status and error type.
func writeServiceError(w http.ResponseWriter, err error) {
	var statusErr *management.StatusError
	var exited *sidecar.ExitedError
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "unknown_provider", err.Error())
	case errors.Is(err, oauth.ErrOAuthUnsupported):
		writeError(w, http.StatusBadRequest, "oauth_unsupported", err.Error())
	case errors.Is(err, usage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
	case errors.Is(err, sidecar.ErrSupervisorStopped):
		writeError(w, http.StatusServiceUnavailable, "supervisor_stopped", err.Error())
	case errors.As(err, &exited):
		writeError(w, http.StatusBadGateway, "sidecar_exited", err.Error())
	case errors.As(err, &statusErr):
		writeError(w, http.StatusBadGateway, "management_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// loopbackOnly rejects clients that are not on a loopback address, and
// browser requests that were not issued for a loopback host. The Host check
// stops DNS rebinding; the Origin check stops cross-site form posts. A
// non-empty port must also match the Host port.
func loopbackOnly(port string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "forbidden", "control api only accepts loopback clients")
			return
		}
		if !allowedHost(r.Host, port) {
			writeError(w, http.StatusForbidden, "forbidden", "control api only answers to loopback host names")
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !allowedOrigin(origin) {
			writeError(w, http.StatusForbidden, "forbidden", "cross-origin requests are not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackName(name string) bool {
	switch strings.ToLower(name) {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

func allowedHost(hostHeader, port string) bool {
	name, hostPort, err := net.SplitHostPort(hostHeader)
	if err != nil {
		name, hostPort = strings.Trim(hostHeader, "[]"), ""
	}
	if !isLoopbackName(name) {
		return false
	}
	return port == "" || port == "0" || hostPort == port
}

func allowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return isLoopbackName(u.Hostname())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("control request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}
