package logparse

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

const (
	DefaultModel  = "auto"
	DefaultStatus = 200
)

// RequestEvent is one proxied request reconstructed from the sidecar log.
type RequestEvent struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"durationMs"`
	TokensIn   *int64 `json:"tokensIn,omitempty"`
	TokensOut  *int64 `json:"tokensOut,omitempty"`
}

func (e RequestEvent) InputTokens() int64 {
	if e.TokensIn == nil {
		return 0
	}
	return *e.TokensIn
}

func (e RequestEvent) OutputTokens() int64 {
	if e.TokensOut == nil {
		return 0
	}
	return *e.TokensOut
}

func (e RequestEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// methods in selection priority. Matching is case-sensitive.
var methods = []string{"POST", "GET", "PUT", "DELETE"}

// apiPaths in selection priority. The reported path is the fragment itself.
var apiPaths = []string{
	"/v1/chat/completions",
	"/v1/messages",
	"/v1/completions",
	"/v1/responses",
}

// generatePaths mark Gemini-style calls; the reported path is the whole
// token that carries the fragment so the model can be recovered from it.
var generatePaths = []string{":streamGenerateContent", ":generateContent"}

var noiseMarkers = []string{"listening", "starting", "loaded", "config", "error:", "warn:"}

// Parse converts one raw sidecar output line into a RequestEvent. It reports
// false for anything that does not look like a proxied API request. counter
// is advanced only when an event is produced.
func Parse(line string, counter *uint64) (RequestEvent, bool) {
	return ParseAt(line, counter, time.Now())
}

func ParseAt(line string, counter *uint64, now time.Time) (RequestEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return RequestEvent{}, false
	}
	if isNoise(trimmed) {
		return RequestEvent{}, false
	}

	var (
		event RequestEvent
		ok    bool
	)
	if strings.HasPrefix(trimmed, "{") {
		event, ok = parseStructured(trimmed)
	}
	if !ok {
		event, ok = parseText(trimmed)
	}
	if !ok {
		return RequestEvent{}, false
	}

	*counter++
	event.ID = fmt.Sprintf("req_%d", *counter)
	event.Timestamp = now.UnixMilli()
	return event, true
}

func parseText(line string) (RequestEvent, bool) {
	method, ok := firstContained(line, methods)
	if !ok {
		return RequestEvent{}, false
	}
	path, ok := matchPath(line)
	if !ok {
		return RequestEvent{}, false
	}

	event := RequestEvent{
		Provider:   string(provider.ClassifyLine(line)),
		Model:      DefaultModel,
		Method:     method,
		Path:       path,
		Status:     extractStatus(line),
		DurationMs: extractDuration(line),
	}
	if model, ok := provider.ExtractModelFromPath(path); ok {
		event.Model = model
	}
	return event, true
}

func isNoise(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range noiseMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstContained(line string, candidates []string) (string, bool) {
	for _, c := range candidates {
		if strings.Contains(line, c) {
			return c, true
		}
	}
	return "", false
}

// healthPath is the sidecar's health-check endpoint; it never counts as a
// request, including model-scoped forms such as /v1/models/<m>:generateContent.
const healthPath = "/v1/models"

// matchPath returns the reported path for a line, or false when the line
// carries no recognised API path.
func matchPath(line string) (string, bool) {
	if path, ok := firstContained(line, apiPaths); ok {
		return path, true
	}
	for _, token := range strings.Fields(line) {
		token = strings.Trim(token, "\"'()[]|,;")
		if strings.Contains(token, healthPath) {
			continue
		}
		for _, fragment := range generatePaths {
			if strings.Contains(token, fragment) {
				return token, true
			}
		}
	}
	return "", false
}

func isStatusDelimiter(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '(', ')', '[', ']', ':', '>':
		return true
	}
	return false
}

func extractStatus(line string) int {
	for _, token := range strings.FieldsFunc(line, isStatusDelimiter) {
		code, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		if code >= 100 && code <= 599 {
			return code
		}
	}
	return DefaultStatus
}

func extractDuration(line string) int64 {
	for _, token := range strings.Fields(line) {
		token = strings.Trim(token, "()[]|,;")
		if ms, ok := strings.CutSuffix(token, "ms"); ok {
			if v, ok := parseNonNegative(ms); ok {
				return int64(v)
			}
			continue
		}
		if secs, ok := strings.CutSuffix(token, "s"); ok {
			if v, ok := parseNonNegative(secs); ok {
				return int64(v * 1000)
			}
		}
	}
	return 0
}

func parseNonNegative(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
