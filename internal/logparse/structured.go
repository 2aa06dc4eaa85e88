package logparse

import (
	"encoding/json"
	"strings"

	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

// parseStructured handles sidecar builds that emit one JSON object per
// request, e.g. {"method":"POST","path":"/v1/messages","status":200,"duration":123}.
// Lines that decode but lack a method or a recognised path fall through to
// the text heuristics.
func parseStructured(line string) (RequestEvent, bool) {
	decoder := json.NewDecoder(strings.NewReader(line))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return RequestEvent{}, false
	}

	method := asString(payload["method"])
	if !isMethod(method) {
		return RequestEvent{}, false
	}
	rawPath := asString(payload["path"])
	path, ok := matchPath(rawPath)
	if !ok {
		return RequestEvent{}, false
	}

	event := RequestEvent{
		Method:     method,
		Path:       path,
		Model:      DefaultModel,
		Status:     DefaultStatus,
		DurationMs: int64(firstNonZero(asInt(payload["duration_ms"]), asInt(payload["duration"]), asInt(payload["latency_ms"]))),
	}
	if status := asInt(payload["status"]); status >= 100 && status <= 599 {
		event.Status = status
	}
	if model := asString(payload["model"]); model != "" {
		event.Model = model
	} else if model, ok := provider.ExtractModelFromPath(rawPath); ok {
		event.Model = model
	}

	event.Provider = string(provider.ClassifyLine(line))
	if event.Provider == string(provider.Unknown) {
		if named, err := provider.Parse(asString(payload["provider"])); err == nil {
			event.Provider = string(named)
		}
	}

	if in := firstNonZero(asInt(payload["tokens_in"]), asInt(payload["input_tokens"])); in > 0 {
		v := int64(in)
		event.TokensIn = &v
	}
	if out := firstNonZero(asInt(payload["tokens_out"]), asInt(payload["output_tokens"])); out > 0 {
		v := int64(out)
		event.TokensOut = &v
	}
	return event, true
}

func isMethod(method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		f, _ := n.Float64()
		return int(f)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
