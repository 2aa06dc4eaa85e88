package provider

import "strings"

// Family labels extend ID for usage attribution of providers the sidecar
// can route to without an OAuth account.
const (
	FamilyDeepSeek     = "deepseek"
	FamilyZhipu        = "zhipu"
	FamilyOpenAICompat = "openai-compat"
)

// lineKeywords is the case-sensitive precedence table used to attribute a
// log line to a provider.
var lineKeywords = []struct {
	id       ID
	keywords []string
}{
	{Claude, []string{"claude", "anthropic", "sonnet", "opus", "haiku"}},
	{OpenAI, []string{"gpt", "codex", "openai"}},
	{Gemini, []string{"gemini", "google"}},
	{Qwen, []string{"qwen"}},
	{IFlow, []string{"iflow"}},
	{Vertex, []string{"vertex"}},
	{Antigravity, []string{"antigravity"}},
}

// routingMarkers matches "-> name" or "[name]" tags, lowercased.
var routingMarkers = []struct {
	id      ID
	markers []string
}{
	{Claude, []string{"-> claude", "[claude]"}},
	{OpenAI, []string{"-> openai", "[openai]", "[codex]"}},
	{Gemini, []string{"-> gemini", "[gemini]"}},
	{Qwen, []string{"-> qwen", "[qwen]"}},
	{IFlow, []string{"-> iflow", "[iflow]"}},
	{Vertex, []string{"-> vertex", "[vertex]"}},
	{Antigravity, []string{"-> antigravity", "[antigravity]"}},
}

// ClassifyLine attributes a raw sidecar log line to a provider. Provider and
// model-family keywords win over routing markers; Unknown when nothing
// matches.
func ClassifyLine(line string) ID {
	for _, entry := range lineKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(line, kw) {
				return entry.id
			}
		}
	}
	lower := strings.ToLower(line)
	for _, entry := range routingMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(lower, marker) {
				return entry.id
			}
		}
	}
	return Unknown
}

// DetectFromModel maps a model name to a provider family label. Antigravity
// serves gemini-claude-* models, so it is checked before claude.
func DetectFromModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gemini-claude"), strings.Contains(m, "antigravity"):
		return string(Antigravity)
	case containsAny(m, "claude", "sonnet", "opus", "haiku"):
		return string(Claude)
	case containsAny(m, "gpt", "codex"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o1"):
		return string(OpenAI)
	case strings.Contains(m, "gemini"):
		return string(Gemini)
	case strings.Contains(m, "qwen"):
		return string(Qwen)
	case strings.Contains(m, "deepseek"):
		return FamilyDeepSeek
	case strings.Contains(m, "glm"):
		return FamilyZhipu
	}
	return string(Unknown)
}

// DetectFromPath infers a provider family from a request path. Amp-style
// "/api/provider/<name>/..." paths are honoured first. ok is false when the
// path carries no hint.
func DetectFromPath(path string) (string, bool) {
	if strings.Contains(path, "/api/provider/") {
		parts := strings.Split(path, "/")
		for i, part := range parts {
			if part != "provider" || i+1 >= len(parts) {
				continue
			}
			switch name := parts[i+1]; name {
			case "anthropic":
				return string(Claude), true
			case "google":
				return string(Gemini), true
			default:
				return name, true
			}
		}
	}
	switch {
	case strings.Contains(path, "/messages"):
		return string(Claude), true
	case strings.Contains(path, "/chat/completions"):
		return FamilyOpenAICompat, true
	case containsAny(path, "/v1beta", ":generateContent", ":streamGenerateContent"):
		return string(Gemini), true
	}
	return "", false
}

// ExtractModelFromPath returns the model segment of Gemini-style paths such
// as "/v1beta/models/gemini-2.5-pro:generateContent".
func ExtractModelFromPath(path string) (string, bool) {
	_, rest, found := strings.Cut(path, "/models/")
	if !found {
		return "", false
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	} else if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
