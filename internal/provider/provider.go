package provider

import (
	"fmt"
	"strings"
)

// ID identifies an upstream identity provider the sidecar can authenticate
// against. Unknown is a real value used when a request cannot be attributed.
type ID string

const (
	Claude      ID = "claude"
	OpenAI      ID = "openai"
	Gemini      ID = "gemini"
	Qwen        ID = "qwen"
	IFlow       ID = "iflow"
	Vertex      ID = "vertex"
	Antigravity ID = "antigravity"
	Unknown     ID = "unknown"
)

// All lists the authenticable providers in display order.
var All = []ID{Claude, OpenAI, Gemini, Qwen, IFlow, Vertex, Antigravity}

func Parse(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	switch id {
	case Claude, OpenAI, Gemini, Qwen, IFlow, Vertex, Antigravity:
		return id, nil
	case "anthropic":
		return Claude, nil
	case "codex":
		return OpenAI, nil
	}
	return Unknown, fmt.Errorf("unknown provider %q", raw)
}

func (id ID) String() string { return string(id) }

// AuthURLEndpoint is the management endpoint name that issues an
// authorization URL for the provider. ok is false for providers that do not
// use the browser flow.
func (id ID) AuthURLEndpoint() (endpoint string, ok bool) {
	switch id {
	case Claude:
		return "anthropic-auth-url", true
	case OpenAI:
		return "codex-auth-url", true
	case Gemini:
		return "gemini-cli-auth-url", true
	case Qwen:
		return "qwen-auth-url", true
	case IFlow:
		return "iflow-auth-url", true
	case Antigravity:
		return "antigravity-auth-url", true
	case Vertex, Unknown:
		return "", false
	}
	return "", false
}

// CredentialPrefixes are the lowercase filename prefixes the sidecar uses
// for the provider's credential files in its auth directory.
func (id ID) CredentialPrefixes() []string {
	switch id {
	case Claude:
		return []string{"claude-", "anthropic-"}
	case OpenAI:
		return []string{"codex-"}
	case Gemini:
		return []string{"gemini-"}
	case Qwen:
		return []string{"qwen-"}
	case IFlow:
		return []string{"iflow-"}
	case Vertex:
		return []string{"vertex-"}
	case Antigravity:
		return []string{"antigravity-"}
	case Unknown:
		return nil
	}
	return nil
}

// FromCredentialFile classifies a credential filename. Only .json files
// count; matching is case-insensitive.
func FromCredentialFile(name string) (ID, bool) {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".json") {
		return Unknown, false
	}
	for _, id := range All {
		for _, prefix := range id.CredentialPrefixes() {
			if strings.HasPrefix(lower, prefix) {
				return id, true
			}
		}
	}
	return Unknown, false
}
