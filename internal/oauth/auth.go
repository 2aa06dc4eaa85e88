package oauth

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

// AuthStatus records which providers have credentials. Persisted as
// auth.json.
type AuthStatus struct {
	Claude      bool `json:"claude"`
	OpenAI      bool `json:"openai"`
	Gemini      bool `json:"gemini"`
	Qwen        bool `json:"qwen"`
	IFlow       bool `json:"iflow"`
	Vertex      bool `json:"vertex"`
	Antigravity bool `json:"antigravity"`
}

func (a *AuthStatus) field(id provider.ID) (*bool, error) {
	switch id {
	case provider.Claude:
		return &a.Claude, nil
	case provider.OpenAI:
		return &a.OpenAI, nil
	case provider.Gemini:
		return &a.Gemini, nil
	case provider.Qwen:
		return &a.Qwen, nil
	case provider.IFlow:
		return &a.IFlow, nil
	case provider.Vertex:
		return &a.Vertex, nil
	case provider.Antigravity:
		return &a.Antigravity, nil
	case provider.Unknown:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
}

func (a *AuthStatus) Set(id provider.ID, authenticated bool) error {
	f, err := a.field(id)
	if err != nil {
		return err
	}
	*f = authenticated
	return nil
}

func (a AuthStatus) Get(id provider.ID) bool {
	f, err := a.field(id)
	if err != nil {
		return false
	}
	return *f
}

// Connected lists authenticated providers in display order.
func (a AuthStatus) Connected() []provider.ID {
	out := []provider.ID{}
	for _, id := range provider.All {
		if a.Get(id) {
			out = append(out, id)
		}
	}
	return out
}

// LoadAuth returns the stored status, or an all-false status when the file
// is missing or unreadable.
func LoadAuth(path string) AuthStatus {
	data, err := os.ReadFile(path)
	if err != nil {
		return AuthStatus{}
	}
	var status AuthStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return AuthStatus{}
	}
	return status
}

func SaveAuth(path string, status AuthStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth status: %w", err)
	}
	if err := config.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("save auth status: %w", err)
	}
	return nil
}
