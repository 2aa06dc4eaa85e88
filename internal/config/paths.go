package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths locates every file the companion persists.
type Paths struct {
	Dir string
}

// DefaultDir is $XDG_CONFIG_HOME/proxypal, falling back to the platform user
// config directory.
func DefaultDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "proxypal"), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "proxypal"), nil
}

// ResolvePaths expands dir (or the default when empty) and creates it.
func ResolvePaths(dir string) (Paths, error) {
	var err error
	if dir == "" {
		dir, err = DefaultDir()
	} else {
		dir, err = ExpandPath(dir)
	}
	if err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("create config dir: %w", err)
	}
	return Paths{Dir: dir}, nil
}

func (p Paths) Config() string        { return filepath.Join(p.Dir, "config.json") }
func (p Paths) Auth() string          { return filepath.Join(p.Dir, "auth.json") }
func (p Paths) History() string       { return filepath.Join(p.Dir, "history.json") }
func (p Paths) Ledger() string        { return filepath.Join(p.Dir, "ledger.db") }
func (p Paths) SidecarConfig() string { return filepath.Join(p.Dir, "proxy-config.yaml") }
