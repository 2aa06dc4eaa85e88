package sidecar

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
)

// BinaryEnv overrides the sidecar location when set.
const BinaryEnv = "PROXYPAL_SIDECAR"

var binaryNames = []string{"cliproxyapi", "cli-proxy-api", "CLIProxyAPI"}

var binaryCandidates = []string{
	"/opt/homebrew/bin/cliproxyapi",
	"/usr/local/bin/cliproxyapi",
	"~/.local/bin/cliproxyapi",
	"~/.proxypal/bin/cliproxyapi",
}

// ResolveBinary finds the sidecar executable: an explicit path first, then
// $PROXYPAL_SIDECAR, $PATH and well-known install locations.
func ResolveBinary(explicit string) (string, error) {
	for _, path := range []string{explicit, os.Getenv(BinaryEnv)} {
		if strings.TrimSpace(path) == "" {
			continue
		}
		expanded, err := config.ExpandPath(path)
		if err != nil {
			return "", err
		}
		if !isExecutableFile(expanded) {
			return "", fmt.Errorf("sidecar binary %s is not executable", expanded)
		}
		return expanded, nil
	}
	for _, name := range binaryNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), binaryNames[0])
		if isExecutableFile(candidate) {
			return candidate, nil
		}
	}
	for _, candidate := range binaryCandidates {
		expanded, err := config.ExpandPath(candidate)
		if err != nil {
			continue
		}
		if isExecutableFile(expanded) {
			return expanded, nil
		}
	}
	return "", fmt.Errorf("sidecar binary not found; set %s or sidecarBinary in config.json", BinaryEnv)
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// IsPortAvailable reports whether nothing accepts connections on the
// loopback port.
func IsPortAvailable(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return strings.Contains(strings.ToLower(err.Error()), "connection refused")
	}
	_ = conn.Close()
	return false
}
