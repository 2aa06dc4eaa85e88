package sidecar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
)

func TestGenerateConfigDefaults(t *testing.T) {
	out, err := GenerateConfig(config.Default())
	if err != nil {
		t.Fatalf("GenerateConfig() error = %v", err)
	}
	if !strings.HasPrefix(string(out), "# ProxyPal generated config\n") {
		t.Fatalf("missing header:\n%s", out)
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("valid yaml: %v", err)
	}
	if parsed["port"] != 8317 {
		t.Fatalf("port = %v, want 8317", parsed["port"])
	}
	if parsed["auth-dir"] != "~/.cli-proxy-api" {
		t.Fatalf("auth-dir = %v", parsed["auth-dir"])
	}
	keys, _ := parsed["api-keys"].([]any)
	if len(keys) != 1 || keys[0] != "proxypal-local" {
		t.Fatalf("api-keys = %v", parsed["api-keys"])
	}
	if _, ok := parsed["proxy-url"]; ok {
		t.Fatalf("empty proxy-url should be omitted")
	}

	mgmt, ok := parsed["remote-management"].(map[string]any)
	if !ok {
		t.Fatalf("remote-management block missing")
	}
	if mgmt["allow-remote"] != false {
		t.Fatalf("allow-remote = %v, want false", mgmt["allow-remote"])
	}
	if mgmt["secret-key"] != "proxypal-mgmt-key" {
		t.Fatalf("secret-key = %v", mgmt["secret-key"])
	}
	if mgmt["disable-control-panel"] != true {
		t.Fatalf("disable-control-panel = %v, want true", mgmt["disable-control-panel"])
	}
}

func TestGenerateConfigCarriesOptionalFields(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 9001
	cfg.Debug = true
	cfg.ProxyURL = "socks5://127.0.0.1:1080"
	cfg.RequestRetry = 3

	out, err := GenerateConfig(cfg)
	if err != nil {
		t.Fatalf("GenerateConfig() error = %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("valid yaml: %v", err)
	}
	if parsed["port"] != 9001 || parsed["debug"] != true {
		t.Fatalf("port/debug = %v/%v", parsed["port"], parsed["debug"])
	}
	if parsed["proxy-url"] != "socks5://127.0.0.1:1080" || parsed["request-retry"] != 3 {
		t.Fatalf("proxy-url/request-retry = %v/%v", parsed["proxy-url"], parsed["request-retry"])
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-config.yaml")
	if err := WriteConfig(path, config.Default()); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}
