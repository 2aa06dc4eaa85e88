package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultPort          = 8317
	DefaultControlPort   = 8318
	DefaultProxyAPIKey   = "proxypal-local"
	DefaultManagementKey = "proxypal-mgmt-key"
	DefaultAuthDir       = "~/.cli-proxy-api"
	DefaultRetentionDays = 90
	CurrentConfigVersion = 1
)

type AmpModelMapping struct {
	Name    string `json:"name"`
	Alias   string `json:"alias"`
	Enabled bool   `json:"enabled"`
}

type AmpOpenAIModel struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

type AmpOpenAIProvider struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	BaseURL string           `json:"baseUrl"`
	APIKey  string           `json:"apiKey"`
	Models  []AmpOpenAIModel `json:"models"`
}

// AppConfig is the persisted application configuration. Unknown keys in
// config.json are ignored and missing keys keep their defaults.
type AppConfig struct {
	Port                    int                 `json:"port"`
	AutoStart               bool                `json:"autoStart"`
	LaunchAtLogin           bool                `json:"launchAtLogin"`
	Debug                   bool                `json:"debug"`
	ProxyURL                string              `json:"proxyUrl"`
	RequestRetry            int                 `json:"requestRetry"`
	QuotaSwitchProject      bool                `json:"quotaSwitchProject"`
	QuotaSwitchPreviewModel bool                `json:"quotaSwitchPreviewModel"`
	UsageStatsEnabled       bool                `json:"usageStatsEnabled"`
	RequestLogging          bool                `json:"requestLogging"`
	LoggingToFile           bool                `json:"loggingToFile"`
	LogsMaxTotalSizeMB      int                 `json:"logsMaxTotalSizeMb"`
	ConfigVersion           int                 `json:"configVersion"`
	AmpAPIKey               string              `json:"ampApiKey"`
	AmpModelMappings        []AmpModelMapping   `json:"ampModelMappings"`
	AmpOpenAIProvider       *AmpOpenAIProvider  `json:"ampOpenaiProvider,omitempty"`
	AmpOpenAIProviders      []AmpOpenAIProvider `json:"ampOpenaiProviders"`
	AmpRoutingMode          string              `json:"ampRoutingMode"`
	RoutingStrategy         string              `json:"routingStrategy"`
	ForceModelMappings      bool                `json:"forceModelMappings"`
	ThinkingBudgetMode      string              `json:"thinkingBudgetMode"`
	ThinkingBudgetCustom    int                 `json:"thinkingBudgetCustom"`
	GeminiThinkingInjection bool                `json:"geminiThinkingInjection"`
	ReasoningEffortLevel    string              `json:"reasoningEffortLevel"`
	CloseToTray             bool                `json:"closeToTray"`
	MaxRetryInterval        int                 `json:"maxRetryInterval"`
	ProxyAPIKey             string              `json:"proxyApiKey"`
	ManagementKey           string              `json:"managementKey"`
	CommercialMode          bool                `json:"commercialMode"`
	WSAuth                  bool                `json:"wsAuth"`
	DisableControlPanel     bool                `json:"disableControlPanel"`

	SidecarBinary       string `json:"sidecarBinary,omitempty"`
	AuthDir             string `json:"authDir"`
	ControlPort         int    `json:"controlPort"`
	LedgerRetentionDays int    `json:"ledgerRetentionDays"`
}

func Default() AppConfig {
	return AppConfig{
		Port:                    DefaultPort,
		AutoStart:               true,
		UsageStatsEnabled:       true,
		RequestLogging:          true,
		LoggingToFile:           true,
		LogsMaxTotalSizeMB:      100,
		ConfigVersion:           CurrentConfigVersion,
		AmpModelMappings:        []AmpModelMapping{},
		AmpOpenAIProviders:      []AmpOpenAIProvider{},
		AmpRoutingMode:          "mappings",
		RoutingStrategy:         "round-robin",
		ForceModelMappings:      true,
		ThinkingBudgetMode:      "medium",
		ThinkingBudgetCustom:    16000,
		GeminiThinkingInjection: true,
		ReasoningEffortLevel:    "medium",
		CloseToTray:             true,
		ProxyAPIKey:             DefaultProxyAPIKey,
		ManagementKey:           DefaultManagementKey,
		DisableControlPanel:     true,
		AuthDir:                 DefaultAuthDir,
		ControlPort:             DefaultControlPort,
		LedgerRetentionDays:     DefaultRetentionDays,
	}
}

// Endpoint is the OpenAI-compatible base URL clients point at.
func (c AppConfig) Endpoint() string {
	return fmt.Sprintf("http://localhost:%d/v1", c.Port)
}

// ManagementBase is the root URL of the sidecar management API.
func (c AppConfig) ManagementBase() string {
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

func (c AppConfig) ResolvedAuthDir() (string, error) {
	dir := c.AuthDir
	if strings.TrimSpace(dir) == "" {
		dir = DefaultAuthDir
	}
	return ExpandPath(dir)
}

func (c AppConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port %d", c.ControlPort)
	}
	if c.ControlPort == c.Port {
		return errors.New("control port must differ from proxy port")
	}
	if strings.TrimSpace(c.ManagementKey) == "" {
		return errors.New("management key is empty")
	}
	if strings.TrimSpace(c.ProxyAPIKey) == "" {
		return errors.New("proxy api key is empty")
	}
	return nil
}

func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Clean(path), nil
}

// Load reads the config at path. A missing or unparseable file yields
// defaults; only filesystem errors other than absence are returned. When the
// deprecated single amp provider is migrated, the result is saved back.
func Load(path string, logger *slog.Logger) (AppConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	loaded := Default()
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Warn("config unreadable, using defaults", "path", path, "error", err)
		return cfg, nil
	}
	normalize(&loaded)

	if Migrate(&loaded) {
		logger.Info("migrated deprecated amp openai provider", "path", path, "providers", len(loaded.AmpOpenAIProviders))
		if err := Save(path, loaded); err != nil {
			logger.Warn("persist migrated config", "path", path, "error", err)
		}
	}
	return loaded, nil
}

// Migrate moves the deprecated single AmpOpenAIProvider into the provider
// list when the list is empty. It reports whether anything changed.
func Migrate(cfg *AppConfig) bool {
	old := cfg.AmpOpenAIProvider
	if old == nil {
		return false
	}
	cfg.AmpOpenAIProvider = nil
	if len(cfg.AmpOpenAIProviders) > 0 {
		return false
	}
	provider := *old
	if strings.TrimSpace(provider.ID) == "" {
		provider.ID = ulid.Make().String()
	}
	cfg.AmpOpenAIProviders = []AmpOpenAIProvider{provider}
	return true
}

func normalize(cfg *AppConfig) {
	def := Default()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = def.ControlPort
	}
	if cfg.ConfigVersion == 0 {
		cfg.ConfigVersion = def.ConfigVersion
	}
	if strings.TrimSpace(cfg.ProxyAPIKey) == "" {
		cfg.ProxyAPIKey = def.ProxyAPIKey
	}
	if strings.TrimSpace(cfg.ManagementKey) == "" {
		cfg.ManagementKey = def.ManagementKey
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		cfg.AuthDir = def.AuthDir
	}
	if cfg.LedgerRetentionDays == 0 {
		cfg.LedgerRetentionDays = def.LedgerRetentionDays
	}
	if cfg.AmpModelMappings == nil {
		cfg.AmpModelMappings = []AmpModelMapping{}
	}
	if cfg.AmpOpenAIProviders == nil {
		cfg.AmpOpenAIProviders = []AmpOpenAIProvider{}
	}
}

func Save(path string, cfg AppConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
