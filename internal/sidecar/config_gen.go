package sidecar

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
)

type sidecarConfig struct {
	Port                   int              `yaml:"port"`
	AuthDir                string           `yaml:"auth-dir"`
	APIKeys                []string         `yaml:"api-keys"`
	Debug                  bool             `yaml:"debug"`
	ProxyURL               string           `yaml:"proxy-url,omitempty"`
	RequestRetry           int              `yaml:"request-retry,omitempty"`
	MaxRetryInterval       int              `yaml:"max-retry-interval,omitempty"`
	UsageStatisticsEnabled bool             `yaml:"usage-statistics-enabled"`
	RequestLog             bool             `yaml:"request-log"`
	LoggingToFile          bool             `yaml:"logging-to-file"`
	LogsMaxTotalSizeMB     int              `yaml:"logs-max-total-size-mb,omitempty"`
	WSAuth                 bool             `yaml:"ws-auth,omitempty"`
	CommercialMode         bool             `yaml:"commercial-mode,omitempty"`
	Routing                sidecarRouting   `yaml:"routing"`
	QuotaExceeded          sidecarQuota     `yaml:"quota-exceeded"`
	RemoteManagement       remoteManagement `yaml:"remote-management"`
}

type sidecarRouting struct {
	Strategy string `yaml:"strategy"`
}

type sidecarQuota struct {
	SwitchProject      bool `yaml:"switch-project"`
	SwitchPreviewModel bool `yaml:"switch-preview-model"`
}

type remoteManagement struct {
	AllowRemote         bool   `yaml:"allow-remote"`
	SecretKey           string `yaml:"secret-key"`
	DisableControlPanel bool   `yaml:"disable-control-panel"`
}

// GenerateConfig renders the YAML file handed to the sidecar. The management
// API is always bound to loopback.
func GenerateConfig(cfg config.AppConfig) ([]byte, error) {
	authDir := cfg.AuthDir
	if authDir == "" {
		authDir = config.DefaultAuthDir
	}
	generated := sidecarConfig{
		Port:                   cfg.Port,
		AuthDir:                authDir,
		APIKeys:                []string{cfg.ProxyAPIKey},
		Debug:                  cfg.Debug,
		ProxyURL:               cfg.ProxyURL,
		RequestRetry:           cfg.RequestRetry,
		MaxRetryInterval:       cfg.MaxRetryInterval,
		UsageStatisticsEnabled: cfg.UsageStatsEnabled,
		RequestLog:             cfg.RequestLogging,
		LoggingToFile:          cfg.LoggingToFile,
		LogsMaxTotalSizeMB:     cfg.LogsMaxTotalSizeMB,
		WSAuth:                 cfg.WSAuth,
		CommercialMode:         cfg.CommercialMode,
		Routing:                sidecarRouting{Strategy: cfg.RoutingStrategy},
		QuotaExceeded: sidecarQuota{
			SwitchProject:      cfg.QuotaSwitchProject,
			SwitchPreviewModel: cfg.QuotaSwitchPreviewModel,
		},
		RemoteManagement: remoteManagement{
			AllowRemote:         false,
			SecretKey:           cfg.ManagementKey,
			DisableControlPanel: cfg.DisableControlPanel,
		},
	}
	body, err := yaml.Marshal(generated)
	if err != nil {
		return nil, fmt.Errorf("encode sidecar config: %w", err)
	}
	return append([]byte("# ProxyPal generated config\n"), body...), nil
}

func WriteConfig(path string, cfg config.AppConfig) error {
	body, err := GenerateConfig(cfg)
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(path, body); err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}
	return nil
}
