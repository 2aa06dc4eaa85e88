package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/events"
	"github.com/FoxOnTheRun42/proxypal/internal/health"
	"github.com/FoxOnTheRun42/proxypal/internal/history"
	"github.com/FoxOnTheRun42/proxypal/internal/ledger"
	"github.com/FoxOnTheRun42/proxypal/internal/logparse"
	"github.com/FoxOnTheRun42/proxypal/internal/oauth"
	"github.com/FoxOnTheRun42/proxypal/internal/pricing"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
	"github.com/FoxOnTheRun42/proxypal/internal/sidecar"
	"github.com/FoxOnTheRun42/proxypal/internal/usage"
)

type Options struct {
	Paths       config.Paths
	Logger      *slog.Logger
	HTTPClient  *http.Client
	Spawner     sidecar.Spawner
	Opener      oauth.Opener
	SettleDelay time.Duration
	// DisableLedger skips opening the sqlite request ledger.
	DisableLedger bool
}

// Service is the single owner of ProxyPal state. The configuration, the
// sidecar status, the auth status and the pending oauth flow live in
// separately guarded cells inside the components it wires together.
type Service struct {
	paths  config.Paths
	logger *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.AppConfig

	hub        *events.Hub
	supervisor *sidecar.Supervisor
	oauth      *oauth.Coordinator
	history    *history.Store
	ledger     *ledger.Store
	usage      *usage.Aggregator
	health     *health.Prober

	// touched only from the supervisor loop
	counter uint64
}

func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	cfg, err := config.Load(opts.Paths.Config(), opts.Logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		paths:  opts.Paths,
		logger: opts.Logger,
		cfg:    cfg,
		hub:    events.NewHub(opts.Logger),
	}
	s.history = history.Open(opts.Paths.History(), opts.Logger)
	if !opts.DisableLedger {
		store, err := ledger.Open(opts.Paths.Ledger())
		if err != nil {
			s.logger.Warn("request ledger unavailable", "path", opts.Paths.Ledger(), "error", err)
		} else {
			s.ledger = store
		}
	}

	s.supervisor = sidecar.New(sidecar.Options{
		Spawner:     opts.Spawner,
		ConfigPath:  opts.Paths.SidecarConfig(),
		SettleDelay: opts.SettleDelay,
		OnLine:      s.handleLine,
		Events:      s.hub,
		Logger:      opts.Logger.With("component", "sidecar"),
	})
	s.oauth = oauth.New(oauth.Options{
		HTTPClient: opts.HTTPClient,
		Config:     s.Config,
		AuthPath:   opts.Paths.Auth(),
		Opener:     opts.Opener,
		Events:     s.hub,
		Logger:     opts.Logger.With("component", "oauth"),
	})
	usageOpts := usage.Options{
		HTTPClient: opts.HTTPClient,
		Config:     s.Config,
		Running:    s.running,
		Logger:     opts.Logger,
	}
	if s.ledger != nil {
		usageOpts.Ledger = s.ledger
	}
	s.usage = usage.New(usageOpts)
	s.health = health.New(health.Options{
		HTTPClient: opts.HTTPClient,
		Config:     s.Config,
		Running:    s.running,
		Auth:       s.oauth.Status,
	})
	return s, nil
}

// Run drives the sidecar supervisor until ctx is cancelled. It prunes the
// ledger first and starts the proxy when autoStart is set.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.Config()
	if s.ledger != nil {
		n, err := s.ledger.DeleteOlderThan(ctx, cfg.LedgerRetentionDays)
		if err != nil {
			s.logger.Warn("failed to clean old ledger rows", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned request ledger", "rows", n, "retention_days", cfg.LedgerRetentionDays)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.supervisor.Run(ctx) }()

	if cfg.AutoStart {
		if _, err := s.StartProxy(ctx); err != nil {
			s.logger.Warn("auto start failed", "error", err)
		}
	}
	return <-errCh
}

func (s *Service) Close() error {
	return s.ledger.Close()
}

func (s *Service) Events() *events.Hub { return s.hub }

func (s *Service) Paths() config.Paths { return s.paths }

func (s *Service) Config() config.AppConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SaveConfig validates and persists cfg, then makes it current. A running
// sidecar keeps its settings until it is restarted.
func (s *Service) SaveConfig(cfg config.AppConfig) (config.AppConfig, error) {
	if err := cfg.Validate(); err != nil {
		return s.Config(), fmt.Errorf("validate config: %w", err)
	}
	config.Migrate(&cfg)
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err := config.Save(s.paths.Config(), cfg); err != nil {
		return s.cfg, err
	}
	s.cfg = cfg
	return cfg, nil
}

func (s *Service) Status() sidecar.Status { return s.supervisor.Status() }

func (s *Service) StartProxy(ctx context.Context) (sidecar.Status, error) {
	return s.supervisor.Start(ctx, s.Config())
}

func (s *Service) StopProxy(ctx context.Context) (sidecar.Status, error) {
	return s.supervisor.Stop(ctx)
}

func (s *Service) Auth() oauth.AuthStatus { return s.oauth.Status() }

func (s *Service) RefreshAuth() (oauth.AuthStatus, error) { return s.oauth.Refresh() }

func (s *Service) Disconnect(id provider.ID) (oauth.AuthStatus, error) {
	return s.oauth.Disconnect(id)
}

func (s *Service) ImportVertexCredential(path string) (oauth.AuthStatus, error) {
	return s.oauth.ImportVertexCredential(path)
}

func (s *Service) BeginOAuth(ctx context.Context, id provider.ID) (string, error) {
	return s.oauth.Begin(ctx, id)
}

func (s *Service) PollOAuth(ctx context.Context, state string) bool {
	return s.oauth.Poll(ctx, state)
}

func (s *Service) CompleteOAuth(id provider.ID, code string) (oauth.AuthStatus, error) {
	return s.oauth.Complete(id, code)
}

func (s *Service) HandleCallback(rawURL string) (bool, error) {
	return s.oauth.HandleCallback(rawURL)
}

func (s *Service) PendingOAuth() (oauth.Pending, bool) { return s.oauth.Pending() }

func (s *Service) Usage(ctx context.Context) (usage.Snapshot, error) { return s.usage.Fetch(ctx) }

func (s *Service) LocalUsage(ctx context.Context) (usage.Snapshot, error) {
	return s.usage.FromLedger(ctx)
}

func (s *Service) History() history.RequestHistory { return s.history.Snapshot() }

func (s *Service) ClearHistory() error { return s.history.Clear() }

// Requests lists raw ledger rows, newest first.
func (s *Service) Requests(ctx context.Context, filter ledger.QueryFilter) ([]ledger.Record, error) {
	if s.ledger == nil {
		return nil, usage.ErrUnavailable
	}
	return s.ledger.List(ctx, filter)
}

func (s *Service) CheckProviders(ctx context.Context) health.Report {
	return s.health.CheckProviders(ctx)
}

func (s *Service) TestConnection(ctx context.Context, agentID string) health.AgentTestResult {
	return s.health.TestConnection(ctx, agentID)
}

func (s *Service) running() bool { return s.supervisor.Status().Running }

// handleLine runs on the supervisor loop for every sidecar output line.
func (s *Service) handleLine(line string) {
	s.logger.Debug("sidecar output", "source", "sidecar", "line", line)
	event, ok := logparse.Parse(line, &s.counter)
	if !ok {
		return
	}
	if _, err := s.history.Add(event); err != nil {
		s.logger.Warn("failed to persist request history", "error", err)
	}
	if s.ledger != nil {
		cost := pricing.EstimateCostUSD(event.Model, event.InputTokens(), event.OutputTokens())
		if _, err := s.ledger.Log(context.Background(), event, cost); err != nil {
			s.logger.Warn("failed to store request log", "error", err)
		}
	}
	s.hub.Publish(events.RequestLog, event)
}
