package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/FoxOnTheRun42/proxypal/internal/app"
	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/control"
	"github.com/FoxOnTheRun42/proxypal/internal/ledger"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

var (
	configDir  string
	outputJSON bool
	debug      bool
	addrFlag   string
)

const requestTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "proxypal",
		Short:         "ProxyPal supervises CLIProxyAPI and tracks its usage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultDir, _ := config.DefaultDir()
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultDir, "directory holding ProxyPal state")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output JSON")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "verbose text logging")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "control api address (default 127.0.0.1:<controlPort>)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newLogoutCommand())
	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newImportVertexCommand())
	rootCmd.AddCommand(newCallbackCommand())
	rootCmd.AddCommand(newUsageCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newEventsCommand())
	return rootCmd
}

func newLogger(w io.Writer) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, nil))
}

func resolvePaths() (config.Paths, error) {
	dir := strings.TrimSpace(configDir)
	if dir == "" {
		var err error
		if dir, err = config.DefaultDir(); err != nil {
			return config.Paths{}, err
		}
	}
	expanded, err := config.ExpandPath(dir)
	if err != nil {
		return config.Paths{}, err
	}
	return config.ResolvePaths(expanded)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ProxyPal service and control api in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, out io.Writer) error {
	paths, err := resolvePaths()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	svc, err := app.New(app.Options{Paths: paths, Logger: logger})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := addrFlag
	if addr == "" {
		addr = control.Addr(svc.Config().ControlPort)
	}
	server := control.NewServer(addr, svc, logger.With("component", "control"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	svcErr := make(chan error, 1)
	go func() { svcErr <- svc.Run(ctx) }()

	if !outputJSON {
		fmt.Fprintf(out, "proxypal control api listening on http://%s\n", addr)
	}
	err = server.Run(ctx)
	cancel()
	if runErr := <-svcErr; runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Warn("service stopped with error", "error", runErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newClient targets --addr, or the control port from the stored config.
func newClient() (*control.Client, error) {
	if addrFlag != "" {
		return control.NewClient(addrFlag), nil
	}
	paths, err := resolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.Config(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return nil, err
	}
	return control.NewClient(control.Addr(cfg.ControlPort)), nil
}

func withClient(run func(ctx context.Context, c *control.Client, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		return run(ctx, client, cmd.OutOrStdout())
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sidecar and provider status",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			auth, err := c.Auth(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, map[string]any{"proxy": st, "auth": auth})
			}
			renderStatus(out, st)
			renderAuth(out, auth)
			return nil
		}),
	}
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the CLIProxyAPI sidecar",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			st, err := c.StartProxy(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, st)
			}
			renderStatus(out, st)
			return nil
		}),
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the CLIProxyAPI sidecar",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			st, err := c.StopProxy(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, st)
			}
			renderStatus(out, st)
			return nil
		}),
	}
}

func newLoginCommand() *cobra.Command {
	var timeout time.Duration
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Connect a provider account through the browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := provider.Parse(args[0])
			if err != nil {
				return err
			}
			if id == provider.Vertex {
				return errors.New("vertex uses a service account: run proxypal import-vertex <path>")
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runLogin(ctx, client, cmd.OutOrStdout(), id, interval)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser flow")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func runLogin(ctx context.Context, c *control.Client, out io.Writer, id provider.ID, interval time.Duration) error {
	state, err := c.BeginOAuth(ctx, id)
	if err != nil {
		return err
	}
	if !outputJSON {
		fmt.Fprintf(out, "waiting for %s authorization in the browser...\n", id)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login %s: %w", id, ctx.Err())
		case <-ticker.C:
			done, err := c.PollOAuth(ctx, state)
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			status, err := c.CompleteOAuth(ctx, id, "")
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, status)
			}
			fmt.Fprintf(out, "%s connected\n", id)
			return nil
		}
	}
}

func newLogoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout <provider>",
		Short: "Mark a provider as disconnected",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := provider.Parse(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			status, err := c.Disconnect(ctx, id)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, status)
			}
			fmt.Fprintf(out, "%s disconnected\n", id)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newAuthCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Show provider authentication status",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			fetch := c.Auth
			if refresh {
				fetch = c.RefreshAuth
			}
			status, err := fetch(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, status)
			}
			renderAuth(out, status)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "rescan the credential directory first")
	return cmd
}

func newImportVertexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-vertex <service-account.json>",
		Short: "Import a Google service account for Vertex",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		path, err := config.ExpandPath(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			status, err := c.ImportVertexCredential(ctx, path)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, status)
			}
			fmt.Fprintln(out, "vertex credential imported")
			return nil
		})(cmd, args)
	}
	return cmd
}

func newCallbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback <proxypal://oauth/callback?...>",
		Short: "Deliver an oauth deep link to the running service",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			matched, err := c.Callback(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, map[string]bool{"matched": matched})
			}
			if matched {
				fmt.Fprintln(out, "callback delivered")
			} else {
				fmt.Fprintln(out, "callback ignored: no matching login in progress")
			}
			return nil
		})(cmd, args)
	}
	return cmd
}

func newUsageCommand() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show usage statistics",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			snap, err := c.Usage(ctx, local)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, snap)
			}
			renderUsage(out, snap)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&local, "local", false, "compute from the local request ledger")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var clearAll bool
	var fromLedger bool
	var limit int
	var providerName string
	var since string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent requests",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			if clearAll {
				hist, err := c.ClearHistory(ctx)
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(out, hist)
				}
				fmt.Fprintln(out, "history cleared")
				return nil
			}
			if fromLedger {
				sinceTime, err := parseWindowStart(since)
				if err != nil {
					return err
				}
				rows, err := c.Requests(ctx, ledger.QueryFilter{Limit: limit, Provider: providerName, Since: sinceTime})
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(out, rows)
				}
				renderRequests(out, rows)
				return nil
			}
			hist, err := c.History(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, hist)
			}
			renderHistory(out, hist, limit)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "clear the stored history")
	cmd.Flags().BoolVar(&fromLedger, "ledger", false, "read from the full request ledger")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of rows")
	cmd.Flags().StringVar(&providerName, "provider", "", "ledger provider filter")
	cmd.Flags().StringVar(&since, "since", "", "ledger time window (e.g. 1h, 7d)")
	return cmd
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check provider health through the proxy",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			report, err := c.CheckProviders(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, report)
			}
			renderHealth(out, report)
			return nil
		}),
	}
}

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <agent>",
		Short: "Test that an agent can reach the proxy",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			res, err := c.TestConnection(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, res)
			}
			if res.LatencyMs != nil {
				fmt.Fprintf(out, "%s (%dms)\n", res.Message, *res.LatencyMs)
			} else {
				fmt.Fprintln(out, res.Message)
			}
			if !res.Success {
				return errors.New("connection test failed")
			}
			return nil
		})(cmd, args)
	}
	return cmd
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Show or change configuration"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current configuration",
		RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			cfg, err := c.Config(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, cfg)
		}),
	})
	setCmd := &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Update configuration keys (camelCase, as in config.json)",
		Args:  cobra.MinimumNArgs(1),
	}
	setCmd.RunE = func(cmd *cobra.Command, args []string) error {
		patch, err := parseAssignments(args)
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *control.Client, out io.Writer) error {
			cfg, err := c.UpdateConfig(ctx, patch)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, cfg)
			}
			fmt.Fprintf(out, "updated %d key(s)\n", len(patch))
			return nil
		})(cmd, args)
	}
	configCmd.AddCommand(setCmd)
	return configCmd
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow the service event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			out := cmd.OutOrStdout()
			encoder := json.NewEncoder(out)
			err = client.Events(ctx, func(ev control.StreamEvent) error {
				if outputJSON {
					return encoder.Encode(ev)
				}
				_, err := fmt.Fprintf(out, "%s %s %s\n", ev.At.Local().Format(time.TimeOnly), ev.Type, ev.Payload)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// parseAssignments turns key=value pairs into a config patch. Values that
// parse as JSON keep their type; anything else is a string.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		patch[key] = value
	}
	return patch, nil
}

func parseWindowStart(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(raw)
	if err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	if strings.HasSuffix(raw, "d") {
		n, convErr := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if convErr != nil {
			return time.Time{}, fmt.Errorf("parse --since %q", raw)
		}
		return time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("invalid --since format %q", raw)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
