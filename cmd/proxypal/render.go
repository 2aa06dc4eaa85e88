package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/FoxOnTheRun42/proxypal/internal/health"
	"github.com/FoxOnTheRun42/proxypal/internal/history"
	"github.com/FoxOnTheRun42/proxypal/internal/ledger"
	"github.com/FoxOnTheRun42/proxypal/internal/oauth"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
	"github.com/FoxOnTheRun42/proxypal/internal/sidecar"
	"github.com/FoxOnTheRun42/proxypal/internal/usage"
)

// isTerminal reports whether w is an interactive terminal that accepts
// decorated output.
func isTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if isTerminal(w) {
		tw.SetStyle(table.StyleRounded)
	} else {
		style := table.StyleLight
		style.Options = table.OptionsNoBordersAndSeparators
		tw.SetStyle(style)
	}
	return tw
}

func renderStatus(w io.Writer, st sidecar.Status) {
	fmt.Fprintf(w, "proxy: %s", st.State)
	if st.Running {
		fmt.Fprintf(w, " at %s (pid %d)", st.Endpoint, st.PID)
	}
	if st.Reason != "" {
		fmt.Fprintf(w, ": %s", st.Reason)
	}
	fmt.Fprintln(w)
}

func renderAuth(w io.Writer, status oauth.AuthStatus) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Provider", "Connected"})
	for _, id := range provider.All {
		mark := "no"
		if status.Get(id) {
			mark = "yes"
		}
		tw.AppendRow(table.Row{id, mark})
	}
	tw.Render()
}

func renderUsage(w io.Writer, snap usage.Snapshot) {
	fmt.Fprintf(w, "requests: %d (%d ok, %d failed), today %d\n",
		snap.TotalRequests, snap.SuccessCount, snap.FailureCount, snap.RequestsToday)
	fmt.Fprintf(w, "tokens:   %s (in %s, out %s), today %s\n",
		formatTokenCount(snap.TotalTokens), formatTokenCount(snap.InputTokens),
		formatTokenCount(snap.OutputTokens), formatTokenCount(snap.TokensToday))
	if len(snap.Providers) > 0 {
		tw := newTable(w)
		tw.AppendHeader(table.Row{"Provider", "Requests", "Tokens"})
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Number: 2, Align: text.AlignRight},
			{Number: 3, Align: text.AlignRight},
		})
		for _, p := range snap.Providers {
			tw.AppendRow(table.Row{p.Provider, p.Requests, formatTokenCount(p.Tokens)})
		}
		tw.Render()
	}
	if len(snap.Models) > 0 {
		tw := newTable(w)
		tw.AppendHeader(table.Row{"Model", "Requests", "Tokens"})
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Number: 2, Align: text.AlignRight},
			{Number: 3, Align: text.AlignRight},
		})
		for _, m := range snap.Models {
			tw.AppendRow(table.Row{m.Model, m.Requests, formatTokenCount(m.Tokens)})
		}
		tw.Render()
	}
}

// renderHistory prints the newest limit requests, newest first.
func renderHistory(w io.Writer, hist history.RequestHistory, limit int) {
	fmt.Fprintf(w, "tokens in %s, out %s, est. cost %s\n",
		formatTokenCount(hist.TotalTokensIn), formatTokenCount(hist.TotalTokensOut), formatUSD(hist.TotalCostUSD))
	requests := slices.Clone(hist.Requests)
	slices.Reverse(requests)
	if limit > 0 && len(requests) > limit {
		requests = requests[:limit]
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Time", "Provider", "Model", "Request", "Status", "Duration", "In", "Out"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	for _, ev := range requests {
		tw.AppendRow(table.Row{
			ev.Time().Local().Format(time.DateTime),
			ev.Provider,
			dash(ev.Model),
			ev.Method + " " + ev.Path,
			ev.Status,
			formatDuration(ev.DurationMs),
			optionalTokens(ev.TokensIn),
			optionalTokens(ev.TokensOut),
		})
	}
	tw.Render()
}

func renderRequests(w io.Writer, rows []ledger.Record) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Time", "Provider", "Model", "Request", "Status", "Duration", "In", "Out", "Cost"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	for _, r := range rows {
		tw.AppendRow(table.Row{
			r.Timestamp.Local().Format(time.DateTime),
			r.Provider,
			dash(r.Model),
			r.Method + " " + r.Path,
			r.Status,
			formatDuration(r.DurationMs),
			formatTokenCount(r.InputTokens),
			formatTokenCount(r.OutputTokens),
			formatUSD(r.CostUSD),
		})
	}
	tw.Render()
}

func renderHealth(w io.Writer, report health.Report) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Provider", "Status", "Latency"})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 3, Align: text.AlignRight}})
	for _, id := range provider.All {
		st, ok := report[id]
		if !ok {
			continue
		}
		latency := "-"
		if st.LatencyMs != nil {
			latency = strconv.FormatInt(*st.LatencyMs, 10) + "ms"
		}
		tw.AppendRow(table.Row{id, st.Status, latency})
	}
	tw.Render()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func optionalTokens(v *int64) string {
	if v == nil {
		return "-"
	}
	return formatTokenCount(*v)
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

func formatTokenCount(v int64) string {
	if v >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(v)/1_000_000)
	}
	if v >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(v)/1_000)
	}
	return strconv.FormatInt(v, 10)
}

func formatUSD(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}
