package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/ledger"
	"github.com/FoxOnTheRun42/proxypal/internal/management"
	"github.com/FoxOnTheRun42/proxypal/internal/provider"
)

// ErrUnavailable is returned by FromLedger when no local ledger is wired.
var ErrUnavailable = errors.New("local usage ledger unavailable")

const dayLayout = "2006-01-02"

type ModelUsage struct {
	Model    string `json:"model"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

type ProviderUsage struct {
	Provider string `json:"provider"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

type Point struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
}

// Snapshot is the uniform usage view handed to the UI. It is recomputed on
// every call and never persisted.
type Snapshot struct {
	TotalRequests  int64           `json:"totalRequests"`
	SuccessCount   int64           `json:"successCount"`
	FailureCount   int64           `json:"failureCount"`
	TotalTokens    int64           `json:"totalTokens"`
	InputTokens    int64           `json:"inputTokens"`
	OutputTokens   int64           `json:"outputTokens"`
	RequestsToday  int64           `json:"requestsToday"`
	TokensToday    int64           `json:"tokensToday"`
	Models         []ModelUsage    `json:"models"`
	Providers      []ProviderUsage `json:"providers"`
	RequestsByDay  []Point         `json:"requestsByDay"`
	TokensByDay    []Point         `json:"tokensByDay"`
	RequestsByHour []Point         `json:"requestsByHour"`
	TokensByHour   []Point         `json:"tokensByHour"`
}

// Empty returns the all-zero snapshot with non-nil slices.
func Empty() Snapshot {
	return Snapshot{
		Models:         []ModelUsage{},
		Providers:      []ProviderUsage{},
		RequestsByDay:  []Point{},
		TokensByDay:    []Point{},
		RequestsByHour: []Point{},
		TokensByHour:   []Point{},
	}
}

// LedgerReader is the part of the request ledger FromLedger needs.
type LedgerReader interface {
	Totals(ctx context.Context, since time.Time) (ledger.Totals, error)
	Stats(ctx context.Context, filter ledger.StatsFilter) ([]ledger.StatsRow, error)
}

type Options struct {
	HTTPClient *http.Client
	Config     func() config.AppConfig
	// Running reports whether the sidecar is currently up.
	Running func() bool
	Ledger  LedgerReader
	Logger  *slog.Logger
	Now     func() time.Time
}

type Aggregator struct {
	opts Options
}

func New(opts Options) *Aggregator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Config == nil {
		opts.Config = config.Default
	}
	if opts.Running == nil {
		opts.Running = func() bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{opts: opts}
}

// Fetch reads the sidecar usage statistics. A stopped sidecar yields the
// zero snapshot without touching the network.
func (a *Aggregator) Fetch(ctx context.Context) (Snapshot, error) {
	if !a.opts.Running() {
		return Empty(), nil
	}
	client := management.New(a.opts.HTTPClient, a.opts.Config())
	body, err := client.Get(ctx, "usage")
	if err != nil {
		return Empty(), fmt.Errorf("fetch usage: %w", err)
	}
	snap, err := Decode(body, a.opts.Now())
	if err != nil {
		a.opts.Logger.Warn("usage payload not understood", "error", err)
		return Empty(), nil
	}
	return snap, nil
}

// count decodes a non-negative JSON integer. Any other value (fractions,
// strings, negatives, null) reads as 0.
type count int64

func (c *count) UnmarshalJSON(data []byte) error {
	n, err := strconv.ParseUint(string(data), 10, 63)
	if err != nil {
		*c = 0
		return nil
	}
	*c = count(n)
	return nil
}

type rawUsage struct {
	TotalRequests  count             `json:"total_requests"`
	SuccessCount   count             `json:"success_count"`
	FailureCount   count             `json:"failure_count"`
	TotalTokens    count             `json:"total_tokens"`
	RequestsByDay  map[string]count  `json:"requests_by_day"`
	TokensByDay    map[string]count  `json:"tokens_by_day"`
	RequestsByHour map[string]count  `json:"requests_by_hour"`
	TokensByHour   map[string]count  `json:"tokens_by_hour"`
	APIs           map[string]rawAPI `json:"apis"`
}

type rawAPI struct {
	Models map[string]rawModel `json:"models"`
}

type rawModel struct {
	TotalRequests count       `json:"total_requests"`
	TotalTokens   count       `json:"total_tokens"`
	Details       []rawDetail `json:"details"`
}

type rawDetail struct {
	Tokens struct {
		InputTokens  count `json:"input_tokens"`
		OutputTokens count `json:"output_tokens"`
	} `json:"tokens"`
}

// Decode normalizes a management usage payload, with or without the
// {"usage": ...} envelope. now selects the local day used for the today
// counters.
func Decode(body []byte, now time.Time) (Snapshot, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Empty(), fmt.Errorf("decode usage: %w", err)
	}
	inner := body
	if wrapped, ok := envelope["usage"]; ok && len(wrapped) > 0 && wrapped[0] == '{' {
		inner = wrapped
	}
	// A field of the wrong shape is skipped; json keeps decoding the rest.
	var raw rawUsage
	var typeErr *json.UnmarshalTypeError
	if err := json.Unmarshal(inner, &raw); err != nil && !errors.As(err, &typeErr) {
		return Empty(), fmt.Errorf("decode usage: %w", err)
	}

	snap := Empty()
	snap.TotalRequests = int64(raw.TotalRequests)
	snap.SuccessCount = int64(raw.SuccessCount)
	snap.FailureCount = int64(raw.FailureCount)
	snap.TotalTokens = int64(raw.TotalTokens)

	today := now.Format(dayLayout)
	snap.RequestsToday = int64(raw.RequestsByDay[today])
	snap.TokensToday = int64(raw.TokensByDay[today])

	snap.RequestsByDay = series(raw.RequestsByDay)
	snap.TokensByDay = series(raw.TokensByDay)
	snap.RequestsByHour = series(raw.RequestsByHour)
	snap.TokensByHour = series(raw.TokensByHour)

	byName := map[string]*ModelUsage{}
	order := []string{}
	for _, endpoint := range sortedKeys(raw.APIs) {
		models := raw.APIs[endpoint].Models
		for _, name := range sortedKeys(models) {
			m := models[name]
			for _, d := range m.Details {
				snap.InputTokens += int64(d.Tokens.InputTokens)
				snap.OutputTokens += int64(d.Tokens.OutputTokens)
			}
			existing, ok := byName[name]
			if !ok {
				existing = &ModelUsage{Model: name}
				byName[name] = existing
				order = append(order, name)
			}
			existing.Requests += int64(m.TotalRequests)
			existing.Tokens += int64(m.TotalTokens)
		}
	}
	snap.Models = lo.Map(order, func(name string, _ int) ModelUsage { return *byName[name] })
	sort.SliceStable(snap.Models, func(i, j int) bool { return snap.Models[i].Requests > snap.Models[j].Requests })
	snap.Providers = providersFromModels(snap.Models)
	return snap, nil
}

// FromLedger builds the same snapshot from locally recorded requests.
func (a *Aggregator) FromLedger(ctx context.Context) (Snapshot, error) {
	if a.opts.Ledger == nil {
		return Empty(), ErrUnavailable
	}
	now := a.opts.Now()
	totals, err := a.opts.Ledger.Totals(ctx, time.Time{})
	if err != nil {
		return Empty(), err
	}
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := a.opts.Ledger.Totals(ctx, startOfDay)
	if err != nil {
		return Empty(), err
	}

	snap := Empty()
	snap.TotalRequests = totals.Requests
	snap.SuccessCount = totals.Success
	snap.FailureCount = totals.Failure
	snap.InputTokens = totals.InputTokens
	snap.OutputTokens = totals.OutputTokens
	snap.TotalTokens = totals.InputTokens + totals.OutputTokens
	snap.RequestsToday = today.Requests
	snap.TokensToday = today.InputTokens + today.OutputTokens

	models, err := a.opts.Ledger.Stats(ctx, ledger.StatsFilter{By: "model"})
	if err != nil {
		return Empty(), err
	}
	snap.Models = lo.Map(models, func(r ledger.StatsRow, _ int) ModelUsage {
		return ModelUsage{Model: r.Group, Requests: r.RequestCount, Tokens: r.InputTokens + r.OutputTokens}
	})
	sort.SliceStable(snap.Models, func(i, j int) bool { return snap.Models[i].Requests > snap.Models[j].Requests })
	snap.Providers = providersFromModels(snap.Models)

	days, err := a.opts.Ledger.Stats(ctx, ledger.StatsFilter{By: "day", Since: startOfDay.AddDate(0, 0, -29)})
	if err != nil {
		return Empty(), err
	}
	snap.RequestsByDay, snap.TokensByDay = ledgerSeries(days)

	hours, err := a.opts.Ledger.Stats(ctx, ledger.StatsFilter{By: "hour", Since: now.Add(-24 * time.Hour)})
	if err != nil {
		return Empty(), err
	}
	snap.RequestsByHour, snap.TokensByHour = ledgerSeries(hours)
	return snap, nil
}

func providersFromModels(models []ModelUsage) []ProviderUsage {
	grouped := lo.GroupBy(models, func(m ModelUsage) string { return provider.DetectFromModel(m.Model) })
	out := lo.MapToSlice(grouped, func(name string, ms []ModelUsage) ProviderUsage {
		return ProviderUsage{
			Provider: name,
			Requests: lo.SumBy(ms, func(m ModelUsage) int64 { return m.Requests }),
			Tokens:   lo.SumBy(ms, func(m ModelUsage) int64 { return m.Tokens }),
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

func series(values map[string]count) []Point {
	return lo.Map(sortedKeys(values), func(label string, _ int) Point {
		return Point{Label: label, Value: int64(values[label])}
	})
}

func ledgerSeries(rows []ledger.StatsRow) (requests, tokens []Point) {
	requests = lo.Map(rows, func(r ledger.StatsRow, _ int) Point { return Point{Label: r.Group, Value: r.RequestCount} })
	tokens = lo.Map(rows, func(r ledger.StatsRow, _ int) Point {
		return Point{Label: r.Group, Value: r.InputTokens + r.OutputTokens}
	})
	return requests, tokens
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
