package history

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/logparse"
	"github.com/FoxOnTheRun42/proxypal/internal/pricing"
)

func event(i int, model string, in, out int64) logparse.RequestEvent {
	return logparse.RequestEvent{
		ID:        fmt.Sprintf("req_%d", i),
		Timestamp: int64(1_700_000_000_000 + i),
		Provider:  "claude",
		Model:     model,
		Method:    "POST",
		Path:      "/v1/messages",
		Status:    200,
		TokensIn:  &in,
		TokensOut: &out,
	}
}

func TestAddTrimsWindowButKeepsTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := Open(path, nil)

	const total = 130
	var wantCost float64
	for i := 1; i <= total; i++ {
		if _, err := store.Add(event(i, "claude-sonnet-4-5", 1000, 500)); err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
		wantCost += pricing.EstimateCostUSD("claude-sonnet-4-5", 1000, 500)
	}

	snap := store.Snapshot()
	if len(snap.Requests) != MaxEntries {
		t.Fatalf("len(requests) = %d, want %d", len(snap.Requests), MaxEntries)
	}
	if snap.Requests[0].ID != "req_31" || snap.Requests[MaxEntries-1].ID != "req_130" {
		t.Fatalf("window = %s..%s, want req_31..req_130", snap.Requests[0].ID, snap.Requests[MaxEntries-1].ID)
	}
	if snap.TotalTokensIn != total*1000 || snap.TotalTokensOut != total*500 {
		t.Fatalf("totals = %d/%d, want %d/%d", snap.TotalTokensIn, snap.TotalTokensOut, total*1000, total*500)
	}
	if math.Abs(snap.TotalCostUSD-wantCost) > 1e-9 {
		t.Fatalf("total cost = %v, want %v", snap.TotalCostUSD, wantCost)
	}

	reopened := Open(path, nil).Snapshot()
	if len(reopened.Requests) != MaxEntries || reopened.TotalTokensIn != snap.TotalTokensIn {
		t.Fatalf("reopened history = %d entries, %d tokens in", len(reopened.Requests), reopened.TotalTokensIn)
	}
}

func TestAddWithoutTokensUsesZeroCost(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "history.json"), nil)
	snap, err := store.Add(logparse.RequestEvent{ID: "req_1", Model: "auto", Method: "POST", Path: "/v1/messages", Status: 200})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if snap.TotalCostUSD != 0 || snap.TotalTokensIn != 0 {
		t.Fatalf("cost/tokens = %v/%d, want 0/0", snap.TotalCostUSD, snap.TotalTokensIn)
	}
	if len(snap.Requests) != 1 {
		t.Fatalf("len(requests) = %d, want 1", len(snap.Requests))
	}
}

func TestAddBucketsTokensByDayAndHour(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := Open(path, nil)

	at := func(day, hour int) int64 {
		return time.Date(2026, time.March, day, hour, 30, 0, 0, time.Local).UnixMilli()
	}
	stamps := []int64{at(2, 9), at(1, 23), at(2, 9), at(2, 10)}
	for i, ts := range stamps {
		e := event(i, "gpt-4o", 100, 50)
		e.Timestamp = ts
		if _, err := store.Add(e); err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
	}

	snap := Open(path, nil).Snapshot()
	wantDays := []Point{{Label: "2026-03-01", Value: 150}, {Label: "2026-03-02", Value: 450}}
	if fmt.Sprint(snap.TokensByDay) != fmt.Sprint(wantDays) {
		t.Fatalf("tokensByDay = %v, want %v", snap.TokensByDay, wantDays)
	}
	wantHours := []Point{
		{Label: "2026-03-01T23", Value: 150},
		{Label: "2026-03-02T09", Value: 300},
		{Label: "2026-03-02T10", Value: 150},
	}
	if fmt.Sprint(snap.TokensByHour) != fmt.Sprint(wantHours) {
		t.Fatalf("tokensByHour = %v, want %v", snap.TokensByHour, wantHours)
	}
}

func TestTokenSeriesKeepNewestBuckets(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "history.json"), nil)
	start := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.Local)
	for i := 0; i < MaxHours+5; i++ {
		e := event(i, "gpt-4o", 1, 0)
		e.Timestamp = start.Add(time.Duration(i) * time.Hour).UnixMilli()
		if _, err := store.Add(e); err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
	}
	snap := store.Snapshot()
	if len(snap.TokensByHour) != MaxHours {
		t.Fatalf("len(tokensByHour) = %d, want %d", len(snap.TokensByHour), MaxHours)
	}
	wantFirst := start.Add(5 * time.Hour).Format("2006-01-02T15")
	if snap.TokensByHour[0].Label != wantFirst {
		t.Fatalf("oldest hour = %s, want %s", snap.TokensByHour[0].Label, wantFirst)
	}
}

func TestOpenToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("[broken"), 0o600); err != nil {
		t.Fatalf("write history: %v", err)
	}
	snap := Open(path, nil).Snapshot()
	if len(snap.Requests) != 0 || snap.TotalCostUSD != 0 {
		t.Fatalf("expected empty history, got %+v", snap)
	}
}

func TestClearResetsTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := Open(path, nil)
	if _, err := store.Add(event(1, "gpt-4o", 10, 10)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	snap := Open(path, nil).Snapshot()
	if len(snap.Requests) != 0 || snap.TotalTokensIn != 0 || snap.TotalCostUSD != 0 || len(snap.TokensByDay) != 0 {
		t.Fatalf("history after clear = %+v", snap)
	}
}
