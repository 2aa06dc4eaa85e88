package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/logparse"
	"github.com/FoxOnTheRun42/proxypal/internal/pricing"
)

// MaxEntries bounds the stored request window.
const MaxEntries = 100

// Retained buckets per token series, oldest dropped first.
const (
	MaxDays  = 90
	MaxHours = 72
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
)

// Point is one labelled bucket of a token series, in local time.
type Point struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
}

// RequestHistory is the persisted view of recent requests. The totals and
// token series cover every event ever added, not just the retained window.
type RequestHistory struct {
	Requests       []logparse.RequestEvent `json:"requests"`
	TotalTokensIn  int64                   `json:"totalTokensIn"`
	TotalTokensOut int64                   `json:"totalTokensOut"`
	TotalCostUSD   float64                 `json:"totalCostUsd"`
	TokensByDay    []Point                 `json:"tokensByDay"`
	TokensByHour   []Point                 `json:"tokensByHour"`
}

func emptyHistory() RequestHistory {
	return RequestHistory{Requests: []logparse.RequestEvent{}, TokensByDay: []Point{}, TokensByHour: []Point{}}
}

type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	history RequestHistory
}

// Open loads the history at path. Missing or unreadable files start empty.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	s.history = s.load()
	return s
}

func (s *Store) load() RequestHistory {
	empty := emptyHistory()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read history", "path", s.path, "error", err)
		}
		return empty
	}
	var loaded RequestHistory
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("history unreadable, starting empty", "path", s.path, "error", err)
		return empty
	}
	if loaded.Requests == nil {
		loaded.Requests = []logparse.RequestEvent{}
	}
	if loaded.TokensByDay == nil {
		loaded.TokensByDay = []Point{}
	}
	if loaded.TokensByHour == nil {
		loaded.TokensByHour = []Point{}
	}
	loaded.Requests = trim(loaded.Requests)
	return loaded
}

// Add prices the event, folds it into the totals, appends it, trims the
// window and persists. The in-memory state keeps the event even if the
// write fails.
func (s *Store) Add(event logparse.RequestEvent) (RequestHistory, error) {
	in, out := event.InputTokens(), event.OutputTokens()
	cost := pricing.EstimateCostUSD(event.Model, in, out)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.TotalTokensIn += in
	s.history.TotalTokensOut += out
	s.history.TotalCostUSD += cost
	s.history.Requests = trim(append(s.history.Requests, event))
	when := event.Time().Local()
	s.history.TokensByDay = addPoint(s.history.TokensByDay, when.Format(dayLayout), in+out, MaxDays)
	s.history.TokensByHour = addPoint(s.history.TokensByHour, when.Format(hourLayout), in+out, MaxHours)
	snapshot := s.cloneLocked()
	return snapshot, s.persist(snapshot)
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = emptyHistory()
	return s.persist(s.cloneLocked())
}

func (s *Store) Snapshot() RequestHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocked()
}

func (s *Store) cloneLocked() RequestHistory {
	out := s.history
	out.Requests = make([]logparse.RequestEvent, len(s.history.Requests))
	copy(out.Requests, s.history.Requests)
	out.TokensByDay = append([]Point{}, s.history.TokensByDay...)
	out.TokensByHour = append([]Point{}, s.history.TokensByHour...)
	return out
}

func (s *Store) persist(h RequestHistory) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := config.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func trim(requests []logparse.RequestEvent) []logparse.RequestEvent {
	if len(requests) <= MaxEntries {
		return requests
	}
	kept := make([]logparse.RequestEvent, MaxEntries)
	copy(kept, requests[len(requests)-MaxEntries:])
	return kept
}

// addPoint adds value to the bucket labelled label, keeping the series sorted
// by label and at most limit long.
func addPoint(series []Point, label string, value int64, limit int) []Point {
	i := sort.Search(len(series), func(i int) bool { return series[i].Label >= label })
	if i < len(series) && series[i].Label == label {
		series[i].Value += value
		return series
	}
	series = append(series, Point{})
	copy(series[i+1:], series[i:])
	series[i] = Point{Label: label, Value: value}
	if len(series) > limit {
		kept := make([]Point, limit)
		copy(kept, series[len(series)-limit:])
		series = kept
	}
	return series
}
