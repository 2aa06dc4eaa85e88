package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/FoxOnTheRun42/proxypal/internal/logparse"
)

// Record is one row of the request ledger. Unlike the capped history the
// ledger keeps every event until retention removes it.
type Record struct {
	ID           string    `json:"id"`
	EventID      string    `json:"eventId"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Status       int       `json:"status"`
	DurationMs   int64     `json:"durationMs"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
}

type QueryFilter struct {
	Limit    int
	Provider string
	Model    string
	Since    time.Time
}

type StatsFilter struct {
	Provider string
	Since    time.Time
	By       string
}

type StatsRow struct {
	Group        string  `json:"group"`
	RequestCount int64   `json:"requestCount"`
	SuccessCount int64   `json:"successCount"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

type Totals struct {
	Requests     int64   `json:"requests"`
	Success      int64   `json:"success"`
	Failure      int64   `json:"failure"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	store := &Store{db: db}
	if err := store.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(dbPath, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set db perms: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    ts_ms INTEGER NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT 'auto',
    method TEXT NOT NULL DEFAULT 'POST',
    path TEXT NOT NULL,
    status INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts_ms);
CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider);
CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Log appends an event with its computed cost and returns the stored row.
func (s *Store) Log(ctx context.Context, event logparse.RequestEvent, costUSD float64) (Record, error) {
	record := Record{
		ID:           ulid.Make().String(),
		EventID:      event.ID,
		Timestamp:    event.Time(),
		Provider:     event.Provider,
		Model:        event.Model,
		Method:       event.Method,
		Path:         event.Path,
		Status:       event.Status,
		DurationMs:   event.DurationMs,
		InputTokens:  event.InputTokens(),
		OutputTokens: event.OutputTokens(),
		CostUSD:      costUSD,
	}
	query := `
INSERT INTO requests (
    id, event_id, ts_ms, provider, model, method, path,
    status, duration_ms, input_tokens, output_tokens, cost_usd
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.EventID,
		record.Timestamp.UnixMilli(),
		record.Provider,
		record.Model,
		record.Method,
		record.Path,
		record.Status,
		record.DurationMs,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert request: %w", err)
	}
	return record, nil
}

func (s *Store) List(ctx context.Context, filter QueryFilter) ([]Record, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	where, args := filterClause(filter.Provider, filter.Since)
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	args = append(args, filter.Limit)
	query := `SELECT id, event_id, ts_ms, provider, model, method, path,
       status, duration_ms, input_tokens, output_tokens, cost_usd
FROM requests
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY ts_ms DESC, id DESC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

const localTime = "ts_ms / 1000, 'unixepoch', 'localtime'"

// Stats groups the ledger by provider, model, day or hour. Day and hour
// labels use the local calendar.
func (s *Store) Stats(ctx context.Context, filter StatsFilter) ([]StatsRow, error) {
	groupExpr := "provider"
	orderExpr := "request_count DESC, grp ASC"
	switch strings.ToLower(filter.By) {
	case "model":
		groupExpr = "model"
	case "day":
		groupExpr = "strftime('%Y-%m-%d', " + localTime + ")"
		orderExpr = "grp ASC"
	case "hour":
		groupExpr = "strftime('%Y-%m-%d %H:00', " + localTime + ")"
		orderExpr = "grp ASC"
	case "", "provider":
		groupExpr = "provider"
	default:
		return nil, fmt.Errorf("unsupported stats grouping %q", filter.By)
	}
	where, args := filterClause(filter.Provider, filter.Since)
	query := `SELECT ` + groupExpr + ` AS grp,
       COUNT(*) AS request_count,
       COALESCE(SUM(CASE WHEN status < 400 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(input_tokens), 0),
       COALESCE(SUM(output_tokens), 0),
       COALESCE(SUM(cost_usd), 0)
FROM requests WHERE ` + strings.Join(where, " AND ") + `
GROUP BY grp ORDER BY ` + orderExpr
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	result := []StatsRow{}
	for rows.Next() {
		var row StatsRow
		if err := rows.Scan(&row.Group, &row.RequestCount, &row.SuccessCount, &row.InputTokens, &row.OutputTokens, &row.CostUSD); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *Store) Totals(ctx context.Context, since time.Time) (Totals, error) {
	where, args := filterClause("", since)
	query := `SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status < 400 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(input_tokens), 0),
       COALESCE(SUM(output_tokens), 0),
       COALESCE(SUM(cost_usd), 0)
FROM requests WHERE ` + strings.Join(where, " AND ")
	var totals Totals
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&totals.Requests, &totals.Success, &totals.InputTokens, &totals.OutputTokens, &totals.CostUSD,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("query totals: %w", err)
	}
	totals.Failure = totals.Requests - totals.Success
	return totals, nil
}

// DeleteOlderThan removes rows older than the retention window and reports
// how many were dropped. A non-positive window keeps everything.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func filterClause(provider string, since time.Time) ([]string, []any) {
	where := []string{"1=1"}
	args := make([]any, 0, 3)
	if provider != "" {
		where = append(where, "provider = ?")
		args = append(args, provider)
	}
	if !since.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, since.UnixMilli())
	}
	return where, args
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var record Record
	var tsMs int64
	if err := scanner.Scan(
		&record.ID,
		&record.EventID,
		&tsMs,
		&record.Provider,
		&record.Model,
		&record.Method,
		&record.Path,
		&record.Status,
		&record.DurationMs,
		&record.InputTokens,
		&record.OutputTokens,
		&record.CostUSD,
	); err != nil {
		return Record{}, fmt.Errorf("scan request row: %w", err)
	}
	record.Timestamp = time.UnixMilli(tsMs)
	return record, nil
}
