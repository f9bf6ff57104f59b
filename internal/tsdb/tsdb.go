// Package tsdb is a lightweight embedded time-series sink for dispatch
// telemetry, backed by SQLite. The dispatcher's latency, cost, and
// complexity points land here for the ops endpoints to query; it is not
// request state and the gateway runs fine without it.
package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Metric names written by the gateway.
const (
	MetricLatencyMs  = "latency_ms"
	MetricCostUSD    = "cost_usd"
	MetricComplexity = "complexity"
)

// DefaultRetention bounds stored history; Prune deletes older points.
const DefaultRetention = 30 * 24 * time.Hour

// Point is a single time-series data point.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Provider  string    `json:"provider,omitempty"`
	Value     float64   `json:"value"`
}

// Series is a named time series with its data points.
type Series struct {
	Metric   string   `json:"metric"`
	Provider string   `json:"provider,omitempty"`
	Points   []DataPt `json:"points"`
}

// DataPt is a timestamp+value pair for JSON output.
type DataPt struct {
	T     time.Time `json:"t"`
	Value float64   `json:"v"`
}

// QueryParams controls which data is returned.
type QueryParams struct {
	Metric   string
	Provider string
	Start    time.Time
	End      time.Time
	StepMs   int64 // downsample to this bucket size (0 = raw)
}

// Store buffers writes and batches them into SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	retention time.Duration

	buf    []Point
	bufMax int
}

// New creates a telemetry store on the given SQLite handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:        db,
		retention: DefaultRetention,
		bufMax:    100,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRetention sets the data retention period.
func (s *Store) SetRetention(d time.Duration) {
	s.retention = d
}

// Retention returns the current retention period.
func (s *Store) Retention() time.Duration {
	return s.retention
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry_points(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_metric ON telemetry_points(metric, ts)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("tsdb migrate: %w", err)
		}
	}
	return nil
}

// Write stores a single data point, flushing when the buffer fills.
func (s *Store) Write(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.buf = append(s.buf, p)
	if len(s.buf) >= s.bufMax {
		buf := s.buf
		s.buf = nil
		s.mu.Unlock()
		s.flush(buf)
		return
	}
	s.mu.Unlock()
}

// Flush forces all buffered points to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) > 0 {
		s.flush(buf)
	}
}

func (s *Store) flush(points []Point) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO telemetry_points (ts, metric, provider, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		_, _ = stmt.Exec(p.Timestamp.UnixMilli(), p.Metric, p.Provider, p.Value)
	}
	_ = tx.Commit()
}

// Query returns time-series data matching the given parameters, grouped
// into one series per provider.
func (s *Store) Query(ctx context.Context, q QueryParams) ([]Series, error) {
	s.Flush() // ensure buffered data is visible

	where := "WHERE metric = ?"
	args := []any{q.Metric}

	if q.Provider != "" {
		where += " AND provider = ?"
		args = append(args, q.Provider)
	}
	if !q.Start.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		where += " AND ts <= ?"
		args = append(args, q.End.UnixMilli())
	}

	var query string
	if q.StepMs > 0 {
		// Downsample: bucket by step, average values.
		query = fmt.Sprintf(
			`SELECT (ts / %d) * %d AS bucket, provider, AVG(value)
			 FROM telemetry_points %s
			 GROUP BY bucket, provider
			 ORDER BY bucket ASC`, q.StepMs, q.StepMs, where)
	} else {
		query = fmt.Sprintf(
			`SELECT ts, provider, value
			 FROM telemetry_points %s
			 ORDER BY ts ASC`, where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	grouped := make(map[string][]DataPt)
	var order []string

	for rows.Next() {
		var tsMs int64
		var provider string
		var value float64
		if err := rows.Scan(&tsMs, &provider, &value); err != nil {
			return nil, err
		}
		if _, exists := grouped[provider]; !exists {
			order = append(order, provider)
		}
		grouped[provider] = append(grouped[provider], DataPt{
			T:     time.UnixMilli(tsMs),
			Value: value,
		})
	}

	var result []Series
	for _, provider := range order {
		result = append(result, Series{
			Metric:   q.Metric,
			Provider: provider,
			Points:   grouped[provider],
		})
	}
	return result, rows.Err()
}

// Prune removes data points older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush() // ensure buffered data is visible
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM telemetry_points WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Metrics returns the list of distinct metric names.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.Flush() // ensure buffered data is visible
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric FROM telemetry_points ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metrics []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
