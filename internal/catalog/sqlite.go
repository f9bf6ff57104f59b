package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/querygate/internal/registry"
)

// SQLiteCatalog implements Catalog using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency. In-memory
	// databases are per-connection, so they get exactly one.
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	return &SQLiteCatalog{db: db}, nil
}

// DB returns the underlying sql.DB handle (shared with the telemetry store).
func (s *SQLiteCatalog) DB() *sql.DB {
	return s.db
}

func (s *SQLiteCatalog) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			name TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'online',
			supported_types TEXT NOT NULL DEFAULT '[]',
			capabilities TEXT NOT NULL DEFAULT '[]',
			max_concurrent INTEGER NOT NULL DEFAULT 1,
			base_cost REAL NOT NULL DEFAULT 0,
			max_cost REAL NOT NULL DEFAULT 0,
			cost_efficiency REAL NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			timeout_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			request_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model_type TEXT NOT NULL DEFAULT '',
			complexity REAL NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_code TEXT NOT NULL DEFAULT '',
			fallback INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_provider ON request_logs(provider)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS alert_thresholds (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			error_rate REAL NOT NULL,
			avg_latency_ms REAL NOT NULL,
			memory_fraction REAL NOT NULL,
			cpu_fraction REAL NOT NULL,
			cost_daily_usd REAL NOT NULL,
			cost_monthly_usd REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}

// Providers

func scanDescriptor(row interface{ Scan(...any) error }) (registry.Descriptor, error) {
	var d registry.Descriptor
	var status, types, caps string
	if err := row.Scan(&d.Name, &status, &types, &caps, &d.MaxConcurrent,
		&d.BaseCost, &d.MaxCost, &d.CostEfficiency, &d.Model, &d.Endpoint, &d.TimeoutMs); err != nil {
		return d, err
	}
	d.Status = registry.Status(status)
	if err := json.Unmarshal([]byte(types), &d.SupportedTypes); err != nil {
		return d, fmt.Errorf("unmarshal supported_types for %s: %w", d.Name, err)
	}
	if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
		return d, fmt.Errorf("unmarshal capabilities for %s: %w", d.Name, err)
	}
	return d, nil
}

const descriptorCols = `name, status, supported_types, capabilities, max_concurrent,
	base_cost, max_cost, cost_efficiency, model, endpoint, timeout_ms`

func (s *SQLiteCatalog) ListProviders(ctx context.Context) ([]registry.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+descriptorCols+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []registry.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteCatalog) GetProvider(ctx context.Context, name string) (*registry.Descriptor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+descriptorCols+` FROM providers WHERE name = ?`, name)
	d, err := scanDescriptor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteCatalog) UpsertProvider(ctx context.Context, d registry.Descriptor) error {
	types, err := json.Marshal(d.SupportedTypes)
	if err != nil {
		return fmt.Errorf("marshal supported_types: %w", err)
	}
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (name, status, supported_types, capabilities, max_concurrent,
		   base_cost, max_cost, cost_efficiency, model, endpoint, timeout_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   status=excluded.status,
		   supported_types=excluded.supported_types,
		   capabilities=excluded.capabilities,
		   max_concurrent=excluded.max_concurrent,
		   base_cost=excluded.base_cost,
		   max_cost=excluded.max_cost,
		   cost_efficiency=excluded.cost_efficiency,
		   model=excluded.model,
		   endpoint=excluded.endpoint,
		   timeout_ms=excluded.timeout_ms`,
		d.Name, string(d.Status), string(types), string(caps), d.MaxConcurrent,
		d.BaseCost, d.MaxCost, d.CostEfficiency, d.Model, d.Endpoint, d.TimeoutMs)
	return err
}

func (s *SQLiteCatalog) DeleteProvider(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE name = ?`, name)
	return err
}

// Request Logs

func (s *SQLiteCatalog) LogRequest(ctx context.Context, entry RequestLog) error {
	success, fallback := 0, 0
	if entry.Success {
		success = 1
	}
	if entry.Fallback {
		fallback = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (timestamp, request_id, provider, model_type, complexity, cost_usd, latency_ms, success, error_code, fallback)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.RequestID, entry.Provider, entry.ModelType,
		entry.Complexity, entry.CostUSD, entry.LatencyMs, success, entry.ErrorCode, fallback)
	return err
}

func (s *SQLiteCatalog) ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, provider, model_type, complexity, cost_usd, latency_ms, success, error_code, fallback
		 FROM request_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var ts string
		var success, fallback int
		if err := rows.Scan(&l.ID, &ts, &l.RequestID, &l.Provider, &l.ModelType,
			&l.Complexity, &l.CostUSD, &l.LatencyMs, &success, &l.ErrorCode, &fallback); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		l.Success = success != 0
		l.Fallback = fallback != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Vault persistence

func (s *SQLiteCatalog) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteCatalog) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Alert thresholds

func (s *SQLiteCatalog) SaveThresholds(ctx context.Context, t ThresholdsRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_thresholds (id, error_rate, avg_latency_ms, memory_fraction, cpu_fraction, cost_daily_usd, cost_monthly_usd)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   error_rate=excluded.error_rate,
		   avg_latency_ms=excluded.avg_latency_ms,
		   memory_fraction=excluded.memory_fraction,
		   cpu_fraction=excluded.cpu_fraction,
		   cost_daily_usd=excluded.cost_daily_usd,
		   cost_monthly_usd=excluded.cost_monthly_usd`,
		t.ErrorRate, t.AvgLatencyMs, t.MemoryFraction, t.CPUFraction, t.CostDailyUSD, t.CostMonthlyUSD)
	return err
}

// LoadThresholds returns nil when no override has been saved.
func (s *SQLiteCatalog) LoadThresholds(ctx context.Context) (*ThresholdsRecord, error) {
	var t ThresholdsRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT error_rate, avg_latency_ms, memory_fraction, cpu_fraction, cost_daily_usd, cost_monthly_usd
		 FROM alert_thresholds WHERE id = 1`).
		Scan(&t.ErrorRate, &t.AvgLatencyMs, &t.MemoryFraction, &t.CPUFraction, &t.CostDailyUSD, &t.CostMonthlyUSD)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Audit Logs

func (s *SQLiteCatalog) LogAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteCatalog) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
