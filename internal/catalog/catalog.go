// Package catalog persists gateway configuration and audit state in
// SQLite: the provider descriptors the registry is seeded from, alert
// threshold overrides, the dispatch request log, the admin audit trail,
// and the encrypted vault blob.
package catalog

import (
	"context"
	"time"

	"github.com/jordanhubbard/querygate/internal/registry"
)

// Catalog defines the persistence interface for querygate.
type Catalog interface {
	// Provider descriptors
	ListProviders(ctx context.Context) ([]registry.Descriptor, error)
	GetProvider(ctx context.Context, name string) (*registry.Descriptor, error)
	UpsertProvider(ctx context.Context, d registry.Descriptor) error
	DeleteProvider(ctx context.Context, name string) error

	// Request log (for audit and dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Alert threshold overrides
	SaveThresholds(ctx context.Context, t ThresholdsRecord) error
	LoadThresholds(ctx context.Context) (*ThresholdsRecord, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ThresholdsRecord holds persisted alert threshold overrides.
type ThresholdsRecord struct {
	ErrorRate      float64 `json:"error_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MemoryFraction float64 `json:"memory_fraction"`
	CPUFraction    float64 `json:"cpu_fraction"`
	CostDailyUSD   float64 `json:"cost_daily_usd"`
	CostMonthlyUSD float64 `json:"cost_monthly_usd"`
}

// AuditEntry captures an admin mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`               // e.g. "provider.upsert", "vault.unlock"
	Resource  string    `json:"resource"`             // e.g. "gpt-remote"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single dispatched query for audit/dashboard.
type RequestLog struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Provider   string    `json:"provider"`
	ModelType  string    `json:"model_type"`
	Complexity float64   `json:"complexity"`
	CostUSD    float64   `json:"cost_usd"`
	LatencyMs  int64     `json:"latency_ms"`
	Success    bool      `json:"success"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Fallback   bool      `json:"fallback"`
}
