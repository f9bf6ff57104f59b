package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled bool
	// Unlock passphrase applied at startup so adapters can read their
	// API keys from the vault; empty leaves the vault locked until an
	// admin unlocks it.
	VaultPassword string

	// Routing thresholds partition the complexity score into
	// local / hybrid / remote bands.
	LocalThreshold  float64
	RemoteThreshold float64
	DefaultBudget   float64 // per-request cost budget, 0 = unlimited

	ProviderTimeoutSecs int

	// Alert threshold overrides; 0 keeps the monitor default.
	AlertErrorRate      float64
	AlertLatencyMs      float64
	AlertCostDailyUSD   float64
	AlertCostMonthlyUSD float64

	ResourceSampleSecs int

	// Per-IP rate limit on the public API; 0 disables limiting.
	RateLimitPerSec int
	RateLimitBurst  int

	// Idempotency-Key replay window for POST /v1/query.
	IdempotencyTTLSecs int

	CORSOrigins []string // allowed CORS origins; empty = ["*"]

	// Tracing (opt-in OTLP export).
	TracingEnabled  bool
	TracingEndpoint string

	// Temporal batch dispatch.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:    getEnv("QUERYGATE_LISTEN_ADDR", ":8080"),
		LogLevel:      getEnv("QUERYGATE_LOG_LEVEL", "info"),
		DBDSN:         getEnv("QUERYGATE_DB_DSN", "file:/data/querygate.sqlite"),
		VaultEnabled:  getEnvBool("QUERYGATE_VAULT_ENABLED", false),
		VaultPassword: getEnv("QUERYGATE_VAULT_PASSWORD", ""),

		LocalThreshold:  getEnvFloat("QUERYGATE_LOCAL_THRESHOLD", 0.3),
		RemoteThreshold: getEnvFloat("QUERYGATE_REMOTE_THRESHOLD", 0.7),
		DefaultBudget:   getEnvFloat("QUERYGATE_DEFAULT_BUDGET_USD", 0),

		ProviderTimeoutSecs: getEnvInt("QUERYGATE_PROVIDER_TIMEOUT_SECS", 30),

		AlertErrorRate:      getEnvFloat("QUERYGATE_ALERT_ERROR_RATE", 0),
		AlertLatencyMs:      getEnvFloat("QUERYGATE_ALERT_LATENCY_MS", 0),
		AlertCostDailyUSD:   getEnvFloat("QUERYGATE_ALERT_COST_DAILY_USD", 0),
		AlertCostMonthlyUSD: getEnvFloat("QUERYGATE_ALERT_COST_MONTHLY_USD", 0),

		ResourceSampleSecs: getEnvInt("QUERYGATE_RESOURCE_SAMPLE_SECS", 15),

		RateLimitPerSec: getEnvInt("QUERYGATE_RATE_LIMIT_PER_SEC", 0),
		RateLimitBurst:  getEnvInt("QUERYGATE_RATE_LIMIT_BURST", 0),

		IdempotencyTTLSecs: getEnvInt("QUERYGATE_IDEMPOTENCY_TTL_SECS", 600),

		CORSOrigins: getEnvStringSlice("QUERYGATE_CORS_ORIGINS", nil),

		TracingEnabled:  getEnvBool("QUERYGATE_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("QUERYGATE_TRACING_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   getEnvBool("QUERYGATE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("QUERYGATE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("QUERYGATE_TEMPORAL_NAMESPACE", "querygate"),
		TemporalTaskQueue: getEnv("QUERYGATE_TEMPORAL_TASK_QUEUE", "querygate-batches"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.LocalThreshold <= 0 || c.LocalThreshold >= 1 {
		return fmt.Errorf("QUERYGATE_LOCAL_THRESHOLD must be in (0,1), got %f", c.LocalThreshold)
	}
	if c.RemoteThreshold <= 0 || c.RemoteThreshold >= 1 {
		return fmt.Errorf("QUERYGATE_REMOTE_THRESHOLD must be in (0,1), got %f", c.RemoteThreshold)
	}
	if c.LocalThreshold >= c.RemoteThreshold {
		return fmt.Errorf("QUERYGATE_LOCAL_THRESHOLD (%f) must be below QUERYGATE_REMOTE_THRESHOLD (%f)",
			c.LocalThreshold, c.RemoteThreshold)
	}
	if c.DefaultBudget < 0 {
		return fmt.Errorf("QUERYGATE_DEFAULT_BUDGET_USD must be >= 0, got %f", c.DefaultBudget)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("QUERYGATE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.ResourceSampleSecs <= 0 {
		return fmt.Errorf("QUERYGATE_RESOURCE_SAMPLE_SECS must be > 0, got %d", c.ResourceSampleSecs)
	}
	if c.RateLimitPerSec < 0 {
		return fmt.Errorf("QUERYGATE_RATE_LIMIT_PER_SEC must be >= 0, got %d", c.RateLimitPerSec)
	}
	if c.IdempotencyTTLSecs < 0 {
		return fmt.Errorf("QUERYGATE_IDEMPOTENCY_TTL_SECS must be >= 0, got %d", c.IdempotencyTTLSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
