package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/querygate/internal/registry"
	"github.com/jordanhubbard/querygate/internal/vault"
)

func TestLoadConfigDefaults(t *testing.T) {
	// Unset all QUERYGATE_ env vars to ensure defaults are used.
	envVars := []string{
		"QUERYGATE_LISTEN_ADDR",
		"QUERYGATE_LOG_LEVEL",
		"QUERYGATE_DB_DSN",
		"QUERYGATE_VAULT_ENABLED",
		"QUERYGATE_LOCAL_THRESHOLD",
		"QUERYGATE_REMOTE_THRESHOLD",
		"QUERYGATE_DEFAULT_BUDGET_USD",
		"QUERYGATE_PROVIDER_TIMEOUT_SECS",
	}
	for _, key := range envVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBDSN != "file:/data/querygate.sqlite" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file:/data/querygate.sqlite")
	}
	if cfg.VaultEnabled {
		t.Error("VaultEnabled should default to false")
	}
	if cfg.LocalThreshold != 0.3 {
		t.Errorf("LocalThreshold = %f, want 0.3", cfg.LocalThreshold)
	}
	if cfg.RemoteThreshold != 0.7 {
		t.Errorf("RemoteThreshold = %f, want 0.7", cfg.RemoteThreshold)
	}
	if cfg.ProviderTimeoutSecs != 30 {
		t.Errorf("ProviderTimeoutSecs = %d, want 30", cfg.ProviderTimeoutSecs)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("QUERYGATE_LISTEN_ADDR", ":9090")
	t.Setenv("QUERYGATE_LOG_LEVEL", "debug")
	t.Setenv("QUERYGATE_DB_DSN", "file::memory:")
	t.Setenv("QUERYGATE_LOCAL_THRESHOLD", "0.25")
	t.Setenv("QUERYGATE_REMOTE_THRESHOLD", "0.75")
	t.Setenv("QUERYGATE_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LocalThreshold != 0.25 || cfg.RemoteThreshold != 0.75 {
		t.Errorf("thresholds = %f/%f, want 0.25/0.75", cfg.LocalThreshold, cfg.RemoteThreshold)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("QUERYGATE_LOCAL_THRESHOLD", "0.8")
	t.Setenv("QUERYGATE_REMOTE_THRESHOLD", "0.2")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected error for inverted thresholds")
	}
	if !strings.Contains(err.Error(), "QUERYGATE_LOCAL_THRESHOLD") {
		t.Errorf("error should name the offending variable, got: %v", err)
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("QUERYGATE_DB_DSN", ":memory:")
	t.Setenv("QUERYGATE_LOG_LEVEL", "error")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerHealthz(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("healthz body not JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestServerQueryEndToEnd(t *testing.T) {
	s := testServer(t)

	// No provider env vars are set, so the static echo providers answer.
	req := httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"query":"What is the capital of France?"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		RequestID string  `json:"request_id"`
		Response  string  `json:"response"`
		ModelUsed string  `json:"model_used"`
		CostUSD   float64 `json:"cost"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("query body not JSON: %v", err)
	}
	if body.RequestID == "" || body.Response == "" || body.ModelUsed == "" {
		t.Errorf("incomplete response: %+v", body)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "querygate_") {
		t.Error("expected querygate_ metrics in exposition")
	}
}

func TestRegisterProvidersReadsVaultKeys(t *testing.T) {
	t.Setenv("QUERYGATE_OPENAI_API_KEY", "")
	t.Setenv("QUERYGATE_ANTHROPIC_API_KEY", "")

	v, err := vault.New(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock([]byte("correct horse battery")); err != nil {
		t.Fatal(err)
	}
	if err := v.Set(vaultKeyOpenAI, "sk-vaulted"); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	adapters := registerProviders(reg, v, 30*time.Second, logger)

	if _, ok := adapters["gpt-remote"]; !ok {
		t.Fatal("expected gpt-remote registered from the vault key")
	}
	if _, ok := adapters["claude-remote"]; ok {
		t.Error("claude-remote registered without a key anywhere")
	}
}

func TestRegisterProvidersEnvFallbackWhenVaultLocked(t *testing.T) {
	t.Setenv("QUERYGATE_OPENAI_API_KEY", "sk-from-env")
	t.Setenv("QUERYGATE_ANTHROPIC_API_KEY", "")

	v, err := vault.New(true) // enabled but never unlocked
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	adapters := registerProviders(reg, v, 30*time.Second, logger)

	if _, ok := adapters["gpt-remote"]; !ok {
		t.Fatal("expected gpt-remote registered from the environment")
	}
}
