package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	return slog.New(&redactor{next: h}), &buf
}

func TestRedactorScrubsCredentials(t *testing.T) {
	logger, buf := captureLogger()

	logger.Info("vault.unlock",
		slog.String("admin_password", "correct horse battery"),
		slog.String("new_admin_password", "staple obvious"),
		slog.String("openai_api_key", "sk-live-12345"),
		slog.String("authorization", "Bearer sk-secret"),
		slog.String("provider", "gpt-remote"),
	)

	out := buf.String()
	for _, leaked := range []string{"correct horse", "staple obvious", "sk-live-12345", "sk-secret"} {
		if strings.Contains(out, leaked) {
			t.Errorf("credential %q leaked into logs", leaked)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected redaction placeholders")
	}
	if !strings.Contains(out, "gpt-remote") {
		t.Error("non-sensitive attributes must survive")
	}
}

func TestRedactorScrubsBodies(t *testing.T) {
	logger, buf := captureLogger()

	logger.Info("upstream call",
		slog.String("body", `{"messages":[{"content":"private prompt"}]}`),
		slog.String("request_body", "more private"),
	)

	out := buf.String()
	if strings.Contains(out, "private prompt") || strings.Contains(out, "more private") {
		t.Error("request bodies must never reach the logs")
	}
}

func TestRedactorTruncatesQueryText(t *testing.T) {
	logger, buf := captureLogger()

	long := strings.Repeat("q", 500)
	logger.Info("dispatch", slog.String("query", long))

	out := buf.String()
	if strings.Contains(out, long) {
		t.Error("full query text must not be logged")
	}
	if !strings.Contains(out, strings.Repeat("q", maxQueryLogRunes)+"...") {
		t.Error("expected a truncated query prefix")
	}
}

func TestRedactorShortQueryKeptWhole(t *testing.T) {
	logger, buf := captureLogger()

	logger.Info("dispatch", slog.String("query", "what is two plus two"))

	if !strings.Contains(buf.String(), "what is two plus two") {
		t.Error("short queries should be logged as-is")
	}
}

func TestRedactorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &redactor{next: slog.NewJSONHandler(&buf, nil)}

	logger := slog.New(h.WithAttrs([]slog.Attr{
		slog.String("anthropic_api_key", "sk-ant-leak"),
		slog.String("component", "dispatcher"),
	}))
	logger.Info("started")

	out := buf.String()
	if strings.Contains(out, "sk-ant-leak") {
		t.Error("WithAttrs credentials must be scrubbed")
	}
	if !strings.Contains(out, "dispatcher") {
		t.Error("WithAttrs non-sensitive values must survive")
	}
}

func TestSetLevelNames(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tc := range cases {
		SetLevel(tc.in)
		if level.Level() != tc.want {
			t.Errorf("SetLevel(%q) = %v, want %v", tc.in, level.Level(), tc.want)
		}
	}
	SetLevel("info")
}

func TestSetLevelRetunesLiveLogger(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})
	logger := slog.New(&redactor{next: h})

	SetLevel("error")
	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug record emitted at error level")
	}

	SetLevel("debug")
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("debug record suppressed at debug level")
	}
	SetLevel("info")
}

func TestRequestLoggerAccessLine(t *testing.T) {
	logger, buf := captureLogger()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"request_id":"r1"}`))
	})
	srv := httptest.NewServer(RequestLogger(logger)(inner))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/query", strings.NewReader(`{}`))
	req.Header.Set("X-Request-ID", "req-test-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("access line is not JSON: %v\n%s", err, buf.String())
	}
	if line["msg"] != "http_request" || line["method"] != "POST" || line["path"] != "/v1/query" {
		t.Errorf("unexpected access line: %v", line)
	}
	if status, _ := line["status"].(float64); int(status) != http.StatusOK {
		t.Errorf("status = %v", line["status"])
	}
	if line["request_id"] != "req-test-1" {
		t.Errorf("request_id = %v", line["request_id"])
	}
}
