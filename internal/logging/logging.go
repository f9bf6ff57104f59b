// Package logging sets up the gateway's JSON slog output. Credentials
// travel through several layers here (vault passphrases, provider API
// keys, Authorization headers), so every record passes a redaction
// layer before it is encoded.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// maxQueryLogRunes bounds how much query text reaches the logs. Queries
// are caller content; operators need a prefix, not the full prompt.
const maxQueryLogRunes = 120

var secretHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}

// level is shared by every logger Setup returns, so SIGHUP reloads can
// retune verbosity without rebuilding handlers.
var level = new(slog.LevelVar)

// Setup builds the process logger and installs it as the slog default.
func Setup(lvl string) *slog.Logger {
	SetLevel(lvl)
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(&redactor{next: h})
	slog.SetDefault(logger)
	return logger
}

// SetLevel retunes the shared level. Unknown names mean info.
func SetLevel(lvl string) {
	switch lvl {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// redactor scrubs secret-bearing attributes before the JSON handler
// sees them and trims query text to a loggable prefix.
type redactor struct {
	next slog.Handler
}

func (h *redactor) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *redactor) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrub(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, scrub(a))
	}
	return &redactor{next: h.next.WithAttrs(clean)}
}

func (h *redactor) WithGroup(name string) slog.Handler {
	return &redactor{next: h.next.WithGroup(name)}
}

func scrub(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)

	if secretHeaders[key] || secretKey(key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	switch key {
	case "body", "request_body", "req_body":
		return slog.String(a.Key, "[REDACTED]")
	case "query":
		return slog.String(a.Key, truncate(a.Value.String(), maxQueryLogRunes))
	}
	return a
}

// secretKey matches vault passphrases, provider API keys, and anything
// else named like a credential.
func secretKey(key string) bool {
	for _, marker := range []string{"key", "token", "secret", "password", "passphrase"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// RequestLogger is the chi access log: one line per request, no bodies,
// no auth headers, the chi request id for correlation.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
