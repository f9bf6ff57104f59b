// Package providers defines the adapter contract every backend
// implements, plus the shared HTTP and retry plumbing the concrete
// adapters are built on.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Message is one turn of prior conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query is the routed request an adapter formats for its backend.
type Query struct {
	Text    string
	Context []Message
	Score   float64
}

// Options carries per-call knobs taken from request metadata.
type Options struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	SystemMessage string
	StopSequences []string
	BudgetUSD     float64
}

// TokenUsage counts tokens on each side of a call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Outcome is the result of a successful adapter call. CostUSD is zero
// when the backend does not report cost; the dispatcher substitutes the
// routed estimate.
type Outcome struct {
	Text      string
	Usage     TokenUsage
	CostUSD   float64
	Provider  string
	Model     string
	LatencyMs int64
	Raw       json.RawMessage
}

// Adapter formats and sends one call to a backend. Implementations run
// their own transient-fault retry; a returned error is final for that
// provider.
type Adapter interface {
	ID() string
	Call(ctx context.Context, model string, q Query, opts Options) (Outcome, error)
}

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors the retry loop can
// inspect.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records an integer Retry-After header value.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// QuotaExhausted reports whether the error body names a spent quota
// rather than a transient rate limit.
func (e *StatusError) QuotaExhausted() bool {
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "insufficient_quota") ||
		strings.Contains(body, "quota_exceeded") ||
		strings.Contains(body, "billing")
}

// Retryable reports whether err is worth another attempt: transient
// 5xx, rate limits that are not quota exhaustion, and network errors.
// Authentication failures, spent quotas, and cancelled contexts are
// final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return false
		case se.StatusCode == http.StatusTooManyRequests:
			return !se.QuotaExhausted()
		case se.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// WithRequestID returns a context carrying the given request ID; shared
// HTTP plumbing forwards it as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
