// Package anthropic implements the adapter contract against the
// Anthropic messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/querygate/internal/providers"
)

// defaultMaxTokens is sent when the caller sets no limit; the messages
// API requires one.
const defaultMaxTokens = 4096

// Adapter calls the Anthropic messages endpoint.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
	retry   providers.Policy
}

// New creates an Anthropic adapter. The HTTP client timeout defaults to
// 60s.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   providers.DefaultPolicy(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// WithRetryPolicy overrides the transient-fault retry policy.
func WithRetryPolicy(p providers.Policy) Option {
	return func(a *Adapter) {
		a.retry = p
	}
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns a URL for health probing. A GET to the
// messages endpoint returns 405 (Method Not Allowed) which proves
// reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) Call(ctx context.Context, model string, q providers.Query, opts providers.Options) (providers.Outcome, error) {
	messages := make([]map[string]string, 0, len(q.Context)+1)
	for _, m := range q.Context {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": q.Text})

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	// The messages API requires max_tokens.
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	} else {
		payload["max_tokens"] = defaultMaxTokens
	}
	if opts.SystemMessage != "" {
		payload["system"] = opts.SystemMessage
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		payload["top_p"] = opts.TopP
	}
	if len(opts.StopSequences) > 0 {
		payload["stop_sequences"] = opts.StopSequences
	}

	start := time.Now()
	var body []byte
	err := a.retry.Run(ctx, func() error {
		b, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.authHeaders())
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return providers.Outcome{}, fmt.Errorf("anthropic %s: %w", a.id, err)
	}
	return parseMessage(a.id, model, body, time.Since(start))
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

func parseMessage(id, model string, body []byte, elapsed time.Duration) (providers.Outcome, error) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Outcome{}, fmt.Errorf("decode response: %w", err)
	}
	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return providers.Outcome{}, fmt.Errorf("response contained no text blocks")
	}
	return providers.Outcome{
		Text: text,
		Usage: providers.TokenUsage{
			Input:  parsed.Usage.InputTokens,
			Output: parsed.Usage.OutputTokens,
			Total:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Provider:  id,
		Model:     model,
		LatencyMs: elapsed.Milliseconds(),
		Raw:       body,
	}, nil
}
