// Package llama implements the adapter contract against local
// OpenAI-compatible inference servers (llama.cpp, vLLM, Ollama in
// compatibility mode). Multiple endpoints are balanced round-robin.
package llama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/querygate/internal/providers"
)

// Adapter calls one or more local inference endpoints.
type Adapter struct {
	id        string
	endpoints []string
	next      atomic.Uint64
	client    *http.Client
	retry     providers.Policy
}

// New creates a local adapter for the given base endpoint. The HTTP
// client timeout defaults to 30s.
func New(id, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 30 * time.Second},
		retry:     providers.DefaultPolicy(),
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

// WithEndpoints adds extra endpoints to the round-robin rotation.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) {
		a.endpoints = append(a.endpoints, endpoints...)
	}
}

// WithRetryPolicy overrides the transient-fault retry policy.
func WithRetryPolicy(p providers.Policy) Option {
	return func(a *Adapter) {
		a.retry = p
	}
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns the health URL of the first endpoint.
func (a *Adapter) HealthEndpoint() string {
	return a.endpoints[0] + "/health"
}

// nextEndpoint rotates through the configured endpoints.
func (a *Adapter) nextEndpoint() string {
	n := a.next.Add(1) - 1
	return a.endpoints[n%uint64(len(a.endpoints))]
}

func (a *Adapter) Call(ctx context.Context, model string, q providers.Query, opts providers.Options) (providers.Outcome, error) {
	messages := make([]map[string]string, 0, len(q.Context)+2)
	if opts.SystemMessage != "" {
		messages = append(messages, map[string]string{"role": "system", "content": opts.SystemMessage})
	}
	for _, m := range q.Context {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": q.Text})

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		payload["top_p"] = opts.TopP
	}
	if len(opts.StopSequences) > 0 {
		payload["stop"] = opts.StopSequences
	}

	start := time.Now()
	var body []byte
	err := a.retry.Run(ctx, func() error {
		// Each attempt may land on a different endpoint.
		b, err := providers.DoRequest(ctx, a.client, a.nextEndpoint()+"/v1/chat/completions", payload, nil)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return providers.Outcome{}, fmt.Errorf("llama %s: %w", a.id, err)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Outcome{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return providers.Outcome{}, fmt.Errorf("response contained no choices")
	}
	return providers.Outcome{
		Text: parsed.Choices[0].Message.Content,
		Usage: providers.TokenUsage{
			Input:  parsed.Usage.PromptTokens,
			Output: parsed.Usage.CompletionTokens,
			Total:  parsed.Usage.TotalTokens,
		},
		Provider:  a.id,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
		Raw:       body,
	}, nil
}
