// Package openai implements the adapter contract against the OpenAI
// chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/querygate/internal/providers"
)

// Adapter calls an OpenAI-style chat completions endpoint.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
	retry   providers.Policy
}

// New creates an OpenAI adapter. The HTTP client timeout defaults to
// 60s; the dispatcher's per-call context may be shorter.
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

// HealthEndpoint returns the models listing URL; a 401 still proves
// reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/models"
}

func (a *Adapter) Call(ctx context.Context, model string, q providers.Query, opts providers.Options) (providers.Outcome, error) {
	payload := buildPayload(model, q, opts)

	start := time.Now()
	var body []byte
	err := a.retry.Run(ctx, func() error {
		b, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, map[string]string{
			"Authorization": "Bearer " + a.apiKey,
		})
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return providers.Outcome{}, fmt.Errorf("openai %s: %w", a.id, err)
	}
	return parseChatCompletion(a.id, model, body, time.Since(start))
}

func buildPayload(model string, q providers.Query, opts providers.Options) map[string]any {
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
	return payload
}

func parseChatCompletion(id, model string, body []byte, elapsed time.Duration) (providers.Outcome, error) {
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
		Provider:  id,
		Model:     model,
		LatencyMs: elapsed.Milliseconds(),
		Raw:       body,
	}, nil
}
