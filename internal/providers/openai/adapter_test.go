package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jordanhubbard/querygate/internal/providers"
)

func fastRetry() providers.Policy {
	return providers.Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}
}

func TestCallSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %s", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Hello!"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer ts.Close()

	a := New("openai-gpt4", "test-key", ts.URL)
	out, err := a.Call(context.Background(), "gpt-4", providers.Query{Text: "hi"}, providers.Options{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "Hello!" {
		t.Errorf("text = %q", out.Text)
	}
	if out.Usage.Total != 15 || out.Usage.Input != 12 || out.Usage.Output != 3 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.Provider != "openai-gpt4" || out.Model != "gpt-4" {
		t.Errorf("attribution = %s/%s", out.Provider, out.Model)
	}
	if out.CostUSD != 0 {
		t.Errorf("cost should be unreported, got %v", out.CostUSD)
	}
}

func TestCallPayloadShape(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	a := New("openai", "k", ts.URL)
	_, err := a.Call(context.Background(), "gpt-4",
		providers.Query{
			Text:    "and now?",
			Context: []providers.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		},
		providers.Options{MaxTokens: 256, Temperature: 0.2, TopP: 0.9, SystemMessage: "be brief"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if payload["model"] != "gpt-4" {
		t.Errorf("model = %v", payload["model"])
	}
	msgs := payload["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want system+context+user = 4", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be brief" {
		t.Errorf("first message = %v", first)
	}
	last := msgs[3].(map[string]any)
	if last["role"] != "user" || last["content"] != "and now?" {
		t.Errorf("last message = %v", last)
	}
	if payload["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v", payload["max_tokens"])
	}
	if payload["temperature"] != 0.2 {
		t.Errorf("temperature = %v", payload["temperature"])
	}
	if payload["top_p"] != 0.9 {
		t.Errorf("top_p = %v", payload["top_p"])
	}
}

func TestCallRetriesServerError(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`upstream sad`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"recovered"}}]}`))
	}))
	defer ts.Close()

	a := New("openai", "k", ts.URL, WithRetryPolicy(fastRetry()))
	out, err := a.Call(context.Background(), "gpt-4", providers.Query{Text: "hi"}, providers.Options{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if out.Text != "recovered" {
		t.Errorf("text = %q", out.Text)
	}
}

func TestCallDoesNotRetryAuthError(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer ts.Close()

	a := New("openai", "bad", ts.URL, WithRetryPolicy(fastRetry()))
	_, err := a.Call(context.Background(), "gpt-4", providers.Query{Text: "hi"}, providers.Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	var se *providers.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v, want 401 StatusError", err)
	}
}

func TestCallEmptyChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer ts.Close()

	a := New("openai", "k", ts.URL)
	_, err := a.Call(context.Background(), "gpt-4", providers.Query{Text: "hi"}, providers.Options{})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestHealthEndpoint(t *testing.T) {
	a := New("openai", "k", "https://api.openai.com")
	if got := a.HealthEndpoint(); got != "https://api.openai.com/v1/models" {
		t.Errorf("HealthEndpoint = %s", got)
	}
}
