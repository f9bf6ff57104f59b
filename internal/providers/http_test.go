package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoRequestSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected json content type, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Request-ID") != "req-7" {
			t.Errorf("expected forwarded request id, got %q", r.Header.Get("X-Request-ID"))
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("expected caller header, got %q", r.Header.Get("X-Api-Key"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	ctx := WithRequestID(context.Background(), "req-7")
	body, err := DoRequest(ctx, ts.Client(), ts.URL, map[string]string{"q": "hi"},
		map[string]string{"X-Api-Key": "secret"})
	if err != nil {
		t.Fatalf("DoRequest: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestDoRequestStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	_, err := DoRequest(context.Background(), ts.Client(), ts.URL, map[string]string{}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", se.StatusCode)
	}
	if se.RetryAfterSecs != 7 {
		t.Errorf("RetryAfterSecs = %d, want 7", se.RetryAfterSecs)
	}
}
