package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBurstThenRefuse(t *testing.T) {
	l := New(5, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("caller") {
			t.Fatalf("request %d inside the burst refused", i+1)
		}
	}
	if l.Allow("caller") {
		t.Fatal("request past the burst admitted")
	}
}

func TestContinuousRefill(t *testing.T) {
	l := New(10, 10)
	defer l.Stop()
	clock := time.Now()
	l.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		l.Allow("caller")
	}
	if l.Allow("caller") {
		t.Fatal("admitted with an empty bucket")
	}

	// 150 ms at 10/s earns 1.5 tokens: one admission, not two.
	clock = clock.Add(150 * time.Millisecond)
	if !l.Allow("caller") {
		t.Fatal("refused after refill")
	}
	if l.Allow("caller") {
		t.Fatal("fractional remainder spent as a whole token")
	}
}

func TestClientsIsolated(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()

	if !l.Allow("a") {
		t.Fatal("first caller refused")
	}
	if l.Allow("a") {
		t.Fatal("exhausted caller admitted")
	}
	if !l.Allow("b") {
		t.Fatal("second caller shares the first caller's bucket")
	}
}

func TestMiddlewareRefusalShape(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After hint")
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMITED") {
		t.Errorf("unexpected refusal payload: %s", rec.Body.String())
	}
}

func TestClientKeyIgnoresPeerPort(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("192.0.2.1:40001"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	// Same host, new ephemeral port: same bucket.
	if code := send("192.0.2.1:40002"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same host, got %d", code)
	}
}

func TestCapacityDropsStalestClient(t *testing.T) {
	l := New(1, 1, WithMaxClients(2))
	defer l.Stop()
	clock := time.Now()
	l.now = func() time.Time { return clock }

	l.Allow("a")
	clock = clock.Add(time.Millisecond)
	l.Allow("b")
	clock = clock.Add(time.Millisecond)
	l.Allow("a") // refresh a; b is now stalest
	clock = clock.Add(time.Millisecond)
	l.Allow("c")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", len(l.clients))
	}
	if _, ok := l.clients["b"]; ok {
		t.Error("stalest client should have been dropped")
	}
	if _, ok := l.clients["a"]; !ok {
		t.Error("recently seen client dropped")
	}
}
