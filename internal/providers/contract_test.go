package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &StatusError{StatusCode: 500}, true},
		{"bad gateway", &StatusError{StatusCode: 502}, true},
		{"rate limit", &StatusError{StatusCode: 429, Body: `{"error":"slow down"}`}, true},
		{"quota spent", &StatusError{StatusCode: 429, Body: `{"error":"insufficient_quota"}`}, false},
		{"billing", &StatusError{StatusCode: 429, Body: `{"error":"billing hard limit reached"}`}, false},
		{"unauthorized", &StatusError{StatusCode: 401}, false},
		{"forbidden", &StatusError{StatusCode: 403}, false},
		{"client error", &StatusError{StatusCode: 400}, false},
		{"network", errors.New("connection refused"), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("%s: Retryable = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	se := &StatusError{StatusCode: 429}
	se.ParseRetryAfter("30")
	if se.RetryAfterSecs != 30 {
		t.Errorf("RetryAfterSecs = %d, want 30", se.RetryAfterSecs)
	}
	se = &StatusError{StatusCode: 429}
	se.ParseRetryAfter("")
	if se.RetryAfterSecs != 0 {
		t.Errorf("empty header should leave zero, got %d", se.RetryAfterSecs)
	}
	se.ParseRetryAfter("tomorrow")
	if se.RetryAfterSecs != 0 {
		t.Errorf("unparsable header should leave zero, got %d", se.RetryAfterSecs)
	}
}

func TestPolicyRunRetriesTransient(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}
	calls := 0
	err := p.Run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPolicyRunStopsOnFatal(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}
	calls := 0
	err := p.Run(context.Background(), func() error {
		calls++
		return &StatusError{StatusCode: 401}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on auth failure)", calls)
	}
}

func TestPolicyRunExhaustsAttempts(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}
	calls := 0
	err := p.Run(context.Background(), func() error {
		calls++
		return &StatusError{StatusCode: 500}
	})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPolicyRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Attempts: 3, BaseDelay: time.Minute, Factor: 2}
	err := p.Run(ctx, func() error {
		return &StatusError{StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	if got := GetRequestID(ctx); got != "req-42" {
		t.Errorf("GetRequestID = %q, want req-42", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on bare context = %q, want empty", got)
	}
}
