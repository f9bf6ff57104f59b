// Package static provides a canned-response adapter for offline
// development and tests.
package static

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jordanhubbard/querygate/internal/providers"
)

// ReplyFunc builds the canned response for a call.
type ReplyFunc func(model string, q providers.Query) (string, error)

// Adapter answers every call from a reply function without any I/O.
type Adapter struct {
	id      string
	reply   ReplyFunc
	latency time.Duration

	mu       sync.Mutex
	calls    int
	failures int
}

// New creates a static adapter. The default reply names the adapter and
// echoes nothing of the query.
func New(id string, opts ...Option) *Adapter {
	a := &Adapter{
		id: id,
		reply: func(model string, q providers.Query) (string, error) {
			return fmt.Sprintf("Static response from %s", id), nil
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithReply overrides the reply function.
func WithReply(fn ReplyFunc) Option {
	return func(a *Adapter) {
		a.reply = fn
	}
}

// WithLatency makes each call sleep before answering.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) {
		a.latency = d
	}
}

// WithFailures makes the first n calls fail.
func WithFailures(n int) Option {
	return func(a *Adapter) {
		a.failures = n
	}
}

func (a *Adapter) ID() string { return a.id }

// Calls returns the number of Call invocations so far.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Adapter) Call(ctx context.Context, model string, q providers.Query, opts providers.Options) (providers.Outcome, error) {
	a.mu.Lock()
	a.calls++
	fail := a.calls <= a.failures
	a.mu.Unlock()

	if a.latency > 0 {
		select {
		case <-ctx.Done():
			return providers.Outcome{}, ctx.Err()
		case <-time.After(a.latency):
		}
	}
	if fail {
		return providers.Outcome{}, fmt.Errorf("static %s: simulated failure", a.id)
	}

	start := time.Now()
	text, err := a.reply(model, q)
	if err != nil {
		return providers.Outcome{}, fmt.Errorf("static %s: %w", a.id, err)
	}
	in := len(q.Text) / 4
	out := len(text) / 4
	return providers.Outcome{
		Text:      text,
		Usage:     providers.TokenUsage{Input: in, Output: out, Total: in + out},
		Provider:  a.id,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds() + a.latency.Milliseconds(),
	}, nil
}
