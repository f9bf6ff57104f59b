// Package ratelimit shields the dispatch surface from chatty callers
// with a per-client token bucket. Dispatches are costly downstream, so
// excess traffic is refused at the door rather than queued.
package ratelimit

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Limiter admits requests per client at a sustained rate with a burst
// allowance. Buckets refill continuously; a client that pauses earns
// back capacity fractionally rather than in whole-interval steps.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	perSec  float64
	burst   float64
	maxKeys int
	done    chan struct{}
	counter prometheus.Counter
	now     func() time.Time
}

type bucket struct {
	level   float64
	touched time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter counts refused requests on the gateway's registry.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxClients bounds how many client buckets are tracked.
func WithMaxClients(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// New builds a Limiter admitting perSec requests per second per client
// with the given burst. Stop ends its bucket janitor.
func New(perSec, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		clients: make(map[string]*bucket),
		perSec:  float64(perSec),
		burst:   float64(burst),
		maxKeys: 100000,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.janitor()
	return l
}

// Middleware refuses over-limit requests with the gateway's JSON error
// shape and a Retry-After hint.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w,
				`{"error":{"code":429,"name":"RATE_LIMITED","message":"request rate over the configured limit"}}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller: the proxy-reported address when
// present, the peer address otherwise.
func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Allow spends one token from the client's bucket.
func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= l.maxKeys {
			l.dropStalest()
		}
		b = &bucket{level: l.burst, touched: now}
		l.clients[client] = b
	}

	b.level += now.Sub(b.touched).Seconds() * l.perSec
	if b.level > l.burst {
		b.level = l.burst
	}
	b.touched = now

	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

// Stop ends the janitor goroutine.
func (l *Limiter) Stop() {
	close(l.done)
}

// dropStalest removes the least recently seen client. Caller holds l.mu.
func (l *Limiter) dropStalest() {
	var stalest string
	var at time.Time
	for k, b := range l.clients {
		if stalest == "" || b.touched.Before(at) {
			stalest = k
			at = b.touched
		}
	}
	if stalest != "" {
		delete(l.clients, stalest)
	}
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-10 * time.Minute)
			for k, b := range l.clients {
				if b.touched.Before(cutoff) {
					delete(l.clients, k)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}
