// Package tracker maintains per-provider runtime state: the number of
// admitted calls in flight and cumulative averages of latency, success,
// and cost efficiency over completed samples. Each provider has its own
// lock so a hot provider never stalls readers of another.
package tracker

import (
	"sort"
	"sync"

	"github.com/jordanhubbard/querygate/internal/apierr"
)

// Defaults reported before a provider has any completed samples.
const (
	DefaultLatencyMs      = 500.0
	DefaultSuccessRate    = 0.95
	DefaultCostEfficiency = 0.8
)

// Sample is the outcome of one completed provider call.
type Sample struct {
	LatencyMs      float64
	Success        bool
	CostEfficiency float64
}

// Stats is a point-in-time view of one provider.
type Stats struct {
	Inflight          int     `json:"inflight"`
	Samples           uint64  `json:"samples"`
	EMALatencyMs      float64 `json:"ema_latency_ms"`
	EMASuccessRate    float64 `json:"ema_success_rate"`
	EMACostEfficiency float64 `json:"ema_cost_efficiency"`
}

// LimitFunc resolves a provider's admission limit. The bool is false for
// unknown providers.
type LimitFunc func(provider string) (int, bool)

type entry struct {
	mu       sync.Mutex
	inflight int
	samples  uint64
	emaLat   float64
	emaSucc  float64
	emaCost  float64
}

// Tracker tracks all providers. The outer lock guards only the entry
// map; per-provider state is guarded by the entry's own lock.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   LimitFunc
}

// New returns a Tracker resolving admission limits through limit.
func New(limit LimitFunc) *Tracker {
	return &Tracker{entries: map[string]*entry{}, limit: limit}
}

func (t *Tracker) entry(provider string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[provider]
	if !ok {
		e = &entry{}
		t.entries[provider] = e
	}
	return e
}

// Begin admits one call: the check against the provider's limit and the
// increment happen under the provider lock, so the limit can never be
// oversubscribed.
func (t *Tracker) Begin(provider string) error {
	max, ok := t.limit(provider)
	if !ok {
		return apierr.Errorf(apierr.ModelUnavailable, "provider %q not registered", provider)
	}
	e := t.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight >= max {
		return apierr.Errorf(apierr.ModelUnavailable, "provider %q over concurrency limit", provider)
	}
	e.inflight++
	return nil
}

// End releases one admitted call. When sample is non-nil it is folded
// into the cumulative averages: new = (old*n + x) / (n+1). Callers pass
// a sample only when the call actually reached the provider.
func (t *Tracker) End(provider string, sample *Sample) {
	e := t.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight > 0 {
		e.inflight--
	}
	if sample == nil {
		return
	}
	n := float64(e.samples)
	succ := 0.0
	if sample.Success {
		succ = 1.0
	}
	e.emaLat = (e.emaLat*n + sample.LatencyMs) / (n + 1)
	e.emaSucc = (e.emaSucc*n + succ) / (n + 1)
	e.emaCost = (e.emaCost*n + sample.CostEfficiency) / (n + 1)
	e.samples++
}

// Snapshot returns the provider's current stats, with the documented
// defaults before the first sample.
func (t *Tracker) Snapshot(provider string) Stats {
	e := t.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Inflight:          e.inflight,
		Samples:           e.samples,
		EMALatencyMs:      e.emaLat,
		EMASuccessRate:    e.emaSucc,
		EMACostEfficiency: e.emaCost,
	}
	if e.samples == 0 {
		s.EMALatencyMs = DefaultLatencyMs
		s.EMASuccessRate = DefaultSuccessRate
		s.EMACostEfficiency = DefaultCostEfficiency
	}
	return s
}

// Inflight returns the provider's current admitted-call count.
func (t *Tracker) Inflight(provider string) int {
	e := t.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight
}

// SnapshotAll returns stats for every provider seen so far, keyed by
// name.
func (t *Tracker) SnapshotAll() map[string]Stats {
	t.mu.Lock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	t.mu.Unlock()

	sort.Strings(names)
	out := make(map[string]Stats, len(names))
	for _, name := range names {
		out[name] = t.Snapshot(name)
	}
	return out
}
