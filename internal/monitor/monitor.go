// Package monitor aggregates dispatch outcomes into rolling windows and
// raises threshold alerts. The dispatcher records synchronously; every
// write is a short critical section with no I/O, so recording never
// stalls a dispatch.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/querygate/internal/events"
	"github.com/jordanhubbard/querygate/internal/metrics"
)

// Retention bounds for the rolling state.
const (
	rateWindow       = 60 * time.Second
	maxLatencySample = 1000
	costRetention    = 30 * 24 * time.Hour
)

// Record is one terminal dispatch outcome.
type Record struct {
	RequestID      string  `json:"request_id"`
	Provider       string  `json:"provider"`
	Success        bool    `json:"success"`
	LatencyMs      float64 `json:"latency_ms"`
	ModelLatencyMs float64 `json:"model_latency_ms"`
	CostUSD        float64 `json:"cost_usd"`
	Tokens         int     `json:"tokens"`
	Complexity     float64 `json:"complexity"`
	FailureKind    string  `json:"failure_kind,omitempty"`
}

type costEntry struct {
	at     time.Time
	cost   float64
	tokens int
}

// providerAgg is the running aggregate for one provider.
type providerAgg struct {
	count      int64
	errorCount int64
	sumLatency float64
	latencies  []float64 // most recent, capped at maxLatencySample
	costs      []costEntry
}

// ProviderSummary is the read-side view of a provider aggregate.
type ProviderSummary struct {
	Provider     string  `json:"provider"`
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`
}

// Summary is a full point-in-time view of the aggregator.
type Summary struct {
	RequestsPerMinute int               `json:"requests_per_minute"`
	TotalRequests     int64             `json:"total_requests"`
	TotalErrors       int64             `json:"total_errors"`
	CostDailyUSD      float64           `json:"cost_daily_usd"`
	CostMonthlyUSD    float64           `json:"cost_monthly_usd"`
	Providers         []ProviderSummary `json:"providers"`
	ActiveAlerts      int               `json:"active_alerts"`
}

// Monitor is the aggregator. All state lives behind one mutex; writers
// prune expired entries opportunistically.
type Monitor struct {
	mu         sync.Mutex
	rateRing   []time.Time
	byProvider map[string]*providerAgg
	thresholds Thresholds
	alerts     []*Alert
	lastCPU    float64
	lastMem    float64

	now func() time.Time
	bus *events.Bus
	met *metrics.Registry
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithEventBus publishes alert raise/resolve events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithMetrics counts raised alerts on the Prometheus registry.
func WithMetrics(met *metrics.Registry) Option {
	return func(m *Monitor) { m.met = met }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New returns a Monitor with the given thresholds. Zero threshold fields
// fall back to the defaults.
func New(t Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		byProvider: map[string]*providerAgg{},
		thresholds: t.withDefaults(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Record folds one dispatch outcome into the aggregates and evaluates
// the request-driven alert rules.
func (m *Monitor) Record(r Record) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rateRing = append(m.rateRing, now)
	m.pruneRateLocked(now)

	agg, ok := m.byProvider[r.Provider]
	if !ok {
		agg = &providerAgg{}
		m.byProvider[r.Provider] = agg
	}
	agg.count++
	if !r.Success {
		agg.errorCount++
	}
	agg.sumLatency += r.LatencyMs
	agg.latencies = append(agg.latencies, r.LatencyMs)
	if len(agg.latencies) > maxLatencySample {
		agg.latencies = agg.latencies[len(agg.latencies)-maxLatencySample:]
	}
	if r.CostUSD > 0 {
		agg.costs = append(agg.costs, costEntry{at: now, cost: r.CostUSD, tokens: r.Tokens})
		m.pruneCostsLocked(agg, now)
	}

	m.evaluateRequestRulesLocked(r.Provider, agg, now)
}

// RecordResources takes one resource sample (fractions in [0,1]) and
// evaluates the cpu and memory rules.
func (m *Monitor) RecordResources(cpuFraction, memFraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCPU = cpuFraction
	m.lastMem = memFraction
	m.evaluateResourceRulesLocked(m.now())
}

// RequestRate returns the number of dispatches in the trailing minute.
func (m *Monitor) RequestRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneRateLocked(m.now())
	return len(m.rateRing)
}

// ProviderSummaries returns per-provider aggregates sorted by name.
func (m *Monitor) ProviderSummaries() []ProviderSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProviderSummary, 0, len(m.byProvider))
	for name, agg := range m.byProvider {
		out = append(out, summarize(name, agg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Snapshot returns the full aggregator view.
func (m *Monitor) Snapshot() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.pruneRateLocked(now)

	s := Summary{RequestsPerMinute: len(m.rateRing)}
	for name, agg := range m.byProvider {
		s.TotalRequests += agg.count
		s.TotalErrors += agg.errorCount
		s.Providers = append(s.Providers, summarize(name, agg))
	}
	sort.Slice(s.Providers, func(i, j int) bool { return s.Providers[i].Provider < s.Providers[j].Provider })
	s.CostDailyUSD = m.costSinceLocked(now.Add(-24 * time.Hour))
	s.CostMonthlyUSD = m.costSinceLocked(now.Add(-costRetention))
	for _, a := range m.alerts {
		if a.Status == AlertActive {
			s.ActiveAlerts++
		}
	}
	return s
}

func summarize(name string, agg *providerAgg) ProviderSummary {
	ps := ProviderSummary{
		Provider:     name,
		RequestCount: agg.count,
		ErrorCount:   agg.errorCount,
	}
	if agg.count > 0 {
		ps.ErrorRate = float64(agg.errorCount) / float64(agg.count)
		ps.AvgLatencyMs = agg.sumLatency / float64(agg.count)
	}
	if n := len(agg.latencies); n > 0 {
		sorted := append([]float64(nil), agg.latencies...)
		sort.Float64s(sorted)
		idx := int(float64(n) * 0.95)
		if idx >= n {
			idx = n - 1
		}
		ps.P95LatencyMs = sorted[idx]
	}
	for _, c := range agg.costs {
		ps.TotalCostUSD += c.cost
		ps.TotalTokens += c.tokens
	}
	return ps
}

func (m *Monitor) pruneRateLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(m.rateRing) && m.rateRing[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.rateRing = m.rateRing[i:]
	}
}

func (m *Monitor) pruneCostsLocked(agg *providerAgg, now time.Time) {
	cutoff := now.Add(-costRetention)
	i := 0
	for i < len(agg.costs) && agg.costs[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		agg.costs = agg.costs[i:]
	}
}

func (m *Monitor) costSinceLocked(cutoff time.Time) float64 {
	var total float64
	for _, agg := range m.byProvider {
		for _, c := range agg.costs {
			if c.at.After(cutoff) {
				total += c.cost
			}
		}
	}
	return total
}
