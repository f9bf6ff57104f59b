package monitor

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/querygate/internal/events"
)

// Alert kinds.
const (
	AlertErrorRate   = "error_rate"
	AlertLatency     = "latency"
	AlertMemory      = "memory"
	AlertCPU         = "cpu"
	AlertCostDaily   = "cost_daily"
	AlertCostMonthly = "cost_monthly"
)

// Severity levels.
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// AlertStatus is the lifecycle of an alert.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert is a raised threshold breach.
type Alert struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Status    AlertStatus    `json:"status"`
}

// Thresholds are the alert rule limits. Zero fields take the defaults.
type Thresholds struct {
	ErrorRate      float64 `json:"error_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MemoryFraction float64 `json:"memory_fraction"`
	CPUFraction    float64 `json:"cpu_fraction"`
	CostDailyUSD   float64 `json:"cost_daily_usd"`
	CostMonthlyUSD float64 `json:"cost_monthly_usd"`
}

// DefaultThresholds returns the stock alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:      0.1,
		AvgLatencyMs:   2000,
		MemoryFraction: 0.9,
		CPUFraction:    0.8,
		CostDailyUSD:   1000,
		CostMonthlyUSD: 20000,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.ErrorRate <= 0 {
		t.ErrorRate = d.ErrorRate
	}
	if t.AvgLatencyMs <= 0 {
		t.AvgLatencyMs = d.AvgLatencyMs
	}
	if t.MemoryFraction <= 0 {
		t.MemoryFraction = d.MemoryFraction
	}
	if t.CPUFraction <= 0 {
		t.CPUFraction = d.CPUFraction
	}
	if t.CostDailyUSD <= 0 {
		t.CostDailyUSD = d.CostDailyUSD
	}
	if t.CostMonthlyUSD <= 0 {
		t.CostMonthlyUSD = d.CostMonthlyUSD
	}
	return t
}

// ThresholdUpdate is a partial thresholds patch; nil fields keep the
// running value.
type ThresholdUpdate struct {
	ErrorRate      *float64 `json:"error_rate,omitempty"`
	AvgLatencyMs   *float64 `json:"avg_latency_ms,omitempty"`
	MemoryFraction *float64 `json:"memory_fraction,omitempty"`
	CPUFraction    *float64 `json:"cpu_fraction,omitempty"`
	CostDailyUSD   *float64 `json:"cost_daily_usd,omitempty"`
	CostMonthlyUSD *float64 `json:"cost_monthly_usd,omitempty"`
}

// UpdateThresholds merges a partial update into the running thresholds
// atomically and returns the result.
func (m *Monitor) UpdateThresholds(u ThresholdUpdate) Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ErrorRate != nil {
		m.thresholds.ErrorRate = *u.ErrorRate
	}
	if u.AvgLatencyMs != nil {
		m.thresholds.AvgLatencyMs = *u.AvgLatencyMs
	}
	if u.MemoryFraction != nil {
		m.thresholds.MemoryFraction = *u.MemoryFraction
	}
	if u.CPUFraction != nil {
		m.thresholds.CPUFraction = *u.CPUFraction
	}
	if u.CostDailyUSD != nil {
		m.thresholds.CostDailyUSD = *u.CostDailyUSD
	}
	if u.CostMonthlyUSD != nil {
		m.thresholds.CostMonthlyUSD = *u.CostMonthlyUSD
	}
	return m.thresholds
}

// GetThresholds returns the running thresholds.
func (m *Monitor) GetThresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// Alerts returns a copy of all alerts, newest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		out = append(out, *m.alerts[i])
	}
	return out
}

// ActiveAlerts returns only alerts still in the active state.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if m.alerts[i].Status == AlertActive {
			out = append(out, *m.alerts[i])
		}
	}
	return out
}

// Resolve closes the alert with the given id and re-arms its kind. The
// bool is false when no active alert matches.
func (m *Monitor) Resolve(id string) bool {
	m.mu.Lock()
	var resolved *Alert
	for _, a := range m.alerts {
		if a.ID == id && a.Status == AlertActive {
			a.Status = AlertResolved
			resolved = a
			break
		}
	}
	m.mu.Unlock()

	if resolved == nil {
		return false
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventAlertResolved,
			AlertID:   resolved.ID,
			AlertKind: resolved.Kind,
			Severity:  resolved.Severity,
		})
	}
	return true
}

// evaluateRequestRulesLocked runs the rules that depend on dispatch
// records. Caller holds m.mu.
func (m *Monitor) evaluateRequestRulesLocked(provider string, agg *providerAgg, now time.Time) {
	if agg.count > 0 {
		errRate := float64(agg.errorCount) / float64(agg.count)
		if errRate > m.thresholds.ErrorRate {
			m.raiseLocked(AlertErrorRate, SeverityHigh,
				fmt.Sprintf("provider %s error rate %.0f%% exceeds %.0f%%",
					provider, errRate*100, m.thresholds.ErrorRate*100),
				map[string]any{"provider": provider, "error_rate": errRate}, now)
		}
		avgLatency := agg.sumLatency / float64(agg.count)
		if avgLatency > m.thresholds.AvgLatencyMs {
			m.raiseLocked(AlertLatency, SeverityMedium,
				fmt.Sprintf("provider %s avg latency %.0fms exceeds %.0fms",
					provider, avgLatency, m.thresholds.AvgLatencyMs),
				map[string]any{"provider": provider, "avg_latency_ms": avgLatency}, now)
		}
	}

	daily := m.costSinceLocked(now.Add(-24 * time.Hour))
	if daily > m.thresholds.CostDailyUSD {
		m.raiseLocked(AlertCostDaily, SeverityHigh,
			fmt.Sprintf("daily cost $%.2f exceeds $%.2f", daily, m.thresholds.CostDailyUSD),
			map[string]any{"cost_usd": daily}, now)
	}
	monthly := m.costSinceLocked(now.Add(-costRetention))
	if monthly > m.thresholds.CostMonthlyUSD {
		m.raiseLocked(AlertCostMonthly, SeverityCritical,
			fmt.Sprintf("monthly cost $%.2f exceeds $%.2f", monthly, m.thresholds.CostMonthlyUSD),
			map[string]any{"cost_usd": monthly}, now)
	}
}

// evaluateResourceRulesLocked runs the cpu and memory rules against the
// last sample. Caller holds m.mu.
func (m *Monitor) evaluateResourceRulesLocked(now time.Time) {
	if m.lastMem > m.thresholds.MemoryFraction {
		m.raiseLocked(AlertMemory, SeverityHigh,
			fmt.Sprintf("memory use %.0f%% exceeds %.0f%%",
				m.lastMem*100, m.thresholds.MemoryFraction*100),
			map[string]any{"memory_fraction": m.lastMem}, now)
	}
	if m.lastCPU > m.thresholds.CPUFraction {
		m.raiseLocked(AlertCPU, SeverityMedium,
			fmt.Sprintf("cpu use %.0f%% exceeds %.0f%%",
				m.lastCPU*100, m.thresholds.CPUFraction*100),
			map[string]any{"cpu_fraction": m.lastCPU}, now)
	}
}

// raiseLocked raises an alert unless one of the same kind is already
// active, so a persisting breach never inflates the alert list. Caller
// holds m.mu.
func (m *Monitor) raiseLocked(kind, severity, message string, data map[string]any, now time.Time) {
	for _, a := range m.alerts {
		if a.Kind == kind && a.Status == AlertActive {
			return
		}
	}
	alert := &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Data:      data,
		Timestamp: now,
		Status:    AlertActive,
	}
	m.alerts = append(m.alerts, alert)

	if m.met != nil {
		m.met.AlertsTotal.WithLabelValues(kind, severity).Inc()
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventAlertRaised,
			AlertID:   alert.ID,
			AlertKind: kind,
			Severity:  severity,
			Reason:    message,
		})
	}
}
