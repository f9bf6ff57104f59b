package monitor

import (
	"testing"
	"time"

	"github.com/jordanhubbard/querygate/internal/events"
)

func TestRequestRateWindow(t *testing.T) {
	now := time.Now()
	clock := now
	m := New(Thresholds{}, WithNow(func() time.Time { return clock }))

	for i := 0; i < 5; i++ {
		m.Record(Record{RequestID: "r", Provider: "p1", Success: true, LatencyMs: 10})
	}
	if got := m.RequestRate(); got != 5 {
		t.Fatalf("expected rate 5, got %d", got)
	}

	// Advance past the window; old timestamps drop out.
	clock = now.Add(61 * time.Second)
	if got := m.RequestRate(); got != 0 {
		t.Fatalf("expected rate 0 after window, got %d", got)
	}
}

func TestProviderSummaryAggregation(t *testing.T) {
	m := New(Thresholds{})
	m.Record(Record{Provider: "p1", Success: true, LatencyMs: 100, CostUSD: 0.5, Tokens: 20})
	m.Record(Record{Provider: "p1", Success: false, LatencyMs: 300, FailureKind: "MODEL_UNAVAILABLE"})
	m.Record(Record{Provider: "p2", Success: true, LatencyMs: 50, CostUSD: 0.1, Tokens: 5})

	sums := m.ProviderSummaries()
	if len(sums) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(sums))
	}
	p1 := sums[0]
	if p1.Provider != "p1" {
		t.Fatalf("expected p1 first, got %s", p1.Provider)
	}
	if p1.RequestCount != 2 || p1.ErrorCount != 1 {
		t.Errorf("p1 counts wrong: %+v", p1)
	}
	if p1.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %f", p1.ErrorRate)
	}
	if p1.AvgLatencyMs != 200 {
		t.Errorf("expected avg latency 200, got %f", p1.AvgLatencyMs)
	}
	if p1.TotalCostUSD != 0.5 || p1.TotalTokens != 20 {
		t.Errorf("p1 cost/tokens wrong: %+v", p1)
	}
}

func TestLatencyListTruncation(t *testing.T) {
	m := New(Thresholds{AvgLatencyMs: 1e9})
	for i := 0; i < maxLatencySample+50; i++ {
		m.Record(Record{Provider: "p1", Success: true, LatencyMs: float64(i)})
	}
	m.mu.Lock()
	n := len(m.byProvider["p1"].latencies)
	m.mu.Unlock()
	if n != maxLatencySample {
		t.Fatalf("expected latency list capped at %d, got %d", maxLatencySample, n)
	}
}

func TestErrorRateAlert(t *testing.T) {
	m := New(Thresholds{})
	// 10 requests, 30% failures: error rate 0.3 > 0.1 threshold.
	for i := 0; i < 10; i++ {
		m.Record(Record{Provider: "p1", Success: i >= 3, LatencyMs: 50})
	}

	active := m.ActiveAlerts()
	var found *Alert
	for i := range active {
		if active[i].Kind == AlertErrorRate {
			found = &active[i]
		}
	}
	if found == nil {
		t.Fatal("expected an error_rate alert")
	}
	if found.Severity != SeverityHigh {
		t.Errorf("expected high severity, got %s", found.Severity)
	}
}

func TestLatencyAlert(t *testing.T) {
	m := New(Thresholds{})
	for i := 0; i < 5; i++ {
		m.Record(Record{Provider: "p1", Success: true, LatencyMs: 3000})
	}

	var found bool
	for _, a := range m.ActiveAlerts() {
		if a.Kind == AlertLatency && a.Severity == SeverityMedium {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a medium latency alert")
	}
}

func TestDailyCostAlert(t *testing.T) {
	m := New(Thresholds{})
	daily := 10.0
	m.UpdateThresholds(ThresholdUpdate{CostDailyUSD: &daily})

	for i := 0; i < 10; i++ {
		m.Record(Record{Provider: "p1", Success: true, LatencyMs: 10, CostUSD: 2})
	}

	var found *Alert
	active := m.ActiveAlerts()
	for i := range active {
		if active[i].Kind == AlertCostDaily {
			found = &active[i]
		}
	}
	if found == nil {
		t.Fatal("expected a cost_daily alert")
	}
	if found.Severity != SeverityHigh {
		t.Errorf("expected high severity, got %s", found.Severity)
	}
}

func TestAlertDedupe(t *testing.T) {
	m := New(Thresholds{})
	// Every record after the threshold breach re-evaluates the rule;
	// only one active alert per kind may exist.
	for i := 0; i < 20; i++ {
		m.Record(Record{Provider: "p1", Success: false, LatencyMs: 50})
	}

	count := 0
	for _, a := range m.Alerts() {
		if a.Kind == AlertErrorRate {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 error_rate alert, got %d", count)
	}
}

func TestResolveRearmsKind(t *testing.T) {
	m := New(Thresholds{})
	for i := 0; i < 10; i++ {
		m.Record(Record{Provider: "p1", Success: false, LatencyMs: 50})
	}
	active := m.ActiveAlerts()
	if len(active) == 0 {
		t.Fatal("expected an active alert")
	}
	id := active[len(active)-1].ID

	if !m.Resolve(id) {
		t.Fatal("Resolve returned false for active alert")
	}
	if m.Resolve(id) {
		t.Fatal("Resolve should be false for an already-resolved alert")
	}

	// The kind is re-armed: the next breach raises a fresh alert.
	m.Record(Record{Provider: "p1", Success: false, LatencyMs: 50})
	count := 0
	for _, a := range m.Alerts() {
		if a.Kind == AlertErrorRate {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 error_rate alerts after re-arm, got %d", count)
	}
}

func TestResourceAlerts(t *testing.T) {
	m := New(Thresholds{})
	m.RecordResources(0.95, 0.95)

	var cpu, mem bool
	for _, a := range m.ActiveAlerts() {
		switch a.Kind {
		case AlertCPU:
			cpu = a.Severity == SeverityMedium
		case AlertMemory:
			mem = a.Severity == SeverityHigh
		}
	}
	if !cpu {
		t.Error("expected a medium cpu alert")
	}
	if !mem {
		t.Error("expected a high memory alert")
	}
}

func TestThresholdMergeIsPartial(t *testing.T) {
	m := New(Thresholds{})
	rate := 0.5
	got := m.UpdateThresholds(ThresholdUpdate{ErrorRate: &rate})
	if got.ErrorRate != 0.5 {
		t.Errorf("expected merged error rate 0.5, got %f", got.ErrorRate)
	}
	if got.AvgLatencyMs != DefaultThresholds().AvgLatencyMs {
		t.Errorf("unrelated threshold changed: %f", got.AvgLatencyMs)
	}
}

func TestCostRetentionPrune(t *testing.T) {
	now := time.Now()
	clock := now
	m := New(Thresholds{}, WithNow(func() time.Time { return clock }))

	m.Record(Record{Provider: "p1", Success: true, LatencyMs: 10, CostUSD: 5})

	// 31 days later the old entry is dropped on the next insert.
	clock = now.Add(31 * 24 * time.Hour)
	m.Record(Record{Provider: "p1", Success: true, LatencyMs: 10, CostUSD: 1})

	s := m.Snapshot()
	if s.CostMonthlyUSD != 1 {
		t.Fatalf("expected monthly cost 1 after prune, got %f", s.CostMonthlyUSD)
	}
}

func TestAlertEventsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	m := New(Thresholds{}, WithEventBus(bus))
	for i := 0; i < 10; i++ {
		m.Record(Record{Provider: "p1", Success: false, LatencyMs: 50})
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventAlertRaised {
			t.Fatalf("expected alert_raised event, got %s", e.Type)
		}
		if e.AlertKind != AlertErrorRate {
			t.Errorf("expected error_rate kind, got %s", e.AlertKind)
		}
	default:
		t.Fatal("expected an alert event on the bus")
	}
}

func TestSnapshotTotals(t *testing.T) {
	m := New(Thresholds{})
	m.Record(Record{Provider: "p1", Success: true, LatencyMs: 10, CostUSD: 1})
	m.Record(Record{Provider: "p2", Success: false, LatencyMs: 20})

	s := m.Snapshot()
	if s.TotalRequests != 2 || s.TotalErrors != 1 {
		t.Errorf("totals wrong: %+v", s)
	}
	if s.CostDailyUSD != 1 {
		t.Errorf("expected daily cost 1, got %f", s.CostDailyUSD)
	}
	if len(s.Providers) != 2 {
		t.Errorf("expected 2 provider summaries, got %d", len(s.Providers))
	}
}
