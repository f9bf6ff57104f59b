package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/jordanhubbard/querygate/internal/apierr"
	"github.com/jordanhubbard/querygate/internal/complexity"
	"github.com/jordanhubbard/querygate/internal/monitor"
	"github.com/jordanhubbard/querygate/internal/providers"
	"github.com/jordanhubbard/querygate/internal/providers/static"
	"github.com/jordanhubbard/querygate/internal/registry"
	"github.com/jordanhubbard/querygate/internal/router"
	"github.com/jordanhubbard/querygate/internal/tracker"
)

// stubEvaluator returns a fixed score, so tests can steer routing
// without crafting queries.
type stubEvaluator struct {
	score float64
	err   error
}

func (s *stubEvaluator) Evaluate(text string) (complexity.Result, error) {
	return s.EvaluateWithFeatures(text, nil)
}

func (s *stubEvaluator) EvaluateWithFeatures(text string, features []string) (complexity.Result, error) {
	if s.err != nil {
		return complexity.Result{}, s.err
	}
	return complexity.Result{Score: s.score, Factors: []string{}}, nil
}

type fixture struct {
	reg      *registry.Registry
	trk      *tracker.Tracker
	mon      *monitor.Monitor
	adapters map[string]providers.Adapter
	disp     *Dispatcher
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newFixture builds a dispatcher over one provider per model type plus
// any extra descriptors, all backed by static adapters.
func newFixture(t *testing.T, score float64, extra ...registry.Descriptor) *fixture {
	t.Helper()
	reg := registry.New()
	descs := []registry.Descriptor{
		{
			Name: "llama-local", SupportedTypes: []registry.ModelType{registry.TypeLocal},
			Capabilities: []string{"chat"}, MaxConcurrent: 4,
			BaseCost: 0.001, MaxCost: 0.01, CostEfficiency: 0.95, Model: "llama-3-8b",
		},
		{
			Name: "bert-hybrid", SupportedTypes: []registry.ModelType{registry.TypeHybrid},
			Capabilities: []string{"chat", "classification"}, MaxConcurrent: 4,
			BaseCost: 0.01, MaxCost: 0.1, CostEfficiency: 0.8, Model: "bert-large",
		},
		{
			Name: "gpt-remote", SupportedTypes: []registry.ModelType{registry.TypeRemote},
			Capabilities: []string{"chat", "code"}, MaxConcurrent: 4,
			BaseCost: 0.05, MaxCost: 1, CostEfficiency: 0.6, Model: "gpt-4o",
		},
	}
	descs = append(descs, extra...)
	adapters := map[string]providers.Adapter{}
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
		adapters[d.Name] = static.New(d.Name)
	}

	trk := tracker.New(func(name string) (int, bool) {
		d, ok := reg.Get(name)
		return d.MaxConcurrent, ok
	})
	rt := router.New(reg, trk, router.Config{})
	mon := monitor.New(monitor.Thresholds{})
	disp := NewDispatcher(NewValidator(), &stubEvaluator{score: score}, rt, trk, reg, adapters, mon, testLogger())
	return &fixture{reg: reg, trk: trk, mon: mon, adapters: adapters, disp: disp}
}

func (f *fixture) adapter(name string) *static.Adapter {
	return f.adapters[name].(*static.Adapter)
}

func TestLowComplexityRoutesLocal(t *testing.T) {
	f := newFixture(t, 0.2)
	resp, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "今天天气怎么样？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelUsed != "llama-local" {
		t.Errorf("expected local provider, got %s", resp.ModelUsed)
	}
	if resp.CostUSD <= 0 {
		t.Errorf("expected positive cost, got %f", resp.CostUSD)
	}
	if resp.Response == "" {
		t.Error("expected a non-empty response")
	}
}

func TestMidComplexityRoutesHybrid(t *testing.T) {
	f := newFixture(t, 0.5)
	resp, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "解释一下量子力学的基本原理"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelUsed != "bert-hybrid" {
		t.Errorf("expected hybrid provider, got %s", resp.ModelUsed)
	}
}

func TestHighComplexityRoutesRemote(t *testing.T) {
	f := newFixture(t, 0.9)
	resp, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "请详细分析人工智能在医疗领域的应用"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelUsed != "gpt-remote" {
		t.Errorf("expected remote provider, got %s", resp.ModelUsed)
	}
	if resp.ComplexityScore != 0.9 {
		t.Errorf("expected score 0.9 in reply, got %f", resp.ComplexityScore)
	}
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	// Two identical remote providers tie on score; "remote-a" wins the
	// lexicographic break and fails, "remote-b" answers.
	reg := registry.New()
	for _, name := range []string{"remote-a", "remote-b"} {
		if err := reg.Register(registry.Descriptor{
			Name: name, SupportedTypes: []registry.ModelType{registry.TypeRemote},
			MaxConcurrent: 4, BaseCost: 0.05, MaxCost: 1, CostEfficiency: 0.6, Model: "m",
		}); err != nil {
			t.Fatal(err)
		}
	}
	primary := static.New("remote-a", static.WithFailures(1))
	backup := static.New("remote-b", static.WithReply(func(model string, q providers.Query) (string, error) {
		return "Backup model response from remote-b", nil
	}))
	adapters := map[string]providers.Adapter{"remote-a": primary, "remote-b": backup}

	trk := tracker.New(func(name string) (int, bool) {
		d, ok := reg.Get(name)
		return d.MaxConcurrent, ok
	})
	rt := router.New(reg, trk, router.Config{})
	mon := monitor.New(monitor.Thresholds{})
	disp := NewDispatcher(NewValidator(), &stubEvaluator{score: 0.9}, rt, trk, reg, adapters, mon, testLogger())

	resp, err := disp.ProcessQuery(context.Background(), &Request{Query: "complex question"})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if !strings.Contains(resp.Response, "Backup model") {
		t.Errorf("expected backup response, got %q", resp.Response)
	}
	if resp.ModelUsed != "remote-b" {
		t.Errorf("expected remote-b, got %s", resp.ModelUsed)
	}
	if total := primary.Calls() + backup.Calls(); total != 2 {
		t.Errorf("expected exactly 2 adapter calls, got %d", total)
	}
	// Both admissions were released.
	if trk.Inflight("remote-a") != 0 || trk.Inflight("remote-b") != 0 {
		t.Error("inflight counts must return to zero")
	}
}

func TestAllProvidersFail(t *testing.T) {
	f := newFixture(t, 0.2, registry.Descriptor{
		Name: "llama-spare", SupportedTypes: []registry.ModelType{registry.TypeLocal},
		MaxConcurrent: 4, BaseCost: 0.001, MaxCost: 0.01, CostEfficiency: 0.9, Model: "m",
	})
	for name := range f.adapters {
		f.adapters[name] = static.New(name, static.WithFailures(100))
	}

	_, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "anything"})
	if apierr.CodeOf(err) != apierr.ModelUnavailable {
		t.Fatalf("expected MODEL_UNAVAILABLE, got %v", err)
	}
	for name := range f.adapters {
		if f.trk.Inflight(name) != 0 {
			t.Errorf("provider %s inflight not released", name)
		}
	}
}

func TestBudgetTooSmall(t *testing.T) {
	f := newFixture(t, 0.9)
	_, err := f.disp.ProcessQuery(context.Background(), &Request{
		Query:    "expensive question",
		Metadata: map[string]string{"budget": "0.0001"},
	})
	if apierr.CodeOf(err) != apierr.CostLimitExceeded {
		t.Fatalf("expected COST_LIMIT_EXCEEDED, got %v", err)
	}
	// No adapter was ever called.
	for _, name := range []string{"llama-local", "bert-hybrid", "gpt-remote"} {
		if f.adapter(name).Calls() != 0 {
			t.Errorf("adapter %s called despite budget rejection", name)
		}
	}
}

func TestGenerousBudgetNeverDowngrades(t *testing.T) {
	f := newFixture(t, 0.9)
	resp, err := f.disp.ProcessQuery(context.Background(), &Request{
		Query:    "expensive question",
		Metadata: map[string]string{"budget": "100"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelUsed != "gpt-remote" {
		t.Errorf("generous budget must keep the remote choice, got %s", resp.ModelUsed)
	}
}

func TestBudgetDowngradesToCheaperType(t *testing.T) {
	f := newFixture(t, 0.9)
	// Too small for remote (base 0.05) but fine for local (base 0.001).
	resp, err := f.disp.ProcessQuery(context.Background(), &Request{
		Query:    "question",
		Metadata: map[string]string{"budget": "0.005"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelUsed != "llama-local" {
		t.Errorf("expected downgrade to local, got %s", resp.ModelUsed)
	}
}

func TestUnsafeQueryRejected(t *testing.T) {
	f := newFixture(t, 0.2)
	_, err := f.disp.ProcessQuery(context.Background(), &Request{Query: `exec("rm -rf /")`})
	if apierr.CodeOf(err) != apierr.InvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
	if !strings.Contains(apierr.MessageOf(err), "unsafe") {
		t.Errorf("message should mention unsafe, got %q", apierr.MessageOf(err))
	}
	if f.adapter("llama-local").Calls() != 0 {
		t.Error("no adapter call may happen for rejected input")
	}
}

func TestEvaluatorErrorSurfaces(t *testing.T) {
	f := newFixture(t, 0)
	f.disp.evaluator = &stubEvaluator{err: fmt.Errorf("feature extractor blew up")}

	_, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "hello"})
	if apierr.CodeOf(err) != apierr.ComplexityEvaluationFailed {
		t.Fatalf("expected COMPLEXITY_EVALUATION_FAILED, got %v", err)
	}
}

func TestPreferredProviderHonored(t *testing.T) {
	f := newFixture(t, 0.2, registry.Descriptor{
		Name: "llama-alt", SupportedTypes: []registry.ModelType{registry.TypeLocal},
		MaxConcurrent: 4, BaseCost: 0.002, MaxCost: 0.01, CostEfficiency: 0.5, Model: "m",
	})
	resp, err := f.disp.ProcessQuery(context.Background(), &Request{
		Query:    "simple",
		Metadata: map[string]string{"preferredProvider": "llama-alt"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelUsed != "llama-alt" {
		t.Errorf("expected preferred provider, got %s", resp.ModelUsed)
	}
}

func TestAdmissionLimitFallsBackToBackup(t *testing.T) {
	f := newFixture(t, 0.2, registry.Descriptor{
		Name: "llama-spare", SupportedTypes: []registry.ModelType{registry.TypeLocal},
		MaxConcurrent: 4, BaseCost: 0.002, MaxCost: 0.01, CostEfficiency: 0.5, Model: "m",
	})
	// Saturate the primary local provider.
	for i := 0; i < 4; i++ {
		if err := f.trk.Begin("llama-local"); err != nil {
			t.Fatalf("seed begin: %v", err)
		}
	}

	resp, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "simple"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelUsed != "llama-spare" {
		t.Errorf("expected spill to llama-spare, got %s", resp.ModelUsed)
	}
}

func TestMissingAdapterLeavesEMAsUntouched(t *testing.T) {
	f := newFixture(t, 0.2)
	// Registry entry with nothing behind it: the call never reaches an
	// adapter, so no sample may be folded in.
	delete(f.adapters, "llama-local")

	_, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "simple question"})
	if apierr.CodeOf(err) != apierr.ModelUnavailable {
		t.Fatalf("expected MODEL_UNAVAILABLE, got %v", err)
	}

	stats := f.trk.Snapshot("llama-local")
	if stats.Inflight != 0 {
		t.Errorf("inflight = %d after failed dispatch", stats.Inflight)
	}
	if stats.Samples != 0 {
		t.Errorf("expected no samples recorded, got %d", stats.Samples)
	}
	if stats.EMASuccessRate != 0.95 {
		t.Errorf("success rate EMA moved off its default: %f", stats.EMASuccessRate)
	}
}

func TestExactlyOneMonitorRecordPerDispatch(t *testing.T) {
	f := newFixture(t, 0.2)

	if _, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "ok"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.disp.ProcessQuery(context.Background(), &Request{Query: `eval(x)`}); err == nil {
		t.Fatal("expected rejection")
	}

	s := f.mon.Snapshot()
	if s.TotalRequests != 2 {
		t.Fatalf("expected exactly 2 monitor records, got %d", s.TotalRequests)
	}
	if s.TotalErrors != 1 {
		t.Fatalf("expected exactly 1 failure record, got %d", s.TotalErrors)
	}
}

func TestTokenUsageEstimatedWhenOmitted(t *testing.T) {
	f := newFixture(t, 0.2)
	resp, err := f.disp.ProcessQuery(context.Background(), &Request{Query: "twelve chars"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TokenUsage.Total == 0 {
		t.Error("expected estimated token usage")
	}
}

func TestEvaluateComplexityEndpointPath(t *testing.T) {
	f := newFixture(t, 0.2)
	f.disp.evaluator = complexity.New()

	res, err := f.disp.EvaluateComplexity("", nil)
	if err != nil {
		t.Fatalf("empty text must evaluate, got %v", err)
	}
	if res.Score != 0 {
		t.Errorf("expected score 0 for empty text, got %f", res.Score)
	}

	_, err = f.disp.EvaluateComplexity("text", []string{"no-such-feature"})
	if apierr.CodeOf(err) != apierr.ComplexityEvaluationFailed {
		t.Errorf("expected COMPLEXITY_EVALUATION_FAILED for unknown feature, got %v", err)
	}
}
