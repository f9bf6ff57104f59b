package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jordanhubbard/querygate/internal/apierr"
	"github.com/jordanhubbard/querygate/internal/complexity"
	"github.com/jordanhubbard/querygate/internal/events"
	"github.com/jordanhubbard/querygate/internal/health"
	"github.com/jordanhubbard/querygate/internal/metrics"
	"github.com/jordanhubbard/querygate/internal/monitor"
	"github.com/jordanhubbard/querygate/internal/providers"
	"github.com/jordanhubbard/querygate/internal/registry"
	"github.com/jordanhubbard/querygate/internal/router"
	"github.com/jordanhubbard/querygate/internal/tracker"
)

// Response is the reply for a successfully dispatched query.
type Response struct {
	RequestID        string               `json:"request_id"`
	Response         string               `json:"response"`
	ComplexityScore  float64              `json:"complexity_score"`
	ModelUsed        string               `json:"model_used"`
	CostUSD          float64              `json:"cost"`
	TokenUsage       providers.TokenUsage `json:"token_usage"`
	ProcessingTimeMs int64                `json:"processing_time_ms"`
}

// Evaluator scores query text. Declared here so tests can stub scoring;
// *complexity.Evaluator is the production implementation.
type Evaluator interface {
	Evaluate(text string) (complexity.Result, error)
	EvaluateWithFeatures(text string, features []string) (complexity.Result, error)
}

// Dispatcher drives each request through validate, evaluate, route,
// admit, call, and finalize. It owns no provider state: the tracker is
// the authority on runtime load, the registry on descriptors.
type Dispatcher struct {
	validator *Validator
	evaluator Evaluator
	router    *router.Router
	trk       *tracker.Tracker
	reg       *registry.Registry
	adapters  map[string]providers.Adapter
	mon       *monitor.Monitor
	logger    *slog.Logger

	met  *metrics.Registry
	bus  *events.Bus
	hlth *health.Tracker
	now  func() time.Time
}

// DispatcherOption configures optional collaborators.
type DispatcherOption func(*Dispatcher)

// WithMetrics attaches the Prometheus registry.
func WithMetrics(met *metrics.Registry) DispatcherOption {
	return func(d *Dispatcher) { d.met = met }
}

// WithEventBus publishes dispatch lifecycle events.
func WithEventBus(bus *events.Bus) DispatcherOption {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithHealth feeds call outcomes into the provider health tracker.
func WithHealth(h *health.Tracker) DispatcherOption {
	return func(d *Dispatcher) { d.hlth = h }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires the dispatch pipeline. adapters maps provider
// name to its adapter.
func NewDispatcher(
	validator *Validator,
	evaluator Evaluator,
	rt *router.Router,
	trk *tracker.Tracker,
	reg *registry.Registry,
	adapters map[string]providers.Adapter,
	mon *monitor.Monitor,
	logger *slog.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		validator: validator,
		evaluator: evaluator,
		router:    rt,
		trk:       trk,
		reg:       reg,
		adapters:  adapters,
		mon:       mon,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ProcessQuery runs one dispatch end to end. Exactly one monitor record
// is emitted per call, success or not, and every successful admission is
// paired with exactly one release.
func (d *Dispatcher) ProcessQuery(ctx context.Context, req *Request) (*Response, error) {
	start := d.now()

	if err := d.validator.ValidateAndNormalize(req); err != nil {
		return nil, d.failed(req, start, "", "", 0, err)
	}

	log := d.logger.With(slog.String("request_id", req.RequestID))

	res, err := d.evaluator.Evaluate(req.Query)
	if err != nil {
		err = apierr.Wrap(apierr.ComplexityEvaluationFailed, "complexity evaluation failed", err)
		return nil, d.failed(req, start, "", "", 0, err)
	}
	qlen := QueryLength(req)

	dec, err := d.router.Route(res.Score, qlen, req.Metadata)
	if err != nil {
		return nil, d.failed(req, start, "", "", res.Score, err)
	}
	if dec.CostDowngraded {
		if d.met != nil {
			d.met.DowngradesTotal.Inc()
		}
		d.publish(events.Event{
			Type:      events.EventCostDowngrade,
			RequestID: req.RequestID,
			Provider:  dec.Provider,
			ModelType: string(dec.ModelType),
			Reason:    dec.Reason,
		})
	}

	// Admission. A provider at its concurrency limit yields to the
	// backup before the request fails.
	if err := d.begin(dec.Provider); err != nil {
		backup, ok := d.router.BackupFor(dec.Provider, dec.ModelType, res.Score, qlen)
		if !ok {
			return nil, d.failed(req, start, dec.Provider, string(dec.ModelType), res.Score,
				apierr.Wrap(apierr.ModelUnavailable, "no admissible provider", err))
		}
		if err := d.begin(backup.Provider); err != nil {
			return nil, d.failed(req, start, dec.Provider, string(dec.ModelType), res.Score,
				apierr.Wrap(apierr.ModelUnavailable, "backup not admissible", err))
		}
		dec = backup
	}

	outcome, callErr := d.call(ctx, dec, req, res.Score)
	if callErr != nil {
		d.end(dec, failureSample(outcome, callErr), callErr)
		log.Warn("provider call failed",
			slog.String("provider", dec.Provider),
			slog.String("error", callErr.Error()),
		)

		// One fallback attempt, and only if this call was not itself
		// already on the backup.
		if dec.IsBackup {
			return nil, d.failed(req, start, dec.Provider, string(dec.ModelType), res.Score,
				apierr.Wrap(apierr.ModelUnavailable, "backup provider failed", callErr))
		}
		backup, ok := d.router.BackupFor(dec.Provider, dec.ModelType, res.Score, qlen)
		if !ok {
			return nil, d.failed(req, start, dec.Provider, string(dec.ModelType), res.Score,
				apierr.Wrap(apierr.ModelUnavailable, "provider failed and no backup available", callErr))
		}
		if err := d.begin(backup.Provider); err != nil {
			return nil, d.failed(req, start, dec.Provider, string(dec.ModelType), res.Score,
				apierr.Wrap(apierr.ModelUnavailable, "provider failed and backup not admissible", callErr))
		}
		if d.met != nil {
			d.met.FallbacksTotal.WithLabelValues(dec.Provider, backup.Provider).Inc()
		}
		d.publish(events.Event{
			Type:      events.EventFallback,
			RequestID: req.RequestID,
			Provider:  backup.Provider,
			ModelType: string(backup.ModelType),
			Reason:    "primary " + dec.Provider + " failed",
		})

		outcome, callErr = d.call(ctx, backup, req, res.Score)
		if callErr != nil {
			d.end(backup, failureSample(outcome, callErr), callErr)
			return nil, d.failed(req, start, backup.Provider, string(backup.ModelType), res.Score,
				apierr.Wrap(apierr.ModelUnavailable, "backup provider failed", callErr))
		}
		dec = backup
	}

	// Finalize the successful call.
	cost := outcome.CostUSD
	if cost <= 0 {
		cost = dec.EstimatedCost
	}
	usage := outcome.Usage
	if usage.Total == 0 {
		usage.Input = (len(req.Query) + 3) / 4
		usage.Output = (len(outcome.Text) + 3) / 4
		usage.Total = usage.Input + usage.Output
	}
	d.end(dec, &tracker.Sample{
		LatencyMs:      float64(outcome.LatencyMs),
		Success:        true,
		CostEfficiency: costEfficiencySample(d.reg, dec, cost),
	}, nil)

	elapsed := d.now().Sub(start).Milliseconds()
	d.emit(monitor.Record{
		RequestID:      req.RequestID,
		Provider:       dec.Provider,
		Success:        true,
		LatencyMs:      float64(elapsed),
		ModelLatencyMs: float64(outcome.LatencyMs),
		CostUSD:        cost,
		Tokens:         usage.Total,
		Complexity:     res.Score,
	}, string(dec.ModelType), apierr.OK)
	d.publish(events.Event{
		Type:      events.EventDispatchOK,
		RequestID: req.RequestID,
		Provider:  dec.Provider,
		ModelType: string(dec.ModelType),
		Score:     res.Score,
		LatencyMs: float64(elapsed),
		CostUSD:   cost,
	})
	log.Info("dispatch ok",
		slog.String("provider", dec.Provider),
		slog.String("model_type", string(dec.ModelType)),
		slog.Float64("score", res.Score),
		slog.Int64("latency_ms", elapsed),
		slog.Float64("cost_usd", cost),
	)

	return &Response{
		RequestID:        req.RequestID,
		Response:         outcome.Text,
		ComplexityScore:  res.Score,
		ModelUsed:        dec.Provider,
		CostUSD:          cost,
		TokenUsage:       usage,
		ProcessingTimeMs: elapsed,
	}, nil
}

// EvaluateComplexity scores a query without dispatching it. Unlike
// dispatch there is no validation gate; the evaluator handles any text.
func (d *Dispatcher) EvaluateComplexity(text string, features []string) (complexity.Result, error) {
	res, err := d.evaluator.EvaluateWithFeatures(text, features)
	if err != nil {
		return complexity.Result{}, apierr.Wrap(apierr.ComplexityEvaluationFailed, "complexity evaluation failed", err)
	}
	return res, nil
}

// errNoAdapter marks a registry entry with no adapter behind it. The
// call never left the gateway, so no latency or success sample exists.
var errNoAdapter = errors.New("no adapter configured")

// call runs one adapter call under the provider's deadline.
func (d *Dispatcher) call(ctx context.Context, dec router.Decision, req *Request, score float64) (providers.Outcome, error) {
	adapter, ok := d.adapters[dec.Provider]
	if !ok {
		return providers.Outcome{}, apierr.Wrap(apierr.ModelUnavailable,
			fmt.Sprintf("no adapter for provider %q", dec.Provider), errNoAdapter)
	}

	desc, _ := d.reg.Get(dec.Provider)
	timeout := time.Duration(desc.Timeout()) * time.Millisecond
	if ms, err := strconv.Atoi(req.Metadata[MetaTimeout]); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = providers.WithRequestID(ctx, req.RequestID)

	q := providers.Query{Text: req.Query, Score: score}
	opts := optionsFromMetadata(req.Metadata)

	start := d.now()
	outcome, err := adapter.Call(ctx, dec.Model, q, opts)
	if outcome.LatencyMs == 0 {
		outcome.LatencyMs = d.now().Sub(start).Milliseconds()
	}
	return outcome, err
}

// failureSample builds the tracker sample for a failed call. A nil
// sample leaves the EMAs alone: the adapter was never reached.
func failureSample(outcome providers.Outcome, callErr error) *tracker.Sample {
	if errors.Is(callErr, errNoAdapter) {
		return nil
	}
	return &tracker.Sample{LatencyMs: float64(outcome.LatencyMs), Success: false}
}

// begin admits a call and keeps the inflight gauge current.
func (d *Dispatcher) begin(provider string) error {
	if err := d.trk.Begin(provider); err != nil {
		return err
	}
	if d.met != nil {
		d.met.Inflight.WithLabelValues(provider).Inc()
	}
	return nil
}

// end releases an admission, folds the sample into the tracker, and
// feeds the health tracker. callErr is nil for successful calls.
func (d *Dispatcher) end(dec router.Decision, sample *tracker.Sample, callErr error) {
	d.trk.End(dec.Provider, sample)
	if d.met != nil {
		d.met.Inflight.WithLabelValues(dec.Provider).Dec()
	}
	if d.hlth != nil {
		if callErr != nil {
			d.hlth.RecordError(dec.Provider, callErr.Error())
		} else {
			d.hlth.RecordSuccess(dec.Provider)
		}
	}
}

// failed emits the per-dispatch failure record and passes the error
// through. provider and modelType are empty when the failure predates a
// routing decision.
func (d *Dispatcher) failed(req *Request, start time.Time, provider, modelType string, score float64, err error) error {
	code := apierr.CodeOf(err)
	elapsed := d.now().Sub(start).Milliseconds()
	d.emit(monitor.Record{
		RequestID:   req.RequestID,
		Provider:    provider,
		Success:     false,
		LatencyMs:   float64(elapsed),
		Complexity:  score,
		FailureKind: code.String(),
	}, modelType, code)
	d.publish(events.Event{
		Type:      events.EventDispatchError,
		RequestID: req.RequestID,
		Provider:  provider,
		ModelType: modelType,
		Score:     score,
		LatencyMs: float64(elapsed),
		ErrorCode: code.String(),
		ErrorMsg:  apierr.MessageOf(err),
	})
	d.logger.Warn("dispatch failed",
		slog.String("request_id", req.RequestID),
		slog.String("provider", provider),
		slog.String("code", code.String()),
		slog.String("error", apierr.MessageOf(err)),
	)
	return err
}

// emit writes the terminal monitor record and the Prometheus series.
func (d *Dispatcher) emit(rec monitor.Record, modelType string, code apierr.Code) {
	if d.mon != nil {
		d.mon.Record(rec)
	}
	if d.met == nil {
		return
	}
	provider := rec.Provider
	if provider == "" {
		provider = "none"
	}
	if modelType == "" {
		modelType = "none"
	}
	d.met.RequestsTotal.WithLabelValues(provider, modelType, code.String()).Inc()
	if rec.Success {
		d.met.RequestLatency.WithLabelValues(provider, modelType).Observe(rec.LatencyMs)
		d.met.ComplexityScore.Observe(rec.Complexity)
		if rec.CostUSD > 0 {
			d.met.CostUSD.WithLabelValues(provider).Add(rec.CostUSD)
		}
	}
}

func (d *Dispatcher) publish(e events.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

// costEfficiencySample scores how the actual cost compared to the
// routed estimate, anchored on the descriptor's own rating. A call that
// came in at or under estimate keeps the full rating; overruns scale it
// down proportionally.
func costEfficiencySample(reg *registry.Registry, dec router.Decision, actual float64) float64 {
	desc, ok := reg.Get(dec.Provider)
	rating := tracker.DefaultCostEfficiency
	if ok && desc.CostEfficiency > 0 {
		rating = desc.CostEfficiency
	}
	if actual <= 0 || dec.EstimatedCost <= 0 || actual <= dec.EstimatedCost {
		return rating
	}
	return rating * dec.EstimatedCost / actual
}

// optionsFromMetadata lifts the recognized per-call knobs out of the
// metadata map.
func optionsFromMetadata(meta map[string]string) providers.Options {
	var opts providers.Options
	if n, err := strconv.Atoi(meta[MetaMaxTokens]); err == nil && n > 0 {
		opts.MaxTokens = n
	}
	if f, err := strconv.ParseFloat(meta[MetaTemperature], 64); err == nil {
		opts.Temperature = f
	}
	if f, err := strconv.ParseFloat(meta[MetaTopP], 64); err == nil {
		opts.TopP = f
	}
	opts.SystemMessage = meta[MetaSystemMessage]
	if f, err := strconv.ParseFloat(meta[router.MetaBudget], 64); err == nil && f > 0 {
		opts.BudgetUSD = f
	}
	return opts
}
