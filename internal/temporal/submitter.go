package temporal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/jordanhubbard/querygate/internal/apierr"
	"github.com/jordanhubbard/querygate/internal/circuitbreaker"
	"github.com/jordanhubbard/querygate/internal/events"
	"github.com/jordanhubbard/querygate/internal/gateway"
	"github.com/jordanhubbard/querygate/internal/metrics"
)

// Submitter starts batch workflows, gated by a circuit breaker. When the
// workflow service is unreachable the batch runs synchronously through
// the dispatcher instead of being rejected.
type Submitter struct {
	mgr        *Manager
	dispatcher *gateway.Dispatcher
	breaker    *circuitbreaker.Breaker
	bus        *events.Bus
	met        *metrics.Registry
	logger     *slog.Logger

	mu     sync.Mutex
	recent []BatchSummary
}

// BatchSummary is the retained record of a completed batch, newest
// first in Recent.
type BatchSummary struct {
	BatchID      string    `json:"batch_id"`
	Queries      int       `json:"queries"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Synchronous  bool      `json:"synchronous"`
	SubmittedAt  time.Time `json:"submitted_at"`
	Error        string    `json:"error,omitempty"`
}

const recentBatchLimit = 50

// NewSubmitter wires a Submitter. mgr may be nil, in which case every
// batch runs synchronously.
func NewSubmitter(mgr *Manager, dispatcher *gateway.Dispatcher, breaker *circuitbreaker.Breaker, bus *events.Bus, met *metrics.Registry, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		mgr:        mgr,
		dispatcher: dispatcher,
		breaker:    breaker,
		bus:        bus,
		met:        met,
		logger:     logger,
	}
}

// Breaker exposes the submission breaker for the ops endpoints.
func (s *Submitter) Breaker() *circuitbreaker.Breaker {
	return s.breaker
}

// Recent returns completed batches, newest first.
func (s *Submitter) Recent() []BatchSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BatchSummary, len(s.recent))
	copy(out, s.recent)
	return out
}

func (s *Submitter) remember(submitted time.Time, queries int, out BatchOutput, errMsg string) {
	sum := BatchSummary{
		BatchID:      out.BatchID,
		Queries:      queries,
		Succeeded:    out.Succeeded,
		Failed:       out.Failed,
		TotalCostUSD: out.TotalCostUSD,
		LatencyMs:    out.LatencyMs,
		Synchronous:  out.Synchronous,
		SubmittedAt:  submitted,
		Error:        errMsg,
	}
	s.mu.Lock()
	s.recent = append([]BatchSummary{sum}, s.recent...)
	if len(s.recent) > recentBatchLimit {
		s.recent = s.recent[:recentBatchLimit]
	}
	s.mu.Unlock()
}

// Submit runs a batch of queries and returns the collected results.
// Durable dispatch is attempted first; a submission failure trips the
// breaker and the batch falls back to in-process execution.
func (s *Submitter) Submit(ctx context.Context, queries []gateway.Request) (BatchOutput, error) {
	batchID := uuid.NewString()
	submitted := time.Now().UTC()
	s.publish(events.Event{
		Type:    events.EventBatchStarted,
		BatchID: batchID,
		Queries: len(queries),
	})

	input := BatchInput{BatchID: batchID, Queries: queries}

	if s.mgr != nil && s.allow() {
		opts := client.StartWorkflowOptions{
			ID:                       "batch-" + batchID,
			TaskQueue:                s.mgr.TaskQueue(),
			WorkflowExecutionTimeout: workflowTimeout,
		}
		run, err := s.mgr.Client().ExecuteWorkflow(ctx, opts, BatchWorkflow, input)
		if err != nil {
			s.recordFailure()
			s.logger.Warn("batch workflow submission failed, running synchronously",
				"batch_id", batchID, "error", err)
		} else {
			var out BatchOutput
			if err := run.Get(ctx, &out); err != nil {
				// The workflow started but did not finish; re-running
				// synchronously would double-dispatch, so report the
				// failure instead.
				s.recordFailure()
				s.publish(events.Event{
					Type:     events.EventBatchFailed,
					BatchID:  batchID,
					Queries:  len(queries),
					ErrorMsg: err.Error(),
				})
				s.remember(submitted, len(queries), BatchOutput{BatchID: batchID}, err.Error())
				return BatchOutput{BatchID: batchID}, apierr.Wrap(apierr.ModelUnavailable, "batch workflow failed", err)
			}
			s.recordSuccess()
			s.remember(submitted, len(queries), out, "")
			return out, nil
		}
	}

	out := s.runSync(ctx, batchID, queries)
	s.publish(events.Event{
		Type:    events.EventBatchCompleted,
		BatchID: batchID,
		Queries: len(queries),
	})
	s.remember(submitted, len(queries), out, "")
	return out, nil
}

// runSync is the in-process fallback path.
func (s *Submitter) runSync(ctx context.Context, batchID string, queries []gateway.Request) BatchOutput {
	if s.met != nil {
		s.met.BatchFallbackTotal.Inc()
	}
	start := time.Now()

	out := BatchOutput{
		BatchID:     batchID,
		Results:     make([]QueryResult, 0, len(queries)),
		Synchronous: true,
	}
	for i := range queries {
		q := queries[i]
		resp, err := s.dispatcher.ProcessQuery(ctx, &q)
		if err != nil {
			out.Failed++
			out.Results = append(out.Results, QueryResult{
				RequestID: q.RequestID,
				ErrorCode: apierr.CodeOf(err).String(),
				Error:     err.Error(),
			})
			continue
		}
		out.Succeeded++
		out.TotalCostUSD += resp.CostUSD
		out.Results = append(out.Results, QueryResult{RequestID: resp.RequestID, Response: resp})
	}
	out.LatencyMs = time.Since(start).Milliseconds()
	return out
}

func (s *Submitter) allow() bool {
	return s.breaker == nil || s.breaker.Allow()
}

func (s *Submitter) recordFailure() {
	if s.breaker != nil {
		s.breaker.RecordFailure()
	}
}

func (s *Submitter) recordSuccess() {
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
}

func (s *Submitter) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	s.bus.Publish(ev)
}
