// Package temporal provides optional durable batch dispatch. A batch of
// queries fans out into per-query activities that each run through the
// gateway dispatcher; the workflow tallies outcomes so one bad query
// never fails the batch.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout = 2 * time.Minute
	workflowTimeout = 10 * time.Minute
)

// BatchWorkflow dispatches every query in the batch in parallel and
// collects per-query results.
func BatchWorkflow(ctx workflow.Context, input BatchInput) (BatchOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1, // the dispatcher has its own fallback path
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	start := workflow.Now(ctx)

	futures := make([]workflow.Future, len(input.Queries))
	for i, q := range input.Queries {
		futures[i] = workflow.ExecuteActivity(ctx, (*Activities).ProcessQuery, q)
	}

	out := BatchOutput{
		BatchID: input.BatchID,
		Results: make([]QueryResult, 0, len(input.Queries)),
	}
	for i, f := range futures {
		var res QueryResult
		if err := f.Get(ctx, &res); err != nil {
			// Activity-level failure (timeout, worker loss). Dispatch
			// errors arrive inside the result instead.
			res = QueryResult{
				RequestID: input.Queries[i].RequestID,
				Error:     err.Error(),
			}
		}
		if res.Error == "" && res.Response != nil {
			out.Succeeded++
			out.TotalCostUSD += res.Response.CostUSD
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	out.LatencyMs = workflow.Now(ctx).Sub(start).Milliseconds()

	note := BatchNote{
		Type:      "completed",
		BatchID:   input.BatchID,
		Queries:   len(input.Queries),
		Succeeded: out.Succeeded,
		Failed:    out.Failed,
	}
	if out.Succeeded == 0 && out.Failed > 0 {
		note.Type = "failed"
	}
	// Best effort: a lost notification does not fail the batch.
	_ = workflow.ExecuteActivity(ctx, (*Activities).NotifyBatch, note).Get(ctx, nil)

	return out, nil
}
