package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/querygate/internal/apierr"
	"github.com/jordanhubbard/querygate/internal/events"
	"github.com/jordanhubbard/querygate/internal/gateway"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Dispatcher *gateway.Dispatcher
	EventBus   *events.Bus
}

// ProcessQuery dispatches a single query from a batch. Dispatch failures
// are expected outcomes, not activity failures: they come back inside
// the QueryResult so the workflow can tally them without the SDK retry
// machinery kicking in.
func (a *Activities) ProcessQuery(ctx context.Context, req gateway.Request) (QueryResult, error) {
	activity.RecordHeartbeat(ctx, req.RequestID)

	resp, err := a.Dispatcher.ProcessQuery(ctx, &req)
	if err != nil {
		return QueryResult{
			RequestID: req.RequestID,
			ErrorCode: apierr.CodeOf(err).String(),
			Error:     err.Error(),
		}, nil
	}
	return QueryResult{
		RequestID: resp.RequestID,
		Response:  resp,
	}, nil
}

// NotifyBatch publishes the batch terminal event. Workflow code must be
// deterministic, so the bus is only touched from an activity.
func (a *Activities) NotifyBatch(ctx context.Context, note BatchNote) error {
	if a.EventBus == nil {
		return nil
	}
	typ := events.EventBatchCompleted
	if note.Type == "failed" {
		typ = events.EventBatchFailed
	}
	a.EventBus.Publish(events.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		BatchID:   note.BatchID,
		Queries:   note.Queries,
	})
	return nil
}
