package temporal

import (
	"github.com/jordanhubbard/querygate/internal/gateway"
)

// BatchInput is the input for BatchWorkflow.
type BatchInput struct {
	BatchID string            `json:"batch_id"`
	Queries []gateway.Request `json:"queries"`
}

// QueryResult pairs one query in a batch with its outcome. Exactly one
// of Response and Error is meaningful.
type QueryResult struct {
	RequestID string            `json:"request_id"`
	Response  *gateway.Response `json:"response,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// BatchOutput is the result of BatchWorkflow.
type BatchOutput struct {
	BatchID      string        `json:"batch_id"`
	Results      []QueryResult `json:"results"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	LatencyMs    int64         `json:"latency_ms"`
	Synchronous  bool          `json:"synchronous,omitempty"`
}

// BatchNote is the input for the NotifyBatch activity.
type BatchNote struct {
	Type      string `json:"type"` // completed or failed
	BatchID   string `json:"batch_id"`
	Queries   int    `json:"queries"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}
