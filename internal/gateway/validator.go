// Package gateway contains the request validator and the per-request
// dispatch state machine tying the evaluator, router, tracker, and
// adapters together.
package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jordanhubbard/querygate/internal/apierr"
)

// Query length bounds in Unicode code points.
const (
	MinQueryLength = 1
	MaxQueryLength = 10000
)

// Metadata keys the gateway reads or writes. Unknown keys pass through
// untouched.
const (
	MetaTimestamp     = "timestamp"
	MetaQueryLength   = "queryLength"
	MetaWordCount     = "wordCount"
	MetaMaxTokens     = "maxTokens"
	MetaTemperature   = "temperature"
	MetaTopP          = "topP"
	MetaSystemMessage = "systemMessage"
	MetaTimeout       = "timeout"
)

// Request is a query submitted for dispatch.
type Request struct {
	RequestID string            `json:"request_id"`
	Query     string            `json:"query"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultUnsafePatterns are the stock shell-injection-style tokens the
// validator scans for.
func DefaultUnsafePatterns() []string {
	return []string{"exec(", "eval(", "system("}
}

// Validator normalizes and screens incoming requests.
type Validator struct {
	patterns []string // lowercased
	now      func() time.Time
}

// NewValidator creates a Validator scanning for the given patterns;
// with none given the defaults apply.
func NewValidator(patterns ...string) *Validator {
	if len(patterns) == 0 {
		patterns = DefaultUnsafePatterns()
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &Validator{patterns: lowered, now: time.Now}
}

// ValidateAndNormalize checks the request in place: it assigns a fresh
// request id when absent, guarantees the metadata map exists, and
// inserts the timestamp and the derived queryLength and wordCount
// fields. Rejections carry INVALID_REQUEST.
func (v *Validator) ValidateAndNormalize(req *Request) error {
	if req == nil {
		return apierr.New(apierr.InvalidRequest, "request is nil")
	}

	length := utf8.RuneCountInString(req.Query)
	if length < MinQueryLength {
		return apierr.New(apierr.InvalidRequest, "query must not be empty")
	}
	if length > MaxQueryLength {
		return apierr.Errorf(apierr.InvalidRequest,
			"query length %d exceeds maximum %d", length, MaxQueryLength)
	}

	if err := v.scanUnsafe(req.Query); err != nil {
		return err
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata[MetaTimestamp] = v.now().UTC().Format(time.RFC3339)
	req.Metadata[MetaQueryLength] = strconv.Itoa(length)
	req.Metadata[MetaWordCount] = strconv.Itoa(len(strings.Fields(req.Query)))
	return nil
}

// scanUnsafe rejects queries containing any configured pattern,
// case-insensitively.
func (v *Validator) scanUnsafe(query string) error {
	lowered := strings.ToLower(query)
	for _, p := range v.patterns {
		if strings.Contains(lowered, p) {
			return apierr.Errorf(apierr.InvalidRequest,
				"query contains unsafe content: pattern %q", p)
		}
	}
	return nil
}

// QueryLength reads the normalized code-point length back out of the
// metadata, recomputing when absent.
func QueryLength(req *Request) int {
	if req.Metadata != nil {
		if n, err := strconv.Atoi(req.Metadata[MetaQueryLength]); err == nil && n > 0 {
			return n
		}
	}
	return utf8.RuneCountInString(req.Query)
}

// String renders a short identity for logs.
func (r *Request) String() string {
	return fmt.Sprintf("request %s (%d chars)", r.RequestID, utf8.RuneCountInString(r.Query))
}
