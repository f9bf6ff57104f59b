package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jordanhubbard/querygate/internal/apierr"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto the shared JSON error shape. The HTTP
// status and symbolic name come from the apierr code; plain errors fall
// through as internal.
func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), map[string]any{
		"error": map[string]any{
			"code":    code.HTTPStatus(),
			"name":    code.String(),
			"message": apierr.MessageOf(err),
		},
	})
}

// jsonError writes a bare-message error for handler-level validation.
func jsonError(w http.ResponseWriter, msg string, status int) {
	name := "INTERNAL_ERROR"
	switch status {
	case http.StatusBadRequest:
		name = "INVALID_REQUEST"
	case http.StatusUnauthorized, http.StatusForbidden:
		name = "UNAUTHORIZED"
	case http.StatusNotFound:
		name = "NOT_FOUND"
	case http.StatusServiceUnavailable:
		name = "MODEL_UNAVAILABLE"
	case http.StatusTooManyRequests:
		name = "COST_LIMIT_EXCEEDED"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"name":    name,
			"message": msg,
		},
	})
}
