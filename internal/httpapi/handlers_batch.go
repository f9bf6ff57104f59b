package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jordanhubbard/querygate/internal/gateway"
)

// BatchSubmitHandler handles POST /admin/v1/batch: runs a set of queries
// as one batch, via Temporal when available and synchronously otherwise.
func BatchSubmitHandler(d Dependencies) http.HandlerFunc {
	type req struct {
		Queries []gateway.Request `json:"queries"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(in.Queries) == 0 {
			jsonError(w, "queries must not be empty", http.StatusBadRequest)
			return
		}
		out, err := d.Batch.Submit(r.Context(), in.Queries)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// BatchListHandler handles GET /admin/v1/batch: recently completed
// batches, newest first.
func BatchListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"batches": d.Batch.Recent()})
	}
}

// BatchBreakerHandler handles GET /admin/v1/batch/breaker.
func BatchBreakerHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		br := d.Batch.Breaker()
		if br == nil {
			writeJSON(w, http.StatusOK, map[string]any{"breaker": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"breaker": br.Stats()})
	}
}
