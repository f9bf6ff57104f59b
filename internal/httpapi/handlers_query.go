package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/querygate/internal/gateway"
)

// QueryHandler handles POST /v1/query: the full dispatch pipeline.
func QueryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.RequestID == "" {
			// Propagate the chi request id so logs and the response
			// correlate without the caller minting its own.
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				req.RequestID = rid
			}
		}

		resp, err := d.Dispatcher.ProcessQuery(r.Context(), &req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("X-Request-ID", resp.RequestID)
		writeJSON(w, http.StatusOK, resp)
	}
}

// ComplexityHandler handles POST /v1/complexity: scoring without
// dispatch. An empty query is valid here and scores zero.
func ComplexityHandler(d Dependencies) http.HandlerFunc {
	type complexityReq struct {
		Query    string   `json:"query"`
		Features []string `json:"features,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req complexityReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		res, err := d.Evaluator.EvaluateWithFeatures(req.Query, req.Features)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"complexity_score":   res.Score,
			"complexity_factors": res.Factors,
		})
	}
}

// CapabilitiesHandler handles GET /v1/capabilities.
func CapabilitiesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		union, byProvider := d.Registry.Capabilities()
		writeJSON(w, http.StatusOK, map[string]any{
			"capabilities": union,
			"providers":    byProvider,
		})
	}
}
