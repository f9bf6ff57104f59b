package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/querygate/internal/catalog"
	"github.com/jordanhubbard/querygate/internal/registry"
)

// providerView joins the static descriptor with runtime state for the
// ops surface.
type providerView struct {
	Descriptor registry.Descriptor `json:"descriptor"`
	Inflight   int                 `json:"inflight"`
	Stats      any                 `json:"stats"`
	Health     any                 `json:"health,omitempty"`
}

// ProvidersListHandler handles GET /admin/v1/providers.
func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descs := d.Registry.List()
		out := make([]providerView, 0, len(descs))
		for _, desc := range descs {
			v := providerView{
				Descriptor: desc,
				Inflight:   d.Tracker.Inflight(desc.Name),
				Stats:      d.Tracker.Snapshot(desc.Name),
			}
			if d.Health != nil {
				v.Health = d.Health.GetStats(desc.Name)
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": out})
	}
}

// ProvidersUpsertHandler handles POST /admin/v1/providers. The
// descriptor replaces any existing one with the same name and is
// persisted to the catalog so it survives restarts.
func ProvidersUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var desc registry.Descriptor
		if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Registry.Replace(desc); err != nil {
			writeError(w, err)
			return
		}
		if d.Catalog != nil {
			warnOnErr(d, "provider_persist", d.Catalog.UpsertProvider(r.Context(), desc))
			detail, _ := json.Marshal(desc)
			warnOnErr(d, "audit", d.Catalog.LogAudit(r.Context(), catalog.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "provider.upsert",
				Resource:  desc.Name,
				Detail:    string(detail),
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": desc.Name})
	}
}

// ProvidersDeleteHandler handles DELETE /admin/v1/providers/{name}. The
// registry keeps the descriptor but takes it offline; the catalog row is
// removed so it does not come back on restart.
func ProvidersDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := d.Registry.SetStatus(name, registry.StatusOffline); err != nil {
			jsonError(w, "unknown provider: "+name, http.StatusNotFound)
			return
		}
		if d.Catalog != nil {
			warnOnErr(d, "provider_delete", d.Catalog.DeleteProvider(r.Context(), name))
			warnOnErr(d, "audit", d.Catalog.LogAudit(r.Context(), catalog.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "provider.delete",
				Resource:  name,
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// StatsHandler handles GET /admin/v1/stats: the aggregator summary plus
// per-provider EMA snapshots.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"summary":  d.Monitor.Snapshot(),
			"tracking": d.Tracker.SnapshotAll(),
		}
		if d.Health != nil {
			out["health"] = d.Health.AllStats()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// RouteSimulateHandler handles POST /admin/v1/route/simulate: a dry-run
// routing decision with the ranked candidate list, no provider call.
func RouteSimulateHandler(d Dependencies) http.HandlerFunc {
	type simReq struct {
		Query    string            `json:"query,omitempty"`
		Score    *float64          `json:"score,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req simReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		score := 0.0
		if req.Score != nil {
			score = *req.Score
		} else {
			res, err := d.Evaluator.Evaluate(req.Query)
			if err != nil {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			score = res.Score
		}
		if score < 0 || score > 1 {
			jsonError(w, "score must be in [0,1]", http.StatusBadRequest)
			return
		}

		t := d.Router.TypeForScore(score)
		dec, err := d.Router.Route(score, len(req.Query), req.Metadata)
		out := map[string]any{
			"score":      score,
			"model_type": t,
			"candidates": d.Router.Candidates(t),
		}
		if err != nil {
			out["error"] = err.Error()
		} else {
			out["decision"] = dec
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// RequestLogsHandler handles GET /admin/v1/logs?limit=&offset=.
func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Catalog == nil {
			writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
			return
		}
		limit, offset := pageParams(r)
		logs, err := d.Catalog.ListRequestLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "log query failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}

// AuditLogsHandler handles GET /admin/v1/audit?limit=&offset=.
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Catalog == nil {
			writeJSON(w, http.StatusOK, map[string]any{"audit": []any{}})
			return
		}
		limit, offset := pageParams(r)
		logs, err := d.Catalog.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "audit query failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"audit": logs})
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// warnOnErr logs non-fatal persistence failures without failing the
// request.
func warnOnErr(d Dependencies, what string, err error) {
	if err != nil && d.Logger != nil {
		d.Logger.Warn("admin side effect failed", "op", what, "error", err)
	}
}
