package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/querygate/internal/catalog"
	"github.com/jordanhubbard/querygate/internal/monitor"
)

// AlertsListHandler handles GET /admin/v1/alerts. ?active=true filters
// to unresolved alerts.
func AlertsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("active") == "true" {
			writeJSON(w, http.StatusOK, map[string]any{"alerts": d.Monitor.ActiveAlerts()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": d.Monitor.Alerts()})
	}
}

// AlertThresholdsHandler handles GET and PUT /admin/v1/alerts/thresholds.
// PUT merges a partial update, persists the merged thresholds, and
// returns them.
func AlertThresholdsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]any{"thresholds": d.Monitor.GetThresholds()})
			return
		}

		var u monitor.ThresholdUpdate
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		merged := d.Monitor.UpdateThresholds(u)

		if d.Catalog != nil {
			rec := catalog.ThresholdsRecord{
				ErrorRate:      merged.ErrorRate,
				AvgLatencyMs:   merged.AvgLatencyMs,
				MemoryFraction: merged.MemoryFraction,
				CPUFraction:    merged.CPUFraction,
				CostDailyUSD:   merged.CostDailyUSD,
				CostMonthlyUSD: merged.CostMonthlyUSD,
			}
			warnOnErr(d, "thresholds_persist", d.Catalog.SaveThresholds(r.Context(), rec))
			detail, _ := json.Marshal(rec)
			warnOnErr(d, "audit", d.Catalog.LogAudit(r.Context(), catalog.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "alerts.thresholds",
				Resource:  "thresholds",
				Detail:    string(detail),
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}
		writeJSON(w, http.StatusOK, map[string]any{"thresholds": merged})
	}
}

// AlertResolveHandler handles POST /admin/v1/alerts/{id}/resolve.
func AlertResolveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !d.Monitor.Resolve(id) {
			jsonError(w, "unknown alert: "+id, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
