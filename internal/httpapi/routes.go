// Package httpapi exposes the gateway over JSON HTTP: the public query
// surface under /v1 and the ops surface under /admin/v1.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/querygate/internal/catalog"
	"github.com/jordanhubbard/querygate/internal/complexity"
	"github.com/jordanhubbard/querygate/internal/events"
	"github.com/jordanhubbard/querygate/internal/gateway"
	"github.com/jordanhubbard/querygate/internal/health"
	"github.com/jordanhubbard/querygate/internal/idempotency"
	"github.com/jordanhubbard/querygate/internal/metrics"
	"github.com/jordanhubbard/querygate/internal/monitor"
	"github.com/jordanhubbard/querygate/internal/registry"
	"github.com/jordanhubbard/querygate/internal/router"
	"github.com/jordanhubbard/querygate/internal/temporal"
	"github.com/jordanhubbard/querygate/internal/tracker"
	"github.com/jordanhubbard/querygate/internal/tsdb"
	"github.com/jordanhubbard/querygate/internal/vault"
)

type Dependencies struct {
	Dispatcher *gateway.Dispatcher
	Evaluator  *complexity.Evaluator
	Registry   *registry.Registry
	Tracker    *tracker.Tracker
	Router     *router.Router
	Monitor    *monitor.Monitor
	Health     *health.Tracker
	Metrics    *metrics.Registry
	Events     *events.Bus
	TSDB       *tsdb.Store
	Catalog    catalog.Catalog

	Vault *vault.Vault

	// Batch runs even without Temporal (synchronously); nil disables
	// the batch endpoints entirely.
	Batch *temporal.Submitter

	// Idempotency-Key replay cache for the query endpoint; nil disables.
	Idem *idempotency.Store

	Logger *slog.Logger
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		providers := d.Registry.Len()
		status := http.StatusOK
		state := "ok"
		if providers == 0 {
			status = http.StatusServiceUnavailable
			state = "unhealthy"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    state,
			"providers": providers,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.Idem != nil {
			// Idempotency-Key replays skip the dispatch pipeline entirely.
			r.With(idempotency.Middleware(d.Idem)).Post("/query", QueryHandler(d))
		} else {
			r.Post("/query", QueryHandler(d))
		}
		r.Post("/complexity", ComplexityHandler(d))
		r.Get("/capabilities", CapabilitiesHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/providers", ProvidersListHandler(d))
		r.Post("/providers", ProvidersUpsertHandler(d))
		r.Delete("/providers/{name}", ProvidersDeleteHandler(d))

		r.Get("/stats", StatsHandler(d))
		r.Post("/route/simulate", RouteSimulateHandler(d))

		r.Get("/alerts", AlertsListHandler(d))
		r.Get("/alerts/thresholds", AlertThresholdsHandler(d))
		r.Put("/alerts/thresholds", AlertThresholdsHandler(d))
		r.Post("/alerts/{id}/resolve", AlertResolveHandler(d))

		r.Get("/logs", RequestLogsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))

		r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
		r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
		r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))
		r.Put("/tsdb/retention", TSDBRetentionHandler(d.TSDB))

		r.Get("/vault", VaultStatusHandler(d))
		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Post("/vault/rotate", VaultRotateHandler(d))

		if d.Batch != nil {
			r.Post("/batch", BatchSubmitHandler(d))
			r.Get("/batch", BatchListHandler(d))
			r.Get("/batch/breaker", BatchBreakerHandler(d))
		}

		if d.Events != nil {
			r.Get("/events", SSEHandler(d.Events))
		}
	})

	r.Handle("/metrics", d.Metrics.Handler())
}
