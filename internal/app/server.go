package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/querygate/internal/catalog"
	"github.com/jordanhubbard/querygate/internal/circuitbreaker"
	"github.com/jordanhubbard/querygate/internal/complexity"
	"github.com/jordanhubbard/querygate/internal/events"
	"github.com/jordanhubbard/querygate/internal/gateway"
	"github.com/jordanhubbard/querygate/internal/health"
	"github.com/jordanhubbard/querygate/internal/httpapi"
	"github.com/jordanhubbard/querygate/internal/idempotency"
	"github.com/jordanhubbard/querygate/internal/logging"
	"github.com/jordanhubbard/querygate/internal/metrics"
	"github.com/jordanhubbard/querygate/internal/monitor"
	"github.com/jordanhubbard/querygate/internal/providers"
	"github.com/jordanhubbard/querygate/internal/providers/anthropic"
	"github.com/jordanhubbard/querygate/internal/providers/llama"
	"github.com/jordanhubbard/querygate/internal/providers/openai"
	"github.com/jordanhubbard/querygate/internal/providers/static"
	"github.com/jordanhubbard/querygate/internal/ratelimit"
	"github.com/jordanhubbard/querygate/internal/registry"
	"github.com/jordanhubbard/querygate/internal/router"
	"github.com/jordanhubbard/querygate/internal/temporal"
	"github.com/jordanhubbard/querygate/internal/tracing"
	"github.com/jordanhubbard/querygate/internal/tracker"
	"github.com/jordanhubbard/querygate/internal/tsdb"
	"github.com/jordanhubbard/querygate/internal/vault"
)

// Server owns the wired gateway and its background loops.
type Server struct {
	cfg Config

	r       *chi.Mux
	handler http.Handler

	registry   *registry.Registry
	dispatcher *gateway.Dispatcher
	monitor    *monitor.Monitor
	vault      *vault.Vault
	catalog    *catalog.SQLiteCatalog
	tsdb       *tsdb.Store
	bus        *events.Bus

	sampler     *monitor.Sampler
	prober      *health.Prober
	temporalMgr *temporal.Manager
	limiter     *ratelimit.Limiter
	idem        *idempotency.Store

	tracingShutdown func(context.Context) error
	telemetryDone   chan struct{}
	telemetrySub    *events.Subscriber

	logger *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "querygate",
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	cat, err := catalog.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := cat.Migrate(context.Background()); err != nil {
		cat.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	reg := registry.New()
	bus := events.NewBus()
	met := metrics.New()

	var limiter *ratelimit.Limiter
	if cfg.RateLimitPerSec > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = cfg.RateLimitPerSec * 2
		}
		limiter = ratelimit.New(cfg.RateLimitPerSec, burst,
			ratelimit.WithCounter(met.RateLimitedTotal))
		r.Use(limiter.Middleware)
	}

	var idem *idempotency.Store
	if cfg.IdempotencyTTLSecs > 0 {
		idem = idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, 10000)
	}

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		cat.Close()
		return nil, err
	}
	if salt, blob, err := cat.LoadVaultBlob(context.Background()); err != nil {
		logger.Warn("vault blob load failed", "error", err)
	} else if blob != nil {
		if err := v.Import(salt, blob); err != nil {
			logger.Warn("vault blob import failed", "error", err)
		}
	}
	if cfg.VaultEnabled && cfg.VaultPassword != "" {
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			logger.Warn("vault unlock at startup failed", "error", err)
		} else {
			logger.Info("vault unlocked at startup")
		}
	}

	// Provider adapters keyed from the vault when it is open, the
	// environment otherwise; descriptors from the catalog when an admin
	// has persisted overrides.
	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	adapters := registerProviders(reg, v, timeout, logger)
	if persisted, err := cat.ListProviders(context.Background()); err != nil {
		logger.Warn("catalog provider load failed", "error", err)
	} else {
		for _, d := range persisted {
			if _, ok := adapters[d.Name]; !ok {
				continue // descriptor without an adapter is unreachable
			}
			if err := reg.Replace(d); err != nil {
				logger.Warn("catalog descriptor rejected", "provider", d.Name, "error", err)
			}
		}
	}

	trk := tracker.New(func(name string) (int, bool) {
		d, ok := reg.Get(name)
		return d.MaxConcurrent, ok
	})
	rt := router.New(reg, trk, router.Config{
		LocalThreshold:  cfg.LocalThreshold,
		RemoteThreshold: cfg.RemoteThreshold,
	})

	mon := monitor.New(alertThresholds(cfg, cat, logger),
		monitor.WithEventBus(bus), monitor.WithMetrics(met))

	ht := health.NewTracker(health.DefaultConfig(),
		health.WithEventBus(bus), health.WithRegistry(reg))

	ts, err := tsdb.New(cat.DB())
	if err != nil {
		cat.Close()
		return nil, err
	}

	disp := gateway.NewDispatcher(gateway.NewValidator(), complexity.New(), rt, trk, reg, adapters, mon, logger,
		gateway.WithMetrics(met), gateway.WithEventBus(bus), gateway.WithHealth(ht))

	sampler := monitor.NewSampler(mon, time.Duration(cfg.ResourceSampleSecs)*time.Second, logger)
	sampler.Start()

	var targets []health.Probeable
	for _, a := range adapters {
		if p, ok := a.(health.Probeable); ok && p.HealthEndpoint() != "" {
			targets = append(targets, p)
		}
	}
	prober := health.NewProber(health.DefaultProberConfig(), ht, targets, logger)
	prober.Start()

	s := &Server{
		cfg:             cfg,
		r:               r,
		registry:        reg,
		dispatcher:      disp,
		monitor:         mon,
		vault:           v,
		catalog:         cat,
		tsdb:            ts,
		bus:             bus,
		sampler:         sampler,
		prober:          prober,
		limiter:         limiter,
		idem:            idem,
		tracingShutdown: tracingShutdown,
		logger:          logger,
	}
	s.startTelemetry()

	var mgr *temporal.Manager
	if cfg.TemporalEnabled {
		acts := &temporal.Activities{Dispatcher: disp, EventBus: bus}
		mgr, err = temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			logger.Warn("temporal unavailable, batches run synchronously", "error", err)
			mgr = nil
		} else if err := mgr.Start(); err != nil {
			logger.Warn("temporal worker start failed, batches run synchronously", "error", err)
			mgr.Stop()
			mgr = nil
		}
	}
	s.temporalMgr = mgr
	breaker := circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("batch breaker state change",
			slog.String("from", from.String()), slog.String("to", to.String()))
	}))
	batch := temporal.NewSubmitter(mgr, disp, breaker, bus, met, logger)

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Dispatcher: disp,
		Evaluator:  complexity.New(),
		Registry:   reg,
		Tracker:    trk,
		Router:     rt,
		Monitor:    mon,
		Health:     ht,
		Metrics:    met,
		Events:     bus,
		TSDB:       ts,
		Catalog:    cat,
		Vault:      v,
		Batch:      batch,
		Idem:       idem,
		Logger:     logger,
	})

	s.handler = tracing.Middleware("querygate.http")(r)
	return s, nil
}

// Router returns the HTTP handler with tracing middleware applied.
func (s *Server) Router() http.Handler { return s.handler }

// Reload re-reads the runtime-adjustable settings. Invoked on SIGHUP.
func (s *Server) Reload() {
	level := getEnv("QUERYGATE_LOG_LEVEL", s.cfg.LogLevel)
	logging.SetLevel(level)
	s.logger.Info("config reloaded", slog.String("log_level", level))
}

// Close stops background loops and flushes state.
func (s *Server) Close() error {
	if s.temporalMgr != nil {
		s.temporalMgr.Stop()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.telemetrySub != nil {
		s.bus.Unsubscribe(s.telemetrySub)
		<-s.telemetryDone
	}
	if s.tsdb != nil {
		s.tsdb.Flush()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.catalog != nil {
		return s.catalog.Close()
	}
	return nil
}

// startTelemetry feeds dispatch events into the telemetry sink and the
// persisted request log.
func (s *Server) startTelemetry() {
	sub := s.bus.Subscribe(256)
	done := make(chan struct{})
	s.telemetrySub = sub
	s.telemetryDone = done
	go func() {
		defer close(done)
		for {
			select {
			case <-sub.Done():
				return
			case ev := <-sub.C:
				switch ev.Type {
				case events.EventDispatchOK:
					s.tsdb.Write(tsdb.Point{Timestamp: ev.Timestamp, Metric: tsdb.MetricLatencyMs, Provider: ev.Provider, Value: ev.LatencyMs})
					s.tsdb.Write(tsdb.Point{Timestamp: ev.Timestamp, Metric: tsdb.MetricCostUSD, Provider: ev.Provider, Value: ev.CostUSD})
					s.tsdb.Write(tsdb.Point{Timestamp: ev.Timestamp, Metric: tsdb.MetricComplexity, Provider: ev.Provider, Value: ev.Score})
					s.logRequest(ev, true)
				case events.EventDispatchError:
					s.logRequest(ev, false)
				}
			}
		}
	}()
}

func (s *Server) logRequest(ev events.Event, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.catalog.LogRequest(ctx, catalog.RequestLog{
		Timestamp:  ev.Timestamp,
		RequestID:  ev.RequestID,
		Provider:   ev.Provider,
		ModelType:  ev.ModelType,
		Complexity: ev.Score,
		CostUSD:    ev.CostUSD,
		LatencyMs:  int64(ev.LatencyMs),
		Success:    success,
		ErrorCode:  ev.ErrorCode,
		Fallback:   ev.Reason == "fallback",
	})
	if err != nil {
		s.logger.Warn("request log write failed", "error", err)
	}
}

// alertThresholds merges config overrides over the monitor defaults,
// preferring a persisted admin override when one exists.
func alertThresholds(cfg Config, cat catalog.Catalog, logger *slog.Logger) monitor.Thresholds {
	t := monitor.DefaultThresholds()
	if cfg.AlertErrorRate > 0 {
		t.ErrorRate = cfg.AlertErrorRate
	}
	if cfg.AlertLatencyMs > 0 {
		t.AvgLatencyMs = cfg.AlertLatencyMs
	}
	if cfg.AlertCostDailyUSD > 0 {
		t.CostDailyUSD = cfg.AlertCostDailyUSD
	}
	if cfg.AlertCostMonthlyUSD > 0 {
		t.CostMonthlyUSD = cfg.AlertCostMonthlyUSD
	}
	rec, err := cat.LoadThresholds(context.Background())
	if err != nil {
		logger.Warn("threshold load failed", "error", err)
		return t
	}
	if rec != nil {
		t = monitor.Thresholds{
			ErrorRate:      rec.ErrorRate,
			AvgLatencyMs:   rec.AvgLatencyMs,
			MemoryFraction: rec.MemoryFraction,
			CPUFraction:    rec.CPUFraction,
			CostDailyUSD:   rec.CostDailyUSD,
			CostMonthlyUSD: rec.CostMonthlyUSD,
		}
	}
	return t
}

// Vault key names for remote provider credentials.
const (
	vaultKeyOpenAI    = "openai_api_key"
	vaultKeyAnthropic = "anthropic_api_key"
)

// providerKey resolves a remote provider credential: the open vault
// wins, the environment is the fallback.
func providerKey(v *vault.Vault, vaultKey, envVar string) string {
	if v != nil && v.Enabled() && !v.IsLocked() {
		if key, err := v.Get(vaultKey); err == nil && key != "" {
			return key
		}
	}
	return os.Getenv(envVar)
}

// registerProviders builds adapters and registry descriptors from the
// vault and the environment. With nothing configured the gateway
// registers static echo providers so a dev instance answers out of the
// box.
func registerProviders(reg *registry.Registry, v *vault.Vault, timeout time.Duration, logger *slog.Logger) map[string]providers.Adapter {
	adapters := map[string]providers.Adapter{}

	register := func(d registry.Descriptor, a providers.Adapter) {
		if err := reg.Register(d); err != nil {
			logger.Warn("provider registration failed", "provider", d.Name, "error", err)
			return
		}
		adapters[d.Name] = a
		logger.Info("registered provider",
			slog.String("provider", d.Name), slog.String("model", d.Model))
	}

	if eps := os.Getenv("QUERYGATE_LLAMA_ENDPOINTS"); eps != "" {
		for i, ep := range strings.Split(eps, ",") {
			ep = strings.TrimSpace(ep)
			if ep == "" {
				continue
			}
			name := "llama-local"
			if i > 0 {
				name = "llama-local-" + strings.NewReplacer("://", "-", ":", "-", "/", "").Replace(ep)
			}
			register(registry.Descriptor{
				Name:           name,
				SupportedTypes: []registry.ModelType{registry.TypeLocal},
				Capabilities:   []string{"chat"},
				MaxConcurrent:  4,
				BaseCost:       0.0005,
				MaxCost:        0.01,
				CostEfficiency: 0.95,
				Model:          "llama-3-8b",
				Endpoint:       ep,
			}, llama.New(name, ep, llama.WithTimeout(timeout)))
		}
	}

	if ep := os.Getenv("QUERYGATE_HYBRID_ENDPOINT"); ep != "" {
		register(registry.Descriptor{
			Name:           "hybrid-efficient",
			SupportedTypes: []registry.ModelType{registry.TypeHybrid},
			Capabilities:   []string{"chat", "classification"},
			MaxConcurrent:  8,
			BaseCost:       0.005,
			MaxCost:        0.05,
			CostEfficiency: 0.85,
			Model:          "mixtral-8x7b",
			Endpoint:       ep,
		}, llama.New("hybrid-efficient", ep, llama.WithTimeout(timeout)))
	}

	if key := providerKey(v, vaultKeyOpenAI, "QUERYGATE_OPENAI_API_KEY"); key != "" {
		register(registry.Descriptor{
			Name:           "gpt-remote",
			SupportedTypes: []registry.ModelType{registry.TypeRemote},
			Capabilities:   []string{"chat", "code", "reasoning"},
			MaxConcurrent:  16,
			BaseCost:       0.03,
			MaxCost:        0.5,
			CostEfficiency: 0.6,
			Model:          "gpt-4o",
			Endpoint:       "https://api.openai.com",
		}, openai.New("gpt-remote", key, "https://api.openai.com", openai.WithTimeout(timeout)))
	}

	if key := providerKey(v, vaultKeyAnthropic, "QUERYGATE_ANTHROPIC_API_KEY"); key != "" {
		register(registry.Descriptor{
			Name:           "claude-remote",
			SupportedTypes: []registry.ModelType{registry.TypeRemote},
			Capabilities:   []string{"chat", "code", "reasoning"},
			MaxConcurrent:  16,
			BaseCost:       0.03,
			MaxCost:        0.5,
			CostEfficiency: 0.65,
			Model:          "claude-sonnet-4",
			Endpoint:       "https://api.anthropic.com",
		}, anthropic.New("claude-remote", key, "https://api.anthropic.com", anthropic.WithTimeout(timeout)))
	}

	if len(adapters) == 0 {
		logger.Warn("no providers configured, registering static echo providers")
		for _, d := range []registry.Descriptor{
			{Name: "static-local", SupportedTypes: []registry.ModelType{registry.TypeLocal},
				Capabilities: []string{"chat"}, MaxConcurrent: 4,
				BaseCost: 0.0005, MaxCost: 0.01, CostEfficiency: 0.95, Model: "static-echo"},
			{Name: "static-hybrid", SupportedTypes: []registry.ModelType{registry.TypeHybrid},
				Capabilities: []string{"chat"}, MaxConcurrent: 4,
				BaseCost: 0.005, MaxCost: 0.05, CostEfficiency: 0.85, Model: "static-echo"},
			{Name: "static-remote", SupportedTypes: []registry.ModelType{registry.TypeRemote},
				Capabilities: []string{"chat"}, MaxConcurrent: 4,
				BaseCost: 0.03, MaxCost: 0.5, CostEfficiency: 0.6, Model: "static-echo"},
		} {
			register(d, static.New(d.Name))
		}
	}

	return adapters
}
