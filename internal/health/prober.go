package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probeable is implemented by provider adapters that expose a health
// endpoint worth polling.
type Probeable interface {
	ID() string
	HealthEndpoint() string
}

// ProberConfig configures the poll loop.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober polls provider health endpoints on a fixed interval and feeds
// the verdicts into the Tracker. It is the recovery path: a provider
// the tracker knocked offline after dispatch failures comes back once
// its endpoint answers again. The target set is fixed at construction;
// providers register at boot.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger
	targets []Probeable
	stop    chan struct{}
	done    chan struct{}
}

// NewProber builds a prober over the given targets. Targets without a
// health endpoint are skipped.
func NewProber(cfg ProberConfig, tracker *Tracker, targets []Probeable, logger *slog.Logger) *Prober {
	kept := make([]Probeable, 0, len(targets))
	for _, t := range targets {
		if t.HealthEndpoint() != "" {
			kept = append(kept, t)
		}
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: kept,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the poll loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop ends the poll loop and waits for the current sweep to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// First sweep right away so the admin surface has verdicts at boot.
	p.sweep()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stop:
			return
		}
	}
}

// sweep probes every target in parallel and waits for all verdicts.
func (p *Prober) sweep() {
	var wg sync.WaitGroup
	for _, t := range p.targets {
		wg.Add(1)
		go func(target Probeable) {
			defer wg.Done()
			p.probe(target)
		}(t)
	}
	wg.Wait()
}

func (p *Prober) probe(target Probeable) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.HealthEndpoint(), nil)
	if err != nil {
		p.tracker.RecordError(target.ID(), "health check: "+err.Error())
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.tracker.RecordError(target.ID(), "health check: "+err.Error())
		p.logger.Warn("health check unreachable",
			slog.String("provider", target.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if reachable(resp.StatusCode) {
		p.tracker.RecordSuccess(target.ID())
		p.logger.Debug("health check ok",
			slog.String("provider", target.ID()),
			slog.Int("status", resp.StatusCode),
			slog.Float64("latency_ms", float64(time.Since(start).Milliseconds())),
		)
		return
	}
	p.tracker.RecordError(target.ID(), "health check: HTTP "+resp.Status)
	p.logger.Warn("health check unhealthy",
		slog.String("provider", target.ID()),
		slog.Int("status", resp.StatusCode),
	)
}

// reachable reports whether the status proves a live endpoint. 401 and
// 405 mean the endpoint exists but wants auth or another method; both
// count as alive for routing purposes.
func reachable(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	return status == http.StatusUnauthorized || status == http.StatusMethodNotAllowed
}
