// Package health watches provider call outcomes and drives the
// registry's provider status: consecutive failures demote a provider to
// degraded and then offline (with a cooldown), a success restores it.
package health

import (
	"sync"
	"time"

	"github.com/jordanhubbard/querygate/internal/events"
	"github.com/jordanhubbard/querygate/internal/registry"
)

// State is the tracked health of one provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// RegistryStatus maps a health state onto the advertised provider
// status.
func RegistryStatus(s State) registry.Status {
	switch s {
	case StateDegraded:
		return registry.StatusDegraded
	case StateDown:
		return registry.StatusOffline
	default:
		return registry.StatusOnline
	}
}

// Stats captures runtime health for a single provider.
type Stats struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig sets the transition thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: consecutive errors before the provider is
	// marked degraded.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: consecutive errors before the provider is
	// taken offline.
	ConsecErrorsForDown int
	// CooldownDuration: how long an offline provider stays offline
	// before a probe may bring it back.
	CooldownDuration time.Duration
}

// DefaultConfig returns the fleet defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks health for all providers. State transitions are pushed
// to the registry and published on the event bus when either is
// attached.
type Tracker struct {
	cfg TrackerConfig
	bus *events.Bus
	reg *registry.Registry

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus publishes provider status transitions as events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithRegistry applies state transitions to the registry's provider
// status.
func WithRegistry(reg *registry.Registry) TrackerOption {
	return func(t *Tracker) { t.reg = reg }
}

// NewTracker creates a health tracker.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{cfg: cfg, stats: make(map[string]*Stats)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess notes a successful call. Any non-healthy state clears.
func (t *Tracker) RecordSuccess(provider string) {
	t.mu.Lock()
	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}
	newState := s.State
	t.mu.Unlock()

	t.transition(provider, oldState, newState, "success recorded")
}

// RecordError notes a failed call and applies the threshold transitions.
func (t *Tracker) RecordError(provider string, errMsg string) {
	t.mu.Lock()
	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = time.Now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}
	newState := s.State
	t.mu.Unlock()

	t.transition(provider, oldState, newState, errMsg)
}

// transition applies a state change to the registry and publishes it.
// No-op when the state did not actually change.
func (t *Tracker) transition(provider string, oldState, newState State, reason string) {
	if oldState == newState {
		return
	}
	if t.reg != nil {
		_ = t.reg.SetStatus(provider, RegistryStatus(newState))
	}
	if t.bus != nil {
		t.bus.Publish(events.Event{
			Type:      events.EventProviderStatus,
			Provider:  provider,
			OldStatus: string(RegistryStatus(oldState)),
			NewStatus: string(RegistryStatus(newState)),
			Reason:    reason,
		})
	}
}

// IsAvailable reports whether a provider should receive probes or
// traffic. Down providers stay unavailable until their cooldown passes.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok {
		return true // unknown provider is assumed available
	}
	if s.State == StateDown && time.Now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// GetStats returns a copy of the health stats for a provider.
func (t *Tracker) GetStats(provider string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok {
		return &Stats{Provider: provider, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known providers.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// ErrorRate returns the lifetime error fraction for a provider.
func (t *Tracker) ErrorRate(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[provider]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

func (t *Tracker) getOrCreate(provider string) *Stats {
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	return s
}
