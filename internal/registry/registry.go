// Package registry holds the provider catalog: static descriptors keyed
// by name. Descriptors are immutable once registered; status changes
// swap in a fresh copy under the lock.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// ModelType classifies where a query may run.
type ModelType string

const (
	TypeLocal  ModelType = "local"
	TypeHybrid ModelType = "hybrid"
	TypeRemote ModelType = "remote"
)

// Chain orders model types from most to least capable. Budget downgrades
// and backup searches walk it left to right.
var Chain = []ModelType{TypeRemote, TypeHybrid, TypeLocal}

// ValidType reports whether t is a known model type.
func ValidType(t ModelType) bool {
	switch t {
	case TypeLocal, TypeHybrid, TypeRemote:
		return true
	}
	return false
}

// Status is the advertised availability of a provider.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Default per-call timeouts by model type, milliseconds.
const (
	DefaultRemoteTimeoutMs = 60000
	DefaultLocalTimeoutMs  = 30000
)

// Descriptor describes a registered provider.
type Descriptor struct {
	Name           string      `json:"name"`
	Status         Status      `json:"status"`
	SupportedTypes []ModelType `json:"supported_types"`
	Capabilities   []string    `json:"capabilities"`
	MaxConcurrent  int         `json:"max_concurrent"`
	BaseCost       float64     `json:"base_cost"`
	MaxCost        float64     `json:"max_cost"`
	CostEfficiency float64     `json:"cost_efficiency"`
	Model          string      `json:"model"`
	Endpoint       string      `json:"endpoint,omitempty"`
	TimeoutMs      int         `json:"timeout_ms,omitempty"`
}

// SupportsType reports whether the provider serves queries of type t.
func (d Descriptor) SupportsType(t ModelType) bool {
	for _, st := range d.SupportedTypes {
		if st == t {
			return true
		}
	}
	return false
}

// RemoteOnly reports whether the provider serves no local or hybrid
// traffic. Used to pick the default call timeout.
func (d Descriptor) RemoteOnly() bool {
	return d.SupportsType(TypeRemote) && !d.SupportsType(TypeLocal) && !d.SupportsType(TypeHybrid)
}

// Timeout returns the per-call budget in milliseconds, falling back to
// the type default when the descriptor does not set one.
func (d Descriptor) Timeout() int {
	if d.TimeoutMs > 0 {
		return d.TimeoutMs
	}
	if d.RemoteOnly() {
		return DefaultRemoteTimeoutMs
	}
	return DefaultLocalTimeoutMs
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("provider name required")
	}
	if len(d.SupportedTypes) == 0 {
		return fmt.Errorf("provider %q: at least one supported type required", d.Name)
	}
	for _, t := range d.SupportedTypes {
		if !ValidType(t) {
			return fmt.Errorf("provider %q: unknown model type %q", d.Name, t)
		}
	}
	if d.MaxConcurrent <= 0 {
		return fmt.Errorf("provider %q: max_concurrent must be positive", d.Name)
	}
	if d.BaseCost < 0 || d.MaxCost < 0 {
		return fmt.Errorf("provider %q: costs must be non-negative", d.Name)
	}
	if d.CostEfficiency < 0 || d.CostEfficiency > 1 {
		return fmt.Errorf("provider %q: cost_efficiency must be in [0,1]", d.Name)
	}
	return nil
}

// Registry is the in-memory provider catalog.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{providers: map[string]Descriptor{}}
}

// Register adds a provider. The name must be unused. An empty status
// defaults to online.
func (r *Registry) Register(d Descriptor) error {
	if d.Status == "" {
		d.Status = StatusOnline
	}
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[d.Name]; exists {
		return fmt.Errorf("provider %q already registered", d.Name)
	}
	r.providers[d.Name] = d
	return nil
}

// Replace swaps in a new descriptor for an existing or new provider.
func (r *Registry) Replace(d Descriptor) error {
	if d.Status == "" {
		d.Status = StatusOnline
	}
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[d.Name] = d
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.providers[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.providers))
	for _, d := range r.providers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByType returns descriptors supporting t, sorted by name. Status is
// not filtered here; callers apply their own availability rules.
func (r *Registry) ListByType(t ModelType) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.providers))
	for _, d := range r.providers {
		if d.SupportsType(t) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetStatus replaces the named descriptor with a copy carrying the new
// status.
func (r *Registry) SetStatus(name string, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.providers[name]
	if !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	d.Status = s
	r.providers[name] = d
	return nil
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// ProviderCapabilities is one provider's slice of the capability
// listing.
type ProviderCapabilities struct {
	ProviderName string   `json:"provider_name"`
	Capabilities []string `json:"capabilities"`
}

// Capabilities returns the sorted union of capabilities across online
// providers, plus the per-provider breakdown sorted by name. Degraded
// and offline providers are excluded.
func (r *Registry) Capabilities() (union []string, byProvider []ProviderCapabilities) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for _, d := range r.providers {
		if d.Status != StatusOnline {
			continue
		}
		byProvider = append(byProvider, ProviderCapabilities{
			ProviderName: d.Name,
			Capabilities: append([]string(nil), d.Capabilities...),
		})
		for _, c := range d.Capabilities {
			seen[c] = true
		}
	}
	sort.Slice(byProvider, func(i, j int) bool {
		return byProvider[i].ProviderName < byProvider[j].ProviderName
	})
	union = make([]string, 0, len(seen))
	for c := range seen {
		union = append(union, c)
	}
	sort.Strings(union)
	return union, byProvider
}
