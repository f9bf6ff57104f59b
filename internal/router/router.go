// Package router turns a complexity score into a provider decision. The
// score picks a model type (local, hybrid, remote), live registry and
// tracker state filter the candidates, and a weighted composite of
// headroom, cost efficiency, and historical performance ranks them.
package router

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/jordanhubbard/querygate/internal/apierr"
	"github.com/jordanhubbard/querygate/internal/registry"
	"github.com/jordanhubbard/querygate/internal/tracker"
)

// Default complexity thresholds separating the type bands.
const (
	DefaultLocalThreshold  = 0.3
	DefaultRemoteThreshold = 0.7
)

// Candidate score weights.
const (
	loadWeight = 0.4
	costWeight = 0.3
	perfWeight = 0.3
)

// downgradeScore is the fixed complexity used to re-estimate cost at
// each step of the budget downgrade chain.
const downgradeScore = 0.5

// Metadata keys the router consults.
const (
	MetaBudget            = "budget"
	MetaPreferredProvider = "preferredProvider"
)

// Config carries the score thresholds. Zero values fall back to the
// defaults.
type Config struct {
	LocalThreshold  float64
	RemoteThreshold float64
}

// Decision is the outcome of routing one request.
type Decision struct {
	Provider       string             `json:"provider"`
	Model          string             `json:"model"`
	ModelType      registry.ModelType `json:"model_type"`
	EstimatedCost  float64            `json:"estimated_cost"`
	IsBackup       bool               `json:"is_backup"`
	CostDowngraded bool               `json:"was_cost_downgraded"`
	Reason         string             `json:"reason"`
}

// Candidate pairs a descriptor with its runtime stats and composite
// score. The dry-run endpoint exposes the ranked list directly.
type Candidate struct {
	Descriptor registry.Descriptor `json:"descriptor"`
	Stats      tracker.Stats       `json:"stats"`
	Score      float64             `json:"score"`
}

// Router maps (score, budget, metadata) onto a provider decision.
type Router struct {
	reg *registry.Registry
	trk *tracker.Tracker
	cfg Config
}

// New returns a Router over the given registry and tracker.
func New(reg *registry.Registry, trk *tracker.Tracker, cfg Config) *Router {
	if cfg.LocalThreshold <= 0 {
		cfg.LocalThreshold = DefaultLocalThreshold
	}
	if cfg.RemoteThreshold <= 0 {
		cfg.RemoteThreshold = DefaultRemoteThreshold
	}
	return &Router{reg: reg, trk: trk, cfg: cfg}
}

// TypeForScore maps a complexity score onto a model type. The local
// band is half-open: a score exactly at the lower threshold is hybrid,
// exactly at the upper threshold remote.
func (r *Router) TypeForScore(score float64) registry.ModelType {
	switch {
	case score >= r.cfg.RemoteThreshold:
		return registry.TypeRemote
	case score >= r.cfg.LocalThreshold:
		return registry.TypeHybrid
	default:
		return registry.TypeLocal
	}
}

// Candidates returns providers able to take a query of type t right
// now: not offline, supporting t, under their concurrency limit. Ranked
// by composite score, ties broken by name.
func (r *Router) Candidates(t registry.ModelType) []Candidate {
	var out []Candidate
	for _, d := range r.reg.ListByType(t) {
		if d.Status == registry.StatusOffline {
			continue
		}
		s := r.trk.Snapshot(d.Name)
		if s.Inflight >= d.MaxConcurrent {
			continue
		}
		out = append(out, Candidate{Descriptor: d, Stats: s, Score: compositeScore(d, s)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

// compositeScore weighs admission headroom, cost efficiency, and
// historical performance. Before the first sample the descriptor's own
// efficiency seeds the cost term.
func compositeScore(d registry.Descriptor, s tracker.Stats) float64 {
	load := 1 - float64(s.Inflight)/float64(d.MaxConcurrent)
	cost := s.EMACostEfficiency
	if s.Samples == 0 && d.CostEfficiency > 0 {
		cost = d.CostEfficiency
	}
	perf := s.EMASuccessRate * 1000 / (s.EMALatencyMs + 100)
	return loadWeight*load + costWeight*cost + perfWeight*perf
}

// EstimateCost prices a call: base cost scaled by complexity and query
// length, capped at the provider's max when one is set.
func EstimateCost(d registry.Descriptor, score float64, queryLength int) float64 {
	est := d.BaseCost * (1 + score) * (1 + float64(queryLength)/1000)
	if d.MaxCost > 0 && est > d.MaxCost {
		est = d.MaxCost
	}
	return est
}

// Route picks a provider for the given complexity score. queryLength is
// the query's code-point length; meta supplies the budget and the
// advisory provider preference. A budget that the chosen type cannot
// meet triggers the downgrade chain; an exhausted chain fails with
// COST_LIMIT_EXCEEDED.
func (r *Router) Route(score float64, queryLength int, meta map[string]string) (Decision, error) {
	t := r.TypeForScore(score)
	dec, err := r.pick(t, score, queryLength, meta[MetaPreferredProvider])
	if err != nil {
		return Decision{}, err
	}

	budget, ok := parseBudget(meta[MetaBudget])
	if !ok || dec.EstimatedCost <= budget {
		return dec, nil
	}
	return r.downgrade(t, budget, queryLength)
}

// downgrade walks the chain below from, taking a fresh decision per
// step at the fixed downgrade score. The first step whose estimate fits
// the budget wins; steps with no candidates are skipped.
func (r *Router) downgrade(from registry.ModelType, budget float64, queryLength int) (Decision, error) {
	idx := chainIndex(from)
	for _, t := range registry.Chain[idx+1:] {
		dec, err := r.pick(t, downgradeScore, queryLength, "")
		if err != nil {
			continue
		}
		if dec.EstimatedCost <= budget {
			dec.CostDowngraded = true
			dec.Reason = fmt.Sprintf("downgraded to %s to fit budget %.4f", t, budget)
			return dec, nil
		}
	}
	return Decision{}, apierr.Errorf(apierr.CostLimitExceeded, "no provider fits budget %.4f", budget)
}

// BackupFor returns a decision for the best candidate of the same type
// excluding primary, walking down the chain when the type has none
// left. The bool is false when the whole chain is exhausted.
func (r *Router) BackupFor(primary string, t registry.ModelType, score float64, queryLength int) (Decision, bool) {
	for idx := chainIndex(t); idx < len(registry.Chain); idx++ {
		for _, c := range r.Candidates(registry.Chain[idx]) {
			if c.Descriptor.Name == primary {
				continue
			}
			return Decision{
				Provider:      c.Descriptor.Name,
				Model:         c.Descriptor.Model,
				ModelType:     registry.Chain[idx],
				EstimatedCost: EstimateCost(c.Descriptor, score, queryLength),
				IsBackup:      true,
				Reason:        fmt.Sprintf("backup for %s", primary),
			}, true
		}
	}
	return Decision{}, false
}

func (r *Router) pick(t registry.ModelType, score float64, queryLength int, preferred string) (Decision, error) {
	cands := r.Candidates(t)
	if len(cands) == 0 {
		return Decision{}, apierr.Errorf(apierr.ModelUnavailable, "no %s provider available", t)
	}
	chosen := cands[0]
	reason := fmt.Sprintf("best of %d %s candidates", len(cands), t)
	if preferred != "" {
		for _, c := range cands {
			if c.Descriptor.Name == preferred {
				chosen = c
				reason = "preferred provider"
				break
			}
		}
	}
	return Decision{
		Provider:      chosen.Descriptor.Name,
		Model:         chosen.Descriptor.Model,
		ModelType:     t,
		EstimatedCost: EstimateCost(chosen.Descriptor, score, queryLength),
		Reason:        reason,
	}, nil
}

// parseBudget accepts the budget only when it parses as a positive
// real; anything else means unbudgeted.
func parseBudget(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	b, err := strconv.ParseFloat(s, 64)
	if err != nil || b <= 0 {
		return 0, false
	}
	return b, true
}

func chainIndex(t registry.ModelType) int {
	for i, c := range registry.Chain {
		if c == t {
			return i
		}
	}
	return len(registry.Chain) - 1
}
