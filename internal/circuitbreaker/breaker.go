// Package circuitbreaker guards batch submission against a dead
// workflow service. After enough consecutive submission failures the
// breaker opens and batches run synchronously through the dispatcher;
// after a cooldown a single probe submission decides whether durable
// dispatch resumes.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// Closed admits every submission.
	Closed State = iota
	// Open refuses submissions until the cooldown lapses.
	Open
	// HalfOpen has one probe submission in flight; the rest are refused.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultTripAfter = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker counts consecutive submission failures under a single lock.
// One success anywhere resets the streak.
type Breaker struct {
	mu        sync.Mutex
	state     State
	streak    int
	tripAfter int
	cooldown  time.Duration
	openedAt  time.Time
	onChange  func(from, to State)
	clock     func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.tripAfter = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a transition callback. It runs under the
// breaker lock; it must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New builds a closed Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		tripAfter: defaultTripAfter,
		cooldown:  defaultCooldown,
		clock:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next submission may go through the workflow
// service. An open breaker past its cooldown moves to half-open and
// admits exactly one probe; while that probe is pending everything else
// is refused.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock().After(b.openedAt.Add(b.cooldown)) {
			b.transition(HalfOpen)
			return true
		}
		return false
	default: // HalfOpen: the probe owns the slot
		return false
	}
}

// RecordSuccess clears the failure streak. A successful probe closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak = 0
	if b.state == HalfOpen {
		b.transition(Closed)
	}
}

// RecordFailure extends the streak. The breaker opens when the streak
// reaches the threshold, and immediately when a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak++
	switch b.state {
	case Closed:
		if b.streak >= b.tripAfter {
			b.transition(Open)
			b.openedAt = b.clock()
		}
	case HalfOpen:
		b.transition(Open)
		b.openedAt = b.clock()
	}
}

// CurrentState reads the position without consulting the cooldown
// timer; Allow is the one that moves an expired Open to HalfOpen.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is the ops-endpoint view of the breaker.
type Snapshot struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastTripped time.Time `json:"last_tripped,omitempty"`
}

// Stats reports the position, the failure streak, and when the breaker
// last opened.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state.String(),
		Failures:    b.streak,
		LastTripped: b.openedAt,
	}
}

// transition moves the breaker and fires the callback. Caller holds
// b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
