// Package idempotency replays dispatch replies for retried requests
// carrying an Idempotency-Key header. A key is bound to the body it was
// first used with; reusing it for a different query is a conflict, not
// a replay.
package idempotency

import (
	"sync"
	"time"
)

// Reply is one stored dispatch response.
type Reply struct {
	Status      int
	Body        []byte
	ContentType string
	RequestID   string
	// Fingerprint of the originating request body; a lookup with a
	// different fingerprint means the caller reused the key.
	Fingerprint string
	SavedAt     time.Time
}

// Store holds replies for the replay window. Bounded: at capacity the
// stalest reply is dropped to admit a new one.
type Store struct {
	mu      sync.Mutex
	replies map[string]*Reply
	ttl     time.Duration
	cap     int
	done    chan struct{}
}

// New builds a Store with the given replay window and capacity. A
// janitor goroutine drops expired replies until Stop is called.
func New(ttl time.Duration, capacity int) *Store {
	s := &Store{
		replies: make(map[string]*Reply),
		ttl:     ttl,
		cap:     capacity,
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Lookup resolves a key. conflict is true when the key exists but was
// bound to a different request body.
func (s *Store) Lookup(key, fingerprint string) (reply *Reply, conflict, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.replies[key]
	if !found {
		return nil, false, false
	}
	if time.Since(r.SavedAt) > s.ttl {
		delete(s.replies, key)
		return nil, false, false
	}
	if r.Fingerprint != fingerprint {
		return nil, true, false
	}
	return r, false, true
}

// Save binds key to a reply. An existing reply under the same key is
// left alone; the first dispatch wins.
func (s *Store) Save(key string, reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.replies[key]; exists {
		return
	}
	if len(s.replies) >= s.cap {
		s.dropStalest()
	}
	reply.SavedAt = time.Now()
	s.replies[key] = &reply
}

// Stop ends the janitor goroutine.
func (s *Store) Stop() {
	close(s.done)
}

func (s *Store) janitor() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expire()
		case <-s.done:
			return
		}
	}
}

func (s *Store) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, r := range s.replies {
		if now.Sub(r.SavedAt) > s.ttl {
			delete(s.replies, k)
		}
	}
}

// dropStalest removes the oldest reply. Caller holds s.mu.
func (s *Store) dropStalest() {
	var stalest string
	var at time.Time
	for k, r := range s.replies {
		if stalest == "" || r.SavedAt.Before(at) {
			stalest = k
			at = r.SavedAt
		}
	}
	if stalest != "" {
		delete(s.replies, stalest)
	}
}
