package quote

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/click4coverage/api/internal/domain"
)

var (
	// ErrSessionNotFound indicates an unknown or expired session id.
	ErrSessionNotFound = errors.New("quote: session not found")
	// ErrCheckoutInFlight indicates a second checkout attempt while one is
	// already running for the session.
	ErrCheckoutInFlight = errors.New("quote: checkout already in progress")
)

// Seed carries query-string prefill values for a new session. Zero values
// leave the corresponding state untouched.
type Seed struct {
	VIN     string
	Mileage int
	Product string
}

// Session pairs a wizard state with the synchronization needed to mutate it
// safely from concurrent requests.
type Session struct {
	ID        string
	CreatedAt time.Time

	clock func() time.Time

	mu             sync.Mutex
	lastTouched    time.Time
	checkoutActive bool
	state          *State
}

// Do runs fn with exclusive access to the session state. The session's idle
// clock restarts on every call.
func (s *Session) Do(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouched = s.clock()
	return fn(s.state)
}

// BeginCheckout marks the session as having a checkout attempt in flight.
// Only one attempt may run at a time.
func (s *Session) BeginCheckout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkoutActive {
		return ErrCheckoutInFlight
	}
	s.checkoutActive = true
	s.lastTouched = s.clock()
	return nil
}

// CheckoutInFlight reports whether a checkout attempt currently owns the
// session. Wizard mutations are rejected while one is running.
func (s *Session) CheckoutInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkoutActive
}

// EndCheckout clears the in-flight marker regardless of outcome.
func (s *Session) EndCheckout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkoutActive = false
	s.lastTouched = s.clock()
}

// Registry holds live quote sessions in memory. Sessions expire after the
// configured idle TTL; there is no persistence across restarts.
type Registry struct {
	ttl   time.Duration
	clock func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	entropy  *ulid.MonotonicEntropy
}

// RegistryDeps configures a Registry. TTL is required; Clock defaults to
// time.Now in UTC.
type RegistryDeps struct {
	TTL   time.Duration
	Clock func() time.Time
}

// NewRegistry builds a session registry.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.TTL <= 0 {
		return nil, errors.New("quote: registry requires a positive ttl")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	wrapped := func() time.Time { return clock().UTC() }
	return &Registry{
		ttl:      deps.TTL,
		clock:    wrapped,
		sessions: make(map[string]*Session),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(wrapped().UnixNano())), 0),
	}, nil
}

// Create starts a new session, applying any query-string seed to the fresh
// state before it is visible to callers.
func (r *Registry) Create(seed Seed) (*Session, error) {
	now := r.clock()
	state := NewState()
	applySeed(state, seed)

	r.mu.Lock()
	defer r.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(now), r.entropy).String()
	session := &Session{
		ID:          id,
		CreatedAt:   now,
		clock:       r.clock,
		lastTouched: now,
		state:       state,
	}
	r.sessions[id] = session
	return session, nil
}

// applySeed records recognised query parameters as form prefill. Seed values
// never populate a vehicle slot directly: the slot fills only when the
// shopper submits details that pass validation. Invalid seed values are
// dropped rather than failing session creation.
func applySeed(state *State, seed Seed) {
	if vin := strings.ToUpper(strings.TrimSpace(seed.VIN)); vin != "" {
		state.Prefill.VIN = vin
	}
	if seed.Mileage > 0 && domain.ValidateOdometer(seed.Mileage) == nil {
		state.Prefill.Mileage = seed.Mileage
	}
	if strings.EqualFold(seed.Product, "home") {
		state.Step = StepHomeSelection
	}
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Delete removes a session immediately.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepExpired drops sessions idle past the TTL and reports how many were
// removed. Sessions with a checkout in flight are never swept.
func (r *Registry) SweepExpired() int {
	cutoff := r.clock().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, session := range r.sessions {
		session.mu.Lock()
		expired := session.lastTouched.Before(cutoff) && !session.checkoutActive
		session.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps expired sessions on the given interval until the context
// is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}
