// Package breaker gates vendor calls behind per-vendor circuit breakers.
// Mode changes are evaluated lazily on read rather than by background timers,
// which suits a stateless execution environment. Breaker state is two-tiered:
// an in-process cache authoritative for one invocation, and an optional
// external store reconciled across instances by write-through.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
)

// Mode is the breaker position for one vendor.
type Mode string

const (
	ModeClosed   Mode = "closed"
	ModeOpen     Mode = "open"
	ModeHalfOpen Mode = "half_open"
)

// State is the breaker record for one vendor slug. Created lazily on first
// reference; never deleted, only reset.
type State struct {
	Mode        Mode
	Failures    int
	Successes   int // meaningful only in half_open
	LastFailure time.Time
	ChangedAt   time.Time
}

// Store persists breaker state across process instances. Load returns
// (nil, nil) when no record exists.
type Store interface {
	Load(ctx context.Context, slug string) (*State, error)
	Save(ctx context.Context, slug string, state State) error
}

// Settings tunes every breaker in a registry.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = fulfillment.DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = fulfillment.DefaultResetTimeout
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = fulfillment.DefaultSuccessThreshold
	}
	return s
}

// Registry holds one breaker per vendor slug. Explicitly injected rather
// than process-global so tests can isolate vendors.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	states   map[string]*State
	store    Store
	clock    fulfillment.Clock
	logger   fulfillment.Logger
}

// Option customizes a registry.
type Option func(*Registry)

// WithStore enables write-through persistence of breaker state.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithClock sets the time source.
func WithClock(c fulfillment.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l fulfillment.Logger) Option {
	return func(r *Registry) { r.logger = fulfillment.NormalizeLogger(l) }
}

// NewRegistry constructs a breaker registry.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{
		settings: settings.normalized(),
		states:   make(map[string]*State),
		clock:    fulfillment.SystemClock(),
		logger:   fulfillment.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Allow reports whether a call to the vendor may proceed. Only a strictly
// open breaker refuses; half_open calls act as probes. An open breaker whose
// reset timeout has elapsed flips to half_open on this evaluation.
func (r *Registry) Allow(ctx context.Context, slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.load(ctx, slug)
	switch state.Mode {
	case ModeOpen:
		if r.clock.Now().Sub(state.LastFailure) >= r.settings.ResetTimeout {
			state.Mode = ModeHalfOpen
			state.Successes = 0
			state.ChangedAt = r.clock.Now()
			r.writeThrough(ctx, slug, *state)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds one successful vendor call into the breaker.
func (r *Registry) RecordSuccess(ctx context.Context, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.load(ctx, slug)
	switch state.Mode {
	case ModeHalfOpen:
		state.Successes++
		if state.Successes >= r.settings.SuccessThreshold {
			state.Mode = ModeClosed
			state.Failures = 0
			state.Successes = 0
			state.ChangedAt = r.clock.Now()
		}
	default:
		state.Failures = 0
	}
	r.writeThrough(ctx, slug, *state)
}

// RecordFailure feeds one failed vendor call into the breaker. A half_open
// failure reopens immediately and resets the failure clock.
func (r *Registry) RecordFailure(ctx context.Context, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	state := r.load(ctx, slug)
	switch state.Mode {
	case ModeHalfOpen:
		state.Mode = ModeOpen
		state.Successes = 0
		state.LastFailure = now
		state.ChangedAt = now
	case ModeOpen:
		state.LastFailure = now
	default:
		state.Failures++
		state.LastFailure = now
		if state.Failures >= r.settings.FailureThreshold {
			state.Mode = ModeOpen
			state.ChangedAt = now
		}
	}
	r.writeThrough(ctx, slug, *state)
}

// Snapshot returns a copy of the breaker state for one vendor.
func (r *Registry) Snapshot(ctx context.Context, slug string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.load(ctx, slug)
}

// Reset returns one vendor's breaker to closed with zeroed counters.
func (r *Registry) Reset(ctx context.Context, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.load(ctx, slug)
	*state = State{Mode: ModeClosed, ChangedAt: r.clock.Now()}
	r.writeThrough(ctx, slug, *state)
}

// load returns the cached state for slug, preferring the external store when
// one is configured. Must be called with the mutex held.
func (r *Registry) load(ctx context.Context, slug string) *State {
	if r.store != nil {
		stored, err := r.store.Load(ctx, slug)
		if err != nil {
			r.logger.Warn("breaker store read failed for %s: %v", slug, err)
		} else if stored != nil {
			cp := *stored
			r.states[slug] = &cp
		}
	}
	state, ok := r.states[slug]
	if !ok {
		state = &State{Mode: ModeClosed, ChangedAt: r.clock.Now()}
		r.states[slug] = state
	}
	return state
}

// writeThrough persists a mutation best-effort. Must be called with the
// mutex held.
func (r *Registry) writeThrough(ctx context.Context, slug string, state State) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, slug, state); err != nil {
		r.logger.Warn("breaker store write failed for %s: %v", slug, err)
	}
}
