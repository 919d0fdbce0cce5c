// Package memory provides in-process implementations of every store
// contract in the library. They back tests and single-instance
// deployments; cross-instance deployments use the dynamo package.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/breaker"
	"github.com/goliatone/go-fulfillment/idempotency"
	"github.com/goliatone/go-fulfillment/joblock"
)

// orderRecord keeps the last persisted state plus when it got there,
// so the stuck-order scan has something to cut on.
type orderRecord struct {
	state     fulfillment.OrderState
	metadata  map[string]any
	updatedAt time.Time
}

// OrderStore is an in-memory fulfillment.OrderStore and
// fulfillment.StuckOrderScanner.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]orderRecord
	clock  fulfillment.Clock
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: map[string]orderRecord{},
		clock:  fulfillment.SystemClock(),
	}
}

// WithClock overrides the timestamp source. Returns the store for chaining.
func (s *OrderStore) WithClock(c fulfillment.Clock) *OrderStore {
	if c != nil {
		s.clock = c
	}
	return s
}

// Seed places an order directly into a state, bypassing transition checks.
func (s *OrderStore) Seed(orderID string, state fulfillment.OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID] = orderRecord{state: state, updatedAt: s.clock.Now()}
}

func (s *OrderStore) LoadState(_ context.Context, orderID string) (fulfillment.OrderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[orderID].state, nil
}

func (s *OrderStore) PersistState(_ context.Context, orderID string, state fulfillment.OrderState, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID] = orderRecord{
		state:     state,
		metadata:  cloneMetadata(metadata),
		updatedAt: s.clock.Now(),
	}
	return nil
}

// StuckOrders lists orders parked in fulfillment_started since before
// the cutoff.
func (s *OrderStore) StuckOrders(_ context.Context, before time.Time) ([]fulfillment.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stuck []fulfillment.Order
	for id, rec := range s.orders {
		if rec.state == fulfillment.StateFulfillmentStarted && rec.updatedAt.Before(before) {
			stuck = append(stuck, fulfillment.Order{ID: id, State: rec.state})
		}
	}
	return stuck, nil
}

// IdempotencyStore is an in-memory idempotency.Store.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{records: map[string]*idempotency.Record{}}
}

func idemKey(key, source string) string { return source + "::" + key }

func (s *IdempotencyStore) Create(_ context.Context, rec *idempotency.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(rec.Key, rec.Source)
	if _, exists := s.records[k]; exists {
		return false, nil
	}
	cp := *rec
	s.records[k] = &cp
	return true, nil
}

func (s *IdempotencyStore) Get(_ context.Context, key, source string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[idemKey(key, source)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *IdempotencyStore) Update(_ context.Context, rec *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[idemKey(rec.Key, rec.Source)] = &cp
	return nil
}

func (s *IdempotencyStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

// LockStore is an in-memory joblock store. Because it sits behind one
// process mutex it can honor the conditional-write upgrade.
type LockStore struct {
	mu     sync.Mutex
	leases map[string]*joblock.Lease
}

func NewLockStore() *LockStore {
	return &LockStore{leases: map[string]*joblock.Lease{}}
}

func (s *LockStore) Get(_ context.Context, jobName string) (*joblock.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[jobName]
	if !ok {
		return nil, nil
	}
	cp := *lease
	return &cp, nil
}

func (s *LockStore) Put(_ context.Context, lease *joblock.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *lease
	s.leases[lease.JobName] = &cp
	return nil
}

func (s *LockStore) PutIfAbsent(_ context.Context, lease *joblock.Lease, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.leases[lease.JobName]; ok && current.Live(now) {
		return false, nil
	}
	cp := *lease
	s.leases[lease.JobName] = &cp
	return true, nil
}

// BreakerStore is an in-memory breaker.Store, useful when several
// registries in one process must agree on vendor health.
type BreakerStore struct {
	mu     sync.Mutex
	states map[string]breaker.State
}

func NewBreakerStore() *BreakerStore {
	return &BreakerStore{states: map[string]breaker.State{}}
}

func (s *BreakerStore) Load(_ context.Context, slug string) (*breaker.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[slug]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *BreakerStore) Save(_ context.Context, slug string, state breaker.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[slug] = state
	return nil
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
