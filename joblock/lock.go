package joblock

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-fulfillment"
)

// LeaseStatus reflects the lifecycle of a stored lease.
type LeaseStatus string

const (
	StatusActive   LeaseStatus = "active"
	StatusReleased LeaseStatus = "released"
	StatusExpired  LeaseStatus = "expired"
)

// Lease is a single job's lock record.
type Lease struct {
	JobName    string
	HolderID   string
	Status     LeaseStatus
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Live reports whether the lease still excludes other holders at the
// given instant.
func (l *Lease) Live(now time.Time) bool {
	if l == nil {
		return false
	}
	return l.Status == StatusActive && now.Before(l.ExpiresAt)
}

// Store persists leases. Get returns (nil, nil) when no lease exists
// for the job. Put overwrites unconditionally; stores that support
// conditional writes should implement ConditionalStore as well.
type Store interface {
	Get(ctx context.Context, jobName string) (*Lease, error)
	Put(ctx context.Context, lease *Lease) error
}

// ConditionalStore is an optional upgrade: PutIfAbsent writes the
// lease only when no live lease exists, reporting false on conflict.
// Managers prefer it over the read-then-write path when available.
type ConditionalStore interface {
	Store
	PutIfAbsent(ctx context.Context, lease *Lease, now time.Time) (bool, error)
}

const (
	CodeJobNameRequired = "JOBLOCK_NAME_REQUIRED"
	CodeNotHolder       = "JOBLOCK_NOT_HOLDER"
)

// Option configures a Manager.
type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(c fulfillment.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l fulfillment.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithIDGenerator(g fulfillment.IDGenerator) Option {
	return func(m *Manager) {
		if g != nil {
			m.idgen = g
		}
	}
}

// Manager hands out TTL leases so scheduled jobs run on a single
// instance at a time. Availability wins over strictness: when the
// store is unreachable the job proceeds without a lease rather than
// stalling the whole schedule. With a plain Store the acquire is a
// read followed by a write, so two instances racing inside that
// window can both proceed; jobs guarded by it must stay safe to run
// twice.
type Manager struct {
	store  Store
	ttl    time.Duration
	clock  fulfillment.Clock
	idgen  fulfillment.IDGenerator
	logger fulfillment.Logger
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ttl:    fulfillment.DefaultJobLockTTL,
		clock:  fulfillment.SystemClock(),
		idgen:  fulfillment.UUIDGenerator(),
		logger: fulfillment.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take the lease for jobName. It returns the held
// lease and true on success, or the competing live lease and false
// when another holder owns it.
func (m *Manager) Acquire(ctx context.Context, jobName string) (*Lease, bool, error) {
	if jobName == "" {
		return nil, false, apperrors.New("job name is required", apperrors.CategoryValidation).
			WithTextCode(CodeJobNameRequired)
	}

	now := m.clock.Now()
	lease := &Lease{
		JobName:    jobName,
		HolderID:   m.idgen.NewID(),
		Status:     StatusActive,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	if cs, ok := m.store.(ConditionalStore); ok {
		return m.acquireConditional(ctx, cs, lease, now)
	}
	return m.acquireReadThenWrite(ctx, lease, now)
}

func (m *Manager) acquireConditional(ctx context.Context, cs ConditionalStore, lease *Lease, now time.Time) (*Lease, bool, error) {
	ok, err := cs.PutIfAbsent(ctx, lease, now)
	if err != nil {
		m.failOpen(lease.JobName, "conditional put", err)
		return lease, true, nil
	}
	if ok {
		return lease, true, nil
	}
	current, err := cs.Get(ctx, lease.JobName)
	if err != nil || current == nil {
		return nil, false, nil
	}
	return current, false, nil
}

func (m *Manager) acquireReadThenWrite(ctx context.Context, lease *Lease, now time.Time) (*Lease, bool, error) {
	current, err := m.store.Get(ctx, lease.JobName)
	if err != nil {
		m.failOpen(lease.JobName, "read", err)
		return lease, true, nil
	}
	if current.Live(now) {
		return current, false, nil
	}
	if err := m.store.Put(ctx, lease); err != nil {
		m.failOpen(lease.JobName, "write", err)
	}
	return lease, true, nil
}

func (m *Manager) failOpen(jobName, op string, err error) {
	m.logger.Warn("job lock %s failed for %s, proceeding without lease: %v", op, jobName, err)
}

// Release marks the lease released so the next acquirer does not wait
// out the TTL. Only the current holder may release; stale holders get
// a conflict error.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.JobName == "" {
		return apperrors.New("job name is required", apperrors.CategoryValidation).
			WithTextCode(CodeJobNameRequired)
	}
	current, err := m.store.Get(ctx, lease.JobName)
	if err != nil {
		m.logger.Warn("job lock release read failed for %s: %v", lease.JobName, err)
		return nil
	}
	if current == nil {
		return nil
	}
	if current.HolderID != lease.HolderID {
		return apperrors.New("lease held by another instance", apperrors.CategoryConflict).
			WithTextCode(CodeNotHolder).
			WithMetadata(map[string]any{"job": lease.JobName, "holder": current.HolderID})
	}
	current.Status = StatusReleased
	if err := m.store.Put(ctx, current); err != nil {
		m.logger.Warn("job lock release write failed for %s: %v", lease.JobName, err)
	}
	return nil
}

// IsNotHolder reports whether err is the stale-holder release conflict.
func IsNotHolder(err error) bool {
	var appErr *apperrors.Error
	return stderrors.As(err, &appErr) && appErr.TextCode == CodeNotHolder
}
