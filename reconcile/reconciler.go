// Package reconcile runs the scheduled maintenance pass: sweep expired
// idempotency records and rescue orders stuck mid-fulfillment. The
// work is idempotent end to end, which is what lets the job lock stay
// advisory.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/idempotency"
	"github.com/goliatone/go-fulfillment/joblock"
	"github.com/goliatone/go-fulfillment/lifecycle"
)

// JobName identifies the reconciliation lease across instances.
const JobName = "fulfillment-reconcile"

// Report summarizes one reconciliation pass.
type Report struct {
	Skipped      bool // another instance held the lease
	SweptRecords int
	StuckOrders  int
	Escalated    int
}

// Reconciler owns the maintenance pass. All collaborators are injected.
type Reconciler struct {
	guard      *idempotency.Guard
	locks      *joblock.Manager
	scanner    fulfillment.StuckOrderScanner
	machine    *lifecycle.Machine
	staleAfter time.Duration
	clock      fulfillment.Clock
	logger     fulfillment.Logger
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithLocks guards the pass with a cross-instance lease. Without it
// every instance runs the pass, which is safe but wasteful.
func WithLocks(m *joblock.Manager) Option {
	return func(r *Reconciler) { r.locks = m }
}

func WithStaleAfter(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

func WithClock(c fulfillment.Clock) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l fulfillment.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(guard *idempotency.Guard, scanner fulfillment.StuckOrderScanner, machine *lifecycle.Machine, opts ...Option) *Reconciler {
	r := &Reconciler{
		guard:      guard,
		scanner:    scanner,
		machine:    machine,
		staleAfter: fulfillment.DefaultStaleAfter,
		clock:      fulfillment.SystemClock(),
		logger:     fulfillment.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one pass. The idempotency sweep and the stuck-order
// rescue are independent, so they run concurrently; the first error
// cancels the other.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	log := r.logger.WithContext(ctx)

	if r.locks != nil {
		lease, acquired, err := r.locks.Acquire(ctx, JobName)
		if err != nil {
			return nil, err
		}
		if !acquired {
			log.Info("reconciliation lease held by %s, skipping", lease.HolderID)
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := r.locks.Release(ctx, lease); err != nil {
				log.Warn("reconciliation lease release failed: %v", err)
			}
		}()
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		swept, err := r.guard.Sweep(groupCtx)
		if err != nil {
			return fmt.Errorf("idempotency sweep: %w", err)
		}
		report.SweptRecords = swept
		return nil
	})

	group.Go(func() error {
		stuck, escalated, err := r.rescueStuck(groupCtx)
		if err != nil {
			return fmt.Errorf("stuck order rescue: %w", err)
		}
		report.StuckOrders = stuck
		report.Escalated = escalated
		return nil
	})

	if err := group.Wait(); err != nil {
		return report, err
	}
	log.Info("reconciliation pass done swept=%d stuck=%d escalated=%d",
		report.SweptRecords, report.StuckOrders, report.Escalated)
	return report, nil
}

// rescueStuck moves orders parked in fulfillment_started past the
// cutoff into pending_manual_fulfillment so a human picks them up.
// The transition itself raises the operator alert.
func (r *Reconciler) rescueStuck(ctx context.Context) (stuck, escalated int, err error) {
	cutoff := r.clock.Now().Add(-r.staleAfter)
	orders, err := r.scanner.StuckOrders(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	log := r.logger.WithContext(ctx)

	for _, order := range orders {
		stuck++
		_, terr := r.machine.Transition(ctx, lifecycle.Request{
			OrderID:       order.ID,
			CorrelationID: order.CorrelationID,
			Target:        fulfillment.StatePendingManual,
			Metadata:      map[string]any{"rescued_by": JobName},
		})
		if terr != nil {
			// a concurrent run may have advanced the order already
			log.Warn("stuck order %s not rescued: %v", order.ID, terr)
			continue
		}
		escalated++
	}
	return stuck, escalated, nil
}
