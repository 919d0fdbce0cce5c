// Package failover invokes interchangeable vendors in priority order with
// bounded per-vendor retries, handing off to the next vendor when one is
// exhausted. First success wins; there is no quorum.
package failover

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/breaker"
)

const (
	ErrCodeNoActiveVendors = "FAILOVER_NO_ACTIVE_VENDORS"
	ErrCodeAllCircuitsOpen = "FAILOVER_ALL_CIRCUITS_OPEN"
	ErrCodeExhausted       = "FAILOVER_EXHAUSTED"
)

var (
	// ErrNoActiveVendors means configuration is broken; retrying will not help.
	ErrNoActiveVendors = apperrors.New("no active vendors configured", apperrors.CategoryValidation).
				WithTextCode(ErrCodeNoActiveVendors)
	// ErrAllCircuitsOpen means every active vendor is tripped; try again later.
	ErrAllCircuitsOpen = apperrors.New("all vendor circuits open", apperrors.CategoryExternal).
				WithTextCode(ErrCodeAllCircuitsOpen)
	ErrExhausted = apperrors.New("all vendors exhausted", apperrors.CategoryExternal).
			WithTextCode(ErrCodeExhausted)
)

// ErrorCode extracts the failover text code from an error, if present.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// Event records one handoff between vendors during a single call.
type Event struct {
	From   string
	To     string
	Reason string
	At     time.Time
}

// Result carries the outcome of one failover run. On exhaustion it holds
// enough detail for a human to diagnose without re-querying each vendor.
type Result struct {
	Artifact       *fulfillment.Artifact
	VendorUsed     string
	Attempted      []string
	Attempts       []fulfillment.Attempt
	Events         []Event
	FailureReasons map[string]string
}

// Engine coordinates breaker-gated vendor invocation.
type Engine struct {
	breakers *breaker.Registry
	backoff  *Backoff
	sleep    func(ctx context.Context, d time.Duration) error
	clock    fulfillment.Clock
	logger   fulfillment.Logger
}

// Option customizes an engine.
type Option func(*Engine)

// WithBackoff overrides the retry delay policy.
func WithBackoff(b *Backoff) Option {
	return func(e *Engine) {
		if b != nil {
			e.backoff = b
		}
	}
}

// WithSleep overrides the delay primitive; tests use a recording stub.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithClock sets the time source.
func WithClock(c fulfillment.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l fulfillment.Logger) Option {
	return func(e *Engine) { e.logger = fulfillment.NormalizeLogger(l) }
}

// NewEngine constructs a failover engine over a breaker registry.
func NewEngine(breakers *breaker.Registry, opts ...Option) *Engine {
	e := &Engine{
		breakers: breakers,
		backoff:  NewBackoff(0, 0),
		sleep:    sleepContext,
		clock:    fulfillment.SystemClock(),
		logger:   fulfillment.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Purchase runs the failover sequence. The returned Result is always
// populated for diagnostics, even when err is non-nil.
func (e *Engine) Purchase(ctx context.Context, vendors []fulfillment.VendorDescriptor, req fulfillment.PurchaseRequest) (*Result, error) {
	result := &Result{FailureReasons: map[string]string{}}
	fields := map[string]any{
		"order_id":       req.OrderID,
		"correlation_id": req.CorrelationID,
	}
	logger := fulfillment.WithLoggerFields(e.logger.WithContext(ctx), fields)

	active := activeByPriority(vendors)
	if len(active) == 0 {
		return result, ErrNoActiveVendors.Clone().WithMetadata(fields)
	}

	callable := active[:0:0]
	for _, vd := range active {
		if e.breakers.Allow(ctx, vd.Slug) {
			callable = append(callable, vd)
		} else {
			logger.Debug("skipping %s: circuit open", vd.Slug)
		}
	}
	if len(callable) == 0 {
		return result, ErrAllCircuitsOpen.Clone().WithMetadata(fields)
	}

	for idx, vd := range callable {
		if idx > 0 {
			prev := callable[idx-1]
			result.Events = append(result.Events, Event{
				From:   prev.Slug,
				To:     vd.Slug,
				Reason: result.FailureReasons[prev.Slug],
				At:     e.clock.Now(),
			})
		}
		result.Attempted = append(result.Attempted, vd.Slug)

		artifact, err := e.tryVendor(ctx, vd, req, result, logger)
		if err == nil {
			result.Artifact = artifact
			result.VendorUsed = vd.Slug
			logger.Info("vendor %s fulfilled order %s", vd.Slug, req.OrderID)
			return result, nil
		}
		result.FailureReasons[vd.Slug] = err.Error()
		if ctx.Err() != nil {
			break
		}
	}

	meta := map[string]any{
		"attempted":       append([]string(nil), result.Attempted...),
		"failure_reasons": result.FailureReasons,
	}
	for k, v := range fields {
		meta[k] = v
	}
	logger.Warn("all vendors exhausted for order %s", req.OrderID)
	return result, ErrExhausted.Clone().WithMetadata(meta)
}

// tryVendor invokes one vendor with bounded retries. A non-retryable
// classification aborts immediately so the engine can advance to the next
// vendor.
func (e *Engine) tryVendor(
	ctx context.Context,
	vd fulfillment.VendorDescriptor,
	req fulfillment.PurchaseRequest,
	result *Result,
	logger fulfillment.Logger,
) (*fulfillment.Artifact, error) {
	var lastErr error

	for attempt := 0; attempt <= vd.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		start := e.clock.Now()
		artifact, err := e.invoke(ctx, vd, req)
		record := fulfillment.Attempt{
			Vendor:    vd.Slug,
			StartedAt: start,
			Duration:  e.clock.Now().Sub(start),
			Success:   err == nil,
		}

		if err == nil {
			result.Attempts = append(result.Attempts, record)
			e.breakers.RecordSuccess(ctx, vd.Slug)
			return artifact, nil
		}

		class := fulfillment.Classify(err)
		record.Class = class
		record.Error = err.Error()
		result.Attempts = append(result.Attempts, record)
		e.breakers.RecordFailure(ctx, vd.Slug)
		lastErr = err
		logger.Warn("vendor %s attempt %d failed (%s): %v", vd.Slug, attempt+1, class, err)

		if !class.Retryable() {
			break
		}
	}
	return nil, lastErr
}

// invoke performs one vendor call under the vendor's own timeout.
func (e *Engine) invoke(ctx context.Context, vd fulfillment.VendorDescriptor, req fulfillment.PurchaseRequest) (*fulfillment.Artifact, error) {
	callCtx := ctx
	if vd.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, vd.Timeout)
		defer cancel()
	}
	return vd.Client.Purchase(callCtx, req)
}

func activeByPriority(vendors []fulfillment.VendorDescriptor) []fulfillment.VendorDescriptor {
	active := make([]fulfillment.VendorDescriptor, 0, len(vendors))
	for _, vd := range vendors {
		if vd.Active && vd.Client != nil {
			active = append(active, vd)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})
	return active
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
